// Package health decides whether the runtime is operational or degraded by
// polling the backend's liveness endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/fault"
	"firefighter.org/internal/obs"
)

// Unhealthy reasons shown on the degraded screen.
const (
	ReasonOffline     = "Unable to reach the service. Check your network connection."
	ReasonNotFound    = "The service health endpoint was not found."
	ReasonServerError = "The service is experiencing problems. Please try again later."
	ReasonGeneric     = "The service is currently unavailable."
)

// Health is one liveness observation.
type Health struct {
	IsHealthy   bool
	Status      *apiclient.HealthStatus
	LastChecked time.Time
	Err         string
}

// Prober polls the liveness endpoint.
type Prober interface {
	Health(ctx context.Context) (apiclient.HealthStatus, error)
}

// Checker performs single liveness checks.
type Checker struct {
	api   Prober
	clock clockwork.Clock
}

// NewChecker returns a checker over api. A nil clock uses real time.
func NewChecker(api Prober, clock clockwork.Clock) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Checker{api: api, clock: clock}
}

// Check polls once. The backend is healthy iff it reports status UP.
func (c *Checker) Check(ctx context.Context) Health {
	status, err := c.api.Health(ctx)
	h := Health{LastChecked: c.clock.Now()}
	switch {
	case err != nil:
		h.Err = Reason(err)
	case status.Status == apiclient.StatusUp:
		h.IsHealthy = true
		h.Status = &status
	default:
		h.Status = &status
		h.Err = fmt.Sprintf("The service reported status %s.", status.Status)
	}

	result := "unhealthy"
	if h.IsHealthy {
		result = "healthy"
		obs.HealthState.Set(1)
	} else {
		obs.HealthState.Set(0)
	}
	obs.HealthChecks.WithLabelValues(result).Inc()
	return h
}

// Reason maps a failed check to a human-readable category.
func Reason(err error) string {
	var apiErr *fault.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusNotFound:
			return ReasonNotFound
		case apiErr.Status >= 500:
			return ReasonServerError
		}
		return ReasonGeneric
	}
	if fault.IsConnectivity(err) {
		return ReasonOffline
	}
	return ReasonGeneric
}
