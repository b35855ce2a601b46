// Package token owns the bearer token: exchange after verification,
// forced refresh, and expiry accounting over durable storage.
package token

import (
	"context"
	"time"
)

// TimeFormat is the stored expiry layout (ISO 8601, millisecond precision, UTC).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// State is the lifecycle position of the stored token.
type State int

const (
	Absent State = iota
	Valid
	ExpiringSoon
	Expired
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case ExpiringSoon:
		return "expiring_soon"
	case Expired:
		return "expired"
	default:
		return "absent"
	}
}

// Token is an opaque bearer credential and its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Status is derived from the stored token on every evaluation.
type Status struct {
	State           State
	IsValid         bool
	ExpiresAt       time.Time
	TimeUntilExpiry time.Duration
	RequiresRefresh bool
}

// Evaluate derives the status of tok at now. A zero Token is absent.
func Evaluate(tok Token, now time.Time, threshold time.Duration) Status {
	if tok.Value == "" || tok.ExpiresAt.IsZero() {
		return Status{State: Absent}
	}
	remaining := tok.ExpiresAt.Sub(now)
	st := Status{ExpiresAt: tok.ExpiresAt}
	switch {
	case remaining <= 0:
		st.State = Expired
		return st
	case remaining <= threshold:
		st.State = ExpiringSoon
	default:
		st.State = Valid
	}
	st.IsValid = true
	st.TimeUntilExpiry = remaining
	st.RequiresRefresh = remaining <= threshold
	return st
}

// Source is the token accessor shared by the monitor and the request
// interceptor. Both depend on it rather than on Engine.
type Source interface {
	// Current returns the stored token unless it is missing or expired.
	Current(ctx context.Context) (Token, bool)
	Status(ctx context.Context, threshold time.Duration) Status
	// Refresh reports whether a new token was stored. It never fails loudly.
	Refresh(ctx context.Context) bool
}
