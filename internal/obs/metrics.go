package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session runtime metrics.
var (
	HealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firefighter_health_checks_total",
			Help: "Backend liveness checks by result.",
		},
		[]string{"result"},
	)

	HealthState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "firefighter_backend_healthy",
		Help: "1 when the backend was healthy at the last check, 0 otherwise.",
	})

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firefighter_token_refreshes_total",
			Help: "Bearer token refresh attempts by result.",
		},
		[]string{"result"},
	)

	TokenSecondsRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "firefighter_token_seconds_remaining",
		Help: "Seconds until the stored bearer token expires (0 when absent).",
	})

	InterceptorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firefighter_interceptor_retries_total",
			Help: "Requests re-issued after a token refresh, by outcome.",
		},
		[]string{"outcome"},
	)

	ForcedSignOuts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firefighter_forced_sign_outs_total",
			Help: "Sessions terminated by the runtime, by reason.",
		},
		[]string{"reason"},
	)
)

// HTTP server metrics, used by the stub backend.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HealthChecks, HealthState, TokenRefreshes, TokenSecondsRemaining,
			InterceptorRetries, ForcedSignOuts,
			httpInFlight, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// knownPaths keeps the path label bounded.
var knownPaths = map[string]struct{}{
	"/metrics":                 {},
	"/api/health":              {},
	"/api/users/verify":        {},
	"/api/auth/firebase-login": {},
	"/api/auth/refresh-token":  {},
	"/api/tickets":             {},
}

// CanonicalPath maps a request path to a bounded metric label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	p = strings.TrimSuffix(p, "/")
	if _, ok := knownPaths[p]; ok {
		return p
	}
	if strings.HasPrefix(p, "/api/tickets/") && !strings.Contains(strings.TrimPrefix(p, "/api/tickets/"), "/") {
		return "/api/tickets/:id"
	}
	return "other"
}

// Instrument records in-flight requests, totals and latency for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
