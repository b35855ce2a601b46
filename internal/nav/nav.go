// Package nav models the application's navigation boundary: the routes the
// session runtime redirects between and the navigator it redirects through.
package nav

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"firefighter.org/internal/stream"
)

// Routes the runtime navigates to or inspects.
const (
	Login           = "/login"
	Register        = "/register"
	Dashboard       = "/dashboard"
	ServiceDown     = "/service-down"
	AccessRequest   = "/access-request"
	InactiveAccount = "/inactive-account"
)

// Query and state keys surfaced to pages.
const (
	QueryError             = "error"
	ErrorAdminAccessDenied = "admin_access_denied"
	StateReason            = "reason"
	ReasonSessionExpired   = "session_expired"
	ReasonInvalidToken     = "invalid_token"
)

// Navigation is one completed redirect.
type Navigation struct {
	Path  string
	Query url.Values
	State map[string]string
	At    time.Time
}

// URL renders path and query.
func (n Navigation) URL() string {
	if len(n.Query) == 0 {
		return n.Path
	}
	return n.Path + "?" + n.Query.Encode()
}

// Option decorates a navigation.
type Option func(*Navigation)

// WithQuery adds a query parameter to the target URL.
func WithQuery(key, value string) Option {
	return func(n *Navigation) {
		if n.Query == nil {
			n.Query = url.Values{}
		}
		n.Query.Set(key, value)
	}
}

// WithState attaches navigation state for the target page to render.
func WithState(key, value string) Option {
	return func(n *Navigation) {
		if n.State == nil {
			n.State = map[string]string{}
		}
		n.State[key] = value
	}
}

// Navigator is implemented by whatever owns the application's location.
type Navigator interface {
	Current() string
	Navigate(path string, opts ...Option)
}

// IsRegistrationFlow reports whether path belongs to the pages where no
// session profile exists yet.
func IsRegistrationFlow(path string) bool {
	p := pathOnly(path)
	for _, prefix := range []string{Register, AccessRequest, InactiveAccount} {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Is reports whether path (ignoring query) equals route.
func Is(path, route string) bool {
	return pathOnly(path) == route
}

func pathOnly(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Router is an in-memory Navigator that records history and broadcasts
// every navigation.
type Router struct {
	mu      sync.Mutex
	current Navigation
	history []Navigation
	now     func() time.Time
	changes *stream.Hub[Navigation]
}

// NewRouter starts at initial.
func NewRouter(initial string) *Router {
	return &Router{
		current: Navigation{Path: initial, At: time.Now()},
		now:     time.Now,
		changes: stream.New[Navigation](),
	}
}

// Current returns the current path.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Path
}

// Location returns the current navigation including query and state.
func (r *Router) Location() Navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Navigate moves to path and records it.
func (r *Router) Navigate(path string, opts ...Option) {
	n := Navigation{Path: path}
	for _, opt := range opts {
		opt(&n)
	}
	r.mu.Lock()
	n.At = r.now()
	r.current = n
	r.history = append(r.history, n)
	r.mu.Unlock()
	r.changes.Publish(n)
}

// History returns every navigation made through Navigate.
func (r *Router) History() []Navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Navigation, len(r.history))
	copy(out, r.history)
	return out
}

// Count returns how many navigations targeted path.
func (r *Router) Count(path string) int {
	n := 0
	for _, h := range r.History() {
		if h.Path == path {
			n++
		}
	}
	return n
}

// Changes streams navigations made after (and the latest one before) subscribing.
func (r *Router) Changes(ctx context.Context) <-chan Navigation {
	return r.changes.Subscribe(ctx)
}
