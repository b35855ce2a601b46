package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultRetryTimeout  = 8 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryCooldown = 30 * time.Second
)

// ErrMaxRetries rejects a manual retry while the cooldown runs.
var ErrMaxRetries = errors.New("health: max retries reached")

// RetryState is what the degraded screen shows for manual retries.
type RetryState int

const (
	RetryAvailable RetryState = iota
	MaxRetriesReached
)

func (s RetryState) String() string {
	if s == MaxRetriesReached {
		return "max_retries_reached"
	}
	return "available"
}

// RetryResult describes one manual retry. RetryAt is set once the cap is
// hit and tells when attempts become available again.
type RetryResult struct {
	Health    Health
	Attempt   int
	Remaining int
	State     RetryState
	RetryAt   time.Time
}

// Retrier runs bounded manual health checks.
type Retrier struct {
	checker  *Checker
	monitor  *Monitor
	clock    clockwork.Clock
	timeout  time.Duration
	max      int
	cooldown time.Duration

	mu          sync.Mutex
	attempts    int
	exhaustedAt time.Time
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

func WithRetryTimeout(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMaxRetries(n int) RetryOption {
	return func(r *Retrier) {
		if n > 0 {
			r.max = n
		}
	}
}

func WithCooldown(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

func WithRetryClock(c clockwork.Clock) RetryOption {
	return func(r *Retrier) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRetrier returns a retrier. Successful checks are fed into monitor when
// it is not nil.
func NewRetrier(checker *Checker, monitor *Monitor, opts ...RetryOption) *Retrier {
	r := &Retrier{
		checker:  checker,
		monitor:  monitor,
		clock:    clockwork.NewRealClock(),
		timeout:  DefaultRetryTimeout,
		max:      DefaultMaxRetries,
		cooldown: DefaultRetryCooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retry performs one health check under the retry timeout. After max
// consecutive failures it returns ErrMaxRetries until the cooldown elapses.
// An unhealthy result is not an error.
func (r *Retrier) Retry(ctx context.Context) (RetryResult, error) {
	r.mu.Lock()
	if r.attempts >= r.max {
		until := r.exhaustedAt.Add(r.cooldown)
		if r.clock.Now().Before(until) {
			res := RetryResult{Attempt: r.attempts, State: MaxRetriesReached, RetryAt: until}
			r.mu.Unlock()
			return res, ErrMaxRetries
		}
		r.attempts = 0
	}
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	h := r.checker.Check(cctx)
	cancel()

	res := RetryResult{Health: h, Attempt: attempt, State: RetryAvailable}
	r.mu.Lock()
	switch {
	case h.IsHealthy:
		r.attempts = 0
	case r.attempts >= r.max:
		r.exhaustedAt = r.clock.Now()
		res.State = MaxRetriesReached
		res.RetryAt = r.exhaustedAt.Add(r.cooldown)
	}
	res.Remaining = r.max - r.attempts
	r.mu.Unlock()

	if h.IsHealthy && r.monitor != nil {
		r.monitor.Observe(ctx, h)
	}
	return res, nil
}

// State reports whether a retry would currently be accepted.
func (r *Retrier) State() RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts >= r.max && r.clock.Now().Before(r.exhaustedAt.Add(r.cooldown)) {
		return MaxRetriesReached
	}
	return RetryAvailable
}
