// Package tokenmonitor polls token freshness on a fixed interval, publishes
// the status to any number of subscribers and refreshes the token when it
// crosses the refresh threshold.
package tokenmonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"firefighter.org/internal/obs"
	"firefighter.org/internal/stream"
	"firefighter.org/internal/token"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 10 * time.Minute
)

// Monitor is safe for concurrent use. Start and Stop are idempotent.
type Monitor struct {
	src       token.Source
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	log       *zap.Logger

	status     *stream.Hub[token.Status]
	checks     atomic.Int64
	refreshing atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New returns a stopped monitor over src.
func New(src token.Source, opts ...Option) *Monitor {
	m := &Monitor{
		src:       src,
		clock:     clockwork.NewRealClock(),
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		status:    stream.New[token.Status](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = obs.Or(m.log).Named("tokenmonitor")
	return m
}

// Start evaluates the token immediately and then on every interval. A
// second Start while running does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.log.Debug("token monitoring started", zap.Duration("interval", m.interval))
}

// Stop ends the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Debug("token monitoring stopped")
}

// Running reports whether the polling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.CheckNow(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.CheckNow(ctx)
		}
	}
}

// CheckNow evaluates the token, publishes the status, and starts a
// background refresh when one is due and none is in flight.
func (m *Monitor) CheckNow(ctx context.Context) token.Status {
	st := m.src.Status(ctx, m.threshold)
	m.checks.Add(1)
	m.status.Publish(st)

	if st.RequiresRefresh && m.refreshing.CompareAndSwap(false, true) {
		go m.refresh(ctx)
	}
	return st
}

func (m *Monitor) refresh(ctx context.Context) {
	defer m.refreshing.Store(false)
	if !m.src.Refresh(ctx) {
		// The next tick re-evaluates and may try again.
		m.log.Warn("automatic token refresh failed")
		return
	}
	m.status.Publish(m.src.Status(ctx, m.threshold))
}

// Stored republishes the status after a token write so subscribers see the
// new expiry before the next tick.
func (m *Monitor) Stored(tok token.Token) {
	m.status.Publish(m.src.Status(context.Background(), m.threshold))
}

// Subscribe streams statuses, starting with the latest one.
func (m *Monitor) Subscribe(ctx context.Context) <-chan token.Status {
	return m.status.Subscribe(ctx)
}

// Latest returns the most recent status.
func (m *Monitor) Latest() (token.Status, bool) {
	return m.status.Latest()
}

// Checks returns how many evaluations have run.
func (m *Monitor) Checks() int64 {
	return m.checks.Load()
}
