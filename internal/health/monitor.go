package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"firefighter.org/internal/kv"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/stream"
	"firefighter.org/internal/token"
)

// DefaultInterval is the polling period.
const DefaultInterval = 30 * time.Second

// Monitor polls the backend and drives degraded-mode navigation.
type Monitor struct {
	checker  *Checker
	nav      nav.Navigator
	store    kv.Store
	clock    clockwork.Clock
	interval time.Duration
	log      *zap.Logger
	onChange func(from, to State)

	health *stream.Hub[Health]
	seq    atomic.Uint64
	checks atomic.Int64

	stateMu sync.Mutex
	state   State
	applied uint64

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

// WithStateHook is called on every state change, outside the monitor's locks.
func WithStateHook(fn func(from, to State)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// NewMonitor returns a stopped monitor.
func NewMonitor(checker *Checker, navigator nav.Navigator, store kv.Store, opts ...Option) *Monitor {
	m := &Monitor{
		checker:  checker,
		nav:      navigator,
		store:    store,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		health:   stream.New[Health](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = obs.Or(m.log).Named("health")
	return m
}

// Start polls immediately and then every interval. Idempotent.
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
}

// Stop ends polling and waits for the loop to exit. Idempotent.
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

// CheckNow polls once and applies the result.
func (m *Monitor) CheckNow(ctx context.Context) Health {
	seq := m.seq.Add(1)
	h := m.checker.Check(ctx)
	m.checks.Add(1)
	m.apply(ctx, seq, h)
	return h
}

// Observe applies a health result obtained outside the polling loop.
func (m *Monitor) Observe(ctx context.Context, h Health) {
	m.apply(ctx, m.seq.Add(1), h)
}

// apply feeds one observation through Transition. A result older than one
// already applied is dropped.
func (m *Monitor) apply(ctx context.Context, seq uint64, h Health) {
	m.stateMu.Lock()
	if seq < m.applied {
		m.stateMu.Unlock()
		m.log.Debug("dropping stale health result", zap.Uint64("seq", seq))
		return
	}
	m.applied = seq
	from := m.state
	to, action := Transition(from, h.IsHealthy, nav.Is(m.nav.Current(), nav.ServiceDown))
	m.state = to
	m.stateMu.Unlock()

	m.health.Publish(h)
	if from != to {
		m.log.Info("connectivity state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("reason", h.Err),
		)
		if m.onChange != nil {
			m.onChange(from, to)
		}
	}

	switch action {
	case EnterDegraded:
		m.recordConnection(ctx)
		m.nav.Navigate(nav.ServiceDown)
	case LeaveDegraded:
		m.recordConnection(ctx)
		m.nav.Navigate(nav.Dashboard)
	}
}

func (m *Monitor) recordConnection(ctx context.Context) {
	now := m.clock.Now().UTC().Format(token.TimeFormat)
	if err := m.store.Apply(context.WithoutCancel(ctx), kv.NewBatch().Put(kv.KeyLastSuccessfulConnection, now)); err != nil {
		m.log.Warn("record last connection failed", zap.Error(err))
	}
}

// State returns the current connectivity mode.
func (m *Monitor) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Subscribe streams health observations, starting with the latest.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Health {
	return m.health.Subscribe(ctx)
}

// Latest returns the most recent observation.
func (m *Monitor) Latest() (Health, bool) {
	return m.health.Latest()
}

// Checks returns how many polls have run.
func (m *Monitor) Checks() int64 {
	return m.checks.Load()
}
