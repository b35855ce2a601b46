// Package session is the composition root of the session runtime. It owns
// the lifecycle of every component and reacts to identity changes.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"firefighter.org/internal/audit"
	"firefighter.org/internal/fault"
	"firefighter.org/internal/health"
	"firefighter.org/internal/identity"
	"firefighter.org/internal/interceptor"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/token"
	"firefighter.org/internal/tokenmonitor"
	"firefighter.org/internal/verify"
)

// DefaultBootstrapTimeout bounds startup verification and guard waits.
const DefaultBootstrapTimeout = 8 * time.Second

// ErrDisposed is returned by Init after Dispose.
var ErrDisposed = errors.New("session: disposed")

// Deps are the components the service coordinates. Retrier is optional.
type Deps struct {
	Identity *identity.Adapter
	Verifier *verify.Client
	Tokens   *token.Engine
	Monitor  *tokenmonitor.Monitor
	Health   *health.Monitor
	Retrier  *health.Retrier
	Nav      nav.Navigator
}

// Service is constructed once per process by the composition root.
type Service struct {
	deps        Deps
	log         *zap.Logger
	bootTimeout time.Duration
	base        http.RoundTripper

	initOnce    sync.Once
	disposeOnce sync.Once
	disposed    chan struct{}
	cancel      context.CancelFunc
	loopDone    chan struct{}

	// Event loop state, only touched by the loop goroutine.
	last         *identity.Identity
	bootstrapped bool

	forceMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithBootstrapTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.bootTimeout = d
		}
	}
}

// WithBaseTransport sets the transport under the interceptor.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(s *Service) {
		if rt != nil {
			s.base = rt
		}
	}
}

// New wires a service. Nothing runs until Init.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		deps:        deps,
		bootTimeout: DefaultBootstrapTimeout,
		base:        http.DefaultTransport,
		disposed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = obs.Or(s.log).Named("session")
	return s
}

// Init subscribes to identity changes, restores any persisted identity and
// starts health monitoring. Calls after the first are no-ops.
func (s *Service) Init(ctx context.Context) error {
	select {
	case <-s.disposed:
		return ErrDisposed
	default:
	}
	var err error
	s.initOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		s.loopDone = make(chan struct{})
		events := s.deps.Identity.Changes(loopCtx)
		go s.loop(loopCtx, events)

		if _, err = s.deps.Identity.Restore(ctx); err != nil {
			s.log.Warn("identity restore failed", zap.Error(err))
		}
		s.deps.Health.Start()
		s.log.Info("session runtime started")
	})
	return err
}

// Dispose stops every loop. Idempotent.
func (s *Service) Dispose() {
	s.disposeOnce.Do(func() {
		close(s.disposed)
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
		}
		s.deps.Monitor.Stop()
		s.deps.Health.Stop()
		s.deps.Verifier.Wait()
		s.log.Info("session runtime stopped")
	})
}

func (s *Service) loop(ctx context.Context, events <-chan identity.Event) {
	defer close(s.loopDone)
	for ev := range events {
		s.handle(ctx, ev)
	}
}

// handle processes identity events in emission order.
func (s *Service) handle(ctx context.Context, ev identity.Event) {
	if s.bootstrapped && ev.Identity.Equal(s.last) {
		return
	}
	first := !s.bootstrapped
	s.bootstrapped = true
	if ev.Identity == nil {
		s.last = nil
		s.teardown(ctx)
		return
	}
	id := *ev.Identity
	s.last = &id
	actx := audit.WithUser(ctx, id.UID)

	if first {
		if p, ok := s.deps.Verifier.Restore(ctx, id); ok {
			s.log.Info("session restored from cache", zap.String("uid", id.UID))
			s.afterProfile(actx, p)
			return
		}
	}

	vctx, cancel := context.WithTimeout(ctx, s.bootTimeout)
	p, err := s.deps.Verifier.Verify(vctx, id)
	cancel()
	switch {
	case errors.Is(err, verify.ErrSkipped):
		return
	case errors.Is(err, fault.ErrServiceUnavailable):
		// Already routed to the degraded screen.
		return
	case err != nil:
		s.log.Warn("verification failed", zap.String("uid", id.UID), zap.Error(err))
		_ = audit.LogEvent(actx, audit.EventVerifyFailed, map[string]any{"kind": fault.Classify(err).String()})
		return
	}
	_ = audit.LogEvent(actx, audit.EventVerified, map[string]any{"admin": p.IsAdmin, "authorized": p.IsAuthorized})
	s.afterProfile(actx, p)
}

func (s *Service) afterProfile(ctx context.Context, p verify.Profile) {
	if !p.IsAuthorized {
		s.deps.Nav.Navigate(nav.InactiveAccount)
		return
	}
	s.deps.Monitor.Start()
}

// teardown drops every piece of session state. Each step runs even when an
// earlier one fails.
func (s *Service) teardown(ctx context.Context) {
	s.deps.Monitor.Stop()
	if err := s.deps.Tokens.Clear(ctx); err != nil {
		s.log.Warn("clear token failed", zap.Error(err))
	}
	if err := s.deps.Verifier.Clear(ctx); err != nil {
		s.log.Warn("clear profile failed", zap.Error(err))
	}
}

// SignIn signs in through the identity adapter. Verification and token
// exchange follow from the resulting identity event.
func (s *Service) SignIn(ctx context.Context, creds identity.Credentials) (identity.Identity, error) {
	id, err := s.deps.Identity.SignIn(ctx, creds)
	if err != nil {
		return identity.Identity{}, err
	}
	_ = audit.LogEvent(audit.WithUser(ctx, id.UID), audit.EventSignedIn, map[string]any{"method": string(creds.Method)})
	return id, nil
}

// SignOut ends the session and returns to the login page. Local state is
// cleared even when the provider call fails.
func (s *Service) SignOut(ctx context.Context) error {
	uid := s.uid()
	s.teardown(ctx)
	if err := s.deps.Identity.SignOut(ctx); err != nil {
		s.log.Warn("identity sign out failed", zap.Error(err))
	}
	_ = audit.LogEvent(audit.WithUser(ctx, uid), audit.EventSignedOut, nil)
	s.deps.Nav.Navigate(nav.Login)
	return nil
}

// ForceSignOut ends the session after an unrecoverable authentication
// failure and surfaces reason to the login page. Concurrent calls collapse
// into one.
func (s *Service) ForceSignOut(ctx context.Context, reason string) {
	if !s.forceMu.TryLock() {
		return
	}
	defer s.forceMu.Unlock()

	uid := s.uid()
	obs.ForcedSignOuts.WithLabelValues(reason).Inc()
	s.log.Warn("forcing sign out", zap.String("reason", reason), zap.String("uid", uid))
	s.teardown(ctx)
	if err := s.deps.Identity.SignOut(ctx); err != nil {
		s.log.Warn("identity sign out failed", zap.Error(err))
	}
	_ = audit.LogEvent(audit.WithUser(ctx, uid), audit.EventForcedSignOut, map[string]any{"reason": reason})
	s.deps.Nav.Navigate(nav.Login, nav.WithState(nav.StateReason, reason))
}

func (s *Service) uid() string {
	if id := s.deps.Identity.Current(); id != nil {
		return id.UID
	}
	return ""
}

// HTTPClient returns a client whose requests carry the bearer token and
// recover once from token expiry.
func (s *Service) HTTPClient() *http.Client {
	return &http.Client{
		Transport: interceptor.New(s.deps.Tokens, s, interceptor.WithBase(s.base), interceptor.WithLogger(s.log)),
		Timeout:   30 * time.Second,
	}
}

// Retry runs one manual health check from the degraded screen.
func (s *Service) Retry(ctx context.Context) (health.RetryResult, error) {
	if s.deps.Retrier == nil {
		return health.RetryResult{Health: s.deps.Health.CheckNow(ctx)}, nil
	}
	return s.deps.Retrier.Retry(ctx)
}

// TokenStatus subscribes to live token status updates.
func (s *Service) TokenStatus(ctx context.Context) <-chan token.Status {
	return s.deps.Monitor.Subscribe(ctx)
}

// Health subscribes to connectivity observations.
func (s *Service) Health(ctx context.Context) <-chan health.Health {
	return s.deps.Health.Subscribe(ctx)
}

// AuditConnectivity is a health state hook that records degraded-mode entry
// and exit in the audit log.
func AuditConnectivity(from, to health.State) {
	switch {
	case to == health.Degraded && from != health.Degraded:
		_ = audit.LogEvent(context.Background(), audit.EventDegradedEntered, map[string]any{"from": from.String()})
	case from == health.Degraded && to == health.Operational:
		_ = audit.LogEvent(context.Background(), audit.EventDegradedLeft, nil)
	}
}
