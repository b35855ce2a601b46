package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/audit"
	"firefighter.org/internal/health"
	"firefighter.org/internal/identity"
	"firefighter.org/internal/kv"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/stubapi"
	"firefighter.org/internal/token"
	"firefighter.org/internal/tokenmonitor"
	"firefighter.org/internal/verify"
)

const waitFor = 2 * time.Second

// idp is an identity provider whose sessions are derived from the email.
type idp struct {
	clock clockwork.Clock

	mu         sync.Mutex
	refreshErr error

	// uidOnly makes Refresh report only the uid, as token endpoints do.
	uidOnly bool
}

func (p *idp) session(email string) identity.Session {
	local, _, _ := strings.Cut(email, "@")
	uid := "uid-" + local
	return identity.Session{
		Identity: identity.Identity{
			UID:           uid,
			Email:         email,
			DisplayName:   local,
			ProviderID:    "password",
			EmailVerified: true,
		},
		IDToken:      uid,
		RefreshToken: "rt:" + email,
		ExpiresAt:    p.clock.Now().Add(time.Hour),
	}
}

func (p *idp) SignIn(ctx context.Context, creds identity.Credentials) (identity.Session, error) {
	return p.session(creds.Email), nil
}

func (p *idp) Refresh(ctx context.Context, refreshToken string) (identity.Session, error) {
	p.mu.Lock()
	err := p.refreshErr
	p.mu.Unlock()
	if err != nil {
		return identity.Session{}, err
	}
	s := p.session(strings.TrimPrefix(refreshToken, "rt:"))
	if p.uidOnly {
		s.Identity = identity.Identity{UID: s.Identity.UID}
	}
	return s, nil
}

func (p *idp) SignOut(ctx context.Context, s identity.Session) error { return nil }

func (p *idp) failRefresh(err error) {
	p.mu.Lock()
	p.refreshErr = err
	p.mu.Unlock()
}

type stack struct {
	clock    *clockwork.FakeClock
	stub     *stubapi.Server
	ts       *httptest.Server
	store    kv.Store
	router   *nav.Router
	ident    *identity.Adapter
	tokens   *token.Engine
	verifier *verify.Client
	monitor  *tokenmonitor.Monitor
	health   *health.Monitor
	svc      *Service
	idp      *idp
}

type stackConfig struct {
	initial string
	store   kv.Store
	stub    *stubapi.Server
	clock   *clockwork.FakeClock
}

func newStack(t *testing.T, cfg stackConfig) *stack {
	t.Helper()
	s := &stack{clock: cfg.clock, store: cfg.store, stub: cfg.stub}
	if s.clock == nil {
		s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	}
	if s.store == nil {
		s.store = kv.NewMemory()
	}
	if s.stub == nil {
		stub, err := stubapi.New("session-secret",
			stubapi.WithClock(s.clock),
			stubapi.WithTokenTTL(30*time.Minute),
			stubapi.WithAdminEmails("chief@ff.local"),
		)
		require.NoError(t, err)
		s.stub = stub
	}
	if cfg.initial == "" {
		cfg.initial = nav.Login
	}
	s.ts = httptest.NewServer(s.stub.Handler())
	t.Cleanup(s.ts.Close)

	api := apiclient.New(s.ts.URL+"/api", apiclient.WithHTTPClient(s.ts.Client()))
	s.router = nav.NewRouter(cfg.initial)
	s.idp = &idp{clock: s.clock}
	s.ident = identity.NewAdapter(s.idp, identity.WithStore(s.store), identity.WithClock(s.clock))
	s.tokens = token.NewEngine(s.store, api, s.ident,
		token.WithClock(s.clock),
		token.WithOnStore(func(tok token.Token) {
			if s.monitor != nil {
				s.monitor.Stored(tok)
			}
		}),
	)
	s.verifier = verify.New(api, s.store, s.router,
		verify.WithExchanger(s.tokens),
		verify.WithClock(s.clock),
		verify.WithBootstrapTimeout(waitFor),
	)
	s.monitor = tokenmonitor.New(s.tokens, tokenmonitor.WithClock(s.clock))
	checker := health.NewChecker(api, s.clock)
	s.health = health.NewMonitor(checker, s.router, s.store, health.WithClock(s.clock))
	retrier := health.NewRetrier(checker, s.health, health.WithRetryClock(s.clock))

	s.svc = New(Deps{
		Identity: s.ident,
		Verifier: s.verifier,
		Tokens:   s.tokens,
		Monitor:  s.monitor,
		Health:   s.health,
		Retrier:  retrier,
		Nav:      s.router,
	}, WithBaseTransport(s.ts.Client().Transport), WithBootstrapTimeout(waitFor))
	t.Cleanup(s.svc.Dispose)

	require.NoError(t, s.svc.Init(context.Background()))
	require.Eventually(t, func() bool { return s.health.State() != health.Unknown }, waitFor, 5*time.Millisecond)
	return s
}

func (s *stack) signIn(t *testing.T, email string) {
	t.Helper()
	_, err := s.svc.SignIn(context.Background(), identity.Credentials{
		Method:   identity.MethodPassword,
		Email:    email,
		Password: "hunter2",
	})
	require.NoError(t, err)
}

func (s *stack) waitForToken(t *testing.T) token.Token {
	t.Helper()
	var tok token.Token
	require.Eventually(t, func() bool {
		var ok bool
		tok, ok = s.tokens.Current(context.Background())
		return ok
	}, waitFor, 5*time.Millisecond)
	return tok
}

func (s *stack) getTickets(t *testing.T) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/tickets", nil)
	require.NoError(t, err)
	resp, err := s.svc.HTTPClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestSuccessfulBootstrap(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.signIn(t, "crew@ff.local")
	s.waitForToken(t)

	<-s.verifier.Ready()
	p, ok := s.verifier.Profile()
	require.True(t, ok)
	require.Equal(t, "crew@ff.local", p.Email)
	require.Eventually(t, s.monitor.Running, waitFor, 5*time.Millisecond)
	require.Zero(t, s.router.Count(nav.ServiceDown))

	for _, key := range []string{kv.KeyToken, kv.KeyTokenExpiration, kv.KeyProfile, kv.KeyAdminStatus} {
		_, found, err := s.store.Get(context.Background(), key)
		require.NoError(t, err)
		require.True(t, found, key)
	}

	require.Equal(t, http.StatusOK, s.getTickets(t).StatusCode)
}

func TestExpiredTokenIsRefreshedAndRetried(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.signIn(t, "crew@ff.local")
	before := s.waitForToken(t)

	// The backend's token lifetime is shorter than the local one, so the
	// runtime still believes the token is valid.
	s.clock.Advance(31 * time.Minute)

	require.Equal(t, http.StatusOK, s.getTickets(t).StatusCode)
	after, ok := s.tokens.Current(context.Background())
	require.True(t, ok)
	require.NotEqual(t, before.Value, after.Value)
	require.True(t, after.ExpiresAt.After(before.ExpiresAt))

	logins, refreshes := s.stub.Exchanges()
	require.Equal(t, 1, logins)
	require.Equal(t, 1, refreshes)
	require.Equal(t, nav.Login, s.router.Current())
	require.Empty(t, s.router.History())
}

func TestSilentRefreshDoesNotReverify(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.idp.mu.Lock()
	s.idp.uidOnly = true
	s.idp.mu.Unlock()
	s.signIn(t, "crew@ff.local")
	s.waitForToken(t)
	require.Equal(t, 1, s.stub.Verifications())
	want := s.ident.Current()

	s.clock.Advance(31 * time.Minute)
	require.Equal(t, http.StatusOK, s.getTickets(t).StatusCode)
	_, refreshes := s.stub.Exchanges()
	require.Equal(t, 1, refreshes)
	require.True(t, s.ident.Current().Equal(want))

	require.Never(t, func() bool {
		logins, _ := s.stub.Exchanges()
		return s.stub.Verifications() > 1 || logins > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
	p, ok := s.verifier.Profile()
	require.True(t, ok)
	require.Equal(t, "crew@ff.local", p.Email)
}

func TestStoredTokenRepublishesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStack(t, stackConfig{})
	statuses := s.svc.TokenStatus(ctx)

	s.signIn(t, "crew@ff.local")
	tok := s.waitForToken(t)
	for valid := false; !valid; {
		select {
		case st := <-statuses:
			valid = st.IsValid && st.ExpiresAt.Equal(tok.ExpiresAt)
		case <-time.After(waitFor):
			t.Fatal("stored token status was not published")
		}
	}

	// A refresh driven by a rejected request is published too.
	s.clock.Advance(31 * time.Minute)
	require.Equal(t, http.StatusOK, s.getTickets(t).StatusCode)
	after, ok := s.tokens.Current(ctx)
	require.True(t, ok)
	require.True(t, after.ExpiresAt.After(tok.ExpiresAt))
	require.Eventually(t, func() bool {
		st, ok := s.monitor.Latest()
		return ok && st.IsValid && st.ExpiresAt.Equal(after.ExpiresAt)
	}, waitFor, 5*time.Millisecond)
}

func TestFailedRefreshForcesSignOut(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.signIn(t, "crew@ff.local")
	s.waitForToken(t)

	s.idp.failRefresh(identity.ErrNetwork)
	s.clock.Advance(31 * time.Minute)

	require.Equal(t, http.StatusUnauthorized, s.getTickets(t).StatusCode)

	loc := s.router.Location()
	require.Equal(t, nav.Login, loc.Path)
	require.Equal(t, nav.ReasonSessionExpired, loc.State[nav.StateReason])
	require.Nil(t, s.ident.Current())
	_, ok := s.tokens.Current(context.Background())
	require.False(t, ok)
	require.Eventually(t, func() bool { return !s.monitor.Running() }, waitFor, 5*time.Millisecond)
}

func TestRegistrationFlowSkipsVerification(t *testing.T) {
	s := newStack(t, stackConfig{initial: nav.Register})
	s.signIn(t, "recruit@ff.local")

	require.Never(t, func() bool {
		logins, _ := s.stub.Exchanges()
		return logins > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, nav.Register, s.router.Current())
	_, ok := s.verifier.Profile()
	require.False(t, ok)
}

func TestInactiveAccountIsRedirected(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.stub.SetDisabled("uid-retired", true)
	s.signIn(t, "retired@ff.local")

	require.Eventually(t, func() bool { return s.router.Current() == nav.InactiveAccount }, waitFor, 5*time.Millisecond)
	require.False(t, s.monitor.Running())
}

func TestBackendOutageAtSignInAndRecovery(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackConfig{initial: nav.Dashboard})
	s.stub.SetUnavailable(true)
	s.signIn(t, "crew@ff.local")

	require.Eventually(t, func() bool { return s.router.Current() == nav.ServiceDown }, waitFor, 5*time.Millisecond)
	require.Equal(t, 1, s.router.Count(nav.ServiceDown))
	_, found, err := s.store.Get(ctx, kv.KeyLastSuccessfulConnection)
	require.NoError(t, err)
	require.True(t, found)

	s.stub.SetUnavailable(false)
	res, err := s.svc.Retry(ctx)
	require.NoError(t, err)
	require.True(t, res.Health.IsHealthy)
	require.Equal(t, nav.Dashboard, s.router.Current())
}

func TestGuards(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackConfig{})

	require.Equal(t, nav.Login, s.svc.RequireAuth(ctx).Redirect)
	require.True(t, s.svc.GuestOnly(ctx).Allow)
	require.Equal(t, nav.Login, s.svc.RequireAdmin(ctx).Redirect)

	s.signIn(t, "crew@ff.local")
	s.waitForToken(t)
	require.True(t, s.svc.RequireAuth(ctx).Allow)
	require.Equal(t, nav.Dashboard, s.svc.GuestOnly(ctx).Redirect)

	d := s.svc.RequireAdmin(ctx)
	require.False(t, d.Apply(s.router))
	loc := s.router.Location()
	require.Equal(t, nav.Dashboard, loc.Path)
	require.Equal(t, nav.ErrorAdminAccessDenied, loc.Query.Get(nav.QueryError))
}

func TestAdminGuardAdmitsAdmins(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.signIn(t, "chief@ff.local")

	d := s.svc.RequireAdmin(context.Background())
	require.True(t, d.Apply(s.router))
	require.Empty(t, s.router.History())
}

func TestRestartServesCachedProfile(t *testing.T) {
	first := newStack(t, stackConfig{})
	first.signIn(t, "crew@ff.local")
	first.waitForToken(t)
	first.svc.Dispose()

	second := newStack(t, stackConfig{store: first.store, stub: first.stub, clock: first.clock, initial: nav.Dashboard})
	select {
	case <-second.verifier.Ready():
	case <-time.After(waitFor):
		t.Fatal("cached profile was not served")
	}
	p, ok := second.verifier.Profile()
	require.True(t, ok)
	require.Equal(t, "crew@ff.local", p.Email)
	require.NotNil(t, second.ident.Current())
	require.Eventually(t, second.monitor.Running, waitFor, 5*time.Millisecond)
	require.Zero(t, second.router.Count(nav.ServiceDown))
}

func TestAdminGuardAfterDiscardedCacheDoesNotWait(t *testing.T) {
	ctx := context.Background()
	first := newStack(t, stackConfig{})
	first.signIn(t, "chief@ff.local")
	first.waitForToken(t)
	first.svc.Dispose()

	first.stub.SetUnavailable(true)
	second := newStack(t, stackConfig{store: first.store, stub: first.stub, clock: first.clock, initial: nav.Dashboard})
	require.NotNil(t, second.ident.Current())
	select {
	case <-second.verifier.Ready():
	case <-time.After(waitFor):
		t.Fatal("cached profile was not served")
	}
	// The background re-verification cannot reach the backend.
	require.Eventually(t, func() bool {
		_, ok := second.verifier.Profile()
		return !ok
	}, waitFor, 5*time.Millisecond)
	second.verifier.Wait()

	start := time.Now()
	d := second.svc.RequireAdmin(ctx)
	require.Less(t, time.Since(start), waitFor/4)
	require.False(t, d.Allow)
	require.Equal(t, nav.Dashboard, d.Redirect)
}

func TestSignOutClearsSession(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, stackConfig{initial: nav.Dashboard})
	s.signIn(t, "crew@ff.local")
	s.waitForToken(t)

	require.NoError(t, s.svc.SignOut(ctx))
	require.Equal(t, nav.Login, s.router.Current())
	require.Nil(t, s.ident.Current())
	_, ok := s.tokens.Current(ctx)
	require.False(t, ok)
	_, ok = s.verifier.Profile()
	require.False(t, ok)
}

func TestDisposeIsIdempotent(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.svc.Dispose()
	s.svc.Dispose()
	require.False(t, s.health.Running())
	require.ErrorIs(t, s.svc.Init(context.Background()), ErrDisposed)
}

func TestAuditConnectivity(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	obs.SetLogger(zap.New(core))
	t.Cleanup(func() { obs.SetLogger(nil) })

	AuditConnectivity(health.Unknown, health.Operational)
	AuditConnectivity(health.Operational, health.Degraded)
	AuditConnectivity(health.Degraded, health.Degraded)
	AuditConnectivity(health.Degraded, health.Operational)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, audit.EventDegradedEntered, entries[0].Message)
	require.Equal(t, audit.EventDegradedLeft, entries[1].Message)
}
