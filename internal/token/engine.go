package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/kv"
	"firefighter.org/internal/obs"
)

// DefaultLifetime is the server-side token lifetime the client assumes.
const DefaultLifetime = time.Hour

// refreshTimeout bounds a shared refresh once it no longer follows the
// first caller's context.
const refreshTimeout = 30 * time.Second

// Exchanger trades identity assertions for bearer tokens.
type Exchanger interface {
	FirebaseLogin(ctx context.Context, idToken string) (apiclient.TokenResponse, error)
	RefreshToken(ctx context.Context, idToken string) (apiclient.TokenResponse, error)
}

// Asserter mints identity assertions.
type Asserter interface {
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Engine implements Source over a kv.Store.
type Engine struct {
	store    kv.Store
	api      Exchanger
	asserter Asserter
	clock    clockwork.Clock
	lifetime time.Duration
	log      *zap.Logger
	onStore  func(Token)

	refreshes singleflight.Group

	// mu serializes writers so expiries stay strictly increasing.
	mu         sync.Mutex
	lastExpiry time.Time
}

var _ Source = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLifetime overrides the assumed token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lifetime = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnStore registers a callback run after every stored token.
func WithOnStore(fn func(Token)) Option {
	return func(e *Engine) { e.onStore = fn }
}

// NewEngine returns an engine storing tokens in store.
func NewEngine(store kv.Store, api Exchanger, asserter Asserter, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		api:      api,
		asserter: asserter,
		clock:    clockwork.NewRealClock(),
		lifetime: DefaultLifetime,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = obs.Or(e.log).Named("token")
	return e
}

// Exchange trades the current identity assertion for a bearer token and
// stores it.
func (e *Engine) Exchange(ctx context.Context) (Token, error) {
	idToken, err := e.asserter.IDToken(ctx, false)
	if err != nil {
		return Token{}, fmt.Errorf("identity assertion: %w", err)
	}
	resp, err := e.api.FirebaseLogin(ctx, idToken)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	tok, err := e.save(ctx, resp.Token)
	if err != nil {
		return Token{}, err
	}
	e.log.Info("bearer token stored", zap.Time("expires_at", tok.ExpiresAt), zap.String("user_id", resp.User.UserID))
	return tok, nil
}

// Refresh forces a fresh identity assertion and exchanges it. Concurrent
// callers share one in-flight refresh, which outlives the caller that
// started it. Every failure is logged and reported as false.
func (e *Engine) Refresh(ctx context.Context) bool {
	v, err, shared := e.refreshes.Do("refresh", func() (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("refresh panicked: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		idToken, err := e.asserter.IDToken(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("identity assertion: %w", err)
		}
		resp, err := e.api.RefreshToken(ctx, idToken)
		if err != nil {
			return nil, fmt.Errorf("refresh exchange: %w", err)
		}
		return e.save(ctx, resp.Token)
	})
	if err != nil {
		obs.TokenRefreshes.WithLabelValues("failure").Inc()
		e.log.Warn("token refresh failed", zap.Error(err), zap.Bool("shared", shared))
		return false
	}
	obs.TokenRefreshes.WithLabelValues("success").Inc()
	if tok, ok := v.(Token); ok {
		e.log.Debug("token refreshed", zap.Time("expires_at", tok.ExpiresAt), zap.Bool("shared", shared))
	}
	return true
}

// Current returns the stored token when it is present and unexpired.
func (e *Engine) Current(ctx context.Context) (Token, bool) {
	tok := e.load(ctx)
	if st := Evaluate(tok, e.clock.Now(), 0); !st.IsValid {
		return Token{}, false
	}
	return tok, true
}

// Status evaluates the stored token against threshold.
func (e *Engine) Status(ctx context.Context, threshold time.Duration) Status {
	st := Evaluate(e.load(ctx), e.clock.Now(), threshold)
	obs.TokenSecondsRemaining.Set(st.TimeUntilExpiry.Seconds())
	return st
}

// IsExpiringSoon reports whether the token expires within threshold. A
// missing token or expiry counts as expired.
func (e *Engine) IsExpiringSoon(ctx context.Context, threshold time.Duration) bool {
	return e.Status(ctx, threshold).State != Valid
}

// Clear removes the token and its expiry together.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Apply(ctx, kv.NewBatch().Delete(kv.KeyToken, kv.KeyTokenExpiration)); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	obs.TokenSecondsRemaining.Set(0)
	return nil
}

// ErrEmptyToken is returned when asked to store an empty token.
var ErrEmptyToken = errors.New("token: empty value")

func (e *Engine) save(ctx context.Context, value string) (Token, error) {
	if value == "" {
		return Token{}, ErrEmptyToken
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.lastExpiry
	if stored := e.load(ctx); stored.ExpiresAt.After(prev) {
		prev = stored.ExpiresAt
	}
	exp := e.clock.Now().Add(e.lifetime).UTC().Truncate(time.Millisecond)
	if !exp.After(prev) {
		exp = prev.Add(time.Millisecond)
	}

	b := kv.NewBatch().
		Put(kv.KeyToken, value).
		Put(kv.KeyTokenExpiration, exp.Format(TimeFormat))
	if err := e.store.Apply(ctx, b); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	e.lastExpiry = exp
	e.checkClaims(value, exp)

	tok := Token{Value: value, ExpiresAt: exp}
	if e.onStore != nil {
		e.onStore(tok)
	}
	return tok, nil
}

func (e *Engine) load(ctx context.Context) Token {
	vals, err := e.store.GetMany(ctx, kv.KeyToken, kv.KeyTokenExpiration)
	if err != nil {
		e.log.Warn("read token failed", zap.Error(err))
		return Token{}
	}
	value, raw := vals[kv.KeyToken], vals[kv.KeyTokenExpiration]
	if value == "" || raw == "" {
		return Token{}
	}
	exp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		e.log.Warn("unreadable token expiry", zap.String("value", raw), zap.Error(err))
		return Token{}
	}
	return Token{Value: value, ExpiresAt: exp}
}

// checkClaims compares the assumed expiry with the token's own exp claim
// when the token happens to be a JWT. The claim is informational only.
func (e *Engine) checkClaims(value string, assumed time.Time) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err != nil || claims.ExpiresAt == nil {
		return
	}
	if drift := claims.ExpiresAt.Sub(assumed); drift < -time.Minute || drift > time.Minute {
		e.log.Debug("token exp claim differs from assumed lifetime",
			zap.Time("claim", claims.ExpiresAt.Time),
			zap.Time("assumed", assumed),
		)
	}
}
