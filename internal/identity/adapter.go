// Package identity adapts a third-party identity provider into one stream of
// "current identity or none", whatever sign-in method produced it.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"firefighter.org/internal/kv"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/stream"
)

// assertionSkew renews an ID token this long before it actually expires.
const assertionSkew = 5 * time.Minute

// Backend is the identity provider the adapter wraps.
type Backend interface {
	SignIn(ctx context.Context, creds Credentials) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	SignOut(ctx context.Context, s Session) error
}

// PhoneVerifier is implemented by backends that can start a phone sign-in.
type PhoneVerifier interface {
	SendVerificationCode(ctx context.Context, phoneNumber, recaptchaToken string) (string, error)
}

// NativeStore is the platform credential store on native runtimes. The
// adapter keeps it in step with the in-app session.
type NativeStore interface {
	Mirror(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// Adapter owns the in-app identity session.
type Adapter struct {
	backend Backend
	store   kv.Store
	native  NativeStore
	clock   clockwork.Clock
	log     *zap.Logger

	mu      sync.Mutex
	session *Session

	refreshMu sync.Mutex
	changes   *stream.Hub[Event]
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStore persists the provider session so Restore survives restarts.
func WithStore(s kv.Store) Option {
	return func(a *Adapter) { a.store = s }
}

// WithNativeStore mirrors sign-in state into a native credential store.
func WithNativeStore(n NativeStore) Option {
	return func(a *Adapter) { a.native = n }
}

// WithClock overrides the time source.
func WithClock(c clockwork.Clock) Option {
	return func(a *Adapter) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// NewAdapter wraps backend.
func NewAdapter(backend Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		changes: stream.New[Event](),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = obs.Or(a.log).Named("identity")
	return a
}

// Changes streams identity events in emission order. The latest event is
// delivered first.
func (a *Adapter) Changes(ctx context.Context) <-chan Event {
	return a.changes.Subscribe(ctx)
}

// First waits for the first emission (Restore always emits once).
func (a *Adapter) First(ctx context.Context) (*Identity, error) {
	ev, err := a.changes.First(ctx)
	if err != nil {
		return nil, err
	}
	return ev.Identity, nil
}

// Current returns the signed-in identity, or nil.
func (a *Adapter) Current() *Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	id := a.session.Identity
	return &id
}

// Restore re-hydrates a persisted provider session and emits the result,
// including "nobody" when nothing was persisted.
func (a *Adapter) Restore(ctx context.Context) (*Identity, error) {
	var restored *Session
	if a.store != nil {
		raw, ok, err := a.store.Get(ctx, kv.KeyIdentitySession)
		if err != nil {
			a.log.Warn("load persisted identity failed", zap.Error(err))
		} else if ok {
			var s Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Identity.UID == "" {
				a.log.Warn("discarding unreadable persisted identity", zap.Error(err))
			} else {
				restored = &s
			}
		}
	}

	a.mu.Lock()
	a.session = restored
	ev := Event{Cause: CauseRestored}
	if restored != nil {
		id := restored.Identity
		ev.Identity = &id
	}
	a.changes.Publish(ev)
	a.mu.Unlock()
	return ev.Identity, nil
}

// SignIn runs the flow selected by creds.Method. An OAuth popup that the
// platform blocks is retried once as a redirect flow.
func (a *Adapter) SignIn(ctx context.Context, creds Credentials) (Identity, error) {
	if err := creds.Validate(); err != nil {
		return Identity{}, err
	}
	s, err := a.backend.SignIn(ctx, creds)
	if err != nil && errors.Is(err, ErrPopupBlocked) && creds.Method == MethodOAuth && creds.OAuthMode == OAuthPopup {
		a.log.Info("popup blocked, falling back to redirect flow", zap.String("provider", creds.ProviderID))
		creds.OAuthMode = OAuthRedirect
		s, err = a.backend.SignIn(ctx, creds)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("sign in (%s): %w", creds.Method, err)
	}

	a.persist(ctx, &s)
	a.mirror(ctx, s)

	a.mu.Lock()
	a.session = &s
	id := s.Identity
	a.changes.Publish(Event{Identity: &id, Cause: CauseSignedIn})
	a.mu.Unlock()

	a.log.Info("signed in", zap.String("uid", id.UID), zap.String("method", string(creds.Method)))
	return id, nil
}

// SendPhoneCode starts a phone sign-in and returns the verification id to
// pass back in Credentials.VerificationID.
func (a *Adapter) SendPhoneCode(ctx context.Context, phoneNumber, recaptchaToken string) (string, error) {
	pv, ok := a.backend.(PhoneVerifier)
	if !ok {
		return "", fmt.Errorf("%w: phone", ErrUnsupportedMethod)
	}
	return pv.SendVerificationCode(ctx, phoneNumber, recaptchaToken)
}

// SignOut ends the session. The local session is always cleared and nil is
// emitted, even when the provider call fails.
func (a *Adapter) SignOut(ctx context.Context) error {
	a.mu.Lock()
	prev := a.session
	a.session = nil
	a.mu.Unlock()

	if prev != nil {
		if err := a.backend.SignOut(ctx, *prev); err != nil {
			a.log.Warn("provider sign out failed, local session cleared anyway", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Apply(ctx, kv.NewBatch().Delete(kv.KeyIdentitySession)); err != nil {
			a.log.Warn("clear persisted identity failed", zap.Error(err))
		}
	}
	if a.native != nil {
		if err := a.native.Clear(ctx); err != nil {
			a.log.Warn("clear native credentials failed", zap.Error(err))
		}
	}

	a.mu.Lock()
	if a.session == nil {
		a.changes.Publish(Event{Cause: CauseSignedOut})
	}
	a.mu.Unlock()
	return nil
}

// IDToken returns a current identity assertion. With forceRefresh the
// provider always mints a new one. A refresh re-emits the same identity.
func (a *Adapter) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return "", ErrNotSignedIn
	}
	if !forceRefresh && s.IDToken != "" && a.clock.Until(s.ExpiresAt) > assertionSkew {
		return s.IDToken, nil
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	a.mu.Lock()
	cur := a.session
	a.mu.Unlock()
	if cur == nil {
		return "", ErrNotSignedIn
	}
	if cur.IDToken != s.IDToken && a.clock.Until(cur.ExpiresAt) > assertionSkew {
		return cur.IDToken, nil
	}

	next, err := a.backend.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh id token: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Identity.UID == "" || next.Identity.UID == cur.Identity.UID {
		next.Identity = mergeIdentity(cur.Identity, next.Identity)
	}
	a.persist(ctx, &next)

	a.mu.Lock()
	if a.session == nil || a.session.Identity.UID != next.Identity.UID {
		// Signed out (or switched user) while refreshing; drop the result.
		a.mu.Unlock()
		return "", ErrNotSignedIn
	}
	a.session = &next
	id := next.Identity
	a.changes.Publish(Event{Identity: &id, Cause: CauseRefreshed})
	a.mu.Unlock()
	return next.IDToken, nil
}

// Close ends every change subscription.
func (a *Adapter) Close() {
	a.changes.Close()
}

func (a *Adapter) persist(ctx context.Context, s *Session) {
	if a.store == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		a.log.Warn("encode identity session failed", zap.Error(err))
		return
	}
	if err := a.store.Apply(ctx, kv.NewBatch().Put(kv.KeyIdentitySession, string(raw))); err != nil {
		a.log.Warn("persist identity session failed", zap.Error(err))
	}
}

func (a *Adapter) mirror(ctx context.Context, s Session) {
	if a.native == nil {
		return
	}
	if err := a.native.Mirror(ctx, s); err != nil {
		a.log.Warn("mirror sign-in to native store failed", zap.String("uid", s.Identity.UID), zap.Error(err))
	}
}
