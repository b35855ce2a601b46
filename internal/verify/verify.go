// Package verify turns a signed-in identity into the backend's session
// profile and keeps that profile cached across restarts.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/fault"
	"firefighter.org/internal/identity"
	"firefighter.org/internal/kv"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/token"
)

// DefaultBootstrapTimeout bounds background re-verification at startup.
const DefaultBootstrapTimeout = 8 * time.Second

// Profile is the backend session profile.
type Profile = apiclient.Profile

var (
	// ErrSkipped means verification was not attempted because the user is
	// in the registration flow.
	ErrSkipped   = errors.New("verify: skipped during registration flow")
	ErrNoProfile = errors.New("verify: no profile")
)

// API is the backend call the client makes.
type API interface {
	VerifyUser(ctx context.Context, in apiclient.VerifyRequest) (apiclient.Profile, error)
}

// Exchanger obtains a bearer token once verification has succeeded.
type Exchanger interface {
	Exchange(ctx context.Context) (token.Token, error)
}

// ProfileUpdate carries admin-driven changes. Nil fields are left alone.
type ProfileUpdate struct {
	Department *string
	Groups     []string
	DolibarrID *string
}

// Client owns the session profile.
type Client struct {
	api         API
	store       kv.Store
	nav         nav.Navigator
	exchanger   Exchanger
	clock       clockwork.Clock
	bootTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	profile *Profile
	gen     uint64
	ready   chan struct{}
	settled bool

	bg sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithExchanger runs a token exchange after every successful verification.
func WithExchanger(e Exchanger) Option {
	return func(c *Client) { c.exchanger = e }
}

func WithClock(cl clockwork.Clock) Option {
	return func(c *Client) {
		if cl != nil {
			c.clock = cl
		}
	}
}

func WithBootstrapTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.bootTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client with an empty profile.
func New(api API, store kv.Store, navigator nav.Navigator, opts ...Option) *Client {
	c := &Client{
		api:         api,
		store:       store,
		nav:         navigator,
		clock:       clockwork.NewRealClock(),
		bootTimeout: DefaultBootstrapTimeout,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = obs.Or(c.log).Named("verify")
	return c
}

// Verify sends the identity to the backend and caches the returned profile.
// Connectivity failures navigate to the degraded screen; the returned error
// then matches fault.ErrServiceUnavailable.
func (c *Client) Verify(ctx context.Context, id identity.Identity) (Profile, error) {
	if nav.IsRegistrationFlow(c.nav.Current()) {
		c.log.Debug("verification skipped", zap.String("route", c.nav.Current()))
		return Profile{}, ErrSkipped
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	department := ""
	if c.profile != nil && strings.EqualFold(c.profile.Email, id.Email) {
		department = c.profile.Department
	}
	c.mu.Unlock()

	p, err := c.api.VerifyUser(ctx, apiclient.VerifyRequest{
		FirebaseUID: id.UID,
		Username:    username(id),
		Email:       id.Email,
		Department:  department,
	})
	if err != nil {
		c.settle(gen)
		if fault.IsConnectivity(err) {
			c.degrade(ctx, err)
			return Profile{}, fmt.Errorf("%w: %w", fault.ErrServiceUnavailable, err)
		}
		return Profile{}, fmt.Errorf("verify user: %w", err)
	}

	applied, err := c.apply(ctx, gen, p)
	if err != nil {
		return Profile{}, err
	}
	if !applied {
		c.log.Debug("ignoring stale verification response", zap.String("uid", id.UID))
		return p, nil
	}
	c.log.Info("identity verified",
		zap.String("uid", id.UID),
		zap.String("user_id", p.UserID),
		zap.Bool("admin", p.IsAdmin),
		zap.Bool("authorized", p.IsAuthorized),
	)

	if c.exchanger != nil {
		if _, err := c.exchanger.Exchange(ctx); err != nil {
			// Verification stands; the session continues without a bearer token.
			c.log.Warn("token exchange after verification failed", zap.Error(err))
		}
	}
	return p, nil
}

// Restore serves the cached profile for id, if any, and re-verifies in the
// background under the bootstrap timeout. When that re-verification hits a
// connectivity failure the cache is discarded and Ready stays closed.
func (c *Client) Restore(ctx context.Context, id identity.Identity) (Profile, bool) {
	cached, ok := c.loadCached(ctx)
	if !ok || (cached.Email != "" && id.Email != "" && !strings.EqualFold(cached.Email, id.Email)) {
		return Profile{}, false
	}

	restored := &cached
	c.mu.Lock()
	c.profile = restored
	c.signalLocked()
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.bootTimeout)
		defer cancel()
		if _, err := c.Verify(bctx, id); err != nil && errors.Is(err, fault.ErrServiceUnavailable) {
			c.log.Warn("discarding cached profile after failed re-verification", zap.Error(err))
			if err := c.discard(context.WithoutCancel(ctx), restored); err != nil {
				c.log.Warn("clear cached profile failed", zap.Error(err))
			}
		}
	}()
	return cached, true
}

// Wait blocks until background re-verifications finish.
func (c *Client) Wait() {
	c.bg.Wait()
}

// UpdateProfile applies admin-driven changes to memory and storage together.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return Profile{}, ErrNoProfile
	}
	next := *c.profile
	if upd.Department != nil {
		next.Department = *upd.Department
	}
	if upd.Groups != nil {
		next.Groups = append([]string(nil), upd.Groups...)
	}
	if upd.DolibarrID != nil {
		next.DolibarrID = *upd.DolibarrID
	}
	if err := c.persist(ctx, next); err != nil {
		return Profile{}, err
	}
	c.profile = &next
	return next, nil
}

// Profile returns the cached profile.
func (c *Client) Profile() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return Profile{}, false
	}
	return *c.profile, true
}

// IsAdmin reports the cached admin flag.
func (c *Client) IsAdmin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile != nil && c.profile.IsAdmin
}

// Ready is closed once the profile for the current identity is settled:
// verified, restored from cache, or known to be unavailable.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Clear drops the profile from memory and storage and invalidates any
// verification still in flight.
func (c *Client) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	c.profile = nil
	if c.settled {
		c.ready = make(chan struct{})
		c.settled = false
	}
	c.mu.Unlock()
	if err := c.store.Apply(ctx, kv.NewBatch().Delete(kv.KeyProfile, kv.KeyAdminStatus)); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	return nil
}

// discard drops a cached profile that could not be re-verified. The profile
// is now known to be absent, so readiness stays settled. Nothing happens if
// the profile was replaced in the meantime.
func (c *Client) discard(ctx context.Context, stale *Profile) error {
	c.mu.Lock()
	if c.profile != stale {
		c.mu.Unlock()
		return nil
	}
	c.profile = nil
	c.signalLocked()
	c.mu.Unlock()
	if err := c.store.Apply(ctx, kv.NewBatch().Delete(kv.KeyProfile, kv.KeyAdminStatus)); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	return nil
}

func (c *Client) apply(ctx context.Context, gen uint64, p Profile) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, nil
	}
	if err := c.persist(ctx, p); err != nil {
		c.signalLocked()
		return false, err
	}
	c.profile = &p
	c.signalLocked()
	return true, nil
}

// persist writes profile and admin flag in one batch. Callers hold c.mu.
func (c *Client) persist(ctx context.Context, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	b := kv.NewBatch().
		Put(kv.KeyProfile, string(raw)).
		Put(kv.KeyAdminStatus, strconv.FormatBool(p.IsAdmin))
	if err := c.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

func (c *Client) loadCached(ctx context.Context) (Profile, bool) {
	c.mu.Lock()
	if c.profile != nil {
		p := *c.profile
		c.mu.Unlock()
		return p, true
	}
	c.mu.Unlock()

	raw, ok, err := c.store.Get(ctx, kv.KeyProfile)
	if err != nil {
		c.log.Warn("read cached profile failed", zap.Error(err))
		return Profile{}, false
	}
	if !ok {
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.log.Warn("discarding unreadable cached profile", zap.Error(err))
		return Profile{}, false
	}
	return p, true
}

func (c *Client) settle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.signalLocked()
	}
}

func (c *Client) signalLocked() {
	if !c.settled {
		close(c.ready)
		c.settled = true
	}
}

func (c *Client) degrade(ctx context.Context, cause error) {
	c.log.Warn("backend unreachable during verification", zap.Error(cause))
	if nav.Is(c.nav.Current(), nav.ServiceDown) {
		return
	}
	now := c.clock.Now().UTC().Format(token.TimeFormat)
	if err := c.store.Apply(context.WithoutCancel(ctx), kv.NewBatch().Put(kv.KeyLastSuccessfulConnection, now)); err != nil {
		c.log.Warn("record last connection failed", zap.Error(err))
	}
	c.nav.Navigate(nav.ServiceDown)
}

func username(id identity.Identity) string {
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		return name
	}
	if at := strings.IndexByte(id.Email, '@'); at > 0 {
		return id.Email[:at]
	}
	return id.UID
}
