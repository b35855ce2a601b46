package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/kv"
)

type fakeAPI struct {
	calls   atomic.Int32
	fail    error
	gate    chan struct{}
	entered chan struct{}
	enter   sync.Once
	counter atomic.Int32
}

func (f *fakeAPI) FirebaseLogin(ctx context.Context, idToken string) (apiclient.TokenResponse, error) {
	return f.respond()
}

func (f *fakeAPI) RefreshToken(ctx context.Context, idToken string) (apiclient.TokenResponse, error) {
	if f.entered != nil {
		f.enter.Do(func() { close(f.entered) })
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return apiclient.TokenResponse{}, ctx.Err()
		}
	}
	return f.respond()
}

func (f *fakeAPI) respond() (apiclient.TokenResponse, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return apiclient.TokenResponse{}, f.fail
	}
	n := f.counter.Add(1)
	return apiclient.TokenResponse{Token: "bearer-" + string(rune('a'+n-1))}, nil
}

type fakeAsserter struct {
	forced atomic.Int32
	err    error
}

func (f *fakeAsserter) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if forceRefresh {
		f.forced.Add(1)
	}
	return "assertion", f.err
}

func newEngine(t *testing.T, api Exchanger, as Asserter) (*Engine, *kv.Memory, *clockwork.FakeClock) {
	t.Helper()
	store := kv.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(store, api, as, WithClock(clock)), store, clock
}

func TestExchangeStoresTokenWithExpiry(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t, &fakeAPI{}, &fakeAsserter{})

	tok, err := e.Exchange(ctx)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}
	vals, _ := store.GetMany(ctx, kv.KeyToken, kv.KeyTokenExpiration)
	if vals[kv.KeyToken] != tok.Value || vals[kv.KeyTokenExpiration] != "2026-03-01T13:00:00.000Z" {
		t.Fatalf("unexpected stored values %v", vals)
	}
	if cur, ok := e.Current(ctx); !ok || cur != tok {
		t.Fatalf("Current() = %+v, %v", cur, ok)
	}
}

func TestExpiryIsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newEngine(t, &fakeAPI{}, &fakeAsserter{})

	var prev time.Time
	for i := 0; i < 5; i++ {
		if !e.Refresh(ctx) {
			t.Fatalf("refresh %d failed", i)
		}
		tok, ok := e.Current(ctx)
		if !ok {
			t.Fatalf("no token after refresh %d", i)
		}
		if !tok.ExpiresAt.After(prev) {
			t.Fatalf("refresh %d: expiry %v not after %v", i, tok.ExpiresAt, prev)
		}
		prev = tok.ExpiresAt
		if i%2 == 1 {
			clock.Advance(time.Second)
		}
	}
}

func TestRefreshFailureReturnsFalse(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t, &fakeAPI{fail: errors.New("boom")}, &fakeAsserter{})
	if e.Refresh(ctx) {
		t.Fatal("expected false")
	}
	if _, ok, _ := store.Get(ctx, kv.KeyToken); ok {
		t.Fatal("failed refresh must not store a token")
	}

	e2, _, _ := newEngine(t, &fakeAPI{}, &fakeAsserter{err: errors.New("signed out")})
	if e2.Refresh(ctx) {
		t.Fatal("expected false when no assertion is available")
	}
}

func TestConcurrentRefreshesShareOneCall(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{gate: make(chan struct{})}
	as := &fakeAsserter{}
	e, _, _ := newEngine(t, api, as)

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Refresh(ctx)
		}(i)
	}
	// Let every goroutine join the in-flight call before it completes.
	time.Sleep(50 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("refresh %d failed", i)
		}
	}
	if got := api.calls.Load(); got > 2 {
		t.Fatalf("expected refreshes to coalesce, got %d calls", got)
	}
}

func TestSharedRefreshSurvivesCancelledCaller(t *testing.T) {
	api := &fakeAPI{gate: make(chan struct{}), entered: make(chan struct{})}
	e, _, _ := newEngine(t, api, &fakeAsserter{})

	first, cancel := context.WithCancel(context.Background())
	results := make(chan bool, 2)
	go func() { results <- e.Refresh(first) }()
	<-api.entered

	go func() { results <- e.Refresh(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(api.gate)

	for i := 0; i < 2; i++ {
		if !<-results {
			t.Fatalf("refresh %d failed after the first caller went away", i)
		}
	}
	if _, ok := e.Current(context.Background()); !ok {
		t.Fatal("expected a stored token")
	}
	if got := api.calls.Load(); got != 1 {
		t.Fatalf("expected one shared call, got %d", got)
	}
}

func TestOnStoreSeesEveryStoredToken(t *testing.T) {
	ctx := context.Background()
	var seen []Token
	clock := clockwork.NewFakeClock()
	e := NewEngine(kv.NewMemory(), &fakeAPI{}, &fakeAsserter{},
		WithClock(clock),
		WithOnStore(func(tok Token) { seen = append(seen, tok) }),
	)

	exchanged, err := e.Exchange(ctx)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !e.Refresh(ctx) {
		t.Fatal("refresh failed")
	}
	refreshed, _ := e.Current(ctx)
	if len(seen) != 2 || seen[0] != exchanged || seen[1] != refreshed {
		t.Fatalf("onStore saw %+v", seen)
	}
}

func TestReadersNeverSeeMismatchedPair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, store, _ := newEngine(t, &fakeAPI{}, &fakeAsserter{})

	var torn atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			vals, _ := store.GetMany(ctx, kv.KeyToken, kv.KeyTokenExpiration)
			_, hasTok := vals[kv.KeyToken]
			_, hasExp := vals[kv.KeyTokenExpiration]
			if hasTok != hasExp {
				torn.Store(true)
			}
		}
	}()
	for i := 0; i < 50; i++ {
		e.Refresh(ctx)
		_ = e.Clear(ctx)
	}
	cancel()
	<-done
	if torn.Load() {
		t.Fatal("reader observed token without expiry")
	}
}

func TestStatusStates(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newEngine(t, &fakeAPI{}, &fakeAsserter{})
	threshold := 10 * time.Minute

	if st := e.Status(ctx, threshold); st.State != Absent || st.IsValid || st.RequiresRefresh {
		t.Fatalf("empty store: %+v", st)
	}
	if !e.IsExpiringSoon(ctx, threshold) {
		t.Fatal("missing token counts as expired")
	}

	if _, err := e.Exchange(ctx); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if st := e.Status(ctx, threshold); st.State != Valid || st.RequiresRefresh {
		t.Fatalf("fresh token: %+v", st)
	}

	clock.Advance(52 * time.Minute)
	st := e.Status(ctx, threshold)
	if st.State != ExpiringSoon || !st.IsValid || !st.RequiresRefresh || st.TimeUntilExpiry != 8*time.Minute {
		t.Fatalf("expiring token: %+v", st)
	}

	clock.Advance(8 * time.Minute)
	if st := e.Status(ctx, threshold); st.State != Expired || st.IsValid {
		t.Fatalf("expired token: %+v", st)
	}
	if _, ok := e.Current(ctx); ok {
		t.Fatal("expired token must read as absent")
	}
}

func TestClearRemovesBothKeys(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t, &fakeAPI{}, &fakeAsserter{})
	if _, err := e.Exchange(ctx); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if err := e.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	vals, _ := store.GetMany(ctx, kv.KeyToken, kv.KeyTokenExpiration)
	if len(vals) != 0 {
		t.Fatalf("expected empty store, got %v", vals)
	}
}
