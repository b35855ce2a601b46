package tokenmonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"firefighter.org/internal/token"
)

// fakeSource holds a token whose expiry moves forward on every refresh.
type fakeSource struct {
	clock     clockwork.Clock
	mu        sync.Mutex
	expiresAt time.Time
	refreshes atomic.Int32
	fail      bool
}

func (f *fakeSource) Current(ctx context.Context) (token.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := token.Token{Value: "t", ExpiresAt: f.expiresAt}
	return tok, f.expiresAt.After(f.clock.Now())
}

func (f *fakeSource) Status(ctx context.Context, threshold time.Duration) token.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return token.Evaluate(token.Token{Value: "t", ExpiresAt: f.expiresAt}, f.clock.Now(), threshold)
}

func (f *fakeSource) Refresh(ctx context.Context) bool {
	f.refreshes.Add(1)
	if f.fail {
		return false
	}
	f.mu.Lock()
	f.expiresAt = f.clock.Now().Add(time.Hour)
	f.mu.Unlock()
	return true
}

func TestStartIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(time.Hour)}
	m := New(src, WithClock(clock))

	m.Start()
	m.Start()
	m.Start()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.EqualValues(t, 1, m.Checks())

	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return m.Checks() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, m.Checks(), "one loop must be active")
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(time.Hour)}
	m := New(src, WithClock(clock))

	m.Stop()
	m.Start()
	require.True(t, m.Running())
	m.Stop()
	m.Stop()
	require.False(t, m.Running())

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.Checks() == 2 }, time.Second, 5*time.Millisecond)
}

func TestExpiringTokenRefreshesExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(8 * time.Minute)}
	m := New(src, WithClock(clock), WithThreshold(10*time.Minute))

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return src.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	st, ok := m.Latest()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		st, _ = m.Latest()
		return !st.RequiresRefresh
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return m.Checks() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, src.refreshes.Load())
}

func TestFailedRefreshRetriesOnNextTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(5 * time.Minute), fail: true}
	m := New(src, WithClock(clock))

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return src.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.refreshing.Load() }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return src.refreshes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscribersShareStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(time.Hour)}
	m := New(src, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := m.Subscribe(ctx)
	b := m.Subscribe(ctx)

	m.CheckNow(ctx)
	for _, ch := range []<-chan token.Status{a, b} {
		select {
		case st := <-ch:
			require.Equal(t, token.Valid, st.State)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed status")
		}
	}
	require.EqualValues(t, 1, m.Checks())
}

func TestStoredRepublishesWithoutCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{clock: clock, expiresAt: clock.Now().Add(time.Hour)}
	m := New(src, WithClock(clock))

	m.CheckNow(context.Background())
	src.mu.Lock()
	src.expiresAt = clock.Now().Add(2 * time.Hour)
	src.mu.Unlock()

	m.Stored(token.Token{Value: "t", ExpiresAt: src.expiresAt})
	st, ok := m.Latest()
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(2*time.Hour), st.ExpiresAt)
	require.EqualValues(t, 1, m.Checks())
	require.Zero(t, src.refreshes.Load())
}
