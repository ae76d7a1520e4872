package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHandle struct {
	id int
}

type fakeFactory struct {
	creates   atomic.Int32
	destroys  atomic.Int32
	createErr error
	checkErr  error
	destroyEr error
	delay     time.Duration
	// staleID makes CheckLive fail with ErrUnavailable for that handle only.
	staleID int
}

func (f *fakeFactory) RequiredCredentials() []string { return []string{"client_id", "secret"} }

func (f *fakeFactory) CreateSession(context.Context, crawler.Credentials) (*fakeHandle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	n := f.creates.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &fakeHandle{id: int(n)}, nil
}

func (f *fakeFactory) CheckLive(_ context.Context, h *fakeHandle) error {
	if f.staleID != 0 && h.id == f.staleID {
		return bounded.ErrUnavailable
	}
	return f.checkErr
}

func (f *fakeFactory) DestroySession(context.Context, *fakeHandle) error {
	f.destroys.Add(1)
	return f.destroyEr
}

var start = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func validCreds() crawler.Credentials {
	return crawler.Credentials{"client_id": "id", "secret": "s3cret"}
}

func newTestManager(f *fakeFactory, creds crawler.Credentials) (*Manager[*fakeHandle], *fakeClock) {
	clock := &fakeClock{now: start}
	exec := bounded.NewExecutor(bounded.WithClock(clock))
	m := NewManager[*fakeHandle](f, creds, exec, Config{
		ConnectionID: "test",
		CallTimeout:  time.Second,
	}, zap.NewNop())
	return m, clock
}

func TestGetMissingCredentialsIsFatalWithoutCreating(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, _ := newTestManager(f, crawler.Credentials{"client_id": "id", "secret": "  "})

	out := m.Get(context.Background())
	require.Equal(t, bounded.KindFatal, out.Kind())
	require.ErrorIs(t, out.Err(), ErrMissingCredentials)
	require.ErrorIs(t, out.Err(), ErrCreate)
	require.Contains(t, out.Err().Error(), "secret")
	require.Zero(t, f.creates.Load())
	require.Equal(t, StateAbsent, m.State())
}

func TestGetCreatesLazilyOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, _ := newTestManager(f, validCreds())
	require.Equal(t, StateAbsent, m.State())

	first := m.Get(context.Background())
	second := m.Get(context.Background())
	h1, ok := first.Value()
	require.True(t, ok)
	h2, ok := second.Value()
	require.True(t, ok)
	require.Same(t, h1, h2)
	require.EqualValues(t, 1, f.creates.Load())
	require.Equal(t, StateLive, m.State())
}

func TestConcurrentGetCreatesSingleSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{delay: 30 * time.Millisecond}
	m, _ := newTestManager(f, validCreds())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := m.Get(context.Background())
			assert.Equal(t, bounded.KindSuccess, out.Kind())
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, f.creates.Load())
}

func TestTransientCreationBeforeFirstSessionDefersSixtySeconds(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{createErr: bounded.ErrUnavailable}
	m, _ := newTestManager(f, validCreds())

	out := m.Get(context.Background())
	require.Equal(t, bounded.KindTransient, out.Kind())
	require.Equal(t, start.Add(DefaultInitialRetry), out.Interruption().RetryAfter)
	require.True(t, strings.HasPrefix(out.Interruption().Cause, "session creation failed"))
	require.Equal(t, StateAbsent, m.State())
}

func TestReleaseIfIdleThenRecreate(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, clock := newTestManager(f, validCreds())
	ctx := context.Background()

	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())

	released, ok := m.ReleaseIfIdle(ctx, clock.Now().Add(DefaultIdleTimeout-time.Second)).Value()
	require.True(t, ok)
	require.False(t, released)
	require.Equal(t, StateLive, m.State())

	released, ok = m.ReleaseIfIdle(ctx, clock.Now().Add(DefaultIdleTimeout)).Value()
	require.True(t, ok)
	require.True(t, released)
	require.Equal(t, StateAbsent, m.State())
	require.EqualValues(t, 1, f.destroys.Load())

	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())
	require.EqualValues(t, 2, f.creates.Load())
}

func TestReleaseIfIdleClearsEvenWhenDestroyFails(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{destroyEr: errors.New("remote refused logout")}
	m, clock := newTestManager(f, validCreds())
	ctx := context.Background()

	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())
	released, ok := m.ReleaseIfIdle(ctx, clock.Now().Add(time.Hour)).Value()
	require.True(t, ok)
	require.True(t, released)
	require.Equal(t, StateAbsent, m.State())
}

func TestReleaseIfIdleSkipsLeasedSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, clock := newTestManager(f, validCreds())
	ctx := context.Background()

	inUse := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Use(ctx, m, bounded.Call{Name: "slow"}, func(context.Context, *fakeHandle) (int, error) {
			close(inUse)
			<-finish
			return 1, nil
		})
	}()
	<-inUse

	released, ok := m.ReleaseIfIdle(ctx, clock.Now().Add(time.Hour)).Value()
	require.True(t, ok)
	require.False(t, released)
	require.Equal(t, StateLive, m.State())

	close(finish)
	<-done
}

func TestUseRefreshesLastUsed(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, clock := newTestManager(f, validCreds())
	ctx := context.Background()

	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())
	clock.Advance(time.Minute)
	out := Use(ctx, m, bounded.Call{Name: "op"}, func(_ context.Context, h *fakeHandle) (int, error) {
		return h.id, nil
	})
	v, ok := out.Value()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, start.Add(time.Minute), m.LastUsed())
}

func TestUseConnectivityFailureDiscardsSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, _ := newTestManager(f, validCreds())
	ctx := context.Background()

	out := Use(ctx, m, bounded.Call{Name: "op"}, func(context.Context, *fakeHandle) (int, error) {
		return 0, bounded.ErrUnavailable
	})
	require.Equal(t, bounded.KindTransient, out.Kind())
	require.Equal(t, start, out.Interruption().RetryAfter)
	require.Equal(t, StateAbsent, m.State())

	out = Use(ctx, m, bounded.Call{Name: "op"}, func(_ context.Context, h *fakeHandle) (int, error) {
		return h.id, nil
	})
	v, ok := out.Value()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestUseFatalKeepsSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, _ := newTestManager(f, validCreds())

	out := Use(context.Background(), m, bounded.Call{Name: "op"}, func(context.Context, *fakeHandle) (int, error) {
		return 0, errors.New("malformed identifier")
	})
	require.Equal(t, bounded.KindFatal, out.Kind())
	require.Equal(t, StateLive, m.State())
}

func TestUseMarksFatalCreationWithErrCreate(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{createErr: bounded.Permanent(errors.New("invalid_grant"))}
	m, _ := newTestManager(f, validCreds())

	ran := false
	out := Use(context.Background(), m, bounded.Call{Name: "op"}, func(context.Context, *fakeHandle) (int, error) {
		ran = true
		return 1, nil
	})
	require.False(t, ran)
	require.Equal(t, bounded.KindFatal, out.Kind())
	require.ErrorIs(t, out.Err(), ErrCreate)
	require.EqualError(t, out.Err(), "invalid_grant")

	f.createErr = nil
	fatal := Use(context.Background(), m, bounded.Call{Name: "op"}, func(context.Context, *fakeHandle) (int, error) {
		return 0, bounded.Permanent(errors.New("no such file"))
	})
	require.Equal(t, bounded.KindFatal, fatal.Kind())
	require.NotErrorIs(t, fatal.Err(), ErrCreate)
}

func TestUseTimeouts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: start}
	m := NewManager[*fakeHandle](&fakeFactory{}, validCreds(),
		bounded.NewExecutor(bounded.WithClock(clock)),
		Config{ConnectionID: "test", CallTimeout: 20 * time.Millisecond}, zap.NewNop())
	slow := func(ctx context.Context, _ *fakeHandle) (string, error) {
		select {
		case <-time.After(80 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	out := Use(context.Background(), m, bounded.Call{Name: "slow"}, slow)
	require.Equal(t, bounded.KindTransient, out.Kind(), "zero timeout falls back to CallTimeout")

	out = Use(context.Background(), m, bounded.Call{Name: "slow", Timeout: NoTimeout}, slow)
	v, ok := out.Value()
	require.True(t, ok)
	require.Equal(t, "done", v)
}

func TestCheckDescribesOutcomes(t *testing.T) {
	t.Parallel()

	ok := &fakeFactory{}
	m, _ := newTestManager(ok, validCreds())
	require.Equal(t, "connection OK", Describe(m.Check(context.Background())))

	fatal := &fakeFactory{checkErr: errors.New("bad scope")}
	m, _ = newTestManager(fatal, validCreds())
	require.Equal(t, "connection failed: bad scope", Describe(m.Check(context.Background())))

	missing := &fakeFactory{}
	m, _ = newTestManager(missing, crawler.Credentials{})
	require.True(t, strings.HasPrefix(Describe(m.Check(context.Background())), "connection failed: missing required credentials"))
}

func TestCheckRebuildsStaleSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{staleID: 1}
	m, _ := newTestManager(f, validCreds())
	ctx := context.Background()
	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())

	out := m.Check(ctx)
	require.Equal(t, bounded.KindSuccess, out.Kind())
	require.Equal(t, StatusOK, Describe(out))
	require.EqualValues(t, 2, f.creates.Load())
	require.Equal(t, StateLive, m.State())

	h, ok := m.Get(ctx).Value()
	require.True(t, ok)
	require.Equal(t, 2, h.id)
}

func TestCheckReportsTransientWhenRebuiltSessionAlsoFails(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, clock := newTestManager(f, validCreds())
	ctx := context.Background()
	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())

	f.checkErr = bounded.ErrUnavailable
	clock.Advance(time.Second)
	out := m.Check(ctx)
	require.Equal(t, bounded.KindTransient, out.Kind())
	require.EqualValues(t, 2, f.creates.Load())
	require.Equal(t, clock.Now().Add(DefaultInitialRetry), out.Interruption().RetryAfter)
	require.Equal(t, StateAbsent, m.State())
	require.True(t, strings.HasPrefix(Describe(out), "connection temporarily failed: "))
}

func TestCheckTransientOnFreshSessionDefersSixtySeconds(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{checkErr: bounded.ErrUnavailable}
	m, _ := newTestManager(f, validCreds())

	out := m.Check(context.Background())
	require.Equal(t, bounded.KindTransient, out.Kind())
	require.Equal(t, start.Add(DefaultInitialRetry), out.Interruption().RetryAfter)
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	m, _ := newTestManager(f, validCreds())
	ctx := context.Background()

	require.NoError(t, m.Disconnect(ctx))
	require.Zero(t, f.destroys.Load())

	require.Equal(t, bounded.KindSuccess, m.Get(ctx).Kind())
	require.NoError(t, m.Disconnect(ctx))
	require.EqualValues(t, 1, f.destroys.Load())
	require.Equal(t, StateAbsent, m.State())
}
