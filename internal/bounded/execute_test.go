package bounded

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExecutor(opts ...Option) *Executor {
	base := []Option{WithClock(fixedClock{now: epoch}), WithLogger(zap.NewNop())}
	return NewExecutor(append(base, opts...)...)
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	out := Execute(context.Background(), newTestExecutor(), Call{Name: "ok", Timeout: time.Second},
		func(context.Context) (string, error) {
			return "value", nil
		})

	require.Equal(t, KindSuccess, out.Kind())
	v, ok := out.Value()
	require.True(t, ok)
	require.Equal(t, "value", v)
	require.NoError(t, out.Err())
}

func TestExecuteHungOperationTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	timeout := 50 * time.Millisecond
	start := time.Now()
	out := Execute(context.Background(), newTestExecutor(), Call{Name: "hang", Timeout: timeout},
		func(context.Context) (int, error) {
			// Ignores ctx on purpose.
			<-release
			return 1, nil
		})
	elapsed := time.Since(start)

	require.Equal(t, KindTransient, out.Kind())
	require.Less(t, elapsed, timeout+250*time.Millisecond)
	require.ErrorIs(t, out.Err(), ErrTimeout)
	require.Equal(t, epoch.Add(DefaultBackoff), out.Interruption().RetryAfter)
}

func TestExecuteCallerCancellationInterrupts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan Outcome[int], 1)
	go func() {
		done <- Execute(ctx, newTestExecutor(), Call{Name: "cancel"}, func(opCtx context.Context) (int, error) {
			close(started)
			<-opCtx.Done()
			time.Sleep(time.Second)
			return 0, opCtx.Err()
		})
	}()

	<-started
	cancel()
	select {
	case out := <-done:
		require.Equal(t, KindInterrupted, out.Kind())
		require.ErrorIs(t, out.Err(), context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("caller stayed blocked after cancellation")
	}
}

func TestExecuteAlreadyCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	out := Execute(ctx, newTestExecutor(), Call{Name: "pre"}, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	require.Equal(t, KindInterrupted, out.Kind())
	require.False(t, called)
}

func TestExecuteClassification(t *testing.T) {
	t.Parallel()

	explicit := &ServiceInterruption{Cause: "throttled", RetryAfter: epoch.Add(5 * time.Second)}
	testCases := []struct {
		name       string
		err        error
		call       Call
		kind       Kind
		retryAfter time.Time
	}{
		{name: "unavailable", err: ErrUnavailable, kind: KindTransient, retryAfter: epoch.Add(DefaultBackoff)},
		{name: "override backoff", err: ErrUnavailable, call: Call{Backoff: time.Second}, kind: KindTransient, retryAfter: epoch.Add(time.Second)},
		{name: "explicit delay", err: WithRetryAfter(errors.New("slow down"), 3*time.Second), kind: KindTransient, retryAfter: epoch.Add(3 * time.Second)},
		{name: "interruption passthrough", err: explicit, kind: KindTransient, retryAfter: explicit.RetryAfter},
		{name: "connection refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, kind: KindTransient, retryAfter: epoch.Add(DefaultBackoff)},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindTransient, retryAfter: epoch.Add(DefaultBackoff)},
		{name: "canceled", err: context.Canceled, kind: KindInterrupted},
		{name: "permanent wins", err: Permanent(ErrUnavailable), kind: KindFatal},
		{name: "contract error", err: errors.New("malformed identifier"), kind: KindFatal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			call := tc.call
			call.Name = tc.name
			call.Timeout = time.Second
			out := Execute(context.Background(), newTestExecutor(), call, func(context.Context) (int, error) {
				return 0, tc.err
			})
			require.Equal(t, tc.kind, out.Kind(), out.Err())
			if tc.kind == KindTransient {
				require.Equal(t, tc.retryAfter, out.Interruption().RetryAfter)
			}
		})
	}
}

func TestExecuteCustomClassifier(t *testing.T) {
	t.Parallel()

	quota := errors.New("quota exceeded")
	exec := newTestExecutor(WithClassifiers(func(err error) (Kind, bool) {
		if errors.Is(err, quota) {
			return KindTransient, true
		}
		return 0, false
	}), WithBackoff(10*time.Second))

	out := Execute(context.Background(), exec, Call{Name: "quota"}, func(context.Context) (int, error) {
		return 0, quota
	})
	require.Equal(t, KindTransient, out.Kind())
	require.Equal(t, epoch.Add(10*time.Second), out.Interruption().RetryAfter)
	require.ErrorIs(t, out.Err(), quota)
}

func TestExecutePanicIsFatal(t *testing.T) {
	t.Parallel()

	out := Execute(context.Background(), newTestExecutor(), Call{Name: "boom", Timeout: time.Second},
		func(context.Context) (int, error) {
			panic("nil map")
		})
	require.Equal(t, KindFatal, out.Kind())
	require.Contains(t, out.Err().Error(), "boom panicked")
}

func TestFromError(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor()
	require.Equal(t, KindSuccess, FromError[struct{}](exec, nil).Kind())
	require.Equal(t, KindTransient, FromError[struct{}](exec, ErrUnavailable).Kind())
	require.Equal(t, KindFatal, FromError[struct{}](exec, errors.New("bad")).Kind())
}

func TestMapKeepsKind(t *testing.T) {
	t.Parallel()

	si := &ServiceInterruption{Cause: "down"}
	require.Equal(t, KindTransient, Map[int, string](Transient[int](si)).Kind())
	require.Same(t, si, Map[int, string](Transient[int](si)).Interruption())
	require.Equal(t, KindFatal, Map[int, string](Fatal[int](errors.New("x"))).Kind())
	require.Equal(t, KindInterrupted, Map[int, string](Interrupted[int](nil)).Kind())
	require.Panics(t, func() { Map[int, string](Success(1)) })
}

func TestServiceInterruptionError(t *testing.T) {
	t.Parallel()

	cause := errors.New("503")
	si := &ServiceInterruption{Cause: "remote down", RetryAfter: epoch, Err: cause}
	require.ErrorIs(t, si, cause)
	require.Contains(t, si.Error(), "remote down")
	require.Contains(t, si.Error(), "2024-03-01T12:00:00Z")
}
