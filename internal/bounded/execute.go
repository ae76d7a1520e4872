package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/metrics"
)

// DefaultBackoff is the retry delay applied to transient failures that do not
// carry their own.
const DefaultBackoff = 60 * time.Second

// ErrTimeout is wrapped by the ServiceInterruption returned when a call
// exceeds its timeout.
var ErrTimeout = errors.New("operation timed out")

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Operation is a potentially hanging call. It receives a context that is
// canceled when the caller gives up, but it is not required to honor it.
type Operation[T any] func(ctx context.Context) (T, error)

// Call describes one bounded invocation.
type Call struct {
	// Name labels logs and metrics.
	Name string
	// Timeout bounds the caller's wait. Zero waits indefinitely and is meant
	// only for operations known to honor ctx.
	Timeout time.Duration
	// Backoff overrides the executor's default retry delay.
	Backoff time.Duration
}

// Executor holds the classification and retry policy shared by bounded calls.
type Executor struct {
	clock       Clock
	backoff     time.Duration
	classifiers []Classifier
	logger      *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the clock used to compute retry-after times.
func WithClock(c Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.backoff = d
		}
	}
}

// WithClassifiers appends error classifiers consulted before the built-in rules.
func WithClassifiers(cs ...Classifier) Option {
	return func(e *Executor) {
		for _, c := range cs {
			if c != nil {
				e.classifiers = append(e.classifiers, c)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor builds an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		clock:   wallClock{},
		backoff: DefaultBackoff,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the executor's notion of the current time.
func (e *Executor) Now() time.Time {
	return e.clock.Now()
}

const (
	stateRunning int32 = iota
	stateDone
	stateAbandoned
)

type result[T any] struct {
	value T
	err   error
}

// Execute runs op on its own goroutine and waits at most call.Timeout for it.
// When the wait ends early the goroutine is signaled through ctx and left to
// finish on its own; the caller gets Transient on timeout and Interrupted on
// cancellation of ctx. Errors and panics from op never cross the boundary
// unclassified.
func Execute[T any](ctx context.Context, e *Executor, call Call, op Operation[T]) Outcome[T] {
	if e == nil {
		e = NewExecutor()
	}
	if call.Name == "" {
		call.Name = "call"
	}
	if err := ctx.Err(); err != nil {
		return Interrupted[T](err)
	}
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var state atomic.Int32
	results := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: Permanent(fmt.Errorf("%s panicked: %v", call.Name, p))}
			}
			if state.CompareAndSwap(stateRunning, stateDone) {
				results <- r
				return
			}
			metrics.DecOrphanedCalls(call.Name)
			e.logger.Debug("abandoned call finished", zap.String("call", call.Name), zap.Error(r.err))
		}()
		r.value, r.err = op(runCtx)
	}()

	var expired <-chan time.Time
	if call.Timeout > 0 {
		timer := time.NewTimer(call.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var out Outcome[T]
	select {
	case r := <-results:
		out = resolve(e, call, r.value, r.err)
	case <-expired:
		out = abandon(e, call, &state, results, func() Outcome[T] {
			return Transient[T](&ServiceInterruption{
				Cause:      fmt.Sprintf("%s timed out after %s", call.Name, call.Timeout),
				RetryAfter: e.clock.Now().Add(e.backoffFor(call, 0)),
				Err:        ErrTimeout,
			})
		})
	case <-ctx.Done():
		out = abandon(e, call, &state, results, func() Outcome[T] {
			return Interrupted[T](ctx.Err())
		})
	}
	metrics.ObserveBoundedCall(call.Name, out.Kind().String(), time.Since(start))
	return out
}

// abandon marks the goroutine as orphaned. If it already finished, its
// result is sitting in the channel and is used instead.
func abandon[T any](
	e *Executor,
	call Call,
	state *atomic.Int32,
	results <-chan result[T],
	give func() Outcome[T],
) Outcome[T] {
	if !state.CompareAndSwap(stateRunning, stateAbandoned) {
		r := <-results
		return resolve(e, call, r.value, r.err)
	}
	metrics.IncOrphanedCalls(call.Name)
	e.logger.Debug("call abandoned", zap.String("call", call.Name), zap.Duration("timeout", call.Timeout))
	return give()
}

// FromError classifies err the same way Execute classifies operation errors.
// A nil err yields Success with the zero value.
func FromError[T any](e *Executor, err error) Outcome[T] {
	if e == nil {
		e = NewExecutor()
	}
	var zero T
	return resolve(e, Call{Name: "classify"}, zero, err)
}

func resolve[T any](e *Executor, call Call, value T, err error) Outcome[T] {
	if err == nil {
		return Success(value)
	}
	kind, delay := e.classify(err)
	switch kind {
	case KindTransient:
		var si *ServiceInterruption
		if errors.As(err, &si) {
			if si.RetryAfter.IsZero() {
				cp := *si
				cp.RetryAfter = e.clock.Now().Add(e.backoffFor(call, 0))
				si = &cp
			}
			return Transient[T](si)
		}
		return Transient[T](&ServiceInterruption{
			Cause:      err.Error(),
			RetryAfter: e.clock.Now().Add(e.backoffFor(call, delay)),
			Err:        err,
		})
	case KindInterrupted:
		return Interrupted[T](err)
	default:
		return Fatal[T](err)
	}
}

func (e *Executor) backoffFor(call Call, explicit time.Duration) time.Duration {
	switch {
	case explicit > 0:
		return explicit
	case call.Backoff > 0:
		return call.Backoff
	default:
		return e.backoff
	}
}
