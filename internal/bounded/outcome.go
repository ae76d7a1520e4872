// Package bounded runs blocking operations on isolated goroutines with a hard
// deadline and converts their failures into a typed Outcome.
package bounded

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the Outcome variants.
type Kind int

// Outcome kinds.
const (
	KindSuccess Kind = iota
	KindTransient
	KindFatal
	KindInterrupted
)

// String returns the lowercase kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrInterrupted is carried by Interrupted outcomes that have no more specific cause.
var ErrInterrupted = errors.New("operation interrupted")

// ServiceInterruption signals a transient condition and the earliest time a
// retry is worthwhile. It is a value, not a hard failure.
type ServiceInterruption struct {
	Cause      string
	RetryAfter time.Time
	Err        error
}

// Error implements error.
func (s *ServiceInterruption) Error() string {
	if s.RetryAfter.IsZero() {
		return "service interruption: " + s.Cause
	}
	return fmt.Sprintf("service interruption: %s (retry after %s)", s.Cause, s.RetryAfter.Format(time.RFC3339))
}

// Unwrap exposes the underlying failure.
func (s *ServiceInterruption) Unwrap() error {
	return s.Err
}

// Outcome is the result of a bounded call. Exactly one variant is populated;
// callers switch on Kind.
type Outcome[T any] struct {
	kind         Kind
	value        T
	interruption *ServiceInterruption
	err          error
}

// Success wraps a value.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{kind: KindSuccess, value: v}
}

// Transient wraps a service interruption.
func Transient[T any](si *ServiceInterruption) Outcome[T] {
	if si == nil {
		si = &ServiceInterruption{Cause: "unknown transient failure"}
	}
	return Outcome[T]{kind: KindTransient, interruption: si, err: si}
}

// Fatal wraps a non-retriable error.
func Fatal[T any](err error) Outcome[T] {
	if err == nil {
		err = errors.New("unknown fatal failure")
	}
	return Outcome[T]{kind: KindFatal, err: err}
}

// Interrupted reports cooperative cancellation.
func Interrupted[T any](err error) Outcome[T] {
	if err == nil {
		err = ErrInterrupted
	}
	return Outcome[T]{kind: KindInterrupted, err: err}
}

// Kind returns the variant.
func (o Outcome[T]) Kind() Kind {
	return o.kind
}

// Value returns the success value and whether the outcome is a success.
func (o Outcome[T]) Value() (T, bool) {
	return o.value, o.kind == KindSuccess
}

// Interruption returns the ServiceInterruption of a Transient outcome.
func (o Outcome[T]) Interruption() *ServiceInterruption {
	return o.interruption
}

// Err returns the failure carried by a non-success outcome, nil on success.
// Transient outcomes return their *ServiceInterruption.
func (o Outcome[T]) Err() error {
	return o.err
}

// Map converts a non-success outcome to another value type, keeping its kind.
// It panics if called on a success, which has no failure to carry over.
func Map[T, U any](o Outcome[T]) Outcome[U] {
	switch o.kind {
	case KindTransient:
		return Transient[U](o.interruption)
	case KindFatal:
		return Fatal[U](o.err)
	case KindInterrupted:
		return Interrupted[U](o.err)
	default:
		panic("bounded: Map called on a success outcome")
	}
}
