package bounded

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrUnavailable marks a failure of a remote dependency that is worth retrying.
var ErrUnavailable = errors.New("service unavailable")

// Classifier inspects an operation error. It returns ok=false when it has no
// opinion so the next classifier can look at the error.
type Classifier func(err error) (kind Kind, ok bool)

type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter marks err as transient with an explicit retry delay.
func WithRetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, delay: delay}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal regardless of what it wraps.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsConnectivity reports whether err looks like a network or availability
// failure: timeouts, refused or reset connections, truncated streams.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// classify maps err onto an outcome kind and an optional explicit retry delay.
// A zero delay means the executor's default backoff applies.
func (e *Executor) classify(err error) (Kind, time.Duration) {
	var si *ServiceInterruption
	if errors.As(err, &si) {
		return KindTransient, 0
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return KindFatal, 0
	}
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return KindTransient, ra.delay
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInterrupted) {
		return KindInterrupted, 0
	}
	for _, c := range e.classifiers {
		if kind, ok := c(err); ok {
			return kind, 0
		}
	}
	if IsConnectivity(err) {
		return KindTransient, 0
	}
	return KindFatal, 0
}
