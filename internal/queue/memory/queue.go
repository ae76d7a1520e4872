// Package memory provides the in-process work queue shared by the document
// and cleanup stages.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/metrics"
)

// Queue is an unbounded LIFO queue with blocking Take and a reset flag.
// While the flag is set Take returns immediately with no entry; Clear empties
// the queue and lowers the flag.
type Queue[T any] struct {
	name string

	mu      sync.Mutex
	items   []T
	waiters []chan struct{}
	reset   bool
}

// NewQueue constructs an empty queue. name labels the depth gauge.
func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{name: name}
}

// Add appends an entry and wakes one blocked consumer. It never blocks.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	metrics.SetQueueDepth(q.name, len(q.items))
	q.signalOneLocked()
}

// Take removes the most recently added entry. It blocks until an entry is
// available, the queue is reset, or ctx ends; the last two return ok=false.
func (q *Queue[T]) Take(ctx context.Context) (T, bool) {
	var zero T
	q.mu.Lock()
	for {
		if q.reset {
			q.mu.Unlock()
			return zero, false
		}
		if n := len(q.items); n > 0 {
			item := q.items[n-1]
			q.items[n-1] = zero
			q.items = q.items[:n-1]
			metrics.SetQueueDepth(q.name, len(q.items))
			q.mu.Unlock()
			return item, true
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return zero, false
		}

		wake := make(chan struct{}, 1)
		q.waiters = append(q.waiters, wake)
		q.mu.Unlock()

		select {
		case <-wake:
			q.mu.Lock()
		case <-ctx.Done():
			q.mu.Lock()
			if !q.removeWaiterLocked(wake) {
				// Signaled while giving up; hand the wakeup to someone else.
				q.signalOneLocked()
			}
			q.mu.Unlock()
			return zero, false
		}
	}
}

// Len reports the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsNearEmpty reports whether at most lowWaterMark entries are queued.
func (q *Queue[T]) IsNearEmpty(lowWaterMark int) bool {
	return q.Len() <= lowWaterMark
}

// IsReset reports whether the reset flag is set.
func (q *Queue[T]) IsReset() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reset
}

// Reset sets the reset flag and wakes every blocked consumer.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset = true
	for _, w := range q.waiters {
		w <- struct{}{}
	}
	q.waiters = nil
}

// Clear empties the queue and lowers the reset flag. Consumers must be
// quiesced first.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.reset = false
	metrics.SetQueueDepth(q.name, 0)
}

// Drain removes and returns every queued entry, newest first, without
// touching the reset flag.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		out = append(out, q.items[i])
	}
	q.items = nil
	metrics.SetQueueDepth(q.name, 0)
	return out
}

func (q *Queue[T]) signalOneLocked() {
	if len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	w <- struct{}{}
}

func (q *Queue[T]) removeWaiterLocked(w chan struct{}) bool {
	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}
