// Package dispatcher fans queued work out to a fixed pool of workers and
// reports when everything submitted for a pass has been handled.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlcore/internal/metrics"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
)

// ErrReset is returned by Run when the queue was reset while workers ran.
var ErrReset = errors.New("queue reset")

// Handler processes one queued item. A non-nil error stops the whole pool.
type Handler[T any] func(ctx context.Context, item T) error

// Pool couples a reset queue with an outstanding-work counter. Items count as
// pending from Submit until their handler returns, so work submitted by a
// handler keeps the pass alive.
type Pool[T any] struct {
	name    string
	queue   *memory.Queue[T]
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// New creates a Pool with the given worker count over queue. name labels the
// active-worker gauge.
func New[T any](name string, queue *memory.Queue[T], workers int, logger *zap.Logger) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{name: name, queue: queue, workers: workers, logger: logger.Named(name)}
}

// Submit queues an item and counts it as pending. It never blocks.
func (p *Pool[T]) Submit(item T) {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	p.queue.Add(item)
}

// Pending reports items submitted but not yet handled.
func (p *Pool[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Queue exposes the underlying queue.
func (p *Pool[T]) Queue() *memory.Queue[T] {
	return p.queue
}

// Run starts the workers and blocks until nothing is pending, the queue is
// reset, a handler fails, or ctx ends. Run returns nil only in the first case.
// Only one Run may be active at a time.
func (p *Pool[T]) Run(ctx context.Context, handle Handler[T]) error {
	if p.queue.IsReset() {
		return ErrReset
	}
	idle := p.arm()
	if idle == nil {
		return nil
	}
	defer p.disarm()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	g.Go(func() error {
		select {
		case <-idle:
			stop()
		case <-runCtx.Done():
		}
		return nil
	})
	var remaining atomic.Int32
	remaining.Store(int32(p.workers))
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			// The last worker out releases the idle watcher.
			defer func() {
				if remaining.Add(-1) == 0 {
					stop()
				}
			}()
			return p.work(runCtx, handle)
		})
	}
	err := g.Wait()

	switch {
	case err != nil:
		return err
	case p.queue.IsReset():
		return ErrReset
	case ctx.Err() != nil:
		return fmt.Errorf("pool canceled: %w", ctx.Err())
	default:
		return nil
	}
}

func (p *Pool[T]) work(ctx context.Context, handle Handler[T]) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, ok := p.queue.Take(ctx)
		if !ok {
			return nil
		}
		metrics.IncActiveWorkers(p.name)
		err := handle(ctx, item)
		metrics.DecActiveWorkers(p.name)
		p.done()
		if err != nil {
			p.logger.Debug("worker stopping", zap.Error(err))
			return err
		}
	}
}

// Drain removes every queued item, newest first, and stops counting it.
func (p *Pool[T]) Drain() []T {
	items := p.queue.Drain()
	p.mu.Lock()
	p.pending -= len(items)
	if p.pending < 0 {
		p.pending = 0
	}
	p.mu.Unlock()
	return items
}

// Reset releases blocked workers. Queued items stay until Clear.
func (p *Pool[T]) Reset() {
	p.queue.Reset()
}

// Clear empties the queue, lowers the reset flag and zeroes the pending
// count. Workers must not be running.
func (p *Pool[T]) Clear() {
	p.queue.Clear()
	p.mu.Lock()
	p.pending = 0
	p.mu.Unlock()
}

func (p *Pool[T]) arm() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == 0 {
		return nil
	}
	p.idle = make(chan struct{})
	return p.idle
}

func (p *Pool[T]) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = nil
}

func (p *Pool[T]) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending > 0 {
		p.pending--
	}
	if p.pending == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}
