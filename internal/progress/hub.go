package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize bounds records waiting for the batcher; beyond it Emit drops.
	BufferSize int
	// MaxBatch flushes as soon as this many records are pending.
	MaxBatch int
	// MaxBatchWait flushes a partial batch this long after its first record.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls so they outlive request contexts.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize   = 4096
	defaultMaxBatch     = 500
	defaultMaxBatchWait = 500 * time.Millisecond
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub batches activity records off the worker path and delivers each batch
// to every sink. Emit never blocks.
type Hub struct {
	cfg         Config
	sinks       []Sink
	records     chan Record
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLog     rate.Sometimes
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept records.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		records:     make(chan Record, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLog:     rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues a Record for batching. It never blocks; if the buffer is full
// the record is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(rec Record) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := rec.Validate(); err != nil {
		h.logger.Debug("discarding invalid activity record", zap.Error(err))
		return
	}
	select {
	case h.records <- rec:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("activity records dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close stops intake, flushes what is buffered and closes the sinks. It waits
// for the batcher to exit or ctx to end and may be called more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("activity hub close wait: %w", ctx.Err())
	}
}

// run owns the pending batch. The flush deadline is armed by the first record
// of a batch and disarmed by every flush.
func (h *Hub) run() {
	defer close(h.doneCh)
	pending := make([]Record, 0, h.cfg.MaxBatch)
	var deadline *time.Timer
	var due <-chan time.Time
	flush := func() {
		if deadline != nil {
			deadline.Stop()
			deadline, due = nil, nil
		}
		if len(pending) > 0 {
			h.deliver(pending)
			pending = make([]Record, 0, h.cfg.MaxBatch)
		}
	}

	for {
		select {
		case rec := <-h.records:
			pending = append(pending, rec)
			if len(pending) >= h.cfg.MaxBatch {
				flush()
			} else if deadline == nil {
				deadline = time.NewTimer(h.cfg.MaxBatchWait)
				due = deadline.C
			}
		case <-due:
			deadline, due = nil, nil
			flush()
		case <-h.stopCh:
			for drained := false; !drained; {
				select {
				case rec := <-h.records:
					pending = append(pending, rec)
					if len(pending) >= h.cfg.MaxBatch {
						flush()
					}
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink concurrently. Each sink gets its own
// timeout; a failing sink is logged and does not affect the others.
func (h *Hub) deliver(batch []Record) {
	var wg sync.WaitGroup
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, batch); err != nil {
				h.logger.Warn("activity sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Int("records", len(batch)),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("activity sink close failed", zap.Error(err))
		}
	}
}
