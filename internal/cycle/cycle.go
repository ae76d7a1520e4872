// Package cycle drives a job through Seeding, Active, Cleanup and Idle on a
// single connection, owning the document and cleanup queues and the per-job
// deferral bookkeeping.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/clock/system"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/dispatcher"
	"github.com/JakeFAU/crawlcore/internal/id/uuid"
	"github.com/JakeFAU/crawlcore/internal/metrics"
	"github.com/JakeFAU/crawlcore/internal/policy/throttle"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
	"github.com/JakeFAU/crawlcore/internal/session"
	"github.com/JakeFAU/crawlcore/internal/worker"
)

var (
	// ErrReset is returned by a pass that ended because the job was reset.
	ErrReset = errors.New("job reset")
	// ErrBusy is returned when another job holds the queues or a pass is running.
	ErrBusy = errors.New("connection busy with another pass")
	// ErrInterrupted wraps the cause of a pass stopped by cancellation.
	ErrInterrupted = errors.New("pass interrupted")
)

const tracerName = "github.com/JakeFAU/crawlcore/internal/cycle"

// Defaults applied to zero Config fields.
const (
	DefaultWorkers           = 4
	DefaultCleanupWorkers    = 1
	DefaultBatchSize         = 10
	DefaultLowWaterMark      = 1000
	DefaultSeedTimeout       = 5 * time.Minute
	DefaultIdleCheckInterval = 15 * time.Second
)

// Config tunes a Cycle.
type Config struct {
	Workers        int `mapstructure:"workers"`
	CleanupWorkers int `mapstructure:"cleanup_workers"`
	// BatchSize bounds the identifiers per queue entry.
	BatchSize int `mapstructure:"batch_size"`
	// LowWaterMark is the queue size at or below which seeding may add work.
	LowWaterMark      int             `mapstructure:"low_water_mark"`
	SeedTimeout       time.Duration   `mapstructure:"seed_timeout"`
	IdleCheckInterval time.Duration   `mapstructure:"idle_check_interval"`
	Timeouts          worker.Timeouts `mapstructure:",squash"`
}

// Deps are the collaborators a Cycle needs.
type Deps[H any] struct {
	ConnectionID string
	Connector    crawler.Connector[H]
	Sessions     *session.Manager[H]
	Executor     *bounded.Executor
	Throttle     *throttle.Registry
	Versions     crawler.VersionStore
	Ingester     crawler.Ingester
	Emitter      progress.Emitter
	Clock        crawler.Clock
	IDs          crawler.IDGenerator
	Logger       *zap.Logger
}

// Cycle runs crawl passes for one connection. At most one job owns the
// queues at a time and at most one pass runs at a time.
type Cycle[H any] struct {
	connectionID string
	conn         crawler.Connector[H]
	sessions     *session.Manager[H]
	docs         *dispatcher.Pool[crawler.QueueEntry]
	cleanup      *dispatcher.Pool[crawler.QueueEntry]
	docWorker    *worker.DocumentWorker[H]
	cleanWorker  *worker.CleanupWorker
	tracker      crawler.VisitTracker
	ids          crawler.IDGenerator
	clock        crawler.Clock
	cfg          Config
	logger       *zap.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	jobs    map[string]*jobState
	owner   string
	running bool
}

// New wires the queues, pools and workers for one connection.
func New[H any](deps Deps[H], cfg Config) *Cycle[H] {
	cfg = withDefaults(cfg)
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Throttle == nil {
		deps.Throttle = throttle.New(throttle.Config{})
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	logger := deps.Logger.Named("cycle").With(zap.String("connection_id", deps.ConnectionID))
	tracker := crawler.NewMemoryVisitTracker()

	docWorker := worker.NewDocumentWorker(worker.Deps[H]{
		ConnectionID: deps.ConnectionID,
		Connector:    deps.Connector,
		Sessions:     deps.Sessions,
		Executor:     deps.Executor,
		Throttle:     deps.Throttle,
		Versions:     deps.Versions,
		Ingester:     deps.Ingester,
		Tracker:      tracker,
		Emitter:      deps.Emitter,
		Clock:        deps.Clock,
		Logger:       deps.Logger.Named("worker"),
	}, cfg.Timeouts, cfg.BatchSize)
	cleanWorker := worker.NewCleanupWorker(deps.ConnectionID, deps.Ingester, deps.Versions, deps.Executor,
		deps.Emitter, deps.Clock, cfg.Timeouts.Remove, deps.Logger.Named("cleanup"))

	return &Cycle[H]{
		connectionID: deps.ConnectionID,
		conn:         deps.Connector,
		sessions:     deps.Sessions,
		docs: dispatcher.New("documents", memory.NewQueue[crawler.QueueEntry]("documents"),
			cfg.Workers, deps.Logger),
		cleanup: dispatcher.New("cleanup", memory.NewQueue[crawler.QueueEntry]("cleanup"),
			cfg.CleanupWorkers, deps.Logger),
		docWorker:   docWorker,
		cleanWorker: cleanWorker,
		tracker:     tracker,
		ids:         deps.IDs,
		clock:       deps.Clock,
		cfg:         cfg,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		jobs:        make(map[string]*jobState),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CleanupWorkers <= 0 {
		cfg.CleanupWorkers = DefaultCleanupWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = DefaultLowWaterMark
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = DefaultSeedTimeout
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = DefaultIdleCheckInterval
	}
	return cfg
}

// RunSeedingPass asks the connector for the job's seeds inside window and
// queues the ones not already queued this pass, plus any deferred identifiers
// that have come due. A transient connector failure defers the whole pass:
// the returned error is a *bounded.ServiceInterruption.
func (c *Cycle[H]) RunSeedingPass(ctx context.Context, job crawler.Job, window crawler.TimeWindow) (Summary, error) {
	st, sum, err := c.begin(job, PhaseSeeding)
	if err != nil {
		return sum, err
	}
	ctx, span := c.startSpan(ctx, sum)
	defer span.End()

	if c.docs.Queue().IsReset() || c.cleanup.Queue().IsReset() {
		c.docs.Clear()
		c.cleanup.Clear()
	}
	c.prepareTracker(st)

	if !c.docs.Queue().IsNearEmpty(c.cfg.LowWaterMark) {
		sum.Skipped = true
		c.logger.Info("seeding skipped; document queue above low-water mark",
			zap.String("job_id", job.ID), zap.Int("queued", c.docs.Queue().Len()))
	} else {
		out := session.Use(ctx, c.sessions, bounded.Call{Name: "connector.list_seeds", Timeout: c.cfg.SeedTimeout},
			func(ctx context.Context, s H) ([]crawler.DocumentIdentifier, error) {
				return c.conn.ListSeeds(ctx, s, job.Query, window)
			})
		seeds, ok := out.Value()
		if !ok {
			err = passError("list seeds", out)
			return c.end(st, PhaseIdle, sum, span, err)
		}
		fresh := make([]crawler.QueuedDocument, 0, len(seeds))
		for _, id := range seeds {
			if c.tracker.MarkIfNew(id) {
				fresh = append(fresh, crawler.QueuedDocument{ID: id})
			}
		}
		c.submit(job, fresh)
		sum.Seeds = len(seeds)
		sum.Queued = len(fresh)
	}
	sum.Requeued = c.requeueDue(st, true)

	c.logger.Info("seeding pass finished",
		zap.String("job_id", job.ID),
		zap.Int("seeds", sum.Seeds),
		zap.Int("queued", sum.Queued),
		zap.Int("requeued", sum.Requeued),
	)
	return c.end(st, PhaseActive, sum, span, nil)
}

// RunActivePass processes the document queue until nothing is pending.
// Vanished documents are routed to the cleanup queue for DrainCleanup.
func (c *Cycle[H]) RunActivePass(ctx context.Context, job crawler.Job) (Summary, error) {
	st, sum, err := c.begin(job, PhaseActive)
	if err != nil {
		return sum, err
	}
	ctx, span := c.startSpan(ctx, sum)
	defer span.End()

	sum.Requeued = c.requeueDue(st, false)
	run := worker.Run{ID: sum.RunID, Reporter: &reporter[H]{c: c, st: st}}
	err = c.docs.Run(ctx, func(ctx context.Context, entry crawler.QueueEntry) error {
		return c.docWorker.Process(ctx, run, entry)
	})
	return c.settle(st, c.docs, sum, span, err, PhaseCleanup, PhaseActive)
}

// DrainCleanup processes the cleanup queue until it is empty, then lets the
// session manager release an idle session.
func (c *Cycle[H]) DrainCleanup(ctx context.Context, job crawler.Job) (Summary, error) {
	st, sum, err := c.begin(job, PhaseCleanup)
	if err != nil {
		return sum, err
	}
	ctx, span := c.startSpan(ctx, sum)
	defer span.End()

	run := worker.Run{ID: sum.RunID, Reporter: &reporter[H]{c: c, st: st}}
	err = c.cleanup.Run(ctx, func(ctx context.Context, entry crawler.QueueEntry) error {
		return c.cleanWorker.Process(ctx, run, entry)
	})
	if err == nil {
		c.releaseIdle(ctx)
	}
	return c.settle(st, c.cleanup, sum, span, err, PhaseIdle, PhaseCleanup)
}

// RequestReset abandons the job's backlog. A running pass stops once its
// workers finish their current entries and returns ErrReset; otherwise the
// queues are cleared immediately. Deferred and failed identifiers are
// forgotten either way.
func (c *Cycle[H]) RequestReset(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.jobs[jobID]
	if ok {
		st.forget()
		st.updated = c.clock.Now()
	}
	if c.owner != "" && c.owner != jobID {
		return nil
	}
	c.docs.Reset()
	c.cleanup.Reset()
	c.logger.Info("reset requested", zap.String("job_id", jobID), zap.Bool("running", c.running))
	if c.running {
		return nil
	}
	c.clearQueuesLocked()
	if ok {
		st.phase = PhaseIdle
	}
	return nil
}

// RunJob runs Seeding, Active and Cleanup in order, stopping at the first error.
func (c *Cycle[H]) RunJob(ctx context.Context, job crawler.Job, window crawler.TimeWindow) (Report, error) {
	var report Report
	seeding, err := c.RunSeedingPass(ctx, job, window)
	report.Seeding = &seeding
	if err != nil {
		return report, err
	}
	active, err := c.RunActivePass(ctx, job)
	report.Active = &active
	if err != nil {
		return report, err
	}
	cleanup, err := c.DrainCleanup(ctx, job)
	report.Cleanup = &cleanup
	return report, err
}

// RunContinuous repeats RunJob until ctx ends or the job is reset. After the
// first cycle each seeding window starts where the previous one started. A
// job-level interruption waits until its retry-after time; any other failure
// or a finished cycle waits interval.
func (c *Cycle[H]) RunContinuous(ctx context.Context, job crawler.Job, interval time.Duration) error {
	var window crawler.TimeWindow
	for {
		started := c.clock.Now()
		_, err := c.RunJob(ctx, job, window)
		wait := interval
		var si *bounded.ServiceInterruption
		switch {
		case err == nil:
			window = crawler.TimeWindow{Start: started}
		case errors.Is(err, ErrReset):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("continuous crawl: %w", ctx.Err())
		case errors.As(err, &si):
			wait = si.RetryAfter.Sub(c.clock.Now())
			c.logger.Warn("pass deferred", zap.String("job_id", job.ID), zap.Time("retry_after", si.RetryAfter))
		default:
			c.logger.Error("crawl cycle failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("continuous crawl: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// CheckConnection checks the repository through the session manager.
func (c *Cycle[H]) CheckConnection(ctx context.Context) bounded.Outcome[struct{}] {
	return c.sessions.Check(ctx)
}

// RunIdleReleaser periodically lets the session manager release an idle
// session. It blocks until ctx ends.
func (c *Cycle[H]) RunIdleReleaser(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.releaseIdle(ctx)
		}
	}
}

// Close disconnects the session.
func (c *Cycle[H]) Close(ctx context.Context) error {
	if err := c.sessions.Disconnect(ctx); err != nil {
		return fmt.Errorf("close cycle: %w", err)
	}
	return nil
}

// Status reports the job's current state. ok is false for unknown jobs.
func (c *Cycle[H]) Status(jobID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.jobs[jobID]
	if !ok {
		return Status{}, false
	}
	out := Status{
		JobID:     jobID,
		Phase:     st.phase,
		Running:   c.running && c.owner == jobID,
		Deferred:  len(st.deferred),
		LastError: st.lastError,
		UpdatedAt: st.updated,
	}
	if c.owner == jobID {
		out.Queued = c.docs.Pending()
		out.CleanupQueued = c.cleanup.Pending()
	}
	if len(st.failed) > 0 {
		out.Failed = make(map[string]string, len(st.failed))
		for id, msg := range st.failed {
			out.Failed[string(id)] = msg
		}
	}
	if st.lastPass != nil {
		last := *st.lastPass
		out.LastPass = &last
	}
	return out, true
}

func (c *Cycle[H]) begin(job crawler.Job, phase Phase) (*jobState, Summary, error) {
	sum := Summary{JobID: job.ID, Phase: phase, Started: c.clock.Now()}
	if job.ID == "" {
		return nil, sum, fmt.Errorf("job id is required")
	}
	runID, err := c.ids.NewRunID()
	if err != nil {
		return nil, sum, fmt.Errorf("new run id: %w", err)
	}
	sum.RunID = runID

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || (c.owner != "" && c.owner != job.ID) {
		return nil, sum, fmt.Errorf("%s pass for job %q: %w", phase, job.ID, ErrBusy)
	}
	st, ok := c.jobs[job.ID]
	if !ok {
		st = newJobState(job)
		c.jobs[job.ID] = st
	}
	if job.Mode != "" || job.Query != "" {
		st.job = job
	}
	c.owner = job.ID
	c.running = true
	st.phase = phase
	st.updated = sum.Started
	if phase == PhaseSeeding {
		clear(st.failed)
	}
	return st, sum, nil
}

func (c *Cycle[H]) end(st *jobState, next Phase, sum Summary, span trace.Span, err error) (Summary, error) {
	sum.Finished = c.clock.Now()
	result := "ok"
	if err != nil {
		result = "error"
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObservePass(string(sum.Phase), result)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	st.phase = next
	if next == PhaseIdle {
		c.owner = ""
	}
	sum.Deferred = len(st.deferred)
	sum.Failed = len(st.failed)
	sum.NextRetry = st.nextRetry()
	st.lastPass = &sum
	st.lastError = sum.Error
	st.updated = sum.Finished
	span.SetAttributes(
		attribute.Int("crawl.deferred", sum.Deferred),
		attribute.Int("crawl.failed", sum.Failed),
	)
	return sum, err
}

// settle maps a pool result onto the job: a reset clears everything, an
// interruption or a failed session creation moves the backlog into the
// deferred set.
func (c *Cycle[H]) settle(
	st *jobState,
	pool *dispatcher.Pool[crawler.QueueEntry],
	sum Summary,
	span trace.Span,
	err error,
	onSuccess, onInterrupt Phase,
) (Summary, error) {
	switch {
	case err == nil:
		c.logger.Info("pass finished", zap.String("job_id", sum.JobID), zap.String("phase", string(sum.Phase)))
		return c.end(st, onSuccess, sum, span, nil)
	case errors.Is(err, dispatcher.ErrReset):
		c.mu.Lock()
		st.forget()
		c.clearQueuesLocked()
		c.mu.Unlock()
		c.logger.Info("pass reset", zap.String("job_id", sum.JobID), zap.String("phase", string(sum.Phase)))
		return c.end(st, PhaseIdle, sum, span, fmt.Errorf("%s pass: %w", sum.Phase, ErrReset))
	default:
		reason, passErr := "pass interrupted", fmt.Errorf("%s pass: %w: %w", sum.Phase, ErrInterrupted, err)
		if errors.Is(err, session.ErrCreate) {
			reason, passErr = "session unavailable", fmt.Errorf("%s pass: %w", sum.Phase, err)
		}
		drained := pool.Drain()
		now := c.clock.Now()
		c.mu.Lock()
		for _, entry := range drained {
			for _, doc := range entry.Documents {
				st.deferDoc(doc, now, reason)
			}
		}
		c.mu.Unlock()
		c.logger.Warn("pass aborted",
			zap.String("job_id", sum.JobID),
			zap.String("phase", string(sum.Phase)),
			zap.String("reason", reason),
			zap.Int("drained_entries", len(drained)),
			zap.Error(err),
		)
		return c.end(st, onInterrupt, sum, span, passErr)
	}
}

// prepareTracker starts a new pass of identifier tracking. Deferred
// identifiers that are not yet due are pre-marked so seeding and expansion
// leave them alone until their retry time.
func (c *Cycle[H]) prepareTracker(st *jobState) {
	c.tracker.Reset()
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range st.deferred {
		if d.notBefore.After(now) {
			c.tracker.MarkIfNew(id)
		}
	}
}

// requeueDue submits deferred identifiers whose time has come. With
// skipQueued, identifiers already queued this pass (by seeding) are dropped
// from the deferred set instead of being queued twice.
func (c *Cycle[H]) requeueDue(st *jobState, skipQueued bool) int {
	c.mu.Lock()
	due := st.takeDue(c.clock.Now())
	job := st.job
	c.mu.Unlock()
	out := due[:0]
	for _, doc := range due {
		if c.tracker.MarkIfNew(doc.ID) || !skipQueued {
			out = append(out, doc)
		}
	}
	c.submit(job, out)
	return len(out)
}

func (c *Cycle[H]) submit(job crawler.Job, docs []crawler.QueuedDocument) {
	for _, entry := range worker.Batch(job.ID, job.Mode, docs, c.cfg.BatchSize) {
		c.docs.Submit(entry)
	}
}

func (c *Cycle[H]) clearQueuesLocked() {
	c.docs.Clear()
	c.cleanup.Clear()
	c.owner = ""
}

func (c *Cycle[H]) releaseIdle(ctx context.Context) {
	out := c.sessions.ReleaseIfIdle(ctx, c.clock.Now())
	if out.Kind() != bounded.KindSuccess {
		c.logger.Debug("idle release skipped", zap.Stringer("kind", out.Kind()), zap.Error(out.Err()))
	}
}

func (c *Cycle[H]) startSpan(ctx context.Context, sum Summary) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "cycle."+string(sum.Phase), trace.WithAttributes(
		attribute.String("crawl.connection_id", c.connectionID),
		attribute.String("crawl.job_id", sum.JobID),
		attribute.String("crawl.run_id", sum.RunID.String()),
	))
}

// passError turns a failed job-level call into the pass error. Transient
// failures surface as the interruption itself so callers can honor RetryAfter.
func passError[T any](op string, out bounded.Outcome[T]) error {
	switch out.Kind() {
	case bounded.KindTransient:
		return out.Interruption()
	case bounded.KindInterrupted:
		return fmt.Errorf("%s: %w: %w", op, ErrInterrupted, out.Err())
	default:
		return fmt.Errorf("%s: %w", op, out.Err())
	}
}

// reporter routes worker decisions back into the cycle.
type reporter[H any] struct {
	c  *Cycle[H]
	st *jobState
}

func (r *reporter[H]) Enqueue(entry crawler.QueueEntry) {
	r.c.docs.Submit(entry)
}

func (r *reporter[H]) Cleanup(entry crawler.QueueEntry) {
	r.c.cleanup.Submit(entry)
}

func (r *reporter[H]) Defer(_ string, doc crawler.QueuedDocument, notBefore time.Time, cause string) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.st.deferDoc(doc, notBefore, cause)
}

func (r *reporter[H]) Fail(_ string, doc crawler.QueuedDocument, err error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	r.st.failed[doc.ID] = err.Error()
}
