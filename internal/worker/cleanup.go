package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/progress"
)

// CleanupWorker removes documents confirmed absent upstream: the downstream
// copy first, then the stored version.
type CleanupWorker struct {
	connectionID string
	ingester     crawler.Ingester
	versions     crawler.VersionStore
	exec         *bounded.Executor
	emitter      progress.Emitter
	clock        crawler.Clock
	timeout      time.Duration
	logger       *zap.Logger
}

// NewCleanupWorker builds a CleanupWorker.
func NewCleanupWorker(
	connectionID string,
	ingester crawler.Ingester,
	versions crawler.VersionStore,
	exec *bounded.Executor,
	emitter progress.Emitter,
	clock crawler.Clock,
	timeout time.Duration,
	logger *zap.Logger,
) *CleanupWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if exec == nil {
		exec = bounded.NewExecutor()
	}
	return &CleanupWorker{
		connectionID: connectionID,
		ingester:     ingester,
		versions:     versions,
		exec:         exec,
		emitter:      emitter,
		clock:        clock,
		timeout:      timeout,
		logger:       logger.With(zap.String("connection_id", connectionID)),
	}
}

// Process removes every identifier in entry. Like DocumentWorker.Process it
// returns an error only on interruption.
func (c *CleanupWorker) Process(ctx context.Context, run Run, entry crawler.QueueEntry) error {
	for i, doc := range entry.Documents {
		if err := c.removeOne(ctx, run, entry, doc); err != nil {
			now := c.clock.Now()
			for _, rest := range entry.Documents[i:] {
				run.Reporter.Defer(entry.JobID, rest, now, "cleanup interrupted")
			}
			return err
		}
	}
	return nil
}

func (c *CleanupWorker) removeOne(ctx context.Context, run Run, entry crawler.QueueEntry, doc crawler.QueuedDocument) error {
	st := &step{
		run:     run,
		entry:   entry,
		doc:     doc,
		started: c.clock.Now(),
		logger:  c.logger.With(zap.String("job_id", entry.JobID), zap.String("doc_id", string(doc.ID))),
	}

	out := bounded.Execute(ctx, c.exec, bounded.Call{Name: "ingester.remove", Timeout: c.timeout},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.ingester.Remove(ctx, c.connectionID, doc.ID)
		})
	if out.Kind() == bounded.KindSuccess {
		err := c.versions.DeleteVersion(ctx, c.connectionID, doc.ID)
		if err != nil {
			err = fmt.Errorf("delete stored version: %w", err)
		}
		out = bounded.FromError[struct{}](c.exec, err)
	}
	if out.Kind() == bounded.KindSuccess {
		st.logger.Debug("document removed")
	}
	return settle(st, c.clock, c.emitter, c.connectionID, progress.ActivityDelete, out, 0)
}
