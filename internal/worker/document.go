package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/metrics"
	"github.com/JakeFAU/crawlcore/internal/policy/throttle"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/session"
)

// Deps are the collaborators a DocumentWorker needs.
type Deps[H any] struct {
	ConnectionID string
	Connector    crawler.Connector[H]
	Sessions     *session.Manager[H]
	Executor     *bounded.Executor
	Throttle     *throttle.Registry
	Versions     crawler.VersionStore
	Ingester     crawler.Ingester
	Tracker      crawler.VisitTracker
	Emitter      progress.Emitter
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// DocumentWorker runs the active-pass pipeline for each identifier in an
// entry: throttle, version check, then fetch and ingest or expand.
type DocumentWorker[H any] struct {
	deps      Deps[H]
	timeouts  Timeouts
	batchSize int
	logger    *zap.Logger
}

// NewDocumentWorker builds a DocumentWorker. batchSize bounds the entries
// created for discovered children.
func NewDocumentWorker[H any](deps Deps[H], timeouts Timeouts, batchSize int) *DocumentWorker[H] {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Executor == nil {
		deps.Executor = bounded.NewExecutor()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &DocumentWorker[H]{
		deps:      deps,
		timeouts:  timeouts,
		batchSize: batchSize,
		logger:    deps.Logger.With(zap.String("connection_id", deps.ConnectionID)),
	}
}

// Process handles every identifier in entry. It returns an error only when
// the pass must stop: it was interrupted, or no session could be built. The
// current and remaining identifiers are then deferred so nothing is lost.
func (w *DocumentWorker[H]) Process(ctx context.Context, run Run, entry crawler.QueueEntry) error {
	for i, doc := range entry.Documents {
		if err := w.processOne(ctx, run, entry, doc); err != nil {
			now := w.deps.Clock.Now()
			for _, rest := range entry.Documents[i:] {
				run.Reporter.Defer(entry.JobID, rest, now, abortReason(err))
			}
			return err
		}
	}
	return nil
}

func abortReason(err error) string {
	if errors.Is(err, session.ErrCreate) {
		return "session unavailable"
	}
	return "pass interrupted"
}

// step tracks one identifier so exactly one activity record is emitted.
type step struct {
	run     Run
	entry   crawler.QueueEntry
	doc     crawler.QueuedDocument
	started time.Time
	logger  *zap.Logger
}

func (w *DocumentWorker[H]) processOne(ctx context.Context, run Run, entry crawler.QueueEntry, doc crawler.QueuedDocument) error {
	st := &step{
		run:     run,
		entry:   entry,
		doc:     doc,
		started: w.deps.Clock.Now(),
		logger:  w.logger.With(zap.String("job_id", entry.JobID), zap.String("doc_id", string(doc.ID))),
	}

	stored, known, out := w.storedVersion(ctx, doc.ID)
	if out.Kind() != bounded.KindSuccess {
		return w.settle(st, progress.ActivityVersion, out, 0)
	}

	bins := w.deps.Connector.ResolveBins(doc.ID)
	permit, err := w.deps.Throttle.Acquire(ctx, bins)
	if err != nil {
		return w.settle(st, progress.ActivityVersion, bounded.Interrupted[struct{}](err), 0)
	}
	defer permit.Release()

	versionOut := session.Use(ctx, w.deps.Sessions, w.call("connector.get_version", w.timeouts.Version),
		func(ctx context.Context, s H) (crawler.VersionInfo, error) {
			return w.deps.Connector.GetVersion(ctx, s, doc.ID)
		})
	info, ok := versionOut.Value()
	if !ok {
		return w.settle(st, progress.ActivityVersion, bounded.Map[crawler.VersionInfo, struct{}](versionOut), 0)
	}

	switch {
	case info.Absent:
		return w.absent(st, known)
	case info.Container:
		return w.expand(ctx, st, info, stored, known)
	case info.Version != "" && known && stored == info.Version:
		st.logger.Debug("document unchanged", zap.String("version", string(info.Version)))
		w.emit(st, progress.ActivitySkip, progress.CodeUnchanged, 0, "")
		return nil
	default:
		return w.fetch(ctx, st, info)
	}
}

func (w *DocumentWorker[H]) absent(st *step, known bool) error {
	if !known {
		w.emit(st, progress.ActivitySkip, progress.CodeAbsent, 0, "not previously indexed")
		return nil
	}
	st.logger.Debug("document vanished; routing to cleanup")
	st.run.Reporter.Cleanup(crawler.QueueEntry{
		JobID:     st.entry.JobID,
		Mode:      st.entry.Mode,
		Documents: []crawler.QueuedDocument{st.doc},
	})
	w.emit(st, progress.ActivityVersion, progress.CodeAbsent, 0, "routed to cleanup")
	return nil
}

func (w *DocumentWorker[H]) expand(
	ctx context.Context,
	st *step,
	info crawler.VersionInfo,
	stored crawler.DocumentVersion,
	known bool,
) error {
	id := st.doc.ID
	out := session.Use(ctx, w.deps.Sessions, w.call("connector.list_children", w.timeouts.Children),
		func(ctx context.Context, s H) ([]crawler.DocumentIdentifier, error) {
			return w.deps.Connector.ListChildren(ctx, s, id)
		})
	children, ok := out.Value()
	if !ok {
		return w.settle(st, progress.ActivityExpand, bounded.Map[[]crawler.DocumentIdentifier, struct{}](out), 0)
	}

	fresh := make([]crawler.QueuedDocument, 0, len(children))
	for _, child := range children {
		if !w.deps.Tracker.MarkIfNew(child) {
			continue
		}
		fresh = append(fresh, crawler.QueuedDocument{
			ID: child,
			Reference: crawler.DocumentReference{
				Parent:       id,
				Child:        child,
				Relationship: crawler.RelationshipChild,
			},
		})
	}
	for _, batch := range Batch(st.entry.JobID, st.entry.Mode, fresh, w.batchSize) {
		st.run.Reporter.Enqueue(batch)
	}

	if !known || stored != info.Version {
		if res := w.putVersion(ctx, id, info.Version); res.Kind() != bounded.KindSuccess {
			return w.settle(st, progress.ActivityExpand, res, 0)
		}
	}
	st.logger.Debug("container expanded", zap.Int("children", len(children)), zap.Int("queued", len(fresh)))
	w.emit(st, progress.ActivityExpand, progress.CodeOK, 0,
		fmt.Sprintf("%d children, %d queued", len(children), len(fresh)))
	return nil
}

func (w *DocumentWorker[H]) fetch(ctx context.Context, st *step, info crawler.VersionInfo) error {
	id := st.doc.ID
	fetchOut := session.Use(ctx, w.deps.Sessions, w.call("connector.fetch", w.timeouts.Fetch),
		func(ctx context.Context, s H) (crawler.Document, error) {
			return w.deps.Connector.Fetch(ctx, s, id)
		})
	doc, ok := fetchOut.Value()
	if !ok {
		return w.settle(st, progress.ActivityFetch, bounded.Map[crawler.Document, struct{}](fetchOut), 0)
	}
	defer func() {
		if err := doc.Close(); err != nil {
			st.logger.Debug("close document content", zap.Error(err))
		}
	}()
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.Version == "" {
		doc.Version = info.Version
	}

	ingestOut := bounded.Execute(ctx, w.deps.Executor, w.call("ingester.ingest", w.timeouts.Ingest),
		func(ctx context.Context) (int64, error) {
			return w.deps.Ingester.Ingest(ctx, w.deps.ConnectionID, doc)
		})
	written, ok := ingestOut.Value()
	if !ok {
		return w.settle(st, progress.ActivityFetch, bounded.Map[int64, struct{}](ingestOut), 0)
	}

	// The version is recorded only once the content is safely downstream.
	if res := w.putVersion(ctx, id, info.Version); res.Kind() != bounded.KindSuccess {
		return w.settle(st, progress.ActivityFetch, res, written)
	}
	st.logger.Debug("document ingested", zap.Int64("bytes", written), zap.String("version", string(info.Version)))
	w.emit(st, progress.ActivityFetch, progress.CodeOK, written, "")
	return nil
}

func (w *DocumentWorker[H]) storedVersion(
	ctx context.Context,
	id crawler.DocumentIdentifier,
) (crawler.DocumentVersion, bool, bounded.Outcome[struct{}]) {
	v, known, err := w.deps.Versions.GetVersion(ctx, w.deps.ConnectionID, id)
	if err != nil {
		return "", false, bounded.FromError[struct{}](w.deps.Executor, fmt.Errorf("read stored version: %w", err))
	}
	return v, known, bounded.Success(struct{}{})
}

func (w *DocumentWorker[H]) putVersion(
	ctx context.Context,
	id crawler.DocumentIdentifier,
	v crawler.DocumentVersion,
) bounded.Outcome[struct{}] {
	err := w.deps.Versions.PutVersion(ctx, w.deps.ConnectionID, id, v)
	if err != nil {
		err = fmt.Errorf("store version: %w", err)
	}
	return bounded.FromError[struct{}](w.deps.Executor, err)
}

// settle applies a non-success outcome: transient defers and fatal fails the
// document. Interrupted and a fatal session creation are returned to stop the
// pass.
func (w *DocumentWorker[H]) settle(st *step, activity progress.Activity, out bounded.Outcome[struct{}], written int64) error {
	return settle(st, w.deps.Clock, w.deps.Emitter, w.deps.ConnectionID, activity, out, written)
}

func (w *DocumentWorker[H]) emit(st *step, activity progress.Activity, code progress.Code, written int64, detail string) {
	emit(st, w.deps.Clock, w.deps.Emitter, w.deps.ConnectionID, activity, code, written, detail)
}

func (w *DocumentWorker[H]) call(name string, timeout time.Duration) bounded.Call {
	return bounded.Call{Name: name, Timeout: timeout}
}

func settle(
	st *step,
	clock crawler.Clock,
	emitter progress.Emitter,
	connectionID string,
	activity progress.Activity,
	out bounded.Outcome[struct{}],
	written int64,
) error {
	switch out.Kind() {
	case bounded.KindSuccess:
		emit(st, clock, emitter, connectionID, activity, progress.CodeOK, written, "")
		return nil
	case bounded.KindTransient:
		si := out.Interruption()
		st.logger.Warn("document deferred",
			zap.String("activity", string(activity)),
			zap.Time("retry_after", si.RetryAfter),
			zap.Error(si),
		)
		st.run.Reporter.Defer(st.entry.JobID, st.doc, si.RetryAfter, si.Cause)
		emit(st, clock, emitter, connectionID, activity, progress.CodeTransient, written, si.Cause)
		return nil
	case bounded.KindInterrupted:
		emit(st, clock, emitter, connectionID, activity, progress.CodeInterrupted, written, out.Err().Error())
		return fmt.Errorf("%s %s: %w: %w", activity, st.doc.ID, bounded.ErrInterrupted, out.Err())
	case bounded.KindFatal:
		if errors.Is(out.Err(), session.ErrCreate) {
			st.logger.Error("session creation failed; aborting pass", zap.Error(out.Err()))
			emit(st, clock, emitter, connectionID, activity, progress.CodeFatal, written, out.Err().Error())
			return fmt.Errorf("%s %s: %w", activity, st.doc.ID, out.Err())
		}
		fallthrough
	default:
		st.logger.Error("document failed", zap.String("activity", string(activity)), zap.Error(out.Err()))
		st.run.Reporter.Fail(st.entry.JobID, st.doc, out.Err())
		emit(st, clock, emitter, connectionID, activity, progress.CodeFatal, written, out.Err().Error())
		return nil
	}
}

func emit(
	st *step,
	clock crawler.Clock,
	emitter progress.Emitter,
	connectionID string,
	activity progress.Activity,
	code progress.Code,
	written int64,
	detail string,
) {
	metrics.ObserveDocument(connectionID, string(code))
	emitter.Emit(progress.Record{
		RunID:        st.run.ID,
		ConnectionID: connectionID,
		JobID:        st.entry.JobID,
		Activity:     activity,
		Identifier:   string(st.doc.ID),
		Started:      st.started,
		Elapsed:      clock.Now().Sub(st.started),
		Bytes:        written,
		Code:         code,
		Detail:       detail,
	})
}
