// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the crawl core.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/api"
	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/clock/system"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/connectors/filesystem"
	"github.com/JakeFAU/crawlcore/internal/connectors/googledrive"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/cycle"
	"github.com/JakeFAU/crawlcore/internal/hash/sha256"
	"github.com/JakeFAU/crawlcore/internal/id/uuid"
	"github.com/JakeFAU/crawlcore/internal/logging"
	"github.com/JakeFAU/crawlcore/internal/output"
	"github.com/JakeFAU/crawlcore/internal/policy/throttle"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/progress/sinks"
	memorypub "github.com/JakeFAU/crawlcore/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/crawlcore/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlcore/internal/session"
	"github.com/JakeFAU/crawlcore/internal/storage/gcs"
	"github.com/JakeFAU/crawlcore/internal/storage/local"
	"github.com/JakeFAU/crawlcore/internal/storage/memory"
	"github.com/JakeFAU/crawlcore/internal/storage/postgres"
	"github.com/JakeFAU/crawlcore/internal/storage/sqlite"
	"github.com/JakeFAU/crawlcore/internal/store"
)

// Engine is the connector-independent view of a crawl cycle.
type Engine interface {
	api.Runner
	RunContinuous(ctx context.Context, job crawler.Job, interval time.Duration) error
	RunIdleReleaser(ctx context.Context)
	Close(ctx context.Context) error
}

// App holds the shared, long-lived services. It is built once at startup and
// closed once at shutdown.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	engine     Engine
	activities store.ActivityRepository
	hub        *progress.Hub

	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer sets the registry used by the prometheus activity sink.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds every service named by cfg. It fails fast; services created
// before the failure are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("initializing application services",
		zap.String("connector", cfg.Connection.Type),
		zap.String("store", cfg.Store.Driver),
		zap.String("blobs", cfg.Output.BlobDriver),
		zap.String("publisher", cfg.Output.PublisherDriver),
	)

	execOpts := []bounded.Option{
		bounded.WithLogger(logger.Named("bounded")),
		bounded.WithClassifiers(postgres.Classify, googledrive.Classify),
	}
	if cfg.Bounded.DefaultBackoff > 0 {
		execOpts = append(execOpts, bounded.WithBackoff(cfg.Bounded.DefaultBackoff))
	}
	exec := bounded.NewExecutor(execOpts...)

	versions, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	hub, err := a.openHub(ctx, o)
	if err != nil {
		return nil, err
	}
	a.hub = hub

	clock := system.New()
	ingester := output.New(blobs, publisher, sha256.New(), clock, cfg.Output.Ingest, logger.Named("output"))
	shared := shared{
		exec:     exec,
		throttle: throttle.New(cfg.Throttle.Registry()),
		versions: versions,
		ingester: ingester,
		emitter:  hub,
		clock:    clock,
	}

	connLogger := logging.ForConnection(logger, cfg.Connection.ID, cfg.Connection.Type)
	switch cfg.Connection.Type {
	case config.ConnectorFilesystem:
		a.engine = buildCycle(cfg, filesystem.New(), shared, connLogger)
	case config.ConnectorGoogleDrive:
		a.engine = buildCycle(cfg, googledrive.New(cfg.Connection.GoogleDrive, connLogger.Named("drive")), shared, connLogger)
	default:
		return nil, fmt.Errorf("unknown connector type: %s", cfg.Connection.Type)
	}

	logger.Info("application services initialized")
	return a, nil
}

type shared struct {
	exec     *bounded.Executor
	throttle *throttle.Registry
	versions crawler.VersionStore
	ingester crawler.Ingester
	emitter  progress.Emitter
	clock    crawler.Clock
}

func buildCycle[H any](cfg config.Config, conn crawler.Connector[H], s shared, logger *zap.Logger) *cycle.Cycle[H] {
	sessions := session.NewManager[H](conn, crawler.Credentials(cfg.Connection.Credentials), s.exec, session.Config{
		ConnectionID: cfg.Connection.ID,
		IdleTimeout:  cfg.Session.IdleTimeout,
		CallTimeout:  cfg.Session.CallTimeout,
		InitialRetry: cfg.Session.InitialRetry,
	}, logger.Named("session"))
	return cycle.New(cycle.Deps[H]{
		ConnectionID: cfg.Connection.ID,
		Connector:    conn,
		Sessions:     sessions,
		Executor:     s.exec,
		Throttle:     s.throttle,
		Versions:     s.versions,
		Ingester:     s.ingester,
		Emitter:      s.emitter,
		Clock:        s.clock,
		IDs:          uuid.New(),
		Logger:       logger.Named("cycle"),
	}, cfg.Crawl)
}

func (a *App) openStore(ctx context.Context) (crawler.VersionStore, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory version store; versions are lost on exit")
		return memory.NewVersionStore(), nil
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		versions, err := postgres.NewVersionStore(pool, cfg.VersionTable)
		if err != nil {
			return nil, err
		}
		activities, err := postgres.NewActivityStore(pool, cfg.ActivityTable)
		if err != nil {
			return nil, err
		}
		a.activities = activities
		return versions, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.activities = db
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (a *App) openBlobs(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Output
	switch cfg.BlobDriver {
	case config.DriverMemory:
		return memory.NewBlobStore(), nil
	case config.DriverLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return blobs.Close() })
		return blobs, nil
	case config.DriverGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, err
		}
		if err := blobs.Verify(ctx); err != nil {
			return nil, fmt.Errorf("verify bucket %q: %w", cfg.Bucket, err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown blob driver: %s", cfg.BlobDriver)
	}
}

// openPublisher returns a nil Publisher for the none driver; the ingester
// then skips notifications.
func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.Output
	switch cfg.PublisherDriver {
	case config.DriverNone, "":
		return nil, nil
	case config.DriverMemory:
		return memorypub.New(), nil
	case config.DriverPubSub:
		client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		pub := pubsubpub.New(client)
		a.closers = append(a.closers, func(context.Context) error {
			pub.Stop()
			return nil
		})
		if cfg.Ingest.Topic != "" {
			if err := pub.Verify(ctx, cfg.Ingest.Topic); err != nil {
				return nil, err
			}
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher driver: %s", cfg.PublisherDriver)
	}
}

func (a *App) openHub(ctx context.Context, o options) (*progress.Hub, error) {
	cfg := a.cfg.Activity
	var hubSinks []progress.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkLog:
			hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("activity")))
		case config.SinkPrometheus:
			sink, err := sinks.NewPrometheusSink(o.registerer)
			if err != nil {
				return nil, err
			}
			hubSinks = append(hubSinks, sink)
		case config.SinkStore:
			if a.activities == nil {
				return nil, fmt.Errorf("activity sink %q needs a postgres or sqlite store", name)
			}
			hubSinks = append(hubSinks, sinks.NewStoreSink(a.activities, a.logger.Named("activity")))
		default:
			return nil, fmt.Errorf("unknown activity sink: %s", name)
		}
	}
	return progress.NewHub(progress.Config{
		BufferSize:   cfg.BufferSize,
		MaxBatch:     cfg.MaxBatch,
		MaxBatchWait: cfg.MaxBatchWait,
		SinkTimeout:  cfg.SinkTimeout,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       a.logger.Named("hub"),
	}, hubSinks...), nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Engine returns the crawl cycle for the configured connector.
func (a *App) Engine() Engine {
	return a.engine
}

// Activities returns the activity repository, or nil when the store driver
// does not persist activities.
func (a *App) Activities() store.ActivityRepository {
	return a.activities
}

// APIOptions derives HTTP server options from configuration.
func (a *App) APIOptions() api.Options {
	opts := api.Options{DefaultJob: a.cfg.Job.Job(), Activities: a.activities}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	return opts
}

// Close disconnects the session, flushes activity records and releases
// clients in reverse creation order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close activity hub: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
