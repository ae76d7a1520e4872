// Package config loads and validates crawl core configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlcore/internal/connectors/googledrive"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/cycle"
	"github.com/JakeFAU/crawlcore/internal/output"
	"github.com/JakeFAU/crawlcore/internal/policy/throttle"
	"github.com/JakeFAU/crawlcore/internal/storage/postgres"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLCORE_SERVER_PORT.
const EnvPrefix = "CRAWLCORE"

// Connector types.
const (
	ConnectorFilesystem  = "filesystem"
	ConnectorGoogleDrive = "googledrive"
)

// Store, blob and publisher drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
	DriverNone     = "none"
)

// Activity sink names.
const (
	SinkLog        = "log"
	SinkPrometheus = "prometheus"
	SinkStore      = "store"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Session    SessionConfig    `mapstructure:"session"`
	Bounded    BoundedConfig    `mapstructure:"bounded"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Crawl      cycle.Config     `mapstructure:"crawl"`
	Job        JobConfig        `mapstructure:"job"`
	Store      StoreConfig      `mapstructure:"store"`
	Output     OutputConfig     `mapstructure:"output"`
	Activity   ActivityConfig   `mapstructure:"activity"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ConnectionConfig selects the connector and its credentials. Credential
// values are expanded against the environment so secrets can stay out of
// config files.
type ConnectionConfig struct {
	ID          string             `mapstructure:"id"`
	Type        string             `mapstructure:"type"`
	Credentials map[string]string  `mapstructure:"credentials"`
	GoogleDrive googledrive.Config `mapstructure:"googledrive"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	InitialRetry time.Duration `mapstructure:"initial_retry"`
}

// BoundedConfig tunes the bounded call executor.
type BoundedConfig struct {
	DefaultBackoff time.Duration `mapstructure:"default_backoff"`
}

// ThrottleConfig holds the default bin limits and per-bin overrides. Overrides
// are a list because bin names routinely contain the key delimiter.
type ThrottleConfig struct {
	throttle.Limits `mapstructure:",squash"`
	Overrides       []BinOverride `mapstructure:"overrides"`
}

// BinOverride replaces the default limits for one bin.
type BinOverride struct {
	Bin             string `mapstructure:"bin"`
	throttle.Limits `mapstructure:",squash"`
}

// Registry converts the section into throttle registry configuration.
func (t ThrottleConfig) Registry() throttle.Config {
	cfg := throttle.Config{Default: t.Limits}
	if len(t.Overrides) > 0 {
		cfg.Bins = make(map[string]throttle.Limits, len(t.Overrides))
		for _, o := range t.Overrides {
			cfg.Bins[o.Bin] = o.Limits
		}
	}
	return cfg
}

// JobConfig describes the job run by the crawl command. Window bounds are
// RFC 3339 timestamps; empty bounds are open.
type JobConfig struct {
	ID          string          `mapstructure:"id"`
	Query       string          `mapstructure:"query"`
	Mode        crawler.JobMode `mapstructure:"mode"`
	WindowStart string          `mapstructure:"window_start"`
	WindowEnd   string          `mapstructure:"window_end"`
	Interval    time.Duration   `mapstructure:"interval"`
}

// StoreConfig selects the version and activity store.
type StoreConfig struct {
	Driver        string          `mapstructure:"driver"`
	Postgres      postgres.Config `mapstructure:"postgres"`
	SQLitePath    string          `mapstructure:"sqlite_path"`
	VersionTable  string          `mapstructure:"version_table"`
	ActivityTable string          `mapstructure:"activity_table"`
}

// OutputConfig selects the downstream blob store and notification publisher.
type OutputConfig struct {
	BlobDriver      string        `mapstructure:"blob_driver"`
	BaseDir         string        `mapstructure:"base_dir"`
	Bucket          string        `mapstructure:"bucket"`
	PublisherDriver string        `mapstructure:"publisher_driver"`
	ProjectID       string        `mapstructure:"project_id"`
	Ingest          output.Config `mapstructure:",squash"`
}

// ActivityConfig controls the activity hub and its sinks.
type ActivityConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatch     int           `mapstructure:"max_batch"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	Sinks        []string      `mapstructure:"sinks"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Connection.Credentials = expandCredentials(cfg.Connection.Credentials)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawlcore")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("connection.id", "default")
	v.SetDefault("connection.type", ConnectorFilesystem)
	v.SetDefault("connection.googledrive.export_mime_type", "application/pdf")
	v.SetDefault("connection.googledrive.page_size", 100)
	v.SetDefault("connection.googledrive.rate_limit.rps", 8)
	v.SetDefault("connection.googledrive.rate_limit.burst", 10)

	v.SetDefault("session.idle_timeout", "300s")
	v.SetDefault("session.call_timeout", "60s")
	v.SetDefault("session.initial_retry", "60s")
	v.SetDefault("bounded.default_backoff", "60s")

	v.SetDefault("throttle.min_interval", "0s")
	v.SetDefault("throttle.max_concurrent", 4)

	v.SetDefault("crawl.workers", cycle.DefaultWorkers)
	v.SetDefault("crawl.cleanup_workers", cycle.DefaultCleanupWorkers)
	v.SetDefault("crawl.batch_size", cycle.DefaultBatchSize)
	v.SetDefault("crawl.low_water_mark", cycle.DefaultLowWaterMark)
	v.SetDefault("crawl.seed_timeout", "5m")
	v.SetDefault("crawl.version_timeout", "60s")
	v.SetDefault("crawl.fetch_timeout", "5m")
	v.SetDefault("crawl.children_timeout", "2m")
	v.SetDefault("crawl.ingest_timeout", "5m")
	v.SetDefault("crawl.remove_timeout", "60s")
	v.SetDefault("crawl.idle_check_interval", "15s")

	v.SetDefault("job.id", "default")
	v.SetDefault("job.mode", string(crawler.JobModeOnce))
	v.SetDefault("job.interval", "5m")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "crawlcore.db")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.connect_timeout", "10s")
	v.SetDefault("store.version_table", "document_versions")
	v.SetDefault("store.activity_table", "document_activity")

	v.SetDefault("output.blob_driver", DriverMemory)
	v.SetDefault("output.base_dir", "data/blobs")
	v.SetDefault("output.publisher_driver", DriverNone)
	v.SetDefault("output.prefix", "documents")
	v.SetDefault("output.content_type", "application/octet-stream")

	v.SetDefault("activity.buffer_size", 4096)
	v.SetDefault("activity.max_batch", 500)
	v.SetDefault("activity.max_batch_wait", "500ms")
	v.SetDefault("activity.sink_timeout", "10s")
	v.SetDefault("activity.sinks", []string{SinkLog, SinkPrometheus})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if strings.TrimSpace(c.Connection.ID) == "" {
		errs = append(errs, errors.New("connection.id must be set"))
	}
	if !slices.Contains([]string{ConnectorFilesystem, ConnectorGoogleDrive}, c.Connection.Type) {
		errs = append(errs, fmt.Errorf("connection.type must be %s or %s", ConnectorFilesystem, ConnectorGoogleDrive))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be > 0"))
	}
	if c.Throttle.MaxConcurrent < 0 || c.Throttle.MinInterval < 0 {
		errs = append(errs, errors.New("throttle limits must be >= 0"))
	}
	for i, o := range c.Throttle.Overrides {
		if strings.TrimSpace(o.Bin) == "" {
			errs = append(errs, fmt.Errorf("throttle.overrides[%d].bin must be set", i))
		}
	}
	if c.Crawl.Workers <= 0 || c.Crawl.CleanupWorkers <= 0 {
		errs = append(errs, errors.New("crawl.workers and crawl.cleanup_workers must be > 0"))
	}
	if c.Crawl.BatchSize <= 0 {
		errs = append(errs, errors.New("crawl.batch_size must be > 0"))
	}
	if c.Job.Mode != crawler.JobModeOnce && c.Job.Mode != crawler.JobModeContinuous {
		errs = append(errs, fmt.Errorf("job.mode must be %s or %s", crawler.JobModeOnce, crawler.JobModeContinuous))
	}
	if _, err := c.Job.Window(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn must be set when store.driver is postgres"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path must be set when store.driver is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Output.BlobDriver {
	case DriverMemory:
	case DriverLocal:
		if c.Output.BaseDir == "" {
			errs = append(errs, errors.New("output.base_dir must be set when output.blob_driver is local"))
		}
	case DriverGCS:
		if c.Output.Bucket == "" {
			errs = append(errs, errors.New("output.bucket must be set when output.blob_driver is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output.blob_driver %q", c.Output.BlobDriver))
	}
	switch c.Output.PublisherDriver {
	case DriverNone, DriverMemory:
	case DriverPubSub:
		if c.Output.ProjectID == "" || c.Output.Ingest.Topic == "" {
			errs = append(errs, errors.New("output.project_id and output.topic must be set when output.publisher_driver is pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output.publisher_driver %q", c.Output.PublisherDriver))
	}
	for _, sink := range c.Activity.Sinks {
		if !slices.Contains([]string{SinkLog, SinkPrometheus, SinkStore}, sink) {
			errs = append(errs, fmt.Errorf("unknown activity sink %q", sink))
		}
		if sink == SinkStore && c.Store.Driver == DriverMemory {
			errs = append(errs, errors.New("activity sink store requires store.driver postgres or sqlite"))
		}
	}
	return errors.Join(errs...)
}

// Window parses the configured seeding window.
func (j JobConfig) Window() (crawler.TimeWindow, error) {
	var w crawler.TimeWindow
	var err error
	if j.WindowStart != "" {
		if w.Start, err = time.Parse(time.RFC3339, j.WindowStart); err != nil {
			return crawler.TimeWindow{}, fmt.Errorf("job.window_start: %w", err)
		}
	}
	if j.WindowEnd != "" {
		if w.End, err = time.Parse(time.RFC3339, j.WindowEnd); err != nil {
			return crawler.TimeWindow{}, fmt.Errorf("job.window_end: %w", err)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return crawler.TimeWindow{}, errors.New("job.window_start must be before job.window_end")
	}
	return w, nil
}

// Job converts the job section into the orchestration type.
func (j JobConfig) Job() crawler.Job {
	return crawler.Job{ID: j.ID, Query: j.Query, Mode: j.Mode}
}

func expandCredentials(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
