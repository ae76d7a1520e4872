// Package cmd defines and implements the CLI commands for the crawlcore
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/app"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/logging"
	"github.com/JakeFAU/crawlcore/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X".
var version = "dev"

// newApp is the application factory. Tests replace it to inject options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// runtime carries the services built by the root command's pre-run hook.
type runtime struct {
	cfgFile string

	cfg               config.Config
	logger            *zap.Logger
	app               *app.App
	shutdownTelemetry telemetry.Shutdown
}

func (rt *runtime) init(ctx context.Context) error {
	cfg, err := config.Load(rt.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt.cfg = cfg

	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	rt.logger = logger
	zap.ReplaceGlobals(logger)

	if cfg.Telemetry.Enabled {
		_, shutdown, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		rt.shutdownTelemetry = shutdown
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	rt.app = a
	return nil
}

// close shuts services down in reverse order. It is safe after a partial init.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.app != nil {
		if err := rt.app.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		rt.app = nil
	}
	if rt.shutdownTelemetry != nil {
		if err := rt.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
		rt.shutdownTelemetry = nil
	}
	if rt.logger != nil {
		// Sync fails on non-syncable outputs such as a terminal stderr.
		_ = rt.logger.Sync()
	}
	return errors.Join(errs...)
}

// newRootCmd creates the root command and its subcommands. The returned
// runtime is populated before any subcommand runs.
func newRootCmd() (*cobra.Command, *runtime) {
	rt := &runtime{}
	cmd := &cobra.Command{
		Use:   "crawlcore",
		Short: "Incremental document crawler for repository connectors.",
		Long: `crawlcore walks a document repository through a connector, detects
changed, new and removed documents by version, and hands the results to
blob storage and a notification topic.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.init(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&rt.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newCrawlCmd(rt))
	cmd.AddCommand(newCheckCmd(rt))
	cmd.AddCommand(newServeCmd(rt))
	return cmd, rt
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, rt := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)

	closeCtx := context.WithoutCancel(ctx)
	if rt.cfg.Server.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(closeCtx, rt.cfg.Server.ShutdownTimeout)
		defer cancel()
	}
	return errors.Join(err, rt.close(closeCtx))
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM and
// returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "crawlcore: %v\n", err)
		return 1
	}
	return 0
}
