package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/cycle"
)

type crawlFlags struct {
	jobID    string
	query    string
	mode     string
	interval time.Duration
}

// newCrawlCmd creates the 'crawl' subcommand. Flags override the job section
// of the config file.
func newCrawlCmd(rt *runtime) *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl cycle, or repeats cycles in continuous mode",
		Long: `Runs the seeding, active and cleanup passes for the configured job.
In continuous mode the cycle repeats every interval with an incremental
seeding window until the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, rt, flags)
		},
	}
	cmd.Flags().StringVar(&flags.jobID, "job", "", "job id (overrides job.id)")
	cmd.Flags().StringVar(&flags.query, "query", "", "connector query (overrides job.query)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "once or continuous (overrides job.mode)")
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "delay between continuous cycles (overrides job.interval)")
	return cmd
}

func runCrawl(cmd *cobra.Command, rt *runtime, flags crawlFlags) error {
	job := rt.cfg.Job.Job()
	if flags.jobID != "" {
		job.ID = flags.jobID
	}
	if flags.query != "" {
		job.Query = flags.query
	}
	if flags.mode != "" {
		job.Mode = crawler.JobMode(flags.mode)
	}
	interval := rt.cfg.Job.Interval
	if flags.interval > 0 {
		interval = flags.interval
	}
	window, err := rt.cfg.Job.Window()
	if err != nil {
		return err
	}

	engine := rt.app.Engine()
	logger := rt.logger.With(zap.String("job_id", job.ID), zap.String("mode", string(job.Mode)))
	ctx := cmd.Context()

	switch job.Mode {
	case crawler.JobModeContinuous:
		go engine.RunIdleReleaser(ctx)
		logger.Info("continuous crawl started", zap.Duration("interval", interval))
		err := engine.RunContinuous(ctx, job, interval)
		if err == nil || ctx.Err() != nil || errors.Is(err, cycle.ErrReset) {
			logger.Info("continuous crawl stopped")
			return nil
		}
		return fmt.Errorf("continuous crawl: %w", err)
	case crawler.JobModeOnce:
		report, err := engine.RunJob(ctx, job, window)
		if encErr := printJSON(cmd, report); encErr != nil {
			logger.Warn("failed to print report", zap.Error(encErr))
		}
		if err != nil {
			return fmt.Errorf("crawl job %q: %w", job.ID, err)
		}
		logger.Info("crawl finished")
		return nil
	default:
		return fmt.Errorf("unknown job mode %q", job.Mode)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
