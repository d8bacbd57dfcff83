package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"groundset/internal/config"
	"groundset/internal/logging"
	"groundset/internal/payload"
	"groundset/internal/pipeline"
)

type runFlags struct {
	input         string
	output        string
	name          string
	batchSize     int
	workers       int
	retries       int
	retryDelay    float64
	itemTimeout   int
	failurePolicy string
	retryFailed   bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Annotate every input record, resuming from the latest checkpoint",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadWith(flags.override(cmd))
			if err != nil {
				return err
			}
			if err := cfg.ValidateForRun(); err != nil {
				return err
			}
			return runPipeline(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&flags.input, "input", "i", "", "Input file (JSON array or JSON Lines)")
	fs.StringVarP(&flags.output, "output", "o", "", "Output directory for checkpoints and results")
	fs.StringVarP(&flags.name, "name", "n", "", "Output name used for checkpoint files")
	fs.IntVar(&flags.batchSize, "batch-size", 0, "Items per checkpointed batch")
	fs.IntVar(&flags.workers, "workers", 0, "Maximum concurrent workers per batch")
	fs.IntVar(&flags.retries, "retries", 0, "Maximum attempts per remote call")
	fs.Float64Var(&flags.retryDelay, "retry-delay", 0, "Base delay between attempts in seconds")
	fs.IntVar(&flags.itemTimeout, "item-timeout", 0, "Per-item deadline in seconds (0 disables)")
	fs.StringVar(&flags.failurePolicy, "failure-policy", "", "What to do with failed items: record or drop")
	fs.BoolVar(&flags.retryFailed, "retry-failed", false, "Retry items recorded as failed by an earlier run")

	return cmd
}

// override applies only the flags the user set, so file values remain the
// defaults for everything else.
func (f *runFlags) override(cmd *cobra.Command) func(*config.Config) {
	changed := cmd.Flags().Changed
	return func(cfg *config.Config) {
		if changed("input") {
			cfg.Pipeline.InputPath = f.input
		}
		if changed("output") {
			cfg.Pipeline.OutputDir = f.output
		}
		if changed("name") {
			cfg.Pipeline.OutputName = f.name
		}
		if changed("batch-size") {
			cfg.Pipeline.BatchSize = f.batchSize
		}
		if changed("workers") {
			cfg.Pipeline.MaxWorkers = f.workers
		}
		if changed("retries") {
			cfg.Retry.MaxAttempts = f.retries
		}
		if changed("retry-delay") {
			cfg.Retry.DelaySeconds = f.retryDelay
		}
		if changed("item-timeout") {
			cfg.Pipeline.ItemTimeoutSeconds = f.itemTimeout
		}
		if changed("failure-policy") {
			cfg.Pipeline.FailurePolicy = f.failurePolicy
		}
		if changed("retry-failed") {
			cfg.Pipeline.RetryFailedOnResume = f.retryFailed
		}
	}
}

func runPipeline(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := payload.NewCache()
	client := pipeline.NewLLMClient(cfg)
	worker := pipeline.NewAnnotator(cfg, client, cache, logger)
	runner := pipeline.New(cfg, worker, pipeline.WithLogger(logger), pipeline.WithCache(cache))

	summary, err := runner.Run(runCtx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		printRunSummary(cmd, summary, true)
		return err
	}
	if err != nil {
		return err
	}
	printRunSummary(cmd, summary, false)
	return nil
}

func printRunSummary(cmd *cobra.Command, summary pipeline.Summary, interrupted bool) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	printLines(out, renderSectionHeader("Run", colorize)...)
	switch {
	case interrupted:
		printLines(out, renderStatusLine("Result", statusWarn, "interrupted; rerun to resume from the last checkpoint", colorize))
	case summary.AlreadyComplete:
		printLines(out, renderStatusLine("Result", statusInfo, "output already complete; nothing to do", colorize))
	case summary.Failed > 0:
		printLines(out, renderStatusLine("Result", statusWarn, fmt.Sprintf("completed with %d failed item(s)", summary.Failed), colorize))
	default:
		printLines(out, renderStatusLine("Result", statusOK, "completed", colorize))
	}
	if summary.Resumed {
		printLines(out, renderStatusLine("Resumed", statusInfo, fmt.Sprintf("from item %d", summary.ResumedFrom), colorize))
	}

	rows := [][]string{
		{"Run ID", summary.RunID},
		{"Total", strconv.Itoa(summary.Total)},
		{"Succeeded", strconv.Itoa(summary.Succeeded)},
		{"Failed", strconv.Itoa(summary.Failed)},
		{"Skipped", strconv.Itoa(summary.Skipped)},
		{"Processed", strconv.Itoa(summary.Processed)},
		{"Batches", strconv.Itoa(summary.Batches)},
		{"Duration", summary.Duration.Round(time.Millisecond).String()},
	}
	if summary.Output != "" {
		rows = append(rows, []string{"Checkpoint", summary.Output})
	}
	if summary.Records != "" {
		rows = append(rows, []string{"Records", summary.Records})
	}
	if summary.Failures != "" {
		rows = append(rows, []string{"Failures", summary.Failures})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))
}
