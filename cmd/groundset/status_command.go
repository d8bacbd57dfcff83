package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"groundset/internal/checkpoint"
	"groundset/internal/config"
	"groundset/internal/logging"
	"groundset/internal/preflight"
	"groundset/internal/resume"
)

type checkpointStatus struct {
	Path     string    `json:"path"`
	Offset   int       `json:"offset"`
	Items    int       `json:"items"`
	Final    bool      `json:"final"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Error    string    `json:"error,omitempty"`
}

type statusReport struct {
	OutputDir   string             `json:"output_dir"`
	OutputName  string             `json:"output_name"`
	Checkpoints []checkpointStatus `json:"checkpoints"`
	Completed   bool               `json:"completed"`
	Resumable   bool               `json:"resumable"`
	NextOffset  int                `json:"next_offset"`
	Carried     int                `json:"carried_failures"`
	Checks      []preflight.Result `json:"checks,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		name    string
		check   bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:         "status",
		Short:       "Show checkpoints and the point a run would resume from",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadWith(outputOverride(cmd, output, name))
			if err != nil {
				return err
			}
			report, err := buildStatusReport(cfg)
			if err != nil {
				return err
			}
			if check {
				report.Checks = preflight.RunAll(cmd.Context(), cfg, true)
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}
			renderStatusReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory to inspect")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Output name to inspect")
	cmd.Flags().BoolVar(&check, "check", false, "Also run preflight checks, including the model endpoint")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// outputOverride points the read-only commands at another output directory
// or name without editing the config file.
func outputOverride(cmd *cobra.Command, output, name string) func(*config.Config) {
	return func(cfg *config.Config) {
		if cmd.Flags().Changed("output") {
			cfg.Pipeline.OutputDir = output
		}
		if cmd.Flags().Changed("name") {
			cfg.Pipeline.OutputName = name
		}
	}
}

func buildStatusReport(cfg *config.Config) (statusReport, error) {
	dir := cfg.Pipeline.OutputDir
	name := cfg.Pipeline.OutputName
	report := statusReport{OutputDir: dir, OutputName: name}

	entries, err := checkpoint.Scan(dir, name)
	if err != nil {
		return report, fmt.Errorf("scan checkpoints: %w", err)
	}
	for _, entry := range entries {
		status := checkpointStatus{
			Path:     entry.Path,
			Offset:   entry.Offset,
			Final:    entry.Final,
			Size:     entry.Size,
			Modified: entry.ModTime,
		}
		cp, err := checkpoint.Load(entry.Path)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Items = len(cp.Results)
		}
		report.Checkpoints = append(report.Checkpoints, status)
	}

	state := resume.Controller{
		Dir:         dir,
		Name:        name,
		BatchSize:   cfg.Pipeline.BatchSize,
		RetryFailed: cfg.Pipeline.RetryFailedOnResume,
		Logger:      logging.NewNop(),
	}.Resume()
	report.Completed = state.Completed
	report.Resumable = state.Resumed() && !state.Completed
	report.NextOffset = state.NextOffset
	report.Carried = len(state.Failures)
	return report, nil
}

func renderStatusReport(cmd *cobra.Command, report statusReport) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	printLines(out, renderSectionHeader("Output", colorize)...)
	printLines(out, renderStatusLine("Directory", statusInfo, report.OutputDir, colorize))
	printLines(out, renderStatusLine("Name", statusInfo, report.OutputName, colorize))
	switch {
	case report.Completed:
		printLines(out, renderStatusLine("Progress", statusOK, "complete", colorize))
	case report.Resumable:
		printLines(out, renderStatusLine("Progress", statusWarn, fmt.Sprintf("resumes at item %d", report.NextOffset), colorize))
	default:
		printLines(out, renderStatusLine("Progress", statusInfo, "no checkpoints; a run starts from the beginning", colorize))
	}
	if report.Carried > 0 {
		printLines(out, renderStatusLine("Failures", statusWarn, fmt.Sprintf("%d item(s) recorded as failed", report.Carried), colorize))
	}

	if len(report.Checkpoints) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(report.Checkpoints))
		for _, cp := range report.Checkpoints {
			items := strconv.Itoa(cp.Items)
			if cp.Error != "" {
				items = "unreadable"
			}
			offset := strconv.Itoa(cp.Offset)
			if cp.Final {
				offset = "-"
			}
			rows = append(rows, []string{
				filepath.Base(cp.Path),
				offset,
				items,
				yesNo(cp.Final),
				strconv.FormatInt(cp.Size, 10),
				cp.Modified.Local().Format(time.DateTime),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"File", "Offset", "Items", "Final", "Bytes", "Modified"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignRight, alignLeft},
		))
	}

	if len(report.Checks) > 0 {
		fmt.Fprintln(out)
		printLines(out, renderSectionHeader("Checks", colorize)...)
		for _, result := range report.Checks {
			kind := statusOK
			if !result.Passed {
				kind = statusError
			}
			printLines(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
		}
	}
}
