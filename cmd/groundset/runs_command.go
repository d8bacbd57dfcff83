package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"groundset/internal/ledger"
)

type runRow struct {
	ID         string           `json:"id"`
	Status     ledger.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Input      string           `json:"input"`
	Output     string           `json:"output"`
	Total      int              `json:"total"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Ledger.Enabled {
				return fmt.Errorf("run ledger is disabled; set [ledger] enabled = true")
			}
			if !fileExists(cfg.Ledger.Path) {
				if jsonOut {
					return writeJSON(cmd, []runRow{})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			store, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([]runRow, 0, len(runs))
			for _, run := range runs {
				row := runRow{
					ID:        run.ID,
					Status:    run.Status,
					StartedAt: run.StartedAt,
					Input:     run.InputPath,
					Output:    run.OutputName,
					Total:     run.Total,
					Succeeded: run.Succeeded,
					Failed:    run.Failed,
				}
				if !run.FinishedAt.IsZero() {
					finished := run.FinishedAt
					row.FinishedAt = &finished
				}
				rows = append(rows, row)
			}
			if jsonOut {
				return writeJSON(cmd, rows)
			}
			renderRuns(cmd, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderRuns(cmd *cobra.Command, rows []runRow) {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		duration := "-"
		if row.FinishedAt != nil {
			duration = row.FinishedAt.Sub(row.StartedAt).Round(time.Second).String()
		}
		table = append(table, []string{
			shortID(row.ID),
			string(row.Status),
			row.StartedAt.Local().Format(time.DateTime),
			duration,
			row.Output,
			strconv.Itoa(row.Total),
			strconv.Itoa(row.Succeeded),
			strconv.Itoa(row.Failed),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Run", "Status", "Started", "Duration", "Output", "Total", "OK", "Failed"},
		table,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight},
	))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
