package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"groundset/internal/checkpoint"
	"groundset/internal/config"
	"groundset/internal/fileutil"
	"groundset/internal/ledger"
)

type failureRow struct {
	Index    int             `json:"index"`
	Key      string          `json:"key"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Item     json.RawMessage `json:"item,omitempty"`
}

func newFailuresCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		name    string
		runID   string
		export  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:         "failures",
		Short:       "List failed items and export their original records",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadWith(outputOverride(cmd, output, name))
			if err != nil {
				return err
			}
			rows, source, err := loadFailures(cmd, cfg, runID)
			if err != nil {
				return err
			}
			if export != "" {
				if err := exportOriginals(export, rows); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d record(s) to %s\n", len(rows), export)
				return nil
			}
			if jsonOut {
				return writeJSON(cmd, rows)
			}
			renderFailures(cmd, rows, source)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory to inspect")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Output name to inspect")
	cmd.Flags().StringVar(&runID, "run", "", "Run ID to report (defaults to the latest run in the ledger)")
	cmd.Flags().StringVar(&export, "export", "", "Write the original records of failed items to this JSONL file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// loadFailures reads from the ledger when it exists and falls back to the
// failure log next to the checkpoints otherwise.
func loadFailures(cmd *cobra.Command, cfg *config.Config, runID string) ([]failureRow, string, error) {
	if cfg.Ledger.Enabled && fileExists(cfg.Ledger.Path) {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, "", err
		}
		defer store.Close()
		records, err := store.Failures(cmd.Context(), runID)
		if err != nil {
			return nil, "", err
		}
		rows := make([]failureRow, 0, len(records))
		for _, record := range records {
			rows = append(rows, failureRow{
				Index:    record.Index,
				Key:      record.Key,
				Attempts: record.Attempts,
				Error:    record.Error,
				Item:     record.Item,
			})
		}
		return rows, cfg.Ledger.Path, nil
	}
	if runID != "" {
		return nil, "", fmt.Errorf("--run requires the run ledger; %s does not exist", cfg.Ledger.Path)
	}

	path := filepath.Join(cfg.Pipeline.OutputDir, checkpoint.FailuresName(cfg.Pipeline.OutputName))
	results, err := checkpoint.LoadFailures(path)
	if err != nil {
		return nil, "", err
	}
	rows := make([]failureRow, 0, len(results))
	for _, result := range results {
		rows = append(rows, failureRow{
			Index:    result.Index,
			Key:      result.Key,
			Attempts: result.Attempts,
			Error:    result.Err,
			Item:     result.Item,
		})
	}
	return rows, path, nil
}

func exportOriginals(path string, rows []failureRow) error {
	return fileutil.WriteAtomicFunc(path, func(w io.Writer) error {
		for _, row := range rows {
			if len(row.Item) == 0 {
				continue
			}
			var line bytes.Buffer
			if err := json.Compact(&line, row.Item); err != nil {
				return fmt.Errorf("item %s: %w", row.Key, err)
			}
			line.WriteByte('\n')
			if _, err := w.Write(line.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func renderFailures(cmd *cobra.Command, rows []failureRow, source string) {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No failed items")
		return
	}
	fmt.Fprintf(out, "%d failed item(s) from %s\n", len(rows), source)
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		table = append(table, []string{
			strconv.Itoa(row.Index),
			row.Key,
			strconv.Itoa(row.Attempts),
			snip(row.Error, 60),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Index", "Key", "Attempts", "Error"},
		table,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
	))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
