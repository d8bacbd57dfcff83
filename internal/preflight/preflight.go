package preflight

import (
	"context"
	"fmt"
	"strings"

	"groundset/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes the filesystem checks a run needs. The model endpoint is
// only checked when checkLLM is set since a health check costs a request.
func RunAll(ctx context.Context, cfg *config.Config, checkLLM bool) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckInputFile("Input file", cfg.Pipeline.InputPath),
		CheckDirectoryAccess("Output directory", cfg.Pipeline.OutputDir),
		CheckFreeSpace("Free space", cfg.Pipeline.OutputDir, cfg.Pipeline.MinFreeMB),
	}
	if cfg.Annotate.ImageRoot != "" {
		results = append(results, CheckDirectoryAccess("Image root", cfg.Annotate.ImageRoot))
	}
	if checkLLM {
		results = append(results, CheckLLM(ctx, "LLM", cfg.LLM))
	}
	return results
}

// FirstFailure returns an error describing the failed checks, or nil.
func FirstFailure(results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(failed, "; "))
}
