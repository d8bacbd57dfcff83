package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"groundset/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if r := CheckFreeSpace("space", dir, 0); !r.Passed {
		t.Fatalf("expected disabled check to pass, got %s", r.Detail)
	}
	if r := CheckFreeSpace("space", dir, 1); !r.Passed {
		t.Fatalf("expected 1 MB to be available, got %s", r.Detail)
	}
	if r := CheckFreeSpace("space", dir, 1<<40); r.Passed {
		t.Fatal("expected failure for absurd requirement")
	}
	if r := CheckFreeSpace("space", filepath.Join(dir, "missing"), 1); r.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckInputFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "items.jsonl")
	if err := os.WriteFile(input, []byte(`"a"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := CheckInputFile("input", input); !r.Passed {
		t.Fatalf("expected pass, got %s", r.Detail)
	}
	if r := CheckInputFile("input", ""); r.Passed {
		t.Fatal("expected failure for empty path")
	}
	if r := CheckInputFile("input", dir); r.Passed {
		t.Fatal("expected failure for directory")
	}
	if r := CheckInputFile("input", filepath.Join(dir, "absent.jsonl")); r.Passed {
		t.Fatal("expected failure for missing file")
	}
}

func TestCheckLLM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	good := CheckLLM(context.Background(), "LLM", config.LLM{APIKey: "good-key", BaseURL: srv.URL, Model: "m"})
	if !good.Passed {
		t.Fatalf("expected pass, got: %s", good.Detail)
	}
	bad := CheckLLM(context.Background(), "LLM", config.LLM{APIKey: "bad-key", BaseURL: srv.URL, Model: "m"})
	if bad.Passed {
		t.Fatal("expected failure for bad key")
	}
	missing := CheckLLM(context.Background(), "LLM", config.LLM{})
	if missing.Passed || missing.Detail != "API key missing" {
		t.Fatalf("unexpected result for missing key: %#v", missing)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, false); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "items.jsonl")
	if err := os.WriteFile(input, []byte(`"a"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Pipeline.InputPath = input
	cfg.Pipeline.OutputDir = dir
	cfg.Pipeline.MinFreeMB = 1

	results := RunAll(context.Background(), &cfg, false)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if err := FirstFailure(results); err != nil {
		t.Fatalf("expected no failure, got %v", err)
	}
}

func TestFirstFailureNamesFailedChecks(t *testing.T) {
	err := FirstFailure([]Result{
		{Name: "ok", Passed: true},
		{Name: "Output directory", Detail: "missing"},
		{Name: "Input file", Detail: "absent"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Output directory: missing") || !strings.Contains(msg, "Input file: absent") {
		t.Fatalf("unexpected message %q", msg)
	}
}
