package checkpoint_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"groundset/internal/checkpoint"
	"groundset/internal/workitem"
)

func succeeded(keys ...string) []workitem.Result {
	results := make([]workitem.Result, len(keys))
	for i, key := range keys {
		item := workitem.Item{Index: i, Key: key, Record: json.RawMessage(fmt.Sprintf(`{"id":%q}`, key))}
		results[i] = workitem.Succeeded(item, json.RawMessage(fmt.Sprintf(`{"id": %q, "annotation": {"ok": true}}`, key)), 1)
	}
	return results
}

func TestNames(t *testing.T) {
	if got := checkpoint.PartialName("caps", 50); got != "caps_partial_50.jsonl" {
		t.Fatalf("unexpected partial name %q", got)
	}
	if got := checkpoint.FullName("caps"); got != "caps_full.jsonl" {
		t.Fatalf("unexpected full name %q", got)
	}
	if got := checkpoint.FailuresName("caps"); got != "caps_failures.jsonl" {
		t.Fatalf("unexpected failures name %q", got)
	}
}

func TestParseOffset(t *testing.T) {
	cases := []struct {
		file string
		want int
		ok   bool
	}{
		{"caps_partial_0.jsonl", 0, true},
		{"caps_partial_150.jsonl", 150, true},
		{"/out/caps_partial_2.jsonl", 2, true},
		{"caps_partial_.jsonl", 0, false},
		{"caps_partial_-2.jsonl", 0, false},
		{"caps_partial_+2.jsonl", 0, false},
		{"caps_partial_2a.jsonl", 0, false},
		{"caps_partial_2.json", 0, false},
		{"other_partial_2.jsonl", 0, false},
		{"caps_full.jsonl", 0, false},
		{"caps_partial_99999999999999999999999.jsonl", 0, false},
	}
	for _, tc := range cases {
		got, ok := checkpoint.ParseOffset("caps", tc.file)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got (%d, %v) want (%d, %v)", tc.file, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 0, nil)
	results := succeeded("a", "b")

	path, err := writer.Write(checkpoint.Checkpoint{Offset: 0, Results: results})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if filepath.Base(path) != "caps_partial_0.jsonl" {
		t.Fatalf("unexpected path %s", path)
	}

	cp, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cp.Offset != 0 || cp.Final || len(cp.Results) != 2 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if cp.Results[1].Key != "b" || !cp.Results[1].OK() {
		t.Fatalf("unexpected result %+v", cp.Results[1])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Fatalf("expected one line per result, got %d", lines)
	}
}

func TestCoveredPositionSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 0, nil)
	path, err := writer.Write(checkpoint.Checkpoint{Offset: 2, Covered: 4, Results: succeeded("a", "b", "c")})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	if first != `{"checkpoint":{"offset":2,"covered":4}}` {
		t.Fatalf("unexpected header line %q", first)
	}

	cp, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cp.Offset != 2 || cp.Covered != 4 || len(cp.Results) != 3 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	final, err := writer.Write(checkpoint.Checkpoint{Offset: 4, Covered: 5, Final: true, Results: succeeded("a", "b", "c", "d", "e")})
	if err != nil {
		t.Fatal(err)
	}
	cp, err = checkpoint.Load(final)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Final || cp.Covered != 5 || len(cp.Results) != 5 {
		t.Fatalf("unexpected final checkpoint %+v", cp)
	}
}

func TestLoadWithoutHeaderReportsUnknownCoverage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps_partial_2.jsonl")
	if err := os.WriteFile(path, []byte("{\"index\":0,\"key\":\"a\",\"status\":\"succeeded\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cp.Covered != 0 || cp.Offset != 2 || len(cp.Results) != 1 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
}

func TestWriteFinalCheckpoint(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 0, nil)
	path, err := writer.Write(checkpoint.Checkpoint{Offset: 4, Final: true, Results: succeeded("a", "b", "c")})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if filepath.Base(path) != "caps_full.jsonl" {
		t.Fatalf("unexpected final path %s", path)
	}
	cp, err := checkpoint.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Final || len(cp.Results) != 3 {
		t.Fatalf("unexpected final checkpoint %+v", cp)
	}
}

func TestWriteRejectsOffsetRegression(t *testing.T) {
	writer := checkpoint.NewWriter(t.TempDir(), "caps", 0, nil)
	if _, err := writer.Write(checkpoint.Checkpoint{Offset: 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Write(checkpoint.Checkpoint{Offset: 4}); err != nil {
		t.Fatalf("rewriting the same offset should succeed: %v", err)
	}
	if _, err := writer.Write(checkpoint.Checkpoint{Offset: 2}); !errors.Is(err, checkpoint.ErrOffsetRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
}

func TestCommitHooksReceiveBatchKeys(t *testing.T) {
	writer := checkpoint.NewWriter(t.TempDir(), "caps", 0, nil)
	var gotOffset int
	var gotKeys []string
	writer.OnCommit(func(offset int, keys []string) {
		gotOffset = offset
		gotKeys = keys
	})
	if _, err := writer.Write(checkpoint.Checkpoint{Offset: 2, Results: succeeded("a"), BatchKeys: []string{"c", "d"}}); err != nil {
		t.Fatal(err)
	}
	if gotOffset != 2 || !slices.Equal(gotKeys, []string{"c", "d"}) {
		t.Fatalf("unexpected hook call offset=%d keys=%v", gotOffset, gotKeys)
	}
}

func TestKeepPrunesOlderPartials(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 2, nil)
	for _, offset := range []int{0, 2, 4, 6} {
		if _, err := writer.Write(checkpoint.Checkpoint{Offset: offset}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := checkpoint.Scan(dir, "caps")
	if err != nil {
		t.Fatal(err)
	}
	var offsets []int
	for _, entry := range entries {
		offsets = append(offsets, entry.Offset)
	}
	if !slices.Equal(offsets, []int{4, 6}) {
		t.Fatalf("expected only the newest partials, got %v", offsets)
	}
}

func TestScanIgnoresForeignAndMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"caps_partial_10.jsonl",
		"caps_partial_2.jsonl",
		"caps_partial_x.jsonl",
		"caps_failures.jsonl",
		"other_partial_50.jsonl",
		"caps_full.jsonl",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := checkpoint.Scan(dir, "caps")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", entries)
	}
	if entries[0].Offset != 2 || entries[1].Offset != 10 || !entries[2].Final {
		t.Fatalf("unexpected ordering %+v", entries)
	}
	if _, ok := checkpoint.FinalEntry(entries); !ok {
		t.Fatal("expected final entry")
	}
}

func TestScanMissingDirectory(t *testing.T) {
	entries, err := checkpoint.Scan(filepath.Join(t.TempDir(), "absent"), "caps")
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty scan, got %v %v", entries, err)
	}
}

func TestLoadRejectsCorruptCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps_partial_0.jsonl")
	if err := os.WriteFile(path, []byte("{\"index\":0,\"key\":\"a\",\"status\":\"succeeded\"}\n{\"index\":1,"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := checkpoint.Load(path); err == nil {
		t.Fatal("expected corrupt checkpoint error")
	}
}

func TestFailureLog(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 0, nil)

	missing, err := checkpoint.LoadFailures(writer.FailuresPath())
	if err != nil || missing != nil {
		t.Fatalf("expected no failures for missing log, got %v %v", missing, err)
	}

	item := workitem.Item{Index: 1, Key: "b", Record: json.RawMessage(`{"id":"b"}`)}
	failures := []workitem.Result{workitem.Failed(item, errors.New("boom"), 2)}
	if _, err := writer.WriteFailures(failures); err != nil {
		t.Fatal(err)
	}
	loaded, err := checkpoint.LoadFailures(writer.FailuresPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Key != "b" || loaded[0].Err != "boom" || string(loaded[0].Item) != `{"id":"b"}` {
		t.Fatalf("unexpected failure log %+v", loaded)
	}
}

func TestExportOutputsWritesPlainRecords(t *testing.T) {
	dir := t.TempDir()
	writer := checkpoint.NewWriter(dir, "caps", 0, nil)
	results := succeeded("a", "b")
	results = append(results, workitem.Failed(workitem.Item{Index: 2, Key: "c"}, errors.New("x"), 1))

	path, err := writer.ExportOutputs(results)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"id\":\"a\",\"annotation\":{\"ok\":true}}\n{\"id\":\"b\",\"annotation\":{\"ok\":true}}\n"
	if string(data) != want {
		t.Fatalf("unexpected export:\n%s", data)
	}
}
