package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"groundset/internal/checkpoint"
	"groundset/internal/config"
	"groundset/internal/ledger"
	"groundset/internal/payload"
	"groundset/internal/pipeline"
	"groundset/internal/retry"
	"groundset/internal/services"
	"groundset/internal/testsupport"
	"groundset/internal/workitem"
)

// scriptedWorker answers every item with {"id":key,"ok":true} unless told to
// fail it. Calls go through the configured retry policy.
type scriptedWorker struct {
	retrier    *retry.Client
	failFirst  map[string]bool
	alwaysFail map[string]bool
	permanent  map[string]bool
	onCall     func(key string)

	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newWorker(cfg *config.Config) *scriptedWorker {
	return &scriptedWorker{
		retrier:    pipeline.NewRetrier(cfg, nil, retry.WithSleeper(func(time.Duration) {})),
		failFirst:  map[string]bool{},
		alwaysFail: map[string]bool{},
		permanent:  map[string]bool{},
		calls:      map[string]int{},
	}
}

func (w *scriptedWorker) Process(ctx context.Context, item workitem.Item) (json.RawMessage, error) {
	if w.onCall != nil {
		w.onCall(item.Key)
	}
	w.mu.Lock()
	w.order = append(w.order, item.Key)
	w.mu.Unlock()
	return retry.Call(ctx, w.retrier, "scripted", func(ctx context.Context) (json.RawMessage, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.calls[item.Key]++
		n := w.calls[item.Key]
		w.mu.Unlock()
		if w.permanent[item.Key] {
			return nil, services.Wrap(services.ErrValidation, "scripted", "process", item.Key, nil)
		}
		if w.alwaysFail[item.Key] {
			return nil, fmt.Errorf("model rejected %s", item.Key)
		}
		if w.failFirst[item.Key] && n == 1 {
			return nil, errors.New("http 503")
		}
		return json.RawMessage(fmt.Sprintf(`{"id":%q,"ok":true}`, item.Key)), nil
	})
}

func (w *scriptedWorker) callCount(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[key]
}

func (w *scriptedWorker) seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := slices.Clone(w.order)
	slices.Sort(out)
	return out
}

var fiveItems = []string{`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`, `{"id":"d"}`, `{"id":"e"}`}

func newConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	testsupport.WriteLines(t, cfg.Pipeline.InputPath, fiveItems...)
	return cfg
}

func outPath(cfg *config.Config, file string) string {
	return filepath.Join(cfg.Pipeline.OutputDir, file)
}

func loadKeys(t *testing.T, path string) []string {
	t.Helper()
	cp, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("load checkpoint %s: %v", path, err)
	}
	keys := make([]string, 0, len(cp.Results))
	for _, result := range cp.Results {
		keys = append(keys, result.Key)
	}
	return keys
}

func loadFailureKeys(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	failures, err := checkpoint.LoadFailures(outPath(cfg, checkpoint.FailuresName(cfg.Pipeline.OutputName)))
	if err != nil {
		t.Fatalf("load failures: %v", err)
	}
	keys := make([]string, 0, len(failures))
	for _, failure := range failures {
		keys = append(keys, failure.Key)
	}
	return keys
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunRetriesTransientFailureAndCheckpointsEveryBatch(t *testing.T) {
	cfg := newConfig(t, testsupport.WithBatchSize(2), testsupport.WithMaxAttempts(2))
	cfg.Pipeline.MaxWorkers = 2
	worker := newWorker(cfg)
	worker.failFirst["c"] = true

	summary, err := pipeline.New(cfg, worker).Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Total != 5 || summary.Succeeded != 5 || summary.Failed != 0 || summary.Batches != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if worker.callCount("c") != 2 {
		t.Fatalf("expected c to be called twice, got %d", worker.callCount("c"))
	}

	name := cfg.Pipeline.OutputName
	for _, offset := range []int{0, 2} {
		if !exists(outPath(cfg, checkpoint.PartialName(name, offset))) {
			t.Fatalf("expected partial checkpoint at offset %d", offset)
		}
	}
	if got := loadKeys(t, outPath(cfg, checkpoint.PartialName(name, 2))); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("partial at 2 should hold everything so far, got %v", got)
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}
	if filepath.Base(summary.Output) != checkpoint.FullName(name) {
		t.Fatalf("unexpected output %s", summary.Output)
	}

	data, err := os.ReadFile(summary.Records)
	if err != nil {
		t.Fatalf("read exported records: %v", err)
	}
	if want := `{"id":"a","ok":true}` + "\n"; string(data[:len(want)]) != want {
		t.Fatalf("unexpected exported records %q", data)
	}

	store := testsupport.MustOpenLedger(t, cfg)
	runs, err := store.Runs(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != summary.RunID || runs[0].Status != ledger.RunCompleted || runs[0].Succeeded != 5 {
		t.Fatalf("unexpected ledger runs %+v", runs)
	}
}

func TestRunRecordsPermanentFailureWithoutFailingRun(t *testing.T) {
	cfg := newConfig(t, testsupport.WithBatchSize(2), testsupport.WithMaxAttempts(2))
	worker := newWorker(cfg)
	worker.alwaysFail["b"] = true

	summary, err := pipeline.New(cfg, worker).Run(context.Background())
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	if summary.Succeeded != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if worker.callCount("b") != 2 {
		t.Fatalf("expected b to exhaust 2 attempts, got %d", worker.callCount("b"))
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}

	failures, err := checkpoint.LoadFailures(summary.Failures)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Key != "b" || string(failures[0].Item) != `{"id":"b"}` || failures[0].Attempts != 2 {
		t.Fatalf("unexpected failure log %+v", failures)
	}

	store := testsupport.MustOpenLedger(t, cfg)
	recorded, err := store.Failures(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != 1 || recorded[0].Key != "b" {
		t.Fatalf("unexpected ledger failures %+v", recorded)
	}
}

func TestRunDropPolicyWritesNoFailureLog(t *testing.T) {
	cfg := newConfig(t, testsupport.WithFailurePolicy(config.FailurePolicyDrop), testsupport.WithoutLedger())
	worker := newWorker(cfg)
	worker.alwaysFail["b"] = true

	summary, err := pipeline.New(cfg, worker).Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Succeeded != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if exists(summary.Failures) {
		t.Fatal("drop policy should not write a failure log")
	}
	if exists(cfg.Ledger.Path) {
		t.Fatal("ledger should be disabled")
	}
}

// crashAt cancels the run as soon as the worker sees key.
func crashAt(worker *scriptedWorker, cancel context.CancelFunc, key string) {
	worker.onCall = func(k string) {
		if k == key {
			cancel()
		}
	}
}

func TestResumeAfterFirstCheckpointStartsAtThirdItem(t *testing.T) {
	cfg := newConfig(t)
	name := cfg.Pipeline.OutputName

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crashed := newWorker(cfg)
	crashAt(crashed, cancel, "c")
	if _, err := pipeline.New(cfg, crashed).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !exists(outPath(cfg, checkpoint.PartialName(name, 0))) {
		t.Fatal("expected checkpoint of the first batch")
	}
	if exists(outPath(cfg, checkpoint.PartialName(name, 2))) {
		t.Fatal("interrupted batch must not be checkpointed")
	}

	resumed := newWorker(cfg)
	summary, err := pipeline.New(cfg, resumed).Run(context.Background())
	if err != nil {
		t.Fatalf("resume returned error: %v", err)
	}
	if !summary.Resumed || summary.ResumedFrom != 2 || summary.Skipped != 2 {
		t.Fatalf("expected resume from index 2, got %+v", summary)
	}
	if got := resumed.seen(); !slices.Equal(got, []string{"c", "d", "e"}) {
		t.Fatalf("resumed run should process c,d,e only, got %v", got)
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}
}

func TestResumedOutputMatchesUninterruptedRun(t *testing.T) {
	for _, crashKey := range []string{"a", "c", "e"} {
		t.Run("crash at "+crashKey, func(t *testing.T) {
			reference := newConfig(t, testsupport.WithoutLedger())
			refWorker := newWorker(reference)
			refWorker.alwaysFail["d"] = true
			want, err := pipeline.New(reference, refWorker).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}

			cfg := newConfig(t, testsupport.WithoutLedger())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			crashed := newWorker(cfg)
			crashed.alwaysFail["d"] = true
			crashAt(crashed, cancel, crashKey)
			if _, err := pipeline.New(cfg, crashed).Run(ctx); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected cancellation, got %v", err)
			}

			resumed := newWorker(cfg)
			resumed.alwaysFail["d"] = true
			got, err := pipeline.New(cfg, resumed).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(loadKeys(t, got.Output), loadKeys(t, want.Output)) {
				t.Fatalf("resumed output %v differs from reference %v", loadKeys(t, got.Output), loadKeys(t, want.Output))
			}
			if !slices.Equal(loadFailureKeys(t, cfg), loadFailureKeys(t, reference)) {
				t.Fatalf("resumed failures %v differ from reference %v", loadFailureKeys(t, cfg), loadFailureKeys(t, reference))
			}
			if got.Succeeded != want.Succeeded || got.Failed != want.Failed {
				t.Fatalf("summary mismatch: got %+v want %+v", got, want)
			}
		})
	}
}

func TestResumeCarriesEarlierFailuresWithoutRetrying(t *testing.T) {
	cfg := newConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newWorker(cfg)
	first.alwaysFail["b"] = true
	crashAt(first, cancel, "c")
	if _, err := pipeline.New(cfg, first).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	second := newWorker(cfg)
	summary, err := pipeline.New(cfg, second).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.callCount("b") != 0 {
		t.Fatal("carried failure must not be attempted again")
	}
	if summary.Succeeded != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := loadFailureKeys(t, cfg); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("expected b carried into the failure log, got %v", got)
	}
}

func TestCompletedOutputIsNotReprocessed(t *testing.T) {
	cfg := newConfig(t)
	worker := newWorker(cfg)
	worker.alwaysFail["b"] = true
	if _, err := pipeline.New(cfg, worker).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	again := newWorker(cfg)
	summary, err := pipeline.New(cfg, again).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !summary.AlreadyComplete || summary.Succeeded != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(again.seen()) != 0 {
		t.Fatalf("no item should be processed, got %v", again.seen())
	}
}

func TestRetryFailedOnResumeRequeuesFailures(t *testing.T) {
	cfg := newConfig(t)
	worker := newWorker(cfg)
	worker.alwaysFail["b"] = true
	if _, err := pipeline.New(cfg, worker).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg.Pipeline.RetryFailedOnResume = true
	retried := newWorker(cfg)
	summary, err := pipeline.New(cfg, retried).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := retried.seen(); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("only b should be retried, got %v", got)
	}
	if summary.Succeeded != 5 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}
	if got := loadFailureKeys(t, cfg); len(got) != 0 {
		t.Fatalf("failure log should be empty, got %v", got)
	}
}

func TestBatchSizeChangeResumesAtCoveredPosition(t *testing.T) {
	cfg := newConfig(t, testsupport.WithBatchSize(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newWorker(cfg)
	crashAt(first, cancel, "c")
	if _, err := pipeline.New(cfg, first).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// partial_0 was written with batch size 2 and covers items 0-1 only
	cfg.Pipeline.BatchSize = 4
	second := newWorker(cfg)
	summary, err := pipeline.New(cfg, second).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := second.seen(); !slices.Equal(got, []string{"c", "d", "e"}) {
		t.Fatalf("expected uncovered items to be processed, got %v", got)
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}
}

func TestDropPolicyBatchSizeChangeLosesNoItem(t *testing.T) {
	cfg := newConfig(t, testsupport.WithBatchSize(2), testsupport.WithFailurePolicy(config.FailurePolicyDrop))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newWorker(cfg)
	crashAt(first, cancel, "c")
	if _, err := pipeline.New(cfg, first).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	cfg.Pipeline.BatchSize = 3
	second := newWorker(cfg)
	summary, err := pipeline.New(cfg, second).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := second.seen(); !slices.Equal(got, []string{"c", "d", "e"}) {
		t.Fatalf("expected c, d, e to be processed, got %v", got)
	}
	if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected final keys %v", got)
	}
	if summary.ResumedFrom != 2 || summary.Skipped != 2 || summary.Succeeded != 5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGrownInputProcessesOnlyNewItems(t *testing.T) {
	for _, policy := range []string{config.FailurePolicyRecord, config.FailurePolicyDrop} {
		t.Run(policy, func(t *testing.T) {
			cfg := newConfig(t, testsupport.WithFailurePolicy(policy))
			worker := newWorker(cfg)
			worker.alwaysFail["b"] = true
			if _, err := pipeline.New(cfg, worker).Run(context.Background()); err != nil {
				t.Fatal(err)
			}

			testsupport.WriteLines(t, cfg.Pipeline.InputPath, append(slices.Clone(fiveItems), `{"id":"f"}`, `{"id":"g"}`)...)
			again := newWorker(cfg)
			summary, err := pipeline.New(cfg, again).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if summary.AlreadyComplete {
				t.Fatal("a grown input must not be reported as complete")
			}
			if got := again.seen(); !slices.Equal(got, []string{"f", "g"}) {
				t.Fatalf("expected only the new items, got %v", got)
			}
			if got := loadKeys(t, summary.Output); !slices.Equal(got, []string{"a", "c", "d", "e", "f", "g"}) {
				t.Fatalf("unexpected final keys %v", got)
			}
		})
	}
}

func TestMarkedPermanentErrorsAreNotRetried(t *testing.T) {
	cfg := newConfig(t, testsupport.WithMaxAttempts(3))
	worker := newWorker(cfg)
	worker.permanent["b"] = true

	summary, err := pipeline.New(cfg, worker).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := worker.callCount("b"); got != 1 {
		t.Fatalf("expected a single call for a permanent error, got %d", got)
	}
}

func TestConcurrentRunOnSameOutputIsRejected(t *testing.T) {
	cfg := newConfig(t)
	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := flock.New(outPath(cfg, "."+cfg.Pipeline.OutputName+".lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("test lock: locked=%v err=%v", locked, err)
	}
	defer lock.Unlock()

	worker := newWorker(cfg)
	if _, err := pipeline.New(cfg, worker).Run(context.Background()); !errors.Is(err, pipeline.ErrSetup) {
		t.Fatalf("expected setup error, got %v", err)
	}
	if len(worker.seen()) != 0 {
		t.Fatal("no item should be processed without the lock")
	}
}

func TestMissingInputIsSetupError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := pipeline.New(cfg, newWorker(cfg)).Run(context.Background())
	if !errors.Is(err, pipeline.ErrSetup) {
		t.Fatalf("expected setup error, got %v", err)
	}
}

func TestDuplicateKeysAreSetupError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteLines(t, cfg.Pipeline.InputPath, `{"id":"a"}`, `{"id":"a"}`)
	_, err := pipeline.New(cfg, newWorker(cfg)).Run(context.Background())
	if !errors.Is(err, pipeline.ErrSetup) || !errors.Is(err, workitem.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key setup error, got %v", err)
	}
}

func TestCommittedBatchesReleaseCachedPayloads(t *testing.T) {
	cfg := newConfig(t, testsupport.WithoutLedger())
	imageDir := filepath.Join(testsupport.BaseDir(cfg), "images")
	cache := payload.NewCache()
	worker := newWorker(cfg)
	worker.onCall = func(key string) {
		path := filepath.Join(imageDir, key+".png")
		testsupport.WriteFile(t, path, 16)
		if _, err := cache.Get(key, path); err != nil {
			t.Errorf("cache get: %v", err)
		}
	}

	if _, err := pipeline.New(cfg, worker, pipeline.WithCache(cache)).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 0 || cache.Bytes() != 0 {
		t.Fatalf("expected cache to be empty after the run, len=%d bytes=%d", cache.Len(), cache.Bytes())
	}
}

func TestSharedLedgerAndFixedRunID(t *testing.T) {
	cfg := newConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	summary, err := pipeline.New(cfg, newWorker(cfg), pipeline.WithLedger(store), pipeline.WithRunID("run-fixed")).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.RunID != "run-fixed" {
		t.Fatalf("unexpected run id %q", summary.RunID)
	}
	run, ok, err := store.GetRun(context.Background(), "run-fixed")
	if err != nil || !ok || run.Status != ledger.RunCompleted {
		t.Fatalf("unexpected run %+v ok=%v err=%v", run, ok, err)
	}
}
