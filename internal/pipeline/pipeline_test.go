package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cvtrack/internal/analysiscache"
	"cvtrack/internal/analyzer"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/services"
)

type harness struct {
	pipe      *pipeline.Pipeline
	repo      *cvstore.Repository
	uploadDir string
	calls     *atomic.Int64
}

func succeed(calls *atomic.Int64) analyzer.Func {
	return func(ctx context.Context, text, owner string) (analyzer.Result, error) {
		calls.Add(1)
		data, _ := json.Marshal(map[string]any{"owner": owner, "chars": len(text)})
		return analyzer.Result{Success: true, Data: data}, nil
	}
}

func newHarness(t *testing.T, fn func(*atomic.Int64) analyzer.Func, opts ...pipeline.Option) *harness {
	t.Helper()
	base := t.TempDir()
	store, err := docstore.New(filepath.Join(base, "data"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	repo := cvstore.NewRepository(store)
	uploadDir := filepath.Join(base, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		t.Fatal(err)
	}
	calls := &atomic.Int64{}
	opts = append([]pipeline.Option{pipeline.WithUploadDir(uploadDir), pipeline.WithLogger(logging.NewNop())}, opts...)
	pipe := pipeline.New(repo, extract.New(extract.Options{}, logging.NewNop()), fn(calls), opts...)
	t.Cleanup(pipe.Stop)
	return &harness{pipe: pipe, repo: repo, uploadDir: uploadDir, calls: calls}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.pipe.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (h *harness) writeUpload(t *testing.T, name, content string) pipeline.Upload {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.uploadDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return pipeline.Upload{
		OriginalName: name,
		StoredName:   name,
		StoragePath:  name,
		Size:         int64(len(content)),
		FileType:     filepath.Ext(name),
	}
}

func (h *harness) create(t *testing.T, owner string, policy pipeline.DuplicatePolicy, uploads ...pipeline.Upload) pipeline.BatchResult {
	t.Helper()
	res, err := h.pipe.CreateFromUploads(context.Background(), owner, uploads, policy)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func TestEndToEndTextUpload(t *testing.T) {
	h := newHarness(t, succeed)
	res := h.create(t, "u1", pipeline.DuplicatesAccept, h.writeUpload(t, "cv.txt", "Jane Doe\nGo developer"))
	if len(res.Created) != 1 {
		t.Fatalf("expected one record, got %+v", res)
	}
	id := res.Created[0].ID
	rec, err := h.pipe.Get("u1", id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != cvstore.StatusUploaded || rec.Processing {
		t.Fatalf("expected uploaded, got %s processing=%t", rec.Status, rec.Processing)
	}
	if rec.Digest == nil || len(*rec.Digest) != 64 {
		t.Fatalf("expected sha256 digest, got %v", rec.Digest)
	}

	h.start(t)
	ids, err := h.pipe.QueueAllPending(context.Background(), "u1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected queued ids %v", ids)
	}
	h.pipe.Wait()

	rec, err = h.pipe.Get("u1", id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != cvstore.StatusProcessed || rec.Processing {
		t.Fatalf("expected processed, got %s (%s)", rec.Status, rec.ErrorValue())
	}
	if len(rec.Extraction) == 0 || rec.ProcessedAt == nil || rec.ErrorMessage != nil {
		t.Fatalf("incomplete processed record: %+v", rec)
	}
	if !strings.Contains(string(rec.Extraction), `"owner":"u1"`) {
		t.Fatalf("analyzer did not receive owner: %s", rec.Extraction)
	}
	if got := h.pipe.Status().Processed; got != 1 {
		t.Fatalf("processed counter = %d", got)
	}
}

func TestAnalyzerFailuresBecomeErrorState(t *testing.T) {
	cases := []struct {
		name    string
		fn      analyzer.Func
		wantMsg string
	}{
		{
			name: "error",
			fn: func(context.Context, string, string) (analyzer.Result, error) {
				return analyzer.Result{}, errors.New("upstream down")
			},
			wantMsg: "upstream down",
		},
		{
			name: "panic",
			fn: func(context.Context, string, string) (analyzer.Result, error) {
				panic("boom")
			},
			wantMsg: "analyzer panicked: boom",
		},
		{
			name: "empty data",
			fn: func(context.Context, string, string) (analyzer.Result, error) {
				return analyzer.Result{Success: true}, nil
			},
			wantMsg: "analyzer returned no data",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(*atomic.Int64) analyzer.Func { return tc.fn })
			res := h.create(t, "u1", pipeline.DuplicatesAccept, h.writeUpload(t, "cv.txt", "some text"))
			h.start(t)
			if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
				t.Fatal(err)
			}
			h.pipe.Wait()
			rec, err := h.pipe.Get("u1", res.Created[0].ID)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != cvstore.StatusError || rec.Processing {
				t.Fatalf("expected error state, got %s", rec.Status)
			}
			if rec.ErrorValue() != tc.wantMsg {
				t.Fatalf("error message = %q, want %q", rec.ErrorValue(), tc.wantMsg)
			}
		})
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, succeed)
	good := h.writeUpload(t, "good.txt", "alpha")
	missing := pipeline.Upload{OriginalName: "gone.txt", StoragePath: "gone.txt", FileType: "txt"}
	badType := pipeline.Upload{OriginalName: "cv.rtf", StoragePath: "cv.rtf", FileType: "rtf"}

	res := h.create(t, "u1", pipeline.DuplicatesAccept, good, missing, badType)
	if len(res.Created) != 2 {
		t.Fatalf("expected two created records, got %d", len(res.Created))
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Upload.OriginalName != "cv.rtf" {
		t.Fatalf("unexpected rejections %+v", res.Rejected)
	}
	if res.Created[1].Digest != nil {
		t.Fatal("unreadable file must be created with a null digest")
	}

	page, err := h.pipe.List("u1", cvstore.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 stored records, got %d", page.Total)
	}

	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	h.pipe.Wait()
	gone, err := h.pipe.Get("u1", res.Created[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone.Status != cvstore.StatusError || !strings.HasPrefix(gone.ErrorValue(), "file unavailable") {
		t.Fatalf("missing file should fail the record, got %s %q", gone.Status, gone.ErrorValue())
	}
	ok, err := h.pipe.Get("u1", res.Created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok.Status != cvstore.StatusProcessed {
		t.Fatalf("good record should be processed, got %s", ok.Status)
	}
}

func TestRejectDuplicatePolicy(t *testing.T) {
	h := newHarness(t, succeed)
	first := h.create(t, "u1", pipeline.DuplicatesAccept, h.writeUpload(t, "a.txt", "same content"))
	res := h.create(t, "u1", pipeline.DuplicatesReject,
		h.writeUpload(t, "b.txt", "same content"),
		h.writeUpload(t, "c.txt", "other"),
		h.writeUpload(t, "d.txt", "other"))
	if len(res.Created) != 1 || res.Created[0].OriginalName != "c.txt" {
		t.Fatalf("unexpected created %+v", res.Created)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected two duplicates, got %+v", res.Rejected)
	}
	if res.Rejected[0].DuplicateOf != first.Created[0].ID {
		t.Fatalf("duplicateOf = %q", res.Rejected[0].DuplicateOf)
	}
	if res.Rejected[1].DuplicateOf != res.Created[0].ID {
		t.Fatalf("in-batch duplicate should point at c.txt, got %q", res.Rejected[1].DuplicateOf)
	}

	dup, found, err := h.pipe.CheckDuplicate("u1", strings.ToUpper(first.Created[0].DigestValue()))
	if err != nil || !found || dup.ID != first.Created[0].ID {
		t.Fatalf("case-insensitive digest lookup failed: %v %v %+v", err, found, dup)
	}
	_, found, err = h.pipe.CheckDuplicate("u2", first.Created[0].DigestValue())
	if err != nil || found {
		t.Fatalf("duplicates must be scoped by owner: %v %v", err, found)
	}
}

func TestReprocessTwice(t *testing.T) {
	h := newHarness(t, succeed)
	res := h.create(t, "u1", pipeline.DuplicatesAccept, h.writeUpload(t, "cv.txt", "text"))
	id := res.Created[0].ID
	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	h.pipe.Wait()

	for i := 0; i < 2; i++ {
		rec, err := h.pipe.Reprocess(context.Background(), "u1", id)
		if err != nil {
			t.Fatalf("reprocess %d: %v", i, err)
		}
		if rec.Extraction != nil || rec.ErrorMessage != nil || rec.ProcessedAt != nil {
			t.Fatalf("reprocess must clear prior output: %+v", rec)
		}
		h.pipe.Wait()
		rec, err = h.pipe.Get("u1", id)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.Status.IsTerminal() || rec.Processing {
			t.Fatalf("reprocess %d left record at %s processing=%t", i, rec.Status, rec.Processing)
		}
	}
	if got := h.calls.Load(); got != 3 {
		t.Fatalf("expected 3 analyzer calls, got %d", got)
	}

	if _, err := h.pipe.Reprocess(context.Background(), "u1", "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueueRequiresRunningPool(t *testing.T) {
	h := newHarness(t, succeed)
	res := h.create(t, "u1", pipeline.DuplicatesAccept, h.writeUpload(t, "cv.txt", "text"))
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); !errors.Is(err, pipeline.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	rec, err := h.pipe.Get("u1", res.Created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != cvstore.StatusUploaded {
		t.Fatalf("record must stay uploaded, got %s", rec.Status)
	}
}

func TestDeleteRemovesMetadataThenFile(t *testing.T) {
	h := newHarness(t, succeed)
	res := h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "a.txt", "a"),
		h.writeUpload(t, "b.txt", "b"))

	if _, err := h.pipe.Delete(context.Background(), "u1", res.Created[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(h.uploadDir, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err = %v", err)
	}

	// A file that is already gone does not fail the delete.
	if err := os.Remove(filepath.Join(h.uploadDir, "b.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.pipe.Delete(context.Background(), "u1", res.Created[1].ID); err != nil {
		t.Fatalf("delete with missing file: %v", err)
	}
	page, err := h.pipe.List("u1", cvstore.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Fatalf("expected empty collection, got %d", page.Total)
	}
	if _, err := h.pipe.Delete(context.Background(), "u1", res.Created[1].ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReconcileResetsStaleProcessing(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, succeed, pipeline.WithClock(func() time.Time { return now }))
	res := h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "old.txt", "old"),
		h.writeUpload(t, "new.txt", "new"))

	for i, started := range []time.Time{now.Add(-2 * time.Hour), now.Add(-5 * time.Minute)} {
		started := started
		if _, err := h.repo.Update("u1", res.Created[i].ID, func(rec *cvstore.Record) error {
			rec.MarkProcessing(started)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	reset, err := h.pipe.Reconcile(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(reset["u1"]) != 1 || reset["u1"][0] != res.Created[0].ID {
		t.Fatalf("unexpected reset set %v", reset)
	}
	stats, err := h.pipe.Stats("u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats[cvstore.StatusUploaded] != 1 || stats[cvstore.StatusProcessing] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestReconcileSkipsRecordsHeldByThePool(t *testing.T) {
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})
	slow := func(calls *atomic.Int64) analyzer.Func {
		return func(ctx context.Context, text, owner string) (analyzer.Result, error) {
			calls.Add(1)
			started <- struct{}{}
			<-unblock
			return analyzer.Result{Success: true, Data: json.RawMessage(`{}`)}, nil
		}
	}
	h := newHarness(t, slow, pipeline.WithWorkers(1, 4))
	h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "running.txt", "running"),
		h.writeUpload(t, "queued.txt", "queued"))
	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}

	reset, err := h.pipe.Reconcile(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reset) != 0 {
		t.Fatalf("records held by the pool were reset: %v", reset)
	}

	close(unblock)
	h.pipe.Wait()
	stats, err := h.pipe.Stats("u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats[cvstore.StatusProcessed] != 2 {
		t.Fatalf("expected both records processed, got %v", stats)
	}
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("expected two analyzer calls, got %d", got)
	}
}

func TestBackfillDigests(t *testing.T) {
	h := newHarness(t, succeed)
	missing := pipeline.Upload{OriginalName: "late.txt", StoragePath: "late.txt", FileType: "txt"}
	res := h.create(t, "u1", pipeline.DuplicatesAccept, missing)
	if res.Created[0].Digest != nil {
		t.Fatal("expected null digest")
	}

	n, err := h.pipe.BackfillDigests(context.Background(), "u1")
	if err != nil || n != 0 {
		t.Fatalf("backfill with file still missing: n=%d err=%v", n, err)
	}

	h.writeUpload(t, "late.txt", "arrived")
	n, err = h.pipe.BackfillDigests(context.Background(), "u1")
	if err != nil || n != 1 {
		t.Fatalf("backfill: n=%d err=%v", n, err)
	}
	rec, err := h.pipe.Get("u1", res.Created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Digest == nil {
		t.Fatal("digest not stored")
	}
}

func TestAnalysisCacheReusesResults(t *testing.T) {
	cache, err := analysiscache.Open(filepath.Join(t.TempDir(), "analysis.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	h := newHarness(t, succeed, pipeline.WithCache(cache), pipeline.WithWorkers(1, 8))
	res := h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "a.txt", "identical"),
		h.writeUpload(t, "b.txt", "identical"))
	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	h.pipe.Wait()
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("expected one analyzer call for identical content, got %d", got)
	}
	for _, created := range res.Created {
		rec, err := h.pipe.Get("u1", created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != cvstore.StatusProcessed {
			t.Fatalf("record %s status %s", rec.OriginalName, rec.Status)
		}
	}

	if _, err := h.pipe.Reprocess(context.Background(), "u1", res.Created[0].ID); err != nil {
		t.Fatal(err)
	}
	h.pipe.Wait()
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("reprocess must bypass the cache, calls = %d", got)
	}
}

func TestAnalysisCacheIsScopedToOwner(t *testing.T) {
	cache, err := analysiscache.Open(filepath.Join(t.TempDir(), "analysis.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	h := newHarness(t, succeed, pipeline.WithCache(cache), pipeline.WithWorkers(1, 8))
	h.start(t)
	owners := map[string]string{}
	for _, owner := range []string{"u1", "u2"} {
		res := h.create(t, owner, pipeline.DuplicatesAccept, h.writeUpload(t, owner+".txt", "same bytes"))
		owners[owner] = res.Created[0].ID
		if _, err := h.pipe.QueueAllPending(context.Background(), owner); err != nil {
			t.Fatal(err)
		}
		h.pipe.Wait()
	}

	if got := h.calls.Load(); got != 2 {
		t.Fatalf("each owner needs its own analyzer call, got %d", got)
	}
	for owner, id := range owners {
		rec, err := h.pipe.Get(owner, id)
		if err != nil {
			t.Fatal(err)
		}
		var data map[string]any
		if err := json.Unmarshal(rec.Extraction, &data); err != nil {
			t.Fatalf("decode %s extraction: %v", owner, err)
		}
		if data["owner"] != owner {
			t.Fatalf("%s record holds another owner's extraction: %s", owner, rec.Extraction)
		}
	}
}

func TestAnalysisCacheSkipsResultsFromAnotherProducer(t *testing.T) {
	cache, err := analysiscache.Open(filepath.Join(t.TempDir(), "analysis.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	relabelled := func(calls *atomic.Int64) analyzer.Func {
		return func(ctx context.Context, text, owner string) (analyzer.Result, error) {
			calls.Add(1)
			return analyzer.Result{Success: true, Data: json.RawMessage(`{}`), Analyzer: "heuristic"}, nil
		}
	}
	h := newHarness(t, relabelled, pipeline.WithCache(cache), pipeline.WithWorkers(1, 8))
	h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "a.txt", "identical"),
		h.writeUpload(t, "b.txt", "identical"))
	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	h.pipe.Wait()
	if n, _ := cache.Count(context.Background()); n != 0 {
		t.Fatalf("fallback results must not be cached under the requested analyzer, count=%d", n)
	}
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("expected two analyzer calls, got %d", got)
	}
}

func TestStopReturnsInFlightRecordsToUploaded(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := func(*atomic.Int64) analyzer.Func {
		return func(ctx context.Context, text, owner string) (analyzer.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return analyzer.Result{}, ctx.Err()
		}
	}
	h := newHarness(t, blocking, pipeline.WithWorkers(1, 4))
	res := h.create(t, "u1", pipeline.DuplicatesAccept,
		h.writeUpload(t, "a.txt", "a"),
		h.writeUpload(t, "b.txt", "b"))
	h.start(t)
	if _, err := h.pipe.QueueAllPending(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}
	h.pipe.Stop()
	h.pipe.Wait()

	for _, created := range res.Created {
		rec, err := h.pipe.Get("u1", created.ID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != cvstore.StatusUploaded || rec.Processing {
			t.Fatalf("record %s should be back at uploaded, got %s", rec.OriginalName, rec.Status)
		}
	}
	if h.pipe.Running() {
		t.Fatal("pipeline still running after Stop")
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	for in, want := range map[string]pipeline.DuplicatePolicy{"": pipeline.DuplicatesAccept, "Reject": pipeline.DuplicatesReject} {
		got, err := pipeline.ParseDuplicatePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseDuplicatePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := pipeline.ParseDuplicatePolicy("merge"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
