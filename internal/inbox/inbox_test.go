package inbox_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cvtrack/internal/analyzer"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/inbox"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
)

type fixture struct {
	root      string
	uploadDir string
	pipe      *pipeline.Pipeline
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	store, err := docstore.New(filepath.Join(base, "data"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	uploadDir := filepath.Join(base, "uploads")
	stub := analyzer.Func(func(context.Context, string, string) (analyzer.Result, error) {
		return analyzer.Result{Success: true, Data: json.RawMessage(`{}`)}, nil
	})
	pipe := pipeline.New(cvstore.NewRepository(store), extract.New(extract.Options{}, logging.NewNop()), stub,
		pipeline.WithUploadDir(uploadDir), pipeline.WithLogger(logging.NewNop()))
	return fixture{root: filepath.Join(base, "inbox"), uploadDir: uploadDir, pipe: pipe}
}

func (f fixture) drop(t *testing.T, owner, name, content string) string {
	t.Helper()
	dir := filepath.Join(f.root, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFlushIngestsTrackedFiles(t *testing.T) {
	f := newFixture(t)
	w := inbox.New(f.root, f.uploadDir, f.pipe, pipeline.DuplicatesReject, time.Hour, logging.NewNop())

	cv := f.drop(t, "u1", "jane.txt", "Jane Doe")
	dup := f.drop(t, "u1", "copy.txt", "Jane Doe")
	ignored := f.drop(t, "u1", "notes.rtf", "x")
	hidden := f.drop(t, "u1", ".partial.txt", "x")
	for _, p := range []string{cv, dup, ignored, hidden, filepath.Join(f.root, "stray.txt")} {
		w.Track(p)
	}

	if n := w.Flush(context.Background(), false); n != 0 {
		t.Fatalf("unsettled files were ingested: %d", n)
	}
	if n := w.Flush(context.Background(), true); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}

	page, err := f.pipe.List("u1", cvstore.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one stored record, got %d", page.Total)
	}
	rec := page.Records[0]
	if rec.Status != cvstore.StatusUploaded || rec.Digest == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(f.uploadDir, rec.StoragePath)); err != nil {
		t.Fatalf("stored copy missing: %v", err)
	}

	remaining := 0
	for _, p := range []string{cv, dup} {
		if _, err := os.Stat(p); err == nil {
			remaining++
		}
	}
	if remaining != 0 {
		t.Fatalf("processed inbox files should leave the inbox, %d remain", remaining)
	}
	rejected := 0
	for _, p := range []string{cv, dup} {
		if _, err := os.Stat(p + inbox.RejectedSuffix); err == nil {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("expected the duplicate to be marked rejected, got %d", rejected)
	}
	if _, err := os.Stat(ignored); err != nil {
		t.Fatal("unsupported files must be left alone")
	}

	entries, err := os.ReadDir(filepath.Join(f.uploadDir, "u1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("rejected copy should be removed from uploads, found %d files", len(entries))
	}
}

func TestRunPicksUpExistingFiles(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "u2", "cv.txt", "hello")
	w := inbox.New(f.root, f.uploadDir, f.pipe, pipeline.DuplicatesAccept, 50*time.Millisecond, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		page, err := f.pipe.List("u2", cvstore.Query{})
		if err != nil {
			t.Fatal(err)
		}
		if page.Total == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("inbox file was not ingested")
}
