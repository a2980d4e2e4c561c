package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cvtrack/internal/analyzer"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/llmconfig"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/prompts"
	"cvtrack/internal/services"
	"cvtrack/internal/taxonomy"
	"cvtrack/internal/tender"
)

type testEnv struct {
	handler   http.Handler
	pipe      *pipeline.Pipeline
	uploadDir string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	base := t.TempDir()
	store, err := docstore.New(filepath.Join(base, "data"), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	uploadDir := filepath.Join(base, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		t.Fatal(err)
	}
	fn := analyzer.Func(func(ctx context.Context, text, owner string) (analyzer.Result, error) {
		return analyzer.Result{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
	})
	pipe := pipeline.New(cvstore.NewRepository(store), extract.New(extract.Options{}, logging.NewNop()), fn,
		pipeline.WithUploadDir(uploadDir), pipeline.WithLogger(logging.NewNop()))
	t.Cleanup(pipe.Stop)

	srv := NewServer(Deps{
		Pipeline:   pipe,
		LLMConfigs: llmconfig.New(store, logging.NewNop()),
		Tenders:    tender.New(store, logging.NewNop()),
		Prompts:    prompts.New(store, logging.NewNop()),
		Taxonomy:   taxonomy.New(store, logging.NewNop()),
		UploadDir:  uploadDir,
		Token:      token,
		Logger:     logging.NewNop(),
	})
	return &testEnv{handler: srv.Handler(), pipe: pipe, uploadDir: uploadDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, path string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAuthRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := env.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Request-ID", "req-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("request id not echoed, got %q", got)
	}
}

func TestUploadListAndDelete(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.upload(t, "/api/owners/u1/cvs", map[string]string{
		"jane.txt":  "Jane Doe",
		"notes.exe": "binary",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	batch := decode[pipeline.BatchResult](t, rec)
	if len(batch.Created) != 1 || len(batch.Rejected) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	created := batch.Created[0]
	if created.OriginalName != "jane.txt" || created.Status != cvstore.StatusUploaded {
		t.Fatalf("unexpected record %+v", created)
	}
	if _, err := os.Stat(filepath.Join(env.uploadDir, created.StoragePath)); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/owners/u1/cvs?status=uploaded", nil)
	page := decode[cvstore.Page](t, rec)
	if page.Total != 1 || page.Records[0].ID != created.ID {
		t.Fatalf("unexpected page %+v", page)
	}

	rec = env.do(t, http.MethodGet, "/api/owners/u1/cvs/duplicates?digest="+created.DigestValue(), nil)
	dup := decode[map[string]any](t, rec)
	if dup["duplicate"] != true {
		t.Fatalf("expected duplicate hit, got %v", dup)
	}

	rec = env.do(t, http.MethodDelete, "/api/owners/u1/cvs/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/owners/u1/cvs/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestUploadRejectsDuplicatesOnRequest(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.upload(t, "/api/owners/u1/cvs", map[string]string{"a.txt": "same"}); rec.Code != http.StatusCreated {
		t.Fatalf("first upload %d", rec.Code)
	}
	rec := env.upload(t, "/api/owners/u1/cvs?duplicates=reject", map[string]string{"b.txt": "same"})
	batch := decode[pipeline.BatchResult](t, rec)
	if len(batch.Created) != 0 || len(batch.Rejected) != 1 || batch.Rejected[0].DuplicateOf == "" {
		t.Fatalf("expected duplicate rejection, got %+v", batch)
	}
	entries, err := os.ReadDir(filepath.Join(env.uploadDir, "u1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("rejected upload left on disk: %d files", len(entries))
	}

	rec = env.upload(t, "/api/owners/u1/cvs?duplicates=maybe", map[string]string{"c.txt": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad policy, got %d", rec.Code)
	}
}

func TestUploadReportsUnsupportedFileTypes(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.upload(t, "/api/owners/u1/cvs", map[string]string{"cv.txt": "Jane", "tool.exe": "MZ"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d", rec.Code)
	}
	batch := decode[pipeline.BatchResult](t, rec)
	if len(batch.Created) != 1 || len(batch.Rejected) != 1 {
		t.Fatalf("expected one created and one rejected, got %+v", batch)
	}
	if got := batch.Rejected[0]; got.Upload.OriginalName != "tool.exe" || !strings.Contains(got.Error, `unsupported file type ".exe"`) {
		t.Fatalf("unexpected rejection %+v", got)
	}
	entries, err := os.ReadDir(filepath.Join(env.uploadDir, "u1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the accepted upload on disk, found %d files", len(entries))
	}
}

func TestProcessRequiresRunningPipeline(t *testing.T) {
	env := newTestEnv(t, "")
	env.upload(t, "/api/owners/u1/cvs", map[string]string{"a.txt": "hello"})

	rec := env.do(t, http.MethodPost, "/api/owners/u1/cvs/process", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	if err := env.pipe.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec = env.do(t, http.MethodPost, "/api/owners/u1/cvs/process", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	queued := decode[map[string][]string](t, rec)
	if len(queued["queued"]) != 1 {
		t.Fatalf("unexpected queued %v", queued)
	}
	env.pipe.Wait()

	rec = env.do(t, http.MethodGet, "/api/owners/u1/cvs/stats", nil)
	stats := decode[struct {
		Counts map[string]int `json:"counts"`
		Total  int            `json:"total"`
	}](t, rec)
	if stats.Total != 1 || stats.Counts["processed"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegistryRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/owners/u1/llm-configs", map[string]any{
		"provider": "openrouter",
		"model":    "openai/gpt-4o",
		"apiKey":   "sk-live",
		"active":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	cfg := decode[llmconfig.Config](t, rec)
	if cfg.APIKey != "********" {
		t.Fatalf("api key not masked: %q", cfg.APIKey)
	}
	if !cfg.Active || cfg.Mnemonic == "" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	rec = env.do(t, http.MethodGet, "/api/owners/u1/llm-configs/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/owners/u1/tenders", map[string]any{"category": "Senior", "version": "Backend"})
	first := decode[tender.Search](t, rec)
	if first.Mnemonic != "SEN_BACK" {
		t.Fatalf("unexpected mnemonic %q", first.Mnemonic)
	}
	rec = env.do(t, http.MethodPost, "/api/owners/u1/tenders", map[string]any{"category": "Senior", "version": "Backend"})
	second := decode[tender.Search](t, rec)
	if second.Mnemonic == first.Mnemonic {
		t.Fatalf("mnemonics collide: %q", second.Mnemonic)
	}

	rec = env.do(t, http.MethodPost, "/api/owners/u1/tenders/"+strings.ToLower(second.Mnemonic)+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/owners/u1/tenders/active", nil)
	if got := decode[tender.Search](t, rec); got.Mnemonic != second.Mnemonic {
		t.Fatalf("active = %q, want %q", got.Mnemonic, second.Mnemonic)
	}

	rec = env.do(t, http.MethodPost, "/api/owners/u1/tenders", map[string]any{"version": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing category, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/owners/u1/tenders", map[string]any{"category": "x", "bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/owners/u1/tenders/NOPE_0000", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPromptRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/owners/u1/prompts", map[string]any{
		"name": "default", "purpose": "cv_extraction", "body": "Extract {{text}}",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[prompts.Prompt](t, rec)

	rec = env.do(t, http.MethodPost, "/api/owners/u1/prompts/"+p.ID+"/activate", nil)
	if got := decode[prompts.Prompt](t, rec); !got.Active {
		t.Fatalf("prompt not active: %+v", got)
	}
	rec = env.do(t, http.MethodGet, "/api/owners/u1/prompts?purpose=cv_extraction", nil)
	list := decode[map[string][]prompts.Prompt](t, rec)
	if len(list["records"]) != 1 {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestTaxonomyRoutes(t *testing.T) {
	env := newTestEnv(t, "")
	doc := taxonomy.Document{Entries: []taxonomy.Entry{
		{Key: "javascript", Label: "JavaScript", Synonyms: []string{"js"}},
		{Key: "react", Label: "React", Implies: []string{"javascript"}},
	}}
	rec := env.do(t, http.MethodPut, "/api/taxonomy", doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/taxonomy/resolve", resolveRequest{Tokens: []string{"React"}})
	keys := decode[map[string][]string](t, rec)["keys"]
	if fmt.Sprint(keys) != "[javascript react]" {
		t.Fatalf("unexpected keys %v", keys)
	}

	rec = env.do(t, http.MethodPost, "/api/taxonomy/resolve", resolveRequest{Batches: [][]string{{"js"}, {"cobol"}}})
	batches := decode[map[string][][]string](t, rec)["batches"]
	if len(batches) != 2 || fmt.Sprint(batches[0]) != "[javascript]" || len(batches[1]) != 0 {
		t.Fatalf("unexpected batches %v", batches)
	}

	rec = env.do(t, http.MethodPost, "/api/taxonomy/entries", taxonomy.Entry{Key: "react", Label: "dup"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/taxonomy/search?q=java", nil)
	found := decode[map[string][]taxonomy.Entry](t, rec)["entries"]
	if len(found) == 0 || found[0].Key != "javascript" {
		t.Fatalf("unexpected search result %v", found)
	}
	rec = env.do(t, http.MethodDelete, "/api/taxonomy/entries/react", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/taxonomy/entries/react", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{pipeline.ErrNotRunning, http.StatusServiceUnavailable},
		{services.Wrap(services.ErrConflict, "c", "op", "taken", nil), http.StatusConflict},
		{services.Wrap(services.ErrValidation, "c", "op", "bad", nil), http.StatusBadRequest},
		{services.Wrap(services.ErrNotFound, "c", "op", "gone", nil), http.StatusNotFound},
		{services.Wrap(services.ErrExternalTool, "c", "op", "tool", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
