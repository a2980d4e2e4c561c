package testsupport

import (
	"testing"

	"cvtrack/internal/config"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/logging"
)

// MustOpenStore opens the document store under cfg's data directory.
func MustOpenStore(t testing.TB, cfg *config.Config) *docstore.Store {
	t.Helper()

	store, err := docstore.New(cfg.Paths.DataDir, logging.NewNop())
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	return store
}

// SeedRecords writes records for owner directly, bypassing the pipeline.
func SeedRecords(t testing.TB, store *docstore.Store, owner string, records ...cvstore.Record) {
	t.Helper()

	if err := cvstore.NewRepository(store).Save(owner, records); err != nil {
		t.Fatalf("seed records: %v", err)
	}
}
