package analysiscache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cvtrack/internal/cvstore"
)

// schemaVersion 2 added the owner column. Older databases are rebuilt
// empty since every row can be recomputed.
const schemaVersion = 2

const versionSQL = `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`

const resultsSQL = `
CREATE TABLE IF NOT EXISTS analysis_results (
    owner       TEXT NOT NULL,
    digest      TEXT NOT NULL,
    analyzer    TEXT NOT NULL,
    produced_by TEXT NOT NULL,
    data        TEXT NOT NULL,
    confidence  TEXT,
    created_at  TEXT NOT NULL,
    hits        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (owner, digest, analyzer)
);`

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Entry is one cached analyzer result. Analyzer is the analyzer identity
// key, which covers model and prompt; ProducedBy is the result's label.
type Entry struct {
	Owner      string
	Digest     string
	Analyzer   string
	ProducedBy string
	Data       json.RawMessage
	Confidence *cvstore.Confidence
	CreatedAt  time.Time
	Hits       int
}

// Store manages cached results backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the cache database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("analysis cache: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("analysis cache: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, versionSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, resultsSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	case version < schemaVersion:
		return s.rebuild(ctx)
	}
	if _, err := s.db.ExecContext(ctx, resultsSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) rebuild(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{"DROP TABLE IF EXISTS analysis_results", resultsSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Lookup returns the owner's cached result for digest and analyzer and
// bumps its hit count. Results are never shared between owners.
func (s *Store) Lookup(ctx context.Context, owner, digest, analyzer string) (Entry, bool, error) {
	digest = normalizeDigest(digest)
	if s == nil || digest == "" || owner == "" {
		return Entry{}, false, nil
	}
	var (
		entry      Entry
		data       string
		confidence sql.NullString
		createdAt  string
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT owner, digest, analyzer, produced_by, data, confidence, created_at, hits
             FROM analysis_results WHERE owner = ? AND digest = ? AND analyzer = ?`,
			owner, digest, analyzer,
		).Scan(&entry.Owner, &entry.Digest, &entry.Analyzer, &entry.ProducedBy, &data, &confidence, &createdAt, &entry.Hits)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup analysis: %w", err)
	}
	entry.Data = json.RawMessage(data)
	if confidence.Valid && confidence.String != "" {
		var c cvstore.Confidence
		if err := json.Unmarshal([]byte(confidence.String), &c); err == nil {
			entry.Confidence = &c
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = ts
	}

	if err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE analysis_results SET hits = hits + 1 WHERE owner = ? AND digest = ? AND analyzer = ?`,
			owner, digest, analyzer)
		return err
	}); err != nil {
		return Entry{}, false, fmt.Errorf("record cache hit: %w", err)
	}
	entry.Hits++
	return entry, true, nil
}

// Put stores or replaces an entry.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	if s == nil {
		return nil
	}
	entry.Digest = normalizeDigest(entry.Digest)
	if entry.Owner == "" || entry.Digest == "" || strings.TrimSpace(entry.Analyzer) == "" {
		return errors.New("analysis cache: owner, digest and analyzer are required")
	}
	if len(entry.Data) == 0 || !json.Valid(entry.Data) {
		return errors.New("analysis cache: data must be valid JSON")
	}
	var confidence sql.NullString
	if entry.Confidence != nil {
		encoded, err := json.Marshal(entry.Confidence)
		if err != nil {
			return fmt.Errorf("encode confidence: %w", err)
		}
		confidence = sql.NullString{String: string(encoded), Valid: true}
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO analysis_results (owner, digest, analyzer, produced_by, data, confidence, created_at, hits)
             VALUES (?, ?, ?, ?, ?, ?, ?, 0)
             ON CONFLICT(owner, digest, analyzer) DO UPDATE SET
                 produced_by = excluded.produced_by,
                 data = excluded.data,
                 confidence = excluded.confidence,
                 created_at = excluded.created_at,
                 hits = 0`,
			entry.Owner, entry.Digest, entry.Analyzer, entry.ProducedBy, string(entry.Data), confidence,
			createdAt.UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Invalidate removes every cached result of owner for digest.
func (s *Store) Invalidate(ctx context.Context, owner, digest string) (int64, error) {
	if s == nil {
		return 0, nil
	}
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_results WHERE owner = ? AND digest = ?`,
			owner, normalizeDigest(digest))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Count returns the number of cached results.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM analysis_results`).Scan(&n)
	return n, err
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
