package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// Store owns the data directory and the per-owner lock table.
type Store struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	global sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, services.Wrap(services.ErrValidation, "docstore", "open", "data directory is required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrIO, "docstore", "open", "create data directory", err)
	}
	return &Store{
		root:   dir,
		logger: logging.NewComponentLogger(logger, "docstore"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) ownerLock(owner string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[owner]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[owner] = lock
	}
	return lock
}

// WithLock runs fn while holding the owner's critical section. The lock is
// released on every exit path, including a panic in fn.
func (s *Store) WithLock(owner string, fn func() error) error {
	if err := ValidateKey(owner); err != nil {
		return err
	}
	lock := s.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// WithGlobalLock serializes access to global documents.
func (s *Store) WithGlobalLock(fn func() error) error {
	s.global.Lock()
	defer s.global.Unlock()
	return fn()
}

// ValidateKey rejects owner and collection names that are empty or could
// escape the data directory.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	switch {
	case trimmed == "":
		return services.Wrap(services.ErrValidation, "docstore", "key", "owner is required", nil)
	case trimmed != key:
		return services.Wrap(services.ErrValidation, "docstore", "key", fmt.Sprintf("key %q has surrounding whitespace", key), nil)
	case key == "." || key == "..":
		return services.Wrap(services.ErrValidation, "docstore", "key", fmt.Sprintf("invalid key %q", key), nil)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return services.Wrap(services.ErrValidation, "docstore", "key", fmt.Sprintf("key %q contains a path separator", key), nil)
	}
	return nil
}

func (s *Store) arrayPath(collection, owner string) string {
	return filepath.Join(s.root, collection, owner+".json")
}

func (s *Store) objectPath(name string) string {
	return filepath.Join(s.root, name+".json")
}

// readFile returns nil data for a missing file.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// writeAtomic writes data to a temp file beside path and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadObject decodes the global document name into v. It reports false when
// the document does not exist yet.
func (s *Store) LoadObject(name string, v any) (bool, error) {
	if err := ValidateKey(name); err != nil {
		return false, err
	}
	path := s.objectPath(name)
	data, err := readFile(path)
	if err != nil {
		return false, services.Wrap(services.ErrIO, "docstore", "load", "read "+name, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, services.Wrap(services.ErrIO, "docstore", "load", "parse "+name, err)
	}
	return true, nil
}

// SaveObject atomically replaces the global document name with v.
func (s *Store) SaveObject(name string, v any) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, "docstore", "save", "encode "+name, err)
	}
	if err := writeAtomic(s.objectPath(name), data); err != nil {
		return services.Wrap(services.ErrIO, "docstore", "save", name, err)
	}
	return nil
}

func (s *Store) owners(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrIO, "docstore", "owners", "list "+collection, err)
	}
	var owners []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		owners = append(owners, strings.TrimSuffix(name, ".json"))
	}
	return owners, nil
}
