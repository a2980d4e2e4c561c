package docstore

import (
	"encoding/json"
	"log/slog"

	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// Collection is a typed view over one owner-partitioned JSON array kind.
type Collection[T any] struct {
	store  *Store
	name   string
	logger *slog.Logger
}

// NewCollection binds a record type to a collection name such as "cvs".
func NewCollection[T any](store *Store, name string) *Collection[T] {
	return &Collection[T]{
		store:  store,
		name:   name,
		logger: store.logger.With(logging.String("collection", name)),
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Store returns the backing store.
func (c *Collection[T]) Store() *Store {
	return c.store
}

// Load returns the owner's records. A missing or unparsable file yields an
// empty slice; only an invalid owner is reported as an error.
func (c *Collection[T]) Load(owner string) ([]T, error) {
	if err := ValidateKey(owner); err != nil {
		return nil, err
	}
	path := c.store.arrayPath(c.name, owner)
	data, err := readFile(path)
	if err != nil {
		logging.WarnWithContext(c.logger, "document unreadable; treating as empty", "docstore_read_failed",
			logging.String(logging.FieldOwner, owner),
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check file permissions in the data directory"),
			logging.String(logging.FieldImpact, "records for this owner appear empty"))
		return []T{}, nil
	}
	if len(data) == 0 {
		return []T{}, nil
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		logging.WarnWithContext(c.logger, "document corrupt; treating as empty", "docstore_parse_failed",
			logging.String(logging.FieldOwner, owner),
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect or restore the JSON file"),
			logging.String(logging.FieldImpact, "records for this owner appear empty"))
		return []T{}, nil
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

// Save atomically replaces the owner's records. Save failures propagate.
func (c *Collection[T]) Save(owner string, records []T) error {
	if err := ValidateKey(owner); err != nil {
		return err
	}
	if records == nil {
		records = []T{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, "docstore", "save", "encode "+c.name, err)
	}
	if err := writeAtomic(c.store.arrayPath(c.name, owner), data); err != nil {
		return services.Wrap(services.ErrIO, "docstore", "save", c.name+"/"+owner, err)
	}
	return nil
}

// Update runs a locked load-modify-save cycle. fn receives the current
// records and returns the replacement; returning an error skips the save.
func (c *Collection[T]) Update(owner string, fn func([]T) ([]T, error)) error {
	return c.store.WithLock(owner, func() error {
		records, err := c.Load(owner)
		if err != nil {
			return err
		}
		next, err := fn(records)
		if err != nil {
			return err
		}
		return c.Save(owner, next)
	})
}

// Upsert replaces the first record matching match, or prepends record when
// nothing matches. It reports whether an existing record was replaced.
func (c *Collection[T]) Upsert(owner string, record T, match func(T) bool) (bool, error) {
	replaced := false
	err := c.Update(owner, func(records []T) ([]T, error) {
		for i := range records {
			if match(records[i]) {
				records[i] = record
				replaced = true
				return records, nil
			}
		}
		return append([]T{record}, records...), nil
	})
	return replaced, err
}

// Owners lists owners that have a document in this collection.
func (c *Collection[T]) Owners() ([]string, error) {
	return c.store.owners(c.name)
}
