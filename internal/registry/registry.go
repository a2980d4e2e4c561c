// Package registry stores small per-owner record kinds that are identified
// by a mnemonic and allow at most one active record per owner.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cvtrack/internal/docstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/mnemonic"
	"cvtrack/internal/services"
)

// Header carries the fields every registry record shares. Embed it.
type Header struct {
	Mnemonic  string    `json:"mnemonic"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *Header) header() *Header { return h }

// Item is satisfied by pointers to structs that embed Header.
type Item[T any] interface {
	*T
	header() *Header
}

// Registry is a mnemonic-keyed collection of T.
type Registry[T any, P Item[T]] struct {
	records   *docstore.Collection[T]
	kind      string
	seeds     func(T) []mnemonic.Part
	validate  func(T) error
	generator mnemonic.Generator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Registry.
type Option[T any, P Item[T]] func(*Registry[T, P])

// WithValidator rejects records before they are stored.
func WithValidator[T any, P Item[T]](fn func(T) error) Option[T, P] {
	return func(r *Registry[T, P]) { r.validate = fn }
}

// WithClock overrides time.Now.
func WithClock[T any, P Item[T]](now func() time.Time) Option[T, P] {
	return func(r *Registry[T, P]) {
		r.now = now
		r.generator.Now = now
	}
}

// New binds a registry to collection. seeds derives the mnemonic parts of a record.
func New[T any, P Item[T]](store *docstore.Store, collection string, seeds func(T) []mnemonic.Part, logger *slog.Logger, opts ...Option[T, P]) *Registry[T, P] {
	r := &Registry[T, P]{
		records: docstore.NewCollection[T](store, collection),
		kind:    collection,
		seeds:   seeds,
		now:     time.Now,
		logger:  logging.NewComponentLogger(logger, "registry").With(logging.String("collection", collection)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func head[T any, P Item[T]](rec *T) *Header {
	return P(rec).header()
}

// List returns every record of owner, newest first.
func (r *Registry[T, P]) List(owner string) ([]T, error) {
	return r.records.Load(owner)
}

// Get returns the record with mnemonic. Matching is case-insensitive.
func (r *Registry[T, P]) Get(owner, id string) (T, error) {
	records, err := r.records.Load(owner)
	if err != nil {
		var zero T
		return zero, err
	}
	if i := indexOf[T, P](records, id); i >= 0 {
		return records[i], nil
	}
	var zero T
	return zero, r.notFound(owner, id)
}

// Active returns the owner's active record, if any.
func (r *Registry[T, P]) Active(owner string) (T, bool, error) {
	var zero T
	records, err := r.records.Load(owner)
	if err != nil {
		return zero, false, err
	}
	for i := range records {
		if head[T, P](&records[i]).Active {
			return records[i], true, nil
		}
	}
	return zero, false, nil
}

// Create stores rec under a fresh mnemonic. When rec already carries a
// mnemonic it is used as given and must not collide. An active record
// deactivates its siblings.
func (r *Registry[T, P]) Create(owner string, rec T) (T, error) {
	if err := r.check(rec); err != nil {
		return rec, err
	}
	err := r.records.Update(owner, func(records []T) ([]T, error) {
		h := head[T, P](&rec)
		requested := strings.TrimSpace(h.Mnemonic)
		if requested != "" {
			if indexOf[T, P](records, requested) >= 0 {
				return nil, services.Wrap(services.ErrConflict, "registry", "create",
					fmt.Sprintf("%s %q already exists", r.kind, requested), nil)
			}
			h.Mnemonic = strings.ToUpper(requested)
		} else {
			h.Mnemonic = r.generator.Generate(mnemonics[T, P](records), r.seeds(rec)...)
		}
		now := r.now().UTC()
		h.CreatedAt = now
		h.UpdatedAt = now
		if h.Active {
			deactivateAll[T, P](records, now)
		}
		return append([]T{rec}, records...), nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r.logger.Info("record created",
		logging.String(logging.FieldOwner, owner),
		logging.String("mnemonic", head[T, P](&rec).Mnemonic))
	return rec, nil
}

// Update applies fn to the record. The mnemonic and creation time are kept;
// use Rename and SetActive to change them.
func (r *Registry[T, P]) Update(owner, id string, fn func(P) error) (T, error) {
	var updated T
	err := r.records.Update(owner, func(records []T) ([]T, error) {
		i := indexOf[T, P](records, id)
		if i < 0 {
			return nil, r.notFound(owner, id)
		}
		rec := records[i]
		if err := fn(P(&rec)); err != nil {
			return nil, err
		}
		before := head[T, P](&records[i])
		h := head[T, P](&rec)
		h.Mnemonic = before.Mnemonic
		h.CreatedAt = before.CreatedAt
		h.Active = before.Active
		h.UpdatedAt = r.now().UTC()
		if err := r.check(rec); err != nil {
			return nil, err
		}
		records[i] = rec
		updated = rec
		return records, nil
	})
	return updated, err
}

// Rename derives a new mnemonic from the record's current seeds, unique
// among the other records of owner.
func (r *Registry[T, P]) Rename(owner, id string) (T, error) {
	var renamed T
	err := r.records.Update(owner, func(records []T) ([]T, error) {
		i := indexOf[T, P](records, id)
		if i < 0 {
			return nil, r.notFound(owner, id)
		}
		others := make([]T, 0, len(records)-1)
		others = append(others, records[:i]...)
		others = append(others, records[i+1:]...)
		h := head[T, P](&records[i])
		h.Mnemonic = r.generator.Generate(mnemonics[T, P](others), r.seeds(records[i])...)
		h.UpdatedAt = r.now().UTC()
		renamed = records[i]
		return records, nil
	})
	return renamed, err
}

// SetActive marks the record active and every sibling inactive.
func (r *Registry[T, P]) SetActive(owner, id string) (T, error) {
	var active T
	err := r.records.Update(owner, func(records []T) ([]T, error) {
		i := indexOf[T, P](records, id)
		if i < 0 {
			return nil, r.notFound(owner, id)
		}
		now := r.now().UTC()
		deactivateAll[T, P](records, now)
		h := head[T, P](&records[i])
		h.Active = true
		h.UpdatedAt = now
		active = records[i]
		return records, nil
	})
	return active, err
}

// Deactivate clears the active flag on every record of owner.
func (r *Registry[T, P]) Deactivate(owner string) error {
	return r.records.Update(owner, func(records []T) ([]T, error) {
		deactivateAll[T, P](records, r.now().UTC())
		return records, nil
	})
}

// Delete removes the record and returns it.
func (r *Registry[T, P]) Delete(owner, id string) (T, error) {
	var removed T
	err := r.records.Update(owner, func(records []T) ([]T, error) {
		i := indexOf[T, P](records, id)
		if i < 0 {
			return nil, r.notFound(owner, id)
		}
		removed = records[i]
		return append(records[:i:i], records[i+1:]...), nil
	})
	return removed, err
}

func (r *Registry[T, P]) check(rec T) error {
	if r.validate == nil {
		return nil
	}
	return r.validate(rec)
}

func (r *Registry[T, P]) notFound(owner, id string) error {
	return services.Wrap(services.ErrNotFound, "registry", "lookup",
		fmt.Sprintf("%s %q not found for owner %q", r.kind, id, owner), nil)
}

func indexOf[T any, P Item[T]](records []T, id string) int {
	id = strings.TrimSpace(id)
	for i := range records {
		if strings.EqualFold(head[T, P](&records[i]).Mnemonic, id) {
			return i
		}
	}
	return -1
}

func mnemonics[T any, P Item[T]](records []T) []string {
	out := make([]string, 0, len(records))
	for i := range records {
		out = append(out, head[T, P](&records[i]).Mnemonic)
	}
	return out
}

func deactivateAll[T any, P Item[T]](records []T, now time.Time) {
	for i := range records {
		h := head[T, P](&records[i])
		if h.Active {
			h.Active = false
			h.UpdatedAt = now
		}
	}
}
