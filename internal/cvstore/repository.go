package cvstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cvtrack/internal/docstore"
	"cvtrack/internal/services"
)

// Collection is the docstore collection name for CV records.
const Collection = "cvs"

// Query filters and paginates List.
type Query struct {
	Status Status
	Offset int
	Limit  int
}

// Page is one slice of an owner's records plus the filtered total.
type Page struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

// Repository provides owner-scoped access to CV records.
type Repository struct {
	cvs *docstore.Collection[Record]
}

// NewRepository binds the repository to store.
func NewRepository(store *docstore.Store) *Repository {
	return &Repository{cvs: docstore.NewCollection[Record](store, Collection)}
}

// WithLock exposes the owner lock for multi-step operations. Use the
// unlocked Load/Save methods inside fn.
func (r *Repository) WithLock(owner string, fn func() error) error {
	return r.cvs.Store().WithLock(owner, fn)
}

// Load returns every record for owner without locking.
func (r *Repository) Load(owner string) ([]Record, error) {
	return r.cvs.Load(owner)
}

// Save replaces every record for owner without locking.
func (r *Repository) Save(owner string, records []Record) error {
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return r.cvs.Save(owner, records)
}

// Owners lists owners with at least one stored collection file.
func (r *Repository) Owners() ([]string, error) {
	return r.cvs.Owners()
}

// List returns records for owner, optionally filtered by status, paginated
// by offset and limit (limit <= 0 means no limit). Total counts the filtered
// set before pagination.
func (r *Repository) List(owner string, q Query) (Page, error) {
	if q.Status != "" {
		if _, ok := ParseStatus(string(q.Status)); !ok {
			return Page{}, services.Wrap(services.ErrValidation, "cvstore", "list", fmt.Sprintf("unknown status %q", q.Status), nil)
		}
	}
	if q.Offset < 0 || q.Limit < 0 {
		return Page{}, services.Wrap(services.ErrValidation, "cvstore", "list", "offset and limit must not be negative", nil)
	}
	records, err := r.cvs.Load(owner)
	if err != nil {
		return Page{}, err
	}
	filtered := records[:0:0]
	for _, rec := range records {
		if q.Status == "" || rec.Status == q.Status {
			filtered = append(filtered, rec)
		}
	}
	page := Page{Total: len(filtered), Records: []Record{}}
	if q.Offset >= len(filtered) {
		return page, nil
	}
	end := len(filtered)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	page.Records = filtered[q.Offset:end]
	return page, nil
}

// Get returns one record by id.
func (r *Repository) Get(owner, id string) (Record, error) {
	records, err := r.cvs.Load(owner)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, notFound(owner, id)
}

// Insert prepends records in one locked cycle.
func (r *Repository) Insert(owner string, records ...Record) error {
	for _, rec := range records {
		if rec.Owner != owner {
			return services.Wrap(services.ErrValidation, "cvstore", "insert", "record owner mismatch", nil)
		}
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return r.cvs.Update(owner, func(existing []Record) ([]Record, error) {
		out := make([]Record, 0, len(existing)+len(records))
		out = append(out, records...)
		return append(out, existing...), nil
	})
}

// Update applies fn to the record with id under the owner lock and saves it
// in place. fn's error aborts the write.
func (r *Repository) Update(owner, id string, fn func(*Record) error) (Record, error) {
	var updated Record
	err := r.cvs.Update(owner, func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].ID != id {
				continue
			}
			rec := records[i]
			if err := fn(&rec); err != nil {
				return nil, err
			}
			rec.ID = records[i].ID
			rec.Owner = records[i].Owner
			if err := rec.Validate(); err != nil {
				return nil, err
			}
			records[i] = rec
			updated = rec
			return records, nil
		}
		return nil, notFound(owner, id)
	})
	return updated, err
}

// Delete removes the record with id and returns it.
func (r *Repository) Delete(owner, id string) (Record, error) {
	var removed Record
	err := r.cvs.Update(owner, func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].ID == id {
				removed = records[i]
				return append(records[:i:i], records[i+1:]...), nil
			}
		}
		return nil, notFound(owner, id)
	})
	return removed, err
}

// FindByDigest returns the first record whose digest equals digest,
// compared case-insensitively. excludeID skips one record.
func (r *Repository) FindByDigest(owner, digest, excludeID string) (Record, bool, error) {
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return Record{}, false, nil
	}
	records, err := r.cvs.Load(owner)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := matchDigest(records, digest, excludeID)
	return rec, ok, nil
}

func matchDigest(records []Record, digest, excludeID string) (Record, bool) {
	for _, rec := range records {
		if rec.ID == excludeID || rec.Digest == nil {
			continue
		}
		if strings.EqualFold(*rec.Digest, digest) {
			return rec, true
		}
	}
	return Record{}, false
}

// MatchDigest is FindByDigest over an already loaded slice.
func MatchDigest(records []Record, digest, excludeID string) (Record, bool) {
	if strings.TrimSpace(digest) == "" {
		return Record{}, false
	}
	return matchDigest(records, strings.TrimSpace(digest), excludeID)
}

// Stats counts records per status. Every known status is present.
func (r *Repository) Stats(owner string) (map[Status]int, error) {
	records, err := r.cvs.Load(owner)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(allStatuses))
	for _, status := range allStatuses {
		counts[status] = 0
	}
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts, nil
}

// ResetStuckProcessing reverts processing records that started before
// cutoff, or carry no start stamp, back to uploaded. Records for which active
// reports true are left alone. It returns the ids reset.
func (r *Repository) ResetStuckProcessing(owner string, cutoff time.Time, active func(id string) bool) ([]string, error) {
	var reset []string
	err := r.cvs.Update(owner, func(records []Record) ([]Record, error) {
		for i := range records {
			rec := &records[i]
			if rec.Status != StatusProcessing && !rec.Processing {
				continue
			}
			if rec.ProcessingStartedAt != nil && rec.ProcessingStartedAt.After(cutoff) {
				continue
			}
			if active != nil && active(rec.ID) {
				continue
			}
			rec.ResetToUploaded()
			reset = append(reset, rec.ID)
		}
		if len(reset) == 0 {
			return nil, errNoChange
		}
		return records, nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	return reset, err
}

var errNoChange = errors.New("no change")

func notFound(owner, id string) error {
	return services.Wrap(services.ErrNotFound, "cvstore", "lookup", fmt.Sprintf("cv %q not found for owner %q", id, owner), nil)
}
