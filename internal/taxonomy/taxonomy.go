// Package taxonomy maintains the global technology taxonomy and resolves
// free-text tokens to canonical keys, following implies edges.
package taxonomy

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cvtrack/internal/docstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// DocumentName is the global document holding the taxonomy.
const DocumentName = "taxonomy"

// Entry is one taxonomy node.
type Entry struct {
	Key        string   `json:"key"`
	Label      string   `json:"label"`
	Category   string   `json:"category,omitempty"`
	Synonyms   []string `json:"synonyms,omitempty"`
	Implies    []string `json:"implies,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Vendor     string   `json:"vendor,omitempty"`
	Deprecated bool     `json:"deprecated,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Document is the persisted taxonomy.
type Document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Entries   []Entry   `json:"entries"`
}

// Service owns the taxonomy document.
type Service struct {
	store  *docstore.Store
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	version int
	idx     *index
}

// New constructs a Service over store.
func New(store *docstore.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "taxonomy"),
	}
}

// load reads the document; a missing or unreadable document is empty.
func (s *Service) load() Document {
	var doc Document
	if _, err := s.store.LoadObject(DocumentName, &doc); err != nil {
		logging.WarnWithContext(s.logger, "taxonomy document unreadable; treating as empty", "taxonomy_read_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "restore the taxonomy with taxonomy import"),
			logging.String(logging.FieldImpact, "skill resolution returns no keys"))
		return Document{Entries: []Entry{}}
	}
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	return doc
}

func (s *Service) save(doc Document) (Document, error) {
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	if err := s.store.SaveObject(DocumentName, doc); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	s.idx = nil
	s.mu.Unlock()
	return doc, nil
}

// mutate runs a load-modify-save cycle under the global lock.
func (s *Service) mutate(fn func(*Document) error) (Document, error) {
	var out Document
	err := s.store.WithGlobalLock(func() error {
		doc := s.load()
		if err := fn(&doc); err != nil {
			return err
		}
		saved, err := s.save(doc)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	return out, err
}

// Export returns the whole document.
func (s *Service) Export() (Document, error) {
	var doc Document
	err := s.store.WithGlobalLock(func() error {
		doc = s.load()
		return nil
	})
	return doc, err
}

// List returns all entries sorted by key.
func (s *Service) List() ([]Entry, error) {
	doc, err := s.Export()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].Key < doc.Entries[j].Key })
	return doc.Entries, nil
}

// Get returns the entry with key.
func (s *Service) Get(key string) (Entry, error) {
	doc, err := s.Export()
	if err != nil {
		return Entry{}, err
	}
	slug := Slug(key)
	for _, e := range doc.Entries {
		if e.Key == slug {
			return e, nil
		}
	}
	return Entry{}, notFound(key)
}

// Create adds an entry. Its key must not already exist.
func (s *Service) Create(entry Entry) (Entry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return Entry{}, err
	}
	_, err = s.mutate(func(doc *Document) error {
		for _, e := range doc.Entries {
			if e.Key == entry.Key {
				return services.Wrap(services.ErrConflict, "taxonomy", "create", fmt.Sprintf("key %q already exists", entry.Key), nil)
			}
		}
		doc.Entries = append(doc.Entries, entry)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Update replaces the entry with key. The key itself cannot change.
func (s *Service) Update(key string, entry Entry) (Entry, error) {
	slug := Slug(key)
	if entry.Key != "" && Slug(entry.Key) != slug {
		return Entry{}, services.Wrap(services.ErrValidation, "taxonomy", "update", "key cannot be changed", nil)
	}
	entry.Key = slug
	entry, err := prepare(entry)
	if err != nil {
		return Entry{}, err
	}
	_, err = s.mutate(func(doc *Document) error {
		for i := range doc.Entries {
			if doc.Entries[i].Key == slug {
				doc.Entries[i] = entry
				return nil
			}
		}
		return notFound(key)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Remove deletes the entry with key. Edges pointing at it are left in place
// and ignored at resolve time.
func (s *Service) Remove(key string) (Entry, error) {
	slug := Slug(key)
	var removed Entry
	_, err := s.mutate(func(doc *Document) error {
		for i := range doc.Entries {
			if doc.Entries[i].Key == slug {
				removed = doc.Entries[i]
				doc.Entries = append(doc.Entries[:i:i], doc.Entries[i+1:]...)
				return nil
			}
		}
		return notFound(key)
	})
	return removed, err
}

// ReplaceAll validates entries and swaps them in as the whole taxonomy.
func (s *Service) ReplaceAll(entries []Entry) (Document, error) {
	prepared := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	var errs []error
	for i, e := range entries {
		p, err := prepare(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if _, dup := seen[p.Key]; dup {
			errs = append(errs, services.Wrap(services.ErrConflict, "taxonomy", "replace", fmt.Sprintf("entry %d: duplicate key %q", i, p.Key), nil))
			continue
		}
		seen[p.Key] = struct{}{}
		prepared = append(prepared, p)
	}
	if len(errs) > 0 {
		return Document{}, errors.Join(errs...)
	}
	doc, err := s.mutate(func(doc *Document) error {
		doc.Entries = prepared
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	s.logger.Info("taxonomy replaced",
		logging.String(logging.FieldEventType, "taxonomy_replaced"),
		logging.Int("entries", len(doc.Entries)),
		logging.Int("version", doc.Version))
	return doc, nil
}

// Search returns entries whose key, label, synonyms or tags contain query,
// optionally restricted to category. Exact matches sort first. A
// non-positive limit returns every match.
func (s *Service) Search(query, category string, limit int) ([]Entry, error) {
	doc, err := s.Export()
	if err != nil {
		return nil, err
	}
	q := Normalize(query)
	cat := Normalize(category)
	type hit struct {
		entry Entry
		rank  int
	}
	var hits []hit
	for _, e := range doc.Entries {
		if cat != "" && Normalize(e.Category) != cat {
			continue
		}
		rank, ok := matchRank(e, q)
		if !ok {
			continue
		}
		hits = append(hits, hit{entry: e, rank: rank})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].entry.Key < hits[j].entry.Key
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.entry)
	}
	return out, nil
}

// matchRank is 0 for an exact term match, 1 for a substring of a key, label
// or synonym, 2 for a tag match.
func matchRank(e Entry, q string) (int, bool) {
	if q == "" {
		return 1, true
	}
	terms := append([]string{e.Key, e.Label}, e.Synonyms...)
	best := -1
	for _, term := range terms {
		n := Normalize(term)
		switch {
		case n == q:
			return 0, true
		case strings.Contains(n, q):
			best = 1
		}
	}
	if best >= 0 {
		return best, true
	}
	for _, tag := range e.Tags {
		if strings.Contains(Normalize(tag), q) {
			return 2, true
		}
	}
	return 0, false
}

// prepare validates an entry and canonicalizes its key, implies and lists.
func prepare(e Entry) (Entry, error) {
	e.Key = Slug(e.Key)
	e.Label = strings.TrimSpace(e.Label)
	if e.Key == "" {
		return Entry{}, services.Wrap(services.ErrValidation, "taxonomy", "validate", "key is required", nil)
	}
	if e.Label == "" {
		e.Label = e.Key
	}
	e.Category = strings.TrimSpace(e.Category)
	e.Vendor = strings.TrimSpace(e.Vendor)
	e.Synonyms = cleanList(e.Synonyms, strings.TrimSpace)
	e.Tags = cleanList(e.Tags, strings.TrimSpace)
	e.Implies = cleanList(e.Implies, Slug)
	e.Implies = slices.DeleteFunc(e.Implies, func(k string) bool { return k == e.Key })
	return e, nil
}

func cleanList(values []string, canon func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = canon(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func notFound(key string) error {
	return services.Wrap(services.ErrNotFound, "taxonomy", "lookup", fmt.Sprintf("key %q not found", key), nil)
}
