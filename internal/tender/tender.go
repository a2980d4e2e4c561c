// Package tender stores saved tender searches per owner.
package tender

import (
	"log/slog"
	"strings"

	"cvtrack/internal/docstore"
	"cvtrack/internal/mnemonic"
	"cvtrack/internal/registry"
	"cvtrack/internal/services"
)

// Collection is the document collection name.
const Collection = "tender_searches"

// Search is one saved tender search. Its mnemonic is derived from the
// category and version, e.g. "SEN_BACK" for a senior backend profile.
type Search struct {
	registry.Header
	Category string   `json:"category"`
	Version  string   `json:"version"`
	Title    string   `json:"title,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Skills   []string `json:"skills,omitempty"`
	Location string   `json:"location,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

func seeds(s Search) []mnemonic.Part {
	return []mnemonic.Part{mnemonic.Seed(s.Category, 3), mnemonic.Seed(s.Version, 4)}
}

func validate(s Search) error {
	if strings.TrimSpace(s.Category) == "" {
		return services.Wrap(services.ErrValidation, "tender", "validate", "category is required", nil)
	}
	return nil
}

// Service manages tender searches.
type Service struct {
	*registry.Registry[Search, *Search]
}

// New constructs a Service over store.
func New(store *docstore.Store, logger *slog.Logger) *Service {
	return &Service{Registry: registry.New(store, Collection, seeds, logger, registry.WithValidator[Search](validate))}
}

// SetSkills replaces the skill list, typically with keys from the taxonomy resolver.
func (s *Service) SetSkills(owner, id string, skills []string) (Search, error) {
	return s.Update(owner, id, func(rec *Search) error {
		rec.Skills = append([]string(nil), skills...)
		return nil
	})
}
