// Package prompts stores per-owner prompt templates. At most one prompt per
// purpose is active for an owner.
package prompts

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cvtrack/internal/docstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// Collection is the document collection name.
const Collection = "prompts"

// Prompt is one stored prompt.
type Prompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Purpose   string    `json:"purpose"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Service manages prompts.
type Service struct {
	records *docstore.Collection[Prompt]
	now     func() time.Time
	logger  *slog.Logger
}

// New constructs a Service over store.
func New(store *docstore.Store, logger *slog.Logger) *Service {
	return &Service{
		records: docstore.NewCollection[Prompt](store, Collection),
		now:     time.Now,
		logger:  logging.NewComponentLogger(logger, "prompts"),
	}
}

func normalizePurpose(purpose string) string {
	return strings.ToLower(strings.TrimSpace(purpose))
}

func validate(p Prompt) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return services.Wrap(services.ErrValidation, "prompts", "validate", "name is required", nil)
	case p.Purpose == "":
		return services.Wrap(services.ErrValidation, "prompts", "validate", "purpose is required", nil)
	case strings.TrimSpace(p.Body) == "":
		return services.Wrap(services.ErrValidation, "prompts", "validate", "body is required", nil)
	}
	return nil
}

// List returns the owner's prompts, optionally restricted to purpose.
func (s *Service) List(owner, purpose string) ([]Prompt, error) {
	records, err := s.records.Load(owner)
	if err != nil {
		return nil, err
	}
	purpose = normalizePurpose(purpose)
	if purpose == "" {
		return records, nil
	}
	out := make([]Prompt, 0, len(records))
	for _, p := range records {
		if p.Purpose == purpose {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns one prompt.
func (s *Service) Get(owner, id string) (Prompt, error) {
	records, err := s.records.Load(owner)
	if err != nil {
		return Prompt{}, err
	}
	for _, p := range records {
		if p.ID == id {
			return p, nil
		}
	}
	return Prompt{}, notFound(owner, id)
}

// Create stores p with a new id. An active prompt deactivates the other
// prompts of its purpose.
func (s *Service) Create(owner string, p Prompt) (Prompt, error) {
	p.Purpose = normalizePurpose(p.Purpose)
	if err := validate(p); err != nil {
		return Prompt{}, err
	}
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	err := s.records.Update(owner, func(records []Prompt) ([]Prompt, error) {
		if p.Active {
			deactivatePurpose(records, p.Purpose, now)
		}
		return append([]Prompt{p}, records...), nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// Update replaces name, purpose and body. Changing the purpose of an active
// prompt deactivates it.
func (s *Service) Update(owner, id string, patch Prompt) (Prompt, error) {
	patch.Purpose = normalizePurpose(patch.Purpose)
	if err := validate(patch); err != nil {
		return Prompt{}, err
	}
	var updated Prompt
	err := s.records.Update(owner, func(records []Prompt) ([]Prompt, error) {
		for i := range records {
			if records[i].ID != id {
				continue
			}
			rec := &records[i]
			if rec.Purpose != patch.Purpose {
				rec.Active = false
			}
			rec.Name = patch.Name
			rec.Purpose = patch.Purpose
			rec.Body = patch.Body
			rec.UpdatedAt = s.now().UTC()
			updated = *rec
			return records, nil
		}
		return nil, notFound(owner, id)
	})
	return updated, err
}

// SetActive activates one prompt and deactivates the others with the same purpose.
func (s *Service) SetActive(owner, id string) (Prompt, error) {
	var active Prompt
	err := s.records.Update(owner, func(records []Prompt) ([]Prompt, error) {
		for i := range records {
			if records[i].ID != id {
				continue
			}
			now := s.now().UTC()
			deactivatePurpose(records, records[i].Purpose, now)
			records[i].Active = true
			records[i].UpdatedAt = now
			active = records[i]
			return records, nil
		}
		return nil, notFound(owner, id)
	})
	if err == nil {
		s.logger.Info("prompt activated",
			logging.String(logging.FieldOwner, owner),
			logging.String("prompt_id", id),
			logging.String("purpose", active.Purpose))
	}
	return active, err
}

// Delete removes one prompt.
func (s *Service) Delete(owner, id string) (Prompt, error) {
	var removed Prompt
	err := s.records.Update(owner, func(records []Prompt) ([]Prompt, error) {
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

// ActivePrompt returns the body of the owner's active prompt for purpose.
func (s *Service) ActivePrompt(owner, purpose string) (string, bool, error) {
	records, err := s.List(owner, purpose)
	if err != nil {
		return "", false, err
	}
	for _, p := range records {
		if p.Active {
			return p.Body, true, nil
		}
	}
	return "", false, nil
}

func deactivatePurpose(records []Prompt, purpose string, now time.Time) {
	for i := range records {
		if records[i].Purpose == purpose && records[i].Active {
			records[i].Active = false
			records[i].UpdatedAt = now
		}
	}
}

func notFound(owner, id string) error {
	return services.Wrap(services.ErrNotFound, "prompts", "lookup", fmt.Sprintf("prompt %q not found for owner %q", id, owner), nil)
}
