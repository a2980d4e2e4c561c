// Package llmconfig stores per-owner LLM endpoint settings. The active entry
// overrides the global [llm] configuration for that owner's analyses.
package llmconfig

import (
	"log/slog"
	"net/url"
	"strings"

	"cvtrack/internal/docstore"
	"cvtrack/internal/mnemonic"
	"cvtrack/internal/registry"
	"cvtrack/internal/services"
	"cvtrack/internal/services/llm"
)

// Collection is the document collection name.
const Collection = "llm_configs"

// Config is one stored LLM endpoint.
type Config struct {
	registry.Header
	Label          string `json:"label,omitempty"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	BaseURL        string `json:"baseUrl,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Masked returns a copy safe to show in listings.
func (c Config) Masked() Config {
	if c.APIKey != "" {
		c.APIKey = "********"
	}
	return c
}

// Client returns the settings in the shape the LLM client expects.
func (c Config) Client() llm.Config {
	return llm.Config{
		APIKey:         c.APIKey,
		BaseURL:        c.BaseURL,
		Model:          c.Model,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}

func seeds(c Config) []mnemonic.Part {
	return []mnemonic.Part{mnemonic.Seed(c.Provider, 4), mnemonic.Seed(modelSeed(c.Model), 4)}
}

// modelSeed drops a vendor prefix such as "openai/" from model names.
func modelSeed(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

func validate(c Config) error {
	switch {
	case strings.TrimSpace(c.Provider) == "":
		return services.Wrap(services.ErrValidation, "llmconfig", "validate", "provider is required", nil)
	case strings.TrimSpace(c.Model) == "":
		return services.Wrap(services.ErrValidation, "llmconfig", "validate", "model is required", nil)
	case c.TimeoutSeconds < 0:
		return services.Wrap(services.ErrValidation, "llmconfig", "validate", "timeoutSeconds must not be negative", nil)
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return services.Wrap(services.ErrValidation, "llmconfig", "validate", "baseUrl must be an http(s) URL", err)
		}
	}
	return nil
}

// Service manages LLM configs.
type Service struct {
	*registry.Registry[Config, *Config]
}

// New constructs a Service over store.
func New(store *docstore.Store, logger *slog.Logger) *Service {
	return &Service{Registry: registry.New(store, Collection, seeds, logger, registry.WithValidator[Config](validate))}
}

// ActiveLLM returns the owner's active endpoint.
func (s *Service) ActiveLLM(owner string) (llm.Config, bool, error) {
	cfg, ok, err := s.Active(owner)
	if err != nil || !ok {
		return llm.Config{}, false, err
	}
	return cfg.Client(), true, nil
}
