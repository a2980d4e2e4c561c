package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
	"cvtrack/internal/services/llm"
)

// PurposeExtraction is the prompt purpose consulted for CV analysis.
const PurposeExtraction = "extraction"

// maxPromptRunes bounds the CV text sent to the model.
const maxPromptRunes = 60_000

// DefaultExtractionPrompt is used when the owner has no active extraction prompt.
const DefaultExtractionPrompt = `You extract structured data from a candidate CV.
Respond with a single JSON object and nothing else, using these keys:
"name", "headline", "emails" (array), "phones" (array), "location",
"skills" (array of short technology or competency names),
"experience" (array of {"title","company","start","end","summary"}),
"education" (array of {"degree","institution","year"}),
"languages" (array), "yearsOfExperience" (number),
"confidence" ({"overall": 0..1, "fields": {"<key>": 0..1}}).
Use null for unknown values. Do not invent data that is not in the CV.`

// ErrUnconfigured reports that no usable LLM endpoint exists for an owner.
var ErrUnconfigured = errors.New("llm analyzer not configured")

// ConfigSource returns the owner's active LLM endpoint, if any.
type ConfigSource interface {
	ActiveLLM(owner string) (llm.Config, bool, error)
}

// PromptSource returns the owner's active prompt text for a purpose, if any.
type PromptSource interface {
	ActivePrompt(owner, purpose string) (string, bool, error)
}

// LLMOption customizes the LLM analyzer.
type LLMOption func(*LLM)

// WithConfigSource enables per-owner endpoint selection.
func WithConfigSource(src ConfigSource) LLMOption {
	return func(a *LLM) { a.configs = src }
}

// WithPromptSource enables per-owner prompts.
func WithPromptSource(src PromptSource) LLMOption {
	return func(a *LLM) { a.prompts = src }
}

// WithLimiter shares a request rate limiter across calls.
func WithLimiter(limiter *rate.Limiter) LLMOption {
	return func(a *LLM) { a.limiter = limiter }
}

// WithClientOptions forwards options to every llm.Client built by the analyzer.
func WithClientOptions(opts ...llm.Option) LLMOption {
	return func(a *LLM) { a.clientOpts = append(a.clientOpts, opts...) }
}

// LLM analyzes CV text with an OpenAI-compatible chat endpoint.
type LLM struct {
	fallback   llm.Config
	configs    ConfigSource
	prompts    PromptSource
	limiter    *rate.Limiter
	clientOpts []llm.Option
	logger     *slog.Logger
}

// NewLimiter builds the token bucket shared by analyzer calls.
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// NewLLM builds the adapter. fallback is the global [llm] section.
func NewLLM(fallback llm.Config, logger *slog.Logger, opts ...LLMOption) *LLM {
	a := &LLM{fallback: fallback, logger: logging.NewComponentLogger(logger, "analyzer.llm")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLM) Name() string { return "llm" }

// Analyze resolves the owner's endpoint and prompt, waits for the rate
// limiter and decodes the model's JSON object.
func (a *LLM) Analyze(ctx context.Context, text, owner string) (Result, error) {
	cfg, err := a.endpointFor(owner)
	if err != nil {
		return Result{}, err
	}
	prompt, err := a.promptFor(owner)
	if err != nil {
		return Result{}, err
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, services.Wrap(services.ErrTransient, "analyzer", "rate limit", "wait cancelled", err)
		}
	}

	client := llm.NewClient(cfg, a.clientOpts...)
	var payload map[string]json.RawMessage
	if _, err := client.CompleteInto(ctx, prompt, truncateRunes(text, maxPromptRunes), &payload); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "analyzer", "llm", cfg.Model, err)
	}
	if len(payload) == 0 {
		return Failure(a.label(cfg), "model returned an empty object"), nil
	}

	confidence := decodeConfidence(payload["confidence"])
	delete(payload, "confidence")
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode llm payload: %w", err)
	}

	a.logger.Debug("llm analysis complete",
		logging.String(logging.FieldOwner, owner),
		logging.String("model", cfg.Model),
		logging.Int("fields", len(payload)))
	return Result{Success: true, Data: data, Confidence: confidence, Analyzer: a.label(cfg)}, nil
}

func (a *LLM) label(cfg llm.Config) string {
	if cfg.Model == "" {
		return a.Name()
	}
	return a.Name() + ":" + cfg.Model
}

// endpointFor merges the owner's active config over the global fallback.
func (a *LLM) endpointFor(owner string) (llm.Config, error) {
	cfg := a.fallback
	if a.configs != nil {
		active, ok, err := a.configs.ActiveLLM(owner)
		if err != nil {
			return llm.Config{}, err
		}
		if ok {
			cfg = mergeConfig(active, a.fallback)
		}
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Model) == "" {
		return llm.Config{}, fmt.Errorf("%w for owner %q: api key and model are required", ErrUnconfigured, owner)
	}
	return cfg, nil
}

func mergeConfig(primary, fallback llm.Config) llm.Config {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	out := llm.Config{
		APIKey:         pick(primary.APIKey, fallback.APIKey),
		BaseURL:        pick(primary.BaseURL, fallback.BaseURL),
		Model:          pick(primary.Model, fallback.Model),
		Referer:        pick(primary.Referer, fallback.Referer),
		Title:          pick(primary.Title, fallback.Title),
		TimeoutSeconds: primary.TimeoutSeconds,
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = fallback.TimeoutSeconds
	}
	return out
}

func (a *LLM) promptFor(owner string) (string, error) {
	if a.prompts != nil {
		text, ok, err := a.prompts.ActivePrompt(owner, PurposeExtraction)
		if err != nil {
			return "", err
		}
		if ok && strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return DefaultExtractionPrompt, nil
}

// decodeConfidence accepts either a bare number or {overall, fields}.
func decodeConfidence(raw json.RawMessage) *cvstore.Confidence {
	if len(raw) == 0 {
		return nil
	}
	var overall float64
	if err := json.Unmarshal(raw, &overall); err == nil {
		return &cvstore.Confidence{Overall: overall}
	}
	var c cvstore.Confidence
	if err := json.Unmarshal(raw, &c); err == nil {
		return &c
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
