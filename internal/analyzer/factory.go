package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cvtrack/internal/config"
	"cvtrack/internal/logging"
	"cvtrack/internal/services/llm"
)

// Deps carries the collaborators analyzers may consult.
type Deps struct {
	Skills  SkillResolver
	Configs ConfigSource
	Prompts PromptSource
	Logger  *slog.Logger
}

// FromConfig builds the analyzer selected by [analyzer].provider.
func FromConfig(cfg *config.Config, deps Deps) (TextAnalyzer, error) {
	if cfg == nil {
		return nil, errors.New("analyzer: config is required")
	}
	heuristic := NewHeuristic(deps.Skills)
	switch cfg.Analyzer.Provider {
	case "", "heuristic":
		return heuristic, nil
	case "llm":
		g := cfg.GetLLM()
		primary := NewLLM(llm.Config{
			APIKey:         g.APIKey,
			BaseURL:        g.BaseURL,
			Model:          g.Model,
			Referer:        g.Referer,
			Title:          g.Title,
			TimeoutSeconds: g.TimeoutSeconds,
		}, deps.Logger,
			WithConfigSource(deps.Configs),
			WithPromptSource(deps.Prompts),
			WithLimiter(NewLimiter(cfg.Analyzer.RequestsPerSecond, cfg.Analyzer.Burst)),
		)
		return NewFallback(primary, heuristic, deps.Logger), nil
	default:
		return nil, fmt.Errorf("analyzer: unknown provider %q", cfg.Analyzer.Provider)
	}
}

// Fallback runs secondary only when primary reports ErrUnconfigured.
// Real primary failures are returned unchanged.
type Fallback struct {
	primary   TextAnalyzer
	secondary TextAnalyzer
	logger    *slog.Logger
}

// NewFallback chains two analyzers.
func NewFallback(primary, secondary TextAnalyzer, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logging.NewComponentLogger(logger, "analyzer")}
}

func (f *Fallback) Name() string { return f.primary.Name() }

func (f *Fallback) Analyze(ctx context.Context, text, owner string) (Result, error) {
	res, err := f.primary.Analyze(ctx, text, owner)
	if err == nil || !errors.Is(err, ErrUnconfigured) || f.secondary == nil {
		return res, err
	}
	logging.WarnWithContext(logging.WithContext(ctx, f.logger), "llm unavailable; using heuristic analyzer", "analyzer_fallback",
		logging.String("primary", f.primary.Name()),
		logging.String("secondary", f.secondary.Name()),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "add an LLM config for the owner or set [llm].api_key"),
		logging.String(logging.FieldImpact, "extraction uses offline rules with lower accuracy"))
	return f.secondary.Analyze(ctx, text, owner)
}
