package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
)

// Result is the normalized outcome of one analysis.
type Result struct {
	Success    bool                `json:"success"`
	Data       json.RawMessage     `json:"data,omitempty"`
	Error      string              `json:"error,omitempty"`
	Confidence *cvstore.Confidence `json:"confidence,omitempty"`
	// Analyzer names the adapter that produced the result.
	Analyzer string `json:"analyzer,omitempty"`
}

// Failure builds an unsuccessful result.
func Failure(name, message string) Result {
	return Result{Success: false, Error: message, Analyzer: name}
}

// TextAnalyzer extracts structured fields from CV text for an owner.
type TextAnalyzer interface {
	Name() string
	Analyze(ctx context.Context, text, owner string) (Result, error)
}

// Func adapts a function to TextAnalyzer.
type Func func(ctx context.Context, text, owner string) (Result, error)

func (f Func) Name() string { return "func" }

func (f Func) Analyze(ctx context.Context, text, owner string) (Result, error) {
	return f(ctx, text, owner)
}

// Safe wraps an analyzer so Analyze never panics and never returns an error.
type Safe struct {
	inner  TextAnalyzer
	logger *slog.Logger
}

// NewSafe wraps inner. A nil inner yields an analyzer that always fails.
func NewSafe(inner TextAnalyzer, logger *slog.Logger) *Safe {
	return &Safe{inner: inner, logger: logging.NewComponentLogger(logger, "analyzer")}
}

func (s *Safe) Name() string {
	if s.inner == nil {
		return "unavailable"
	}
	return s.inner.Name()
}

// Analyze calls the wrapped analyzer and normalizes whatever comes back.
func (s *Safe) Analyze(ctx context.Context, text, owner string) (result Result) {
	name := s.Name()
	if s.inner == nil {
		return Failure(name, "no analyzer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logging.WithContext(ctx, s.logger), "analyzer panicked", "analyzer_panic",
				logging.String("analyzer", name),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "inspect the analyzer adapter for the failing input"))
			result = Failure(name, fmt.Sprintf("analyzer panicked: %v", r))
		}
	}()

	raw, err := s.inner.Analyze(ctx, text, owner)
	return Normalize(name, raw, err)
}

// Normalize applies the result contract: errors become failures, successful
// results must carry a JSON object or array, and failures always carry a message.
func Normalize(name string, r Result, err error) Result {
	if r.Analyzer == "" {
		r.Analyzer = name
	}
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = "analyzer failed"
		}
		return Result{Success: false, Error: msg, Analyzer: r.Analyzer}
	}
	if !r.Success {
		if strings.TrimSpace(r.Error) == "" {
			r.Error = "analyzer reported failure without a message"
		}
		r.Data = nil
		r.Confidence = nil
		return r
	}
	data := bytes.TrimSpace(r.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Failure(r.Analyzer, "analyzer returned no data")
	}
	if !json.Valid(data) || (data[0] != '{' && data[0] != '[') {
		return Failure(r.Analyzer, "analyzer returned malformed data")
	}
	r.Data = json.RawMessage(data)
	r.Error = ""
	r.Confidence = clampConfidence(r.Confidence)
	return r
}

func clampConfidence(c *cvstore.Confidence) *cvstore.Confidence {
	if c == nil {
		return nil
	}
	out := &cvstore.Confidence{Overall: clamp01(c.Overall)}
	if len(c.Fields) > 0 {
		out.Fields = make(map[string]float64, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = clamp01(v)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
