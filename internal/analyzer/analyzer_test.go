package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cvtrack/internal/config"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
	"cvtrack/internal/services/llm"
)

type namedFunc struct {
	name string
	fn   Func
}

func (n namedFunc) Name() string { return n.name }

func (n namedFunc) Analyze(ctx context.Context, text, owner string) (Result, error) {
	return n.fn(ctx, text, owner)
}

func TestSafeNormalizesOutcomes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		fn          Func
		wantSuccess bool
		wantError   string
	}{
		{
			name: "success",
			fn: func(context.Context, string, string) (Result, error) {
				return Result{Success: true, Data: json.RawMessage(` {"name":"x"} `)}, nil
			},
			wantSuccess: true,
		},
		{
			name: "error",
			fn: func(context.Context, string, string) (Result, error) {
				return Result{Success: true, Data: json.RawMessage(`{}`)}, errors.New("upstream 500")
			},
			wantError: "upstream 500",
		},
		{
			name: "panic",
			fn: func(context.Context, string, string) (Result, error) {
				panic("nil map")
			},
			wantError: "analyzer panicked: nil map",
		},
		{
			name: "success without data",
			fn: func(context.Context, string, string) (Result, error) {
				return Result{Success: true}, nil
			},
			wantError: "analyzer returned no data",
		},
		{
			name: "scalar data",
			fn: func(context.Context, string, string) (Result, error) {
				return Result{Success: true, Data: json.RawMessage(`"just a string"`)}, nil
			},
			wantError: "analyzer returned malformed data",
		},
		{
			name: "failure without message",
			fn: func(context.Context, string, string) (Result, error) {
				return Result{Success: false, Data: json.RawMessage(`{}`)}, nil
			},
			wantError: "analyzer reported failure without a message",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			safe := NewSafe(namedFunc{name: "stub", fn: tt.fn}, logging.NewNop())
			got := safe.Analyze(ctx, "text", "u1")
			if got.Success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (%+v)", got.Success, tt.wantSuccess, got)
			}
			if got.Error != tt.wantError {
				t.Fatalf("error = %q, want %q", got.Error, tt.wantError)
			}
			if !got.Success && got.Data != nil {
				t.Fatalf("failure must not carry data: %s", got.Data)
			}
			if got.Analyzer != "stub" {
				t.Fatalf("expected analyzer name to be filled, got %q", got.Analyzer)
			}
		})
	}
}

func TestSafeWithoutAnalyzer(t *testing.T) {
	got := NewSafe(nil, nil).Analyze(context.Background(), "text", "u1")
	if got.Success || got.Error == "" {
		t.Fatalf("expected failure, got %+v", got)
	}
}

func TestNormalizeClampsConfidence(t *testing.T) {
	got := Normalize("x", Result{
		Success:    true,
		Data:       json.RawMessage(`{}`),
		Confidence: &cvstore.Confidence{Overall: 1.7, Fields: map[string]float64{"name": -0.2}},
	}, nil)
	if got.Confidence.Overall != 1 || got.Confidence.Fields["name"] != 0 {
		t.Fatalf("unexpected confidence %+v", got.Confidence)
	}
}

type stubSkills struct {
	got []string
}

func (s *stubSkills) Resolve(tokens []string) ([]string, error) {
	s.got = tokens
	var out []string
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "golang":
			out = append(out, "go")
		case "machine learning":
			out = append(out, "machine-learning")
		}
	}
	return out, nil
}

func TestHeuristicExtractsProfile(t *testing.T) {
	text := `JANE DOE
Senior Backend Engineer
jane.doe@example.com | +33 6 12 34 56 78
https://github.com/janedoe
8 years of Golang and Machine Learning.`
	skills := &stubSkills{}
	res, err := NewHeuristic(skills).Analyze(context.Background(), text, "u1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	var p Profile
	if err := json.Unmarshal(res.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "Jane Doe" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Headline != "Senior Backend Engineer" {
		t.Errorf("headline = %q", p.Headline)
	}
	if len(p.Emails) != 1 || p.Emails[0] != "jane.doe@example.com" {
		t.Errorf("emails = %v", p.Emails)
	}
	if len(p.Phones) != 1 {
		t.Errorf("phones = %v", p.Phones)
	}
	if len(p.Links) != 1 || !strings.Contains(p.Links[0], "github.com/janedoe") {
		t.Errorf("links = %v", p.Links)
	}
	if p.Years != 8 {
		t.Errorf("years = %d", p.Years)
	}
	if len(p.Skills) != 2 || p.Skills[0] != "go" || p.Skills[1] != "machine-learning" {
		t.Errorf("skills = %v", p.Skills)
	}
	if res.Confidence == nil || res.Confidence.Overall <= 0 {
		t.Errorf("expected confidence, got %+v", res.Confidence)
	}
}

func TestHeuristicEmptyText(t *testing.T) {
	res, err := NewHeuristic(nil).Analyze(context.Background(), "   ", "u1")
	if err != nil || res.Success {
		t.Fatalf("expected unsuccessful result, got %+v %v", res, err)
	}
}

type staticConfigs struct {
	cfg llm.Config
	ok  bool
}

func (s staticConfigs) ActiveLLM(string) (llm.Config, bool, error) { return s.cfg, s.ok, nil }

type staticPrompts struct{ text string }

func (s staticPrompts) ActivePrompt(_, purpose string) (string, bool, error) {
	if purpose != PurposeExtraction {
		return "", false, nil
	}
	return s.text, s.text != "", nil
}

func TestLLMAnalyzerUsesOwnerConfigAndPrompt(t *testing.T) {
	var gotAuth, gotModel, gotSystem string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		if len(req.Messages) > 0 {
			gotSystem = req.Messages[0].Content
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{
				"content": `{"name":"Jane","skills":["go"],"confidence":{"overall":0.9,"fields":{"name":0.95}}}`,
			}}},
		})
	}))
	defer server.Close()

	a := NewLLM(llm.Config{APIKey: "global", Model: "global-model"}, logging.NewNop(),
		WithConfigSource(staticConfigs{cfg: llm.Config{APIKey: "owner-key", BaseURL: server.URL, Model: "owner-model"}, ok: true}),
		WithPromptSource(staticPrompts{text: "custom extraction prompt"}),
		WithLimiter(NewLimiter(100, 1)),
	)
	res, err := a.Analyze(context.Background(), "Jane, Go developer", "u1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotAuth != "Bearer owner-key" || gotModel != "owner-model" || gotSystem != "custom extraction prompt" {
		t.Fatalf("unexpected request: auth=%q model=%q system=%q", gotAuth, gotModel, gotSystem)
	}
	if !res.Success || res.Analyzer != "llm:owner-model" {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Contains(string(res.Data), "confidence") {
		t.Fatalf("confidence should be lifted out of data: %s", res.Data)
	}
	if res.Confidence == nil || res.Confidence.Overall != 0.9 || res.Confidence.Fields["name"] != 0.95 {
		t.Fatalf("unexpected confidence %+v", res.Confidence)
	}
}

func TestLLMAnalyzerUpstreamFailureIsExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	a := NewLLM(llm.Config{APIKey: "k", BaseURL: server.URL, Model: "m"}, logging.NewNop())
	_, err := a.Analyze(context.Background(), "text", "u1")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestFallbackOnlyWhenUnconfigured(t *testing.T) {
	unconfigured := NewLLM(llm.Config{}, logging.NewNop())
	fb := NewFallback(unconfigured, NewHeuristic(nil), logging.NewNop())
	res, err := fb.Analyze(context.Background(), "Jane Doe\njane@example.com", "u1")
	if err != nil || !res.Success || res.Analyzer != "heuristic" {
		t.Fatalf("expected heuristic fallback, got %+v %v", res, err)
	}

	failing := namedFunc{name: "llm", fn: func(context.Context, string, string) (Result, error) {
		return Result{}, errors.New("boom")
	}}
	fb = NewFallback(failing, NewHeuristic(nil), logging.NewNop())
	if _, err := fb.Analyze(context.Background(), "text", "u1"); err == nil {
		t.Fatal("expected real failures to propagate")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	a, err := FromConfig(&cfg, Deps{})
	if err != nil || a.Name() != "heuristic" {
		t.Fatalf("expected heuristic analyzer, got %v %v", a, err)
	}
	cfg.Analyzer.Provider = "llm"
	a, err = FromConfig(&cfg, Deps{})
	if err != nil || a.Name() != "llm" {
		t.Fatalf("expected llm analyzer, got %v %v", a, err)
	}
	cfg.Analyzer.Provider = "magic"
	if _, err := FromConfig(&cfg, Deps{}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestIdentityTracksOwnerModelAndPrompt(t *testing.T) {
	base := llm.Config{APIKey: "k", BaseURL: "http://llm.local", Model: "m1"}
	identify := func(cfg llm.Config, prompt string) Identity {
		t.Helper()
		a := NewLLM(llm.Config{}, logging.NewNop(),
			WithConfigSource(staticConfigs{cfg: cfg, ok: true}),
			WithPromptSource(staticPrompts{text: prompt}))
		id, err := IdentityOf(a, "u1")
		if err != nil {
			t.Fatalf("IdentityOf: %v", err)
		}
		return id
	}

	first := identify(base, "prompt one")
	if first.Producer != "llm:m1" || !strings.HasPrefix(first.Key, "llm:m1#") {
		t.Fatalf("unexpected identity %+v", first)
	}
	if again := identify(base, "prompt one"); again != first {
		t.Fatalf("identity must be stable, got %+v and %+v", first, again)
	}
	if other := identify(base, "prompt two"); other.Key == first.Key {
		t.Fatal("prompt change must change the key")
	}
	changed := base
	changed.Model = "m2"
	if other := identify(changed, "prompt one"); other.Key == first.Key || other.Producer != "llm:m2" {
		t.Fatalf("model change must change the identity, got %+v", other)
	}
}

func TestFallbackIdentityFollowsEffectiveAnalyzer(t *testing.T) {
	fb := NewFallback(NewLLM(llm.Config{}, logging.NewNop()), NewHeuristic(nil), logging.NewNop())
	id, err := NewSafe(fb, logging.NewNop()).Identify("u1")
	if err != nil || id.Producer != "heuristic" || id.Key != "heuristic" {
		t.Fatalf("unconfigured owner should be identified as heuristic, got %+v %v", id, err)
	}

	configured := NewLLM(llm.Config{APIKey: "k", Model: "m"}, logging.NewNop())
	fb = NewFallback(configured, NewHeuristic(nil), logging.NewNop())
	if id, err := IdentityOf(fb, "u1"); err != nil || id.Producer != "llm:m" {
		t.Fatalf("configured owner should be identified by the llm, got %+v %v", id, err)
	}

	if _, err := NewSafe(nil, logging.NewNop()).Identify("u1"); err == nil {
		t.Fatal("missing analyzer must not produce an identity")
	}
}
