package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": `{"ok":true}`,
					},
				},
			},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}

func TestClientHealthCheckCodeFence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": "```json\n{\"ok\":true}\n```",
					},
				},
			},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}

func TestClientHealthCheckFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "bad", BaseURL: server.URL, Model: "demo"})
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail")
	}
}

type cvFields struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills"`
}

func serveContent(t *testing.T, message map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []any{message},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestClientCompleteIntoCodeFence(t *testing.T) {
	server := serveContent(t, map[string]any{
		"message": map[string]any{
			"content": "```json\n{\"name\":\"Jane Doe\",\"skills\":[\"go\"]}\n```",
		},
	})
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	var got cvFields
	raw, err := client.CompleteInto(context.Background(), "system prompt", "cv text", &got)
	if err != nil {
		t.Fatalf("CompleteInto returned error: %v", err)
	}
	if got.Name != "Jane Doe" || len(got.Skills) != 1 || got.Skills[0] != "go" {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if !strings.Contains(raw, "```") {
		t.Fatalf("expected raw payload to retain code fence, got %q", raw)
	}
}

func TestClientCompleteIntoToolCallsArguments(t *testing.T) {
	server := serveContent(t, map[string]any{
		"message": map[string]any{
			"content": "",
			"tool_calls": []any{
				map[string]any{
					"type": "function",
					"function": map[string]any{
						"name":      "extract",
						"arguments": `{"name":"Tool User","skills":["rust"]}`,
					},
				},
			},
		},
	})
	defer server.Close()

	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"})
	var got cvFields
	if _, err := client.CompleteInto(context.Background(), "system prompt", "cv text", &got); err != nil {
		t.Fatalf("CompleteInto returned error: %v", err)
	}
	if got.Name != "Tool User" {
		t.Fatalf("expected tool call arguments to be decoded, got %+v", got)
	}
}

func TestClientEmptyContentHasSnippet(t *testing.T) {
	server := serveContent(t, map[string]any{
		"finish_reason": "length",
		"message":       map[string]any{"content": ""},
	})
	defer server.Close()

	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"},
		WithRetryMaxAttempts(1),
	)
	var got cvFields
	_, err := client.CompleteInto(context.Background(), "system prompt", "cv text", &got)
	if err == nil {
		t.Fatal("expected empty content error")
	}
	var empty *EmptyCompletionError
	if !errors.As(err, &empty) || empty.FinishReason != "length" {
		t.Fatalf("expected EmptyCompletionError with finish reason, got %v", err)
	}
	if !strings.Contains(err.Error(), "finish_reason=\"length\"") {
		t.Fatalf("expected finish reason in error, got %v", err)
	}
}

func TestClientRequiresAPIKey(t *testing.T) {
	client := NewClient(Config{Model: "demo"})
	if _, err := client.CompleteJSON(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestClientRetriesOnHTTP429(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limited"})
			return
		}
		payload := map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{
						"content": `{"name":"Retried"}`,
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	var slept []time.Duration
	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"},
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: 5,
			MaxDelay:    10 * time.Second,
			Sleep:       func(d time.Duration) { slept = append(slept, d) },
		}),
	)
	var got cvFields
	if _, err := client.CompleteInto(context.Background(), "system prompt", "cv text", &got); err != nil {
		t.Fatalf("CompleteInto returned error: %v", err)
	}
	if got.Name != "Retried" {
		t.Fatalf("expected name Retried, got %q", got.Name)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("expected single sleep of 1s, got %v", slept)
	}
}

func TestClientDoesNotRetryOnHTTP400(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	client := NewClient(
		Config{APIKey: "test", BaseURL: server.URL, Model: "demo-model"},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Sleep: func(time.Duration) {}}),
	)
	if _, err := client.CompleteJSON(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDecodeLLMJSONExtractsEmbeddedObject(t *testing.T) {
	var got cvFields
	if err := DecodeLLMJSON("Here you go: {\"name\":\"Prose\"} hope it helps", &got); err != nil {
		t.Fatalf("DecodeLLMJSON: %v", err)
	}
	if got.Name != "Prose" {
		t.Fatalf("unexpected decode %+v", got)
	}
	if err := DecodeLLMJSON("   ", &got); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := p.backoff(i + 1); got != expected {
			t.Fatalf("attempt %d: want %s, got %s", i+1, expected, got)
		}
	}
}

func TestRetryPolicyRetriesEmptyCompletionThenGivesUp(t *testing.T) {
	var calls, sleeps int
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Sleep: func(time.Duration) { sleeps++ }}
	err := p.Do(context.Background(), func() error {
		calls++
		return &EmptyCompletionError{FinishReason: "stop"}
	})
	if err == nil || !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Fatalf("expected give-up error, got %v", err)
	}
	if calls != 3 || sleeps != 2 {
		t.Fatalf("expected 3 calls and 2 sleeps, got %d and %d", calls, sleeps)
	}
}

func TestRetryPolicyStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: func(time.Duration) { cancel() }}
	err := p.Do(ctx, func() error {
		calls++
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("seconds: got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("garbage: got %s", got)
	}
	if got := parseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)); got != 0 {
		t.Fatalf("past date: got %s", got)
	}
}
