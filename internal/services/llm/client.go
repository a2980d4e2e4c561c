package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEndpoint is used when a config leaves BaseURL empty.
const DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"

const defaultTimeout = 15 * time.Second

// Config identifies one chat-completions endpoint.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

func (c Config) normalized() Config {
	out := Config{
		APIKey:         strings.TrimSpace(c.APIKey),
		BaseURL:        strings.TrimSpace(c.BaseURL),
		Model:          strings.TrimSpace(c.Model),
		Referer:        strings.TrimSpace(c.Referer),
		Title:          strings.TrimSpace(c.Title),
		TimeoutSeconds: c.TimeoutSeconds,
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultEndpoint
	}
	return out
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// Client sends JSON-mode chat completions to an OpenAI-compatible endpoint.
type Client struct {
	cfg   Config
	http  *http.Client
	retry RetryPolicy
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryMaxAttempts caps the number of requests per completion.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) { c.retry.MaxAttempts = attempts }
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) { c.retry = policy }
}

// NewClient builds a client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.normalized()
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.timeout()},
		retry: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// CompleteJSON sends the CV extraction prompt and the document text and
// returns the model's raw JSON content.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	switch {
	case c.cfg.APIKey == "":
		return "", errors.New("llm: api key required")
	case systemPrompt == "":
		return "", errors.New("llm: system prompt required")
	case userPrompt == "":
		return "", errors.New("llm: document text required")
	}
	req := completionRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	return c.complete(ctx, req)
}

// CompleteInto runs CompleteJSON and decodes the result into target. The
// raw content is returned even when decoding fails.
func (c *Client) CompleteInto(ctx context.Context, systemPrompt, userPrompt string, target any) (string, error) {
	if target == nil {
		return "", errors.New("llm: decode target required")
	}
	content, err := c.CompleteJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	if err := DecodeLLMJSON(content, target); err != nil {
		return content, fmt.Errorf("llm: decode completion: %w", err)
	}
	return content, nil
}

// HealthCheck asks the model for a trivial JSON object.
func (c *Client) HealthCheck(ctx context.Context) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	if _, err := c.CompleteInto(ctx, "Reply with JSON only.", `Return {"ok":true}`, &ack); err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	if !ack.OK {
		return errors.New("llm health: model did not acknowledge")
	}
	return nil
}

type completionRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Refusal   string `json:"refusal"`
			ToolCalls []struct {
				Function struct {
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// content returns the first usable payload. Some models answer JSON-mode
// requests through a tool call, so tool arguments count as content.
func (r completionResponse) content() (string, *EmptyCompletionError) {
	empty := &EmptyCompletionError{}
	for _, choice := range r.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
		for _, call := range choice.Message.ToolCalls {
			if args := strings.TrimSpace(call.Function.Arguments); args != "" {
				return args, nil
			}
		}
		if empty.FinishReason == "" {
			empty.FinishReason = choice.FinishReason
		}
		if empty.Refusal == "" {
			empty.Refusal = strings.TrimSpace(choice.Message.Refusal)
		}
	}
	return "", empty
}

// StatusError is a non-2xx reply from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.StatusCode, snippet(e.Body))
}

// EmptyCompletionError means the endpoint answered without any content.
type EmptyCompletionError struct {
	FinishReason string
	Refusal      string
	Snippet      string
}

func (e *EmptyCompletionError) Error() string {
	return fmt.Sprintf("llm: empty completion (finish_reason=%q refusal=%q body=%s)", e.FinishReason, e.Refusal, e.Snippet)
}

func (c *Client) complete(ctx context.Context, req completionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}
	var content string
	err = c.retry.Do(ctx, func() error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		var resp completionResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("llm: decode response: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("llm: api error: %s", strings.TrimSpace(resp.Error.Message))
		}
		text, empty := resp.content()
		if empty != nil {
			empty.Snippet = snippet(string(raw))
			return empty
		}
		content = text
		return nil
	})
	return content, err
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: post (timeout %s): %w", c.http.Timeout, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}
