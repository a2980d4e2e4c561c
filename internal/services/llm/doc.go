// Package llm provides an OpenAI-compatible chat client that returns JSON.
//
// The CV analyzer uses it to turn extracted CV text into structured fields.
// Preflight uses HealthCheck to verify an endpoint before processing starts.
//
// # Configuration
//
// Requires api_key and model, and optionally base_url, referer, title and
// timeout. Per-owner LLM configs override the global [llm] section.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.CompleteJSON: send system/user prompts, receive JSON response.
// Client.CompleteInto: CompleteJSON plus tolerant decoding into a struct.
// Client.HealthCheck: verify API key and model availability.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors, empty completions and
// network timeouts with exponential backoff (base 1s, max 10s, up to 5
// attempts by default). Context cancellation aborts retries immediately.
//
// RetryPolicy is exported so callers can tune attempts and delays.
// DecodeLLMJSON tolerates code fences and prose around the JSON object.
package llm
