package preflight

import (
	"context"

	"cvtrack/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Upload directory", cfg.Paths.UploadDir),
	}
	if cfg.Inbox.Enabled {
		results = append(results, CheckDirectoryAccess("Inbox directory", cfg.Paths.InboxDir))
	}
	if cfg.Analyzer.Provider == "llm" {
		results = append(results, CheckLLM(ctx, "Analyzer LLM", cfg.GetLLM()))
	}
	for _, status := range CheckSystemDeps() {
		r := Result{Name: status.Name, Passed: status.Available || status.Optional, Detail: status.Detail}
		if status.Available {
			r.Detail = status.Command
		} else if status.Optional {
			r.Detail = status.Detail + " (optional: " + status.Description + ")"
		}
		results = append(results, r)
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
