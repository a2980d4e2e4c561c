package main

import (
	"context"
	"log/slog"

	"cvtrack/internal/config"
	"cvtrack/internal/logging"
	"cvtrack/internal/preflight"
)

// logPreflight reports failed checks without blocking startup.
func logPreflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	failed := preflight.Failed(preflight.RunAll(ctx, cfg))
	for _, r := range failed {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run `cvtrack preflight` for details"),
			logging.String(logging.FieldImpact, "affected features may fail at runtime"))
	}
	return len(failed)
}
