// Package services defines shared utilities consumed by the pipeline, the
// reference-data managers, and the HTTP layer.
//
// Key responsibilities:
//   - Context helpers that stamp owner identifiers, CV record IDs, stage names,
//     and correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so failures keep a
//     consistent classification (validation, not found, conflict, I/O) from
//     the store up to the presentation layer.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability) stays uniform across the repository.
package services
