// Package cvstore owns the CV record model and its owner-scoped repository.
//
// Records live in the "cvs" docstore collection, one JSON array per owner,
// newest first. Only the pipeline mutates lifecycle fields; the repository
// enforces the status invariants on every write:
//
//   - processing is true exactly when status is "processing"
//   - "processed" records carry processedAt and no error message
//   - "error" records carry an error message
package cvstore
