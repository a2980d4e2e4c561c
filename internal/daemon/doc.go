// Package daemon coordinates the long-running cvtrackd process.
//
// It wires configuration, the document store, the analysis cache, the
// processing pipeline, the inbox watcher and the HTTP API into a single
// lifecycle with flock-based locking to prevent multiple instances sharing a
// data directory. On start it returns records orphaned in processing to
// uploaded, and while running it periodically sweeps records whose
// processing has gone stale.
//
// Keep orchestration here: record semantics live in pipeline, cvstore and
// the registry packages.
package daemon
