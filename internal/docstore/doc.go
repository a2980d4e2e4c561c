// Package docstore persists JSON documents on the local filesystem.
//
// Each (collection, owner) pair maps to one JSON array file under
// <data_dir>/<collection>/<owner>.json. Writes go to a temporary file in the
// same directory and are renamed over the target, so readers never observe a
// partially written document. Global documents (not owner-partitioned) are
// stored as single JSON objects under <data_dir>/<name>.json.
//
// Locking is process-local. WithLock serializes read-modify-write cycles for
// one owner across every collection; WithGlobalLock does the same for global
// documents. Nothing here protects against a second process writing the same
// files, which is why the daemon holds an flock on the data directory.
//
// Owner locks are not reentrant: code running inside WithLock must use the
// unlocked Load/Save pair rather than Upsert or Update.
package docstore
