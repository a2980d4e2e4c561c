// Package analysiscache stores successful analyzer results in SQLite, keyed by
// content digest and analyzer name.
//
// Re-uploading the same bytes, or sweeping a record whose file was already
// analyzed, reuses the stored result instead of calling the analyzer again.
// Reprocess requests bypass the lookup and overwrite the entry.
//
// The database defaults to <data_dir>/analysis_cache.db. A schema version
// mismatch is reported as an error; delete the file to rebuild it.
package analysiscache
