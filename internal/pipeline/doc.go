// Package pipeline drives a CV record from upload to a terminal state.
//
// Lifecycle: uploaded -> processing -> processed | error. Reprocess moves a
// record back to uploaded (clearing output and error) and queues it again.
//
// Background work runs on a bounded pool of workers fed by a buffered job
// channel. Each job carries the record's attempt number; the final write is
// applied under the owner lock only if the record is still processing the same
// attempt, so a reprocess or delete issued while a job is in flight wins.
//
// Extraction and analyzer failures never escape a job: they become the
// record's error state. Shutdown returns queued and interrupted records to
// uploaded so the next sweep picks them up.
package pipeline
