// Package preflight provides readiness checks for the directories and
// external services cvtrack depends on.
//
// The daemon runs RunAll at startup and logs failures; the CLI "preflight"
// command prints every result. Checks for disabled features are skipped.
package preflight
