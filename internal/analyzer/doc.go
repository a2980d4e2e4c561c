// Package analyzer defines the TextAnalyzer capability that turns extracted
// CV text into structured fields, plus the adapters cvtrack ships with.
//
// Every analyzer result reaching the pipeline passes through Safe, which
// normalizes it to {success, data, error}: panics, errors, nil analyzers and
// malformed payloads all become unsuccessful results rather than faults.
//
// Adapters:
//   - Heuristic: offline rules (contact details, headline, skills through an
//     optional taxonomy resolver).
//   - LLM: an OpenAI-compatible endpoint chosen per owner, rate limited with
//     golang.org/x/time/rate.
package analyzer
