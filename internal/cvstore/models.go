package cvstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cvtrack/internal/services"
)

// Status represents the lifecycle of a CV record.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

var allStatuses = []Status{
	StatusUploaded,
	StatusProcessing,
	StatusProcessed,
	StatusError,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status ends a processing attempt.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError
}

// FileType is the declared type of an uploaded CV.
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOC  FileType = "doc"
	FileTypeDOCX FileType = "docx"
	FileTypeTXT  FileType = "txt"
)

// ParseFileType accepts a bare type ("pdf"), an extension (".PDF") or a file name.
func ParseFileType(value string) (FileType, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if ext := filepath.Ext(v); ext != "" {
		v = ext
	}
	v = strings.TrimPrefix(v, ".")
	switch FileType(v) {
	case FileTypePDF, FileTypeDOC, FileTypeDOCX, FileTypeTXT:
		return FileType(v), true
	}
	return "", false
}

// Confidence summarizes how sure the analyzer was about the extraction.
type Confidence struct {
	Overall float64            `json:"overall"`
	Fields  map[string]float64 `json:"fields,omitempty"`
}

// Record is one uploaded CV and its processing state.
type Record struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	OriginalName        string          `json:"originalName"`
	StoredName          string          `json:"storedName"`
	StoragePath         string          `json:"storagePath"`
	Size                int64           `json:"size"`
	FileType            FileType        `json:"fileType"`
	Digest              *string         `json:"digest"`
	Status              Status          `json:"status"`
	Processing          bool            `json:"processing"`
	Attempt             int             `json:"attempt"`
	UploadedAt          time.Time       `json:"uploadedAt"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	ProcessedAt         *time.Time      `json:"processedAt"`
	Extraction          json.RawMessage `json:"extraction"`
	Confidence          *Confidence     `json:"confidence"`
	ErrorMessage        *string         `json:"errorMessage"`
	Analyzer            string          `json:"analyzer,omitempty"`
}

// DigestValue returns the digest or "" when it has not been computed.
func (r Record) DigestValue() string {
	if r.Digest == nil {
		return ""
	}
	return *r.Digest
}

// ErrorValue returns the error message or "".
func (r Record) ErrorValue() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// Validate checks required fields and the status invariants.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return invalid("id is required")
	case strings.TrimSpace(r.Owner) == "":
		return invalid("owner is required")
	case strings.TrimSpace(r.StoragePath) == "":
		return invalid("storage path is required")
	}
	if _, ok := ParseFileType(string(r.FileType)); !ok {
		return invalid(fmt.Sprintf("unsupported file type %q", r.FileType))
	}
	if _, ok := ParseStatus(string(r.Status)); !ok {
		return invalid(fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.Processing != (r.Status == StatusProcessing) {
		return invalid(fmt.Sprintf("processing flag %t inconsistent with status %q", r.Processing, r.Status))
	}
	if r.Status == StatusProcessed {
		if r.ProcessedAt == nil {
			return invalid("processed record requires processedAt")
		}
		if r.ErrorMessage != nil {
			return invalid("processed record must not carry an error message")
		}
	}
	if r.Status == StatusError && strings.TrimSpace(r.ErrorValue()) == "" {
		return invalid("error record requires an error message")
	}
	return nil
}

func invalid(msg string) error {
	return services.Wrap(services.ErrValidation, "cvstore", "validate", msg, nil)
}

// MarkProcessing moves the record into processing and starts a new attempt.
func (r *Record) MarkProcessing(now time.Time) {
	r.Status = StatusProcessing
	r.Processing = true
	r.Attempt++
	started := now.UTC()
	r.ProcessingStartedAt = &started
}

// MarkStarted restamps the attempt when a worker picks it up, so time spent
// waiting in the queue does not count toward the stale window.
func (r *Record) MarkStarted(now time.Time) {
	started := now.UTC()
	r.ProcessingStartedAt = &started
}

// MarkProcessed stores a successful extraction.
func (r *Record) MarkProcessed(extraction json.RawMessage, confidence *Confidence, analyzer string, now time.Time) {
	done := now.UTC()
	r.Status = StatusProcessed
	r.Processing = false
	r.ProcessingStartedAt = nil
	r.ProcessedAt = &done
	r.Extraction = extraction
	r.Confidence = confidence
	r.ErrorMessage = nil
	r.Analyzer = analyzer
}

// MarkFailed stores a failure message. Prior extraction output stays cleared.
func (r *Record) MarkFailed(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "processing failed"
	}
	r.Status = StatusError
	r.Processing = false
	r.ProcessingStartedAt = nil
	r.ErrorMessage = &message
}

// ResetToUploaded clears output and error so the record can be queued again.
func (r *Record) ResetToUploaded() {
	r.Status = StatusUploaded
	r.Processing = false
	r.ProcessingStartedAt = nil
	r.ProcessedAt = nil
	r.Extraction = nil
	r.Confidence = nil
	r.ErrorMessage = nil
	r.Analyzer = ""
}
