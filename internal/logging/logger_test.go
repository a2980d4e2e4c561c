package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cvtrack/internal/config"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Info("hello")

	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "cvtrack.log")); err != nil {
		t.Fatalf("expected log file: %v", err)
	}
}

func TestConsoleLoggerWritesComponentAndFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "pipeline").Info("record queued", logging.String("cv_id", "abc"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "INFO pipeline: record queued") {
		t.Fatalf("unexpected console line: %q", line)
	}
	if !strings.Contains(line, "cv_id=abc") {
		t.Fatalf("expected field in console line: %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{
		Format:  "json",
		Level:   "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithOwner(context.Background(), "u1")
	ctx = services.WithRecordID(ctx, "cv-1")
	logging.WithContext(ctx, logger).Info("processed")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if payload["owner"] != "u1" || payload["cv_id"] != "cv-1" {
		t.Fatalf("expected context fields, got %v", payload)
	}
	if payload["level"] != "info" || payload["msg"] != "processed" {
		t.Fatalf("unexpected json payload: %v", payload)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "orphaned file", "cv_file_orphaned")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, key := range []string{`"event_type":"cv_file_orphaned"`, `"error_hint"`, `"impact"`} {
		if !strings.Contains(string(content), key) {
			t.Fatalf("expected %s in %s", key, content)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleLoggerFlattensGroupsAndQuotes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "groups.log")
	logger, err := logging.New(logging.Options{Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.WithGroup("upload").Info("stored", logging.String("name", "my cv.pdf"), logging.Int("size", 42))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, `upload.name="my cv.pdf"`) || !strings.Contains(line, "upload.size=42") {
		t.Fatalf("expected grouped fields, got %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "fatal": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := logging.ParseLevel(in).String(); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
