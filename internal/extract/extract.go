package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// MaxTextBytes caps the text handed to analyzers.
const MaxTextBytes = 512 * 1024

// Extractor converts a stored file of a declared type to text.
type Extractor interface {
	Extract(ctx context.Context, path string, fileType cvstore.FileType) (string, error)
}

// CommandRunner abstracts external command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Options configures the external helpers. Empty commands disable them.
type Options struct {
	PDFToText string
	Antiword  string
	Runner    CommandRunner
}

// DefaultOptions uses pdftotext and antiword from PATH.
func DefaultOptions() Options {
	return Options{PDFToText: "pdftotext", Antiword: "antiword"}
}

// Service is the default Extractor.
type Service struct {
	opts   Options
	logger *slog.Logger
}

// New constructs a Service.
func New(opts Options, logger *slog.Logger) *Service {
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	return &Service{opts: opts, logger: logging.NewComponentLogger(logger, "extract")}
}

// Extract validates path and dispatches on fileType.
func (s *Service) Extract(ctx context.Context, path string, fileType cvstore.FileType) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "extract", "stat", "stored file unavailable", err)
	}
	if !info.Mode().IsRegular() {
		return "", services.Wrap(services.ErrIO, "extract", "stat", fmt.Sprintf("%s is not a regular file", path), nil)
	}

	var text string
	switch fileType {
	case cvstore.FileTypeTXT:
		text, err = readText(path)
	case cvstore.FileTypeDOCX:
		text, err = readDocx(path)
	case cvstore.FileTypePDF:
		text, err = s.viaTool(ctx, s.opts.PDFToText, path, []string{"-layout", "-enc", "UTF-8", path, "-"})
	case cvstore.FileTypeDOC:
		text, err = s.viaTool(ctx, s.opts.Antiword, path, []string{path})
	default:
		return "", services.Wrap(services.ErrUnsupported, "extract", "dispatch", fmt.Sprintf("unsupported file type %q", fileType), nil)
	}
	if err != nil {
		return "", err
	}

	text = clean(text)
	if text == "" {
		return "", services.Wrap(services.ErrValidation, "extract", "clean", "no text could be extracted", nil)
	}
	return text, nil
}

func (s *Service) viaTool(ctx context.Context, command, path string, args []string) (string, error) {
	if command != "" {
		out, err := s.opts.Runner.Run(ctx, command, args...)
		if err == nil && strings.TrimSpace(string(out)) != "" {
			return string(out), nil
		}
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrTransient, "extract", command, "cancelled", ctx.Err())
		}
		s.logger.Debug("external extractor unavailable; scraping raw bytes",
			logging.String("command", command),
			logging.String("path", path),
			logging.Error(err))
	}
	return scrapePrintable(path)
}

// clean normalizes line endings, drops invalid UTF-8 and NULs, collapses
// runs of blank lines and applies MaxTextBytes.
func clean(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\f\v")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	text = strings.TrimSpace(strings.Join(out, "\n"))

	if len(text) > MaxTextBytes {
		cut := MaxTextBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
