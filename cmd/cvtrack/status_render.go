package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/preflight"
)

// statusStyle is the bracketed tag and ANSI color of one status line.
type statusStyle struct {
	tag   string
	color string
}

var (
	styleInfo  = statusStyle{tag: "INFO", color: "\x1b[34m"}
	styleOK    = statusStyle{tag: "OK", color: "\x1b[32m"}
	styleWarn  = statusStyle{tag: "WARN", color: "\x1b[33m"}
	styleError = statusStyle{tag: "ERROR", color: "\x1b[31m"}
)

const (
	ansiReset  = "\x1b[0m"
	labelWidth = 20
)

// statusPrinter formats aligned report lines, in color on a terminal.
type statusPrinter struct {
	color bool
}

func newStatusPrinter(w io.Writer) statusPrinter {
	file, ok := w.(*os.File)
	if !ok {
		return statusPrinter{}
	}
	fd := file.Fd()
	return statusPrinter{color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

func (p statusPrinter) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ansiReset
}

func (p statusPrinter) line(label string, style statusStyle, detail string) string {
	tag := "[" + style.tag + "]"
	if detail != "" {
		tag += " " + detail
	}
	return p.paint(style.color, fmt.Sprintf("  %-*s %s", labelWidth, label+":", tag))
}

func (p statusPrinter) header(title string) []string {
	title = fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	return []string{p.paint(styleInfo.color, title), p.paint(styleInfo.color, strings.Repeat("-", len(title)))}
}

// recordStyle maps a record status to its line style.
func recordStyle(status cvstore.Status) statusStyle {
	switch status {
	case cvstore.StatusProcessed:
		return styleOK
	case cvstore.StatusProcessing:
		return styleWarn
	case cvstore.StatusError:
		return styleError
	default:
		return styleInfo
	}
}

// summaryLines renders per-status counts in lifecycle order.
func (p statusPrinter) summaryLines(counts map[cvstore.Status]int, total int) []string {
	lines := p.header(fmt.Sprintf("CVs (%d)", total))
	for _, status := range cvstore.AllStatuses() {
		lines = append(lines, p.line(string(status), recordStyle(status), fmt.Sprintf("%d", counts[status])))
	}
	return lines
}

// preflightLines marks passed optional checks as warnings.
func (p statusPrinter) preflightLines(results []preflight.Result) []string {
	lines := p.header("Preflight")
	for _, r := range results {
		style := styleOK
		switch {
		case !r.Passed:
			style = styleError
		case strings.Contains(r.Detail, "optional"):
			style = styleWarn
		}
		lines = append(lines, p.line(r.Name, style, r.Detail))
	}
	return lines
}
