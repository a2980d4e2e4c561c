// Package mnemonic derives short, readable identifiers that are unique within
// one owner's collection, e.g. "SEN_BACK" or "SEN_BACK2".
package mnemonic

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// Separator joins per-seed codes.
	Separator = "_"
	// Filler pads short or empty seeds.
	Filler = 'X'
	// MaxSuffix bounds the numeric collision suffixes tried before the time fallback.
	MaxSuffix = 999
	// DefaultWidth is used when a Part has no explicit width.
	DefaultWidth = 4
)

// Part is one seed value and the fixed width of its code.
type Part struct {
	Seed  string
	Width int
}

// Seed is shorthand for a Part of the given width.
func Seed(value string, width int) Part {
	return Part{Seed: value, Width: width}
}

// Code normalizes seed to uppercase ASCII alphanumerics and truncates or pads
// it to width.
func Code(seed string, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	folded := Fold(seed)
	var b strings.Builder
	b.Grow(width)
	for _, r := range folded {
		if b.Len() == width {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	for b.Len() < width {
		b.WriteRune(Filler)
	}
	return b.String()
}

// Fold strips diacritics so "Développeur" contributes "DEVE" rather than "DVE".
func Fold(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return out
}

// Base joins the per-part codes with Separator.
func Base(parts ...Part) string {
	if len(parts) == 0 {
		return Code("", DefaultWidth)
	}
	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		codes = append(codes, Code(p.Seed, p.Width))
	}
	return strings.Join(codes, Separator)
}

// Generator resolves collisions against an existing identifier set.
type Generator struct {
	// Now supplies the clock for the terminal fallback; defaults to time.Now.
	Now func() time.Time
}

// Generate derives a mnemonic from parts that is not present in existing.
// Comparison is case-insensitive. The result is deterministic except for the
// time-based fallback used after MaxSuffix collisions.
func (g Generator) Generate(existing []string, parts ...Part) string {
	taken := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		taken[strings.ToUpper(strings.TrimSpace(id))] = struct{}{}
	}
	return g.unique(Base(parts...), func(candidate string) bool {
		_, ok := taken[candidate]
		return ok
	})
}

func (g Generator) unique(base string, exists func(string) bool) string {
	if !exists(base) {
		return base
	}
	for suffix := 2; suffix <= MaxSuffix; suffix++ {
		candidate := base + strconv.Itoa(suffix)
		if !exists(candidate) {
			return candidate
		}
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	stamp := strings.ToUpper(strconv.FormatInt(now().Unix(), 36))
	candidate := base + Separator + stamp
	for n := 2; exists(candidate); n++ {
		candidate = base + Separator + stamp + strconv.Itoa(n)
	}
	return candidate
}

// Generate uses a Generator with the real clock.
func Generate(existing []string, parts ...Part) string {
	return Generator{}.Generate(existing, parts...)
}
