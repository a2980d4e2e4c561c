package taxonomy

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// significant reports runes that distinguish technologies ("c++", "c#", "f#").
func significant(r rune) bool {
	return r == '+' || r == '#'
}

func fold(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		out = value
	}
	return cases.Fold().String(out)
}

// Normalize maps a token to its lookup form: accents removed, case folded,
// whitespace and punctuation separators dropped. "Node.js" and "node js"
// both become "nodejs".
func Normalize(token string) string {
	folded := fold(token)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || significant(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Slug maps a key to its canonical stored form: lowercase words joined by
// "-", e.g. "Machine Learning" becomes "machine-learning".
func Slug(key string) string {
	folded := fold(key)
	var b strings.Builder
	b.Grow(len(folded))
	pendingDash := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || significant(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
