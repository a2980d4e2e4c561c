package analyzer

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"cvtrack/internal/cvstore"
)

// SkillResolver maps free-text tokens to canonical skill keys.
type SkillResolver interface {
	Resolve(tokens []string) ([]string, error)
}

// Profile is the field set produced by the heuristic analyzer.
type Profile struct {
	Name     string   `json:"name,omitempty"`
	Headline string   `json:"headline,omitempty"`
	Emails   []string `json:"emails,omitempty"`
	Phones   []string `json:"phones,omitempty"`
	Links    []string `json:"links,omitempty"`
	Skills   []string `json:"skills,omitempty"`
	Years    int      `json:"yearsOfExperience,omitempty"`
	Words    int      `json:"wordCount"`
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	linkPattern  = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"')]+|\b(?:linkedin\.com|github\.com)/[^\s<>"')]+`)
	yearsPattern = regexp.MustCompile(`(?i)(\d{1,2})\+?\s*(?:years?|yrs?|ans|années)`)
	tokenPattern = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}+#.\-]*`)
)

// Heuristic extracts contact details and skills without any network access.
type Heuristic struct {
	skills SkillResolver
}

// NewHeuristic builds the offline analyzer. skills may be nil.
func NewHeuristic(skills SkillResolver) *Heuristic {
	return &Heuristic{skills: skills}
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Analyze(ctx context.Context, text, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Failure(h.Name(), "no text to analyze"), nil
	}

	p := Profile{
		Emails: uniqueMatches(emailPattern, text),
		Phones: uniqueMatches(phonePattern, text),
		Links:  uniqueMatches(linkPattern, text),
		Words:  len(strings.Fields(text)),
	}
	p.Name, p.Headline = h.headerLines(text)
	for _, m := range yearsPattern.FindAllStringSubmatch(text, -1) {
		if n := atoi(m[1]); n > p.Years && n < 60 {
			p.Years = n
		}
	}
	if h.skills != nil {
		skills, err := h.skills.Resolve(candidateTokens(text))
		if err != nil {
			return Result{}, err
		}
		sort.Strings(skills)
		p.Skills = skills
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success:    true,
		Data:       data,
		Confidence: confidenceFor(p),
		Analyzer:   h.Name(),
	}, nil
}

// headerLines treats the first short line without contact details as the
// name and the next one as the headline.
func (h *Heuristic) headerLines(text string) (string, string) {
	var found []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > 80 {
			continue
		}
		if emailPattern.MatchString(line) || phonePattern.MatchString(line) || linkPattern.MatchString(line) {
			continue
		}
		found = append(found, line)
		if len(found) == 2 {
			break
		}
	}
	var name, headline string
	if len(found) > 0 {
		name = cases.Title(language.Und).String(strings.ToLower(found[0]))
	}
	if len(found) > 1 {
		headline = found[1]
	}
	return name, headline
}

func confidenceFor(p Profile) *cvstore.Confidence {
	fields := map[string]float64{
		"name":   score(p.Name != "", 0.6),
		"emails": score(len(p.Emails) > 0, 0.95),
		"phones": score(len(p.Phones) > 0, 0.8),
		"skills": score(len(p.Skills) > 0, 0.7),
	}
	var sum float64
	for _, v := range fields {
		sum += v
	}
	return &cvstore.Confidence{Overall: sum / float64(len(fields)), Fields: fields}
}

func score(ok bool, v float64) float64 {
	if ok {
		return v
	}
	return 0
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		m = strings.TrimRight(strings.TrimSpace(m), ".,;:")
		key := strings.ToLower(m)
		if _, ok := seen[key]; ok || m == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// candidateTokens returns words and adjacent word pairs so multi-word
// synonyms such as "machine learning" can match.
func candidateTokens(text string) []string {
	words := tokenPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(words)*2)
	out := make([]string, 0, len(words)*2)
	add := func(tok string) {
		tok = strings.TrimRight(tok, ".-")
		if tok == "" {
			return
		}
		key := strings.ToLower(tok)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, tok)
	}
	for i, w := range words {
		add(w)
		if i+1 < len(words) {
			add(w + " " + words[i+1])
		}
	}
	return out
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
