// Package filter gates outbound text against a denylist of forbidden
// content. Matching is done on a normalized form so separator tricks and
// leetspeak variants do not slip through.
package filter

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Category classifies why text was blocked.
type Category string

const (
	CategoryHate   Category = "hate"
	CategoryCSAM   Category = "csam"
	CategorySexual Category = "sexual"
)

// Verdict is the outcome of a filter check.
type Verdict struct {
	Allowed  bool
	Category Category
	// Term is the normalized denylist entry that matched. Never the raw
	// input; safe to log.
	Term string
}

var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"8", "b",
)

var (
	nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)
	spaces   = regexp.MustCompile(`\s+`)
)

// Normalize folds text to the canonical matching form: NFKD, ascii only,
// lowercase, leet digits mapped back to letters, punctuation stripped,
// whitespace collapsed.
func Normalize(text string) string {
	decomposed := norm.NFKD.String(text)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	s := strings.ToLower(b.String())
	s = leet.Replace(s)
	s = nonAlnum.ReplaceAllString(s, " ")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

type entry struct {
	phrase   string
	compact  string
	category Category
	// matchCompact enables substring matching on the space-stripped form.
	// Off for short terms that would over-match inside ordinary words.
	matchCompact bool
	re           *regexp.Regexp
}

// The separator-tolerant patterns run against the raw text, catching
// spellings that survive normalization (e.g. dotted letters).
var rawPatterns = []struct {
	re       *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`(?i)n[\W_]*i[\W_]*g[\W_]*g[\W_]*e[\W_]*r`), CategoryHate},
	{regexp.MustCompile(`(?i)k[\W_]*i[\W_]*l[\W_]*l[\W_]*\s*a[\W_]*l[\W_]*l`), CategoryHate},
	{regexp.MustCompile(`(?i)c[\W_]*h[\W_]*i[\W_]*l[\W_]*d[\W_\s]*p[\W_]*o[\W_]*r[\W_]*n`), CategoryCSAM},
}

var denylist = buildDenylist([]struct {
	phrase       string
	category     Category
	matchCompact bool
}{
	{"nigger", CategoryHate, true},
	{"kill all", CategoryHate, true},
	{"hate all", CategoryHate, true},
	{"child porn", CategoryCSAM, true},
	{"pedo", CategoryCSAM, true},
	{"porn", CategorySexual, true},
	{"nsfw", CategorySexual, false},
	{"xxx", CategorySexual, false},
})

func buildDenylist(terms []struct {
	phrase       string
	category     Category
	matchCompact bool
}) []entry {
	out := make([]entry, 0, len(terms))
	for _, t := range terms {
		p := Normalize(t.phrase)
		out = append(out, entry{
			phrase:       p,
			compact:      strings.ReplaceAll(p, " ", ""),
			category:     t.category,
			matchCompact: t.matchCompact,
			re:           regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`),
		})
	}
	return out
}

// Check is the pure gate. Empty text is allowed.
func Check(text string) Verdict {
	if text == "" {
		return Verdict{Allowed: true}
	}

	for _, p := range rawPatterns {
		if p.re.MatchString(text) {
			return Verdict{Category: p.category}
		}
	}

	normalized := Normalize(text)
	compact := strings.ReplaceAll(normalized, " ", "")

	for _, e := range denylist {
		if e.re.MatchString(normalized) {
			return Verdict{Category: e.category, Term: e.phrase}
		}
		if e.matchCompact && e.compact != "" && strings.Contains(compact, e.compact) {
			return Verdict{Category: e.category, Term: e.phrase}
		}
	}

	return Verdict{Allowed: true}
}
