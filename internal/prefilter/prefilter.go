// Package prefilter implements the keyword fast path: a multi-pattern
// matcher over the configured keyword set that lets clean inputs skip the
// full regex pass. Soundness is kept by anchor analysis — rules whose
// patterns carry no literal anchor covered by the keyword set are marked
// unanchored and scanned even on a prefilter miss.
package prefilter

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// DefaultKeywords mirrors the shipped keyword configuration.
var DefaultKeywords = []string{
	"ignore", "override", "jailbreak", "system", "prompt", "instructions",
	"disregard", "bypass",
}

// Matcher is an Aho-Corasick automaton over lowercased keywords. Immutable
// after construction; safe for concurrent use.
type Matcher struct {
	matcher  *ahocorasick.Matcher
	keywords []string
	enabled  bool
}

// New builds a Matcher. An empty keyword set yields a disabled matcher
// whose Hit always reports true (no fast path).
func New(keywords []string) *Matcher {
	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			cleaned = append(cleaned, kw)
		}
	}
	if len(cleaned) == 0 {
		return &Matcher{}
	}
	return &Matcher{
		matcher:  ahocorasick.NewStringMatcher(cleaned),
		keywords: cleaned,
		enabled:  true,
	}
}

// Enabled reports whether the fast path is active.
func (m *Matcher) Enabled() bool { return m.enabled }

// Keywords returns the cleaned keyword set.
func (m *Matcher) Keywords() []string { return m.keywords }

// Hit scans text for any keyword. When the matcher is disabled it reports a
// hit so callers always fall through to the full scan.
func (m *Matcher) Hit(text string) (keyword string, ok bool) {
	if !m.enabled {
		return "", true
	}
	hits := m.matcher.Match([]byte(strings.ToLower(text)))
	if len(hits) == 0 {
		return "", false
	}
	return m.keywords[hits[0]], true
}

// literalRunRe extracts candidate literal anchors from a pattern once the
// common regex metacharacters are blanked out.
var literalRunRe = regexp.MustCompile(`[a-z0-9][a-z0-9 _'-]*[a-z0-9]`)

var metaRe = regexp.MustCompile(`\(\?[a-zA-Z-]+\)|\\[a-zA-Z]|[\^$*+?{}()\[\]|\\.]`)

// alternationGroupRe finds innermost groups holding an alternation;
// optionalGroupRe finds innermost groups that may match zero times.
var (
	alternationGroupRe = regexp.MustCompile(`\([^()]*\|[^()]*\)`)
	optionalGroupRe    = regexp.MustCompile(`\([^()]*\)(?:\?|\*|\{0[,}])`)
)

// Anchors extracts the literal fragments of a regex pattern that must be
// present in any match. Best-effort: a fragment interrupted by quantifiers
// or classes is split at the interruption.
func Anchors(pattern string) []string {
	cleaned := metaRe.ReplaceAllString(strings.ToLower(pattern), " ")
	runs := literalRunRe.FindAllString(cleaned, -1)
	anchors := make([]string, 0, len(runs))
	for _, run := range runs {
		for _, tok := range strings.Fields(run) {
			if len(tok) >= 3 {
				anchors = append(anchors, tok)
			}
		}
	}
	return anchors
}

// Covers reports whether at least one of the pattern's literal anchors
// contains a configured keyword; the scanner skips covered rules when the
// prefilter misses. Anchors inside an alternation group or a group
// quantified by ?, * or {0,…} are not counted, and a pattern with an
// alternation left outside such a group is never covered.
func (m *Matcher) Covers(pattern string) bool {
	if !m.enabled {
		return false
	}
	stripped := optionalGroupRe.ReplaceAllString(alternationGroupRe.ReplaceAllString(pattern, " "), " ")
	if strings.Contains(stripped, "|") {
		return false
	}
	for _, anchor := range Anchors(stripped) {
		for _, kw := range m.keywords {
			if strings.Contains(anchor, kw) {
				return true
			}
		}
	}
	return false
}
