// Package codedetect classifies normalized input as source code so that
// legitimate code pastes bypass rule scanning that would otherwise flag
// keywords like "system" or "override" inside comments and strings.
package codedetect

import (
	"regexp"
	"strings"
)

// DefaultConfidenceThreshold is the cutoff at or above which input counts as
// code.
const DefaultConfidenceThreshold = 0.7

// Result is a single classification outcome.
type Result struct {
	IsCode     bool
	Confidence float64
	Reason     string
}

// Config controls detection. The zero value is filled by New.
type Config struct {
	Enabled             bool
	ConfidenceThreshold float64
}

// Detector is a pure, deterministic classifier. Safe for concurrent use.
type Detector struct {
	enabled   bool
	threshold float64
}

// New builds a Detector with defaults applied.
func New(cfg Config) *Detector {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Detector{enabled: cfg.Enabled, threshold: cfg.ConfidenceThreshold}
}

// languageKeywords is a small multilingual token set. Matching is on whole
// lowercased words only.
var languageKeywords = map[string]bool{}

func init() {
	for _, set := range [][]string{
		// python
		{"def", "class", "import", "from", "return", "elif", "lambda", "yield", "async", "await", "raise", "assert", "pass", "except", "finally"},
		// javascript
		{"function", "const", "let", "var", "switch", "case", "catch", "extends", "export"},
		// java
		{"public", "private", "protected", "interface", "implements", "static", "final", "void", "throw"},
		// sql
		{"select", "insert", "update", "delete", "create", "drop", "alter", "table", "join", "inner", "outer", "having", "limit", "offset"},
		// go
		{"func", "package", "type", "struct", "range", "defer", "chan"},
		// rust
		{"fn", "mut", "impl", "trait", "use", "mod", "pub", "match", "loop"},
		// shared control flow
		{"if", "else", "for", "while", "break", "continue", "try", "with", "as"},
	} {
		for _, kw := range set {
			languageKeywords[kw] = true
		}
	}
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```\\w*\\s*\n.*?```")
	wordRe        = regexp.MustCompile(`\b\w+\b`)
)

const codePunct = "{}[]();:,.<>!@#$%^&*-+=|\\/?"

// Detect classifies text. Never fails; when disabled it returns a non-code
// Result with zero confidence and reason "code_detection_disabled".
func (d *Detector) Detect(text string) Result {
	if !d.enabled {
		return Result{Reason: "code_detection_disabled"}
	}
	if fencedBlockRe.MatchString(text) {
		return Result{IsCode: true, Confidence: 1.0, Reason: "fenced_code_block"}
	}

	indent := indentationScore(text)
	punct := punctuationScore(text)
	keyword := keywordScore(text)
	prose := proseAbsenceScore(text)

	confidence := 0.35*indent + 0.25*punct + 0.25*keyword + 0.15*prose

	scores := map[string]float64{
		"indentation": indent,
		"punctuation": punct,
		"keywords":    keyword,
		"no_prose":    prose,
	}
	top, best := "indentation", -1.0
	for _, name := range []string{"indentation", "punctuation", "keywords", "no_prose"} {
		if scores[name] > best {
			top, best = name, scores[name]
		}
	}

	return Result{
		IsCode:     confidence >= d.threshold,
		Confidence: confidence,
		Reason:     "code_detected_" + top,
	}
}

// indentationScore measures the ratio of non-empty lines starting with a tab
// or four spaces.
func indentationScore(text string) float64 {
	lines := strings.Split(text, "\n")
	total, indented := 0, 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") {
			indented++
		}
	}
	if total == 0 {
		return 0
	}
	return bucket(float64(indented)/float64(total), 0.5, 0.3, 0.1)
}

// punctuationScore measures the density of punctuation typical of code.
func punctuationScore(text string) float64 {
	punct, total := 0, 0
	for _, r := range text {
		if r == ' ' || r == '\n' {
			continue
		}
		total++
		if strings.ContainsRune(codePunct, r) {
			punct++
		}
	}
	if total == 0 {
		return 0
	}
	return bucket(float64(punct)/float64(total), 0.3, 0.2, 0.1)
}

// keywordScore measures the density of programming keywords.
func keywordScore(text string) float64 {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		if languageKeywords[w] {
			hits++
		}
	}
	return bucket(float64(hits)/float64(len(words)), 0.2, 0.1, 0.05)
}

// proseAbsenceScore is high when the text lacks natural-language sentence
// structure. Texts under 8 words score 0; otherwise no sentence terminator
// at all scores 1.0, an average above 40 words per sentence scores 0.7,
// and anything shorter scores 0.
func proseAbsenceScore(text string) float64 {
	words := len(strings.Fields(text))
	if words < 8 {
		return 0
	}
	sentences := strings.Count(text, ". ") + strings.Count(text, "? ") + strings.Count(text, "! ")
	for _, suffix := range []string{".", "?", "!"} {
		if strings.HasSuffix(strings.TrimSpace(text), suffix) {
			sentences++
		}
	}
	if sentences == 0 {
		return 1.0
	}
	avg := float64(words) / float64(sentences)
	if avg > 40 {
		return 0.7
	}
	return 0
}

func bucket(ratio, high, mid, low float64) float64 {
	switch {
	case ratio >= high:
		return 1.0
	case ratio >= mid:
		return 0.7
	case ratio >= low:
		return 0.4
	default:
		return 0
	}
}
