// Package normalize implements the ten-stage text canonicalization pipeline
// that runs ahead of rule scanning. Every scanning path sees text through
// this package, so obfuscation handling lives here and nowhere else.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrOversize is returned when input exceeds the configured maximum size.
var ErrOversize = errors.New("normalize: input exceeds maximum size")

// Mask markers. One byte per rune of the normalized output.
const (
	MaskOrdinary  = '.'
	MaskZeroWidth = 'Z'
	MaskInvisible = 'I'
	MaskHomoglyph = 'H'
)

// Stage names accepted by Config.DisabledStages.
const (
	StageNFKC         = "nfkc"
	StageBOM          = "bom"
	StageZeroWidth    = "zero_width"
	StageBidi         = "bidi"
	StageUnicodeTags  = "unicode_tags"
	StageHomoglyphs   = "homoglyphs"
	StageWhitespace   = "whitespace"
	StageControlChars = "control_chars"
	StageBase64       = "base64"
	StagePDFArtifacts = "pdf_artifacts"
)

const (
	// DefaultMaxInputBytes bounds a single normalization call (1 MiB).
	DefaultMaxInputBytes = 1 << 20

	// DefaultWhitespaceRun is the run length above which whitespace collapses.
	DefaultWhitespaceRun = 3

	// originalSnapshotRunes bounds the Original field of a Result.
	originalSnapshotRunes = 500
)

// Flags records which obfuscation techniques the pipeline observed.
type Flags struct {
	NormalizationChanged   bool `json:"normalization_changed,omitempty"`
	BOMStripped            bool `json:"bom_stripped,omitempty"`
	ZeroWidthPresent       bool `json:"zero_width_present,omitempty"`
	BidiPresent            bool `json:"bidi_present,omitempty"`
	UnicodeTagCharsPresent bool `json:"unicode_tag_chars_present,omitempty"`
	HomoglyphPresent       bool `json:"homoglyph_present,omitempty"`
	ExcessiveWhitespace    bool `json:"excessive_whitespace,omitempty"`
	Base64BlobPresent      bool `json:"base64_blob_present,omitempty"`
	PDFArtifactStripped    bool `json:"pdf_artifact_stripped,omitempty"`
	InvalidEncoding        bool `json:"invalid_encoding,omitempty"`
}

// StageDiff counts what a single stage did to the text.
type StageDiff struct {
	Stage    string `json:"stage"`
	Removed  int    `json:"removed,omitempty"`
	Replaced int    `json:"replaced,omitempty"`
}

// Result is the output of a full pipeline run. CharMask has exactly one
// byte per rune of Normalized; markers follow the first stage that acted
// on the original position and are never overwritten by later stages.
type Result struct {
	Original   string
	Normalized string
	CharMask   string
	Diff       []StageDiff
	Flags      Flags
}

// Config controls the pipeline. The zero value means all stages enabled
// with defaults applied by New.
type Config struct {
	MaxInputBytes  int
	WhitespaceRun  int
	DisabledStages map[string]bool
}

// Normalizer applies the pipeline. Safe for concurrent use; Normalize is a
// pure function of its input and the configuration.
type Normalizer struct {
	maxBytes int
	wsRun    int
	disabled map[string]bool
}

// New builds a Normalizer, filling zero config fields with defaults.
func New(cfg Config) *Normalizer {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultMaxInputBytes
	}
	if cfg.WhitespaceRun <= 0 {
		cfg.WhitespaceRun = DefaultWhitespaceRun
	}
	disabled := cfg.DisabledStages
	if disabled == nil {
		disabled = map[string]bool{}
	}
	return &Normalizer{maxBytes: cfg.MaxInputBytes, wsRun: cfg.WhitespaceRun, disabled: disabled}
}

var zeroWidthSet = map[rune]bool{
	'\u200b': true, // ZERO WIDTH SPACE
	'\u200c': true, // ZERO WIDTH NON-JOINER
	'\u200d': true, // ZERO WIDTH JOINER
	'\u2060': true, // WORD JOINER
	'\ufeff': true, // ZERO WIDTH NO-BREAK SPACE
	'\u180e': true, // MONGOLIAN VOWEL SEPARATOR
}

func isBidi(r rune) bool {
	return (r >= '\u202a' && r <= '\u202e') || (r >= '\u2066' && r <= '\u2069')
}

func isTagChar(r rune) bool {
	return r >= 0xE0000 && r <= 0xE007F
}

// Separator lookalikes folded to a plain hyphen during artifact stripping.
var separatorSet = map[rune]bool{
	'\u2022': true, // BULLET
	'\u2023': true, // TRIANGULAR BULLET
	'\u2043': true, // HYPHEN BULLET
	'\u204c': true, // BLACK LEFTWARDS BULLET
	'\u204d': true, // BLACK RIGHTWARDS BULLET
	'\u2212': true, // MINUS SIGN
	'\u2013': true, // EN DASH
	'\u2014': true, // EM DASH
	'\u2015': true, // HORIZONTAL BAR
}

var base64BlobRe = regexp.MustCompile(`[A-Za-z0-9+/]{50,}={0,2}`)

// Normalize runs the full pipeline. It never fails on content; the only
// error condition is oversize input.
func (n *Normalizer) Normalize(text string) (*Result, error) {
	if len(text) > n.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrOversize, len(text), n.maxBytes)
	}

	res := &Result{Original: snapshot(text)}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
		res.Flags.InvalidEncoding = true
	}

	// Stage 1: Unicode compatibility folding.
	if !n.disabled[StageNFKC] {
		folded := norm.NFKC.String(text)
		if folded != text {
			res.Flags.NormalizationChanged = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageNFKC, Replaced: 1})
		}
		text = folded
	}

	t := newTracked(text)

	// Stage 2: BOM and outer whitespace.
	if !n.disabled[StageBOM] {
		bom, trimmed := t.stripBOMAndTrim()
		if bom {
			res.Flags.BOMStripped = true
		}
		if bom || trimmed > 0 {
			res.Diff = append(res.Diff, StageDiff{Stage: StageBOM, Removed: trimmed + boolToInt(bom)})
		}
	}

	// Stage 3: zero-width removal.
	if !n.disabled[StageZeroWidth] {
		if removed := t.removeIf(func(r rune) bool { return zeroWidthSet[r] }, MaskZeroWidth); removed > 0 {
			res.Flags.ZeroWidthPresent = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageZeroWidth, Removed: removed})
		}
	}

	// Stage 4: bidi override neutralization.
	if !n.disabled[StageBidi] {
		if removed := t.removeIf(isBidi, MaskInvisible); removed > 0 {
			res.Flags.BidiPresent = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageBidi, Removed: removed})
		}
	}

	// Stage 5: Unicode tag characters.
	if !n.disabled[StageUnicodeTags] {
		if removed := t.removeIf(isTagChar, MaskInvisible); removed > 0 {
			res.Flags.UnicodeTagCharsPresent = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageUnicodeTags, Removed: removed})
		}
	}

	// Stage 6: homoglyph folding.
	if !n.disabled[StageHomoglyphs] {
		if replaced := t.foldHomoglyphs(); replaced > 0 {
			res.Flags.HomoglyphPresent = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageHomoglyphs, Replaced: replaced})
		}
	}

	// Stage 7: excessive-whitespace collapse.
	if !n.disabled[StageWhitespace] {
		if removed := t.collapseWhitespace(n.wsRun); removed > 0 {
			res.Flags.ExcessiveWhitespace = true
			res.Diff = append(res.Diff, StageDiff{Stage: StageWhitespace, Removed: removed})
		}
	}

	// Stage 8: control-character filter (C0/C1 except LF and TAB).
	if !n.disabled[StageControlChars] {
		removed := t.removeIf(func(r rune) bool {
			return unicode.IsControl(r) && r != '\n' && r != '\t'
		}, MaskInvisible)
		if removed > 0 {
			res.Diff = append(res.Diff, StageDiff{Stage: StageControlChars, Removed: removed})
		}
	}

	// Stage 9: base64 blob detection. Non-mutating.
	if !n.disabled[StageBase64] {
		if base64BlobRe.MatchString(string(t.runes)) {
			res.Flags.Base64BlobPresent = true
		}
	}

	// Stage 10: PDF extraction artifacts.
	if !n.disabled[StagePDFArtifacts] {
		if changed := t.stripPDFArtifacts(); changed > 0 {
			res.Flags.PDFArtifactStripped = true
			res.Diff = append(res.Diff, StageDiff{Stage: StagePDFArtifacts, Removed: changed})
		}
	}

	res.Normalized = string(t.runes)
	res.CharMask = string(t.mask)
	return res, nil
}

func snapshot(text string) string {
	runes := []rune(text)
	if len(runes) <= originalSnapshotRunes {
		return text
	}
	return string(runes[:originalSnapshotRunes])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tracked carries the working rune slice and its parallel mask through the
// mutating stages so removal positions collapse onto surviving offsets.
type tracked struct {
	runes []rune
	mask  []byte
}

func newTracked(text string) *tracked {
	rs := []rune(text)
	mask := make([]byte, len(rs))
	for i := range mask {
		mask[i] = MaskOrdinary
	}
	return &tracked{runes: rs, mask: mask}
}

// mark sets a mask position only if no earlier stage claimed it.
func (t *tracked) mark(i int, marker byte) {
	if i >= 0 && i < len(t.mask) && t.mask[i] == MaskOrdinary {
		t.mask[i] = marker
	}
}

// removeIf drops runes matching pred. Each removal marks the next surviving
// position (or the final one when the drop is at the end of text).
func (t *tracked) removeIf(pred func(rune) bool, marker byte) int {
	out := t.runes[:0]
	outMask := t.mask[:0]
	pending := false
	removed := 0
	for i, r := range t.runes {
		if pred(r) {
			pending = true
			removed++
			continue
		}
		m := t.mask[i]
		if pending && m == MaskOrdinary {
			m = marker
		}
		pending = false
		out = append(out, r)
		outMask = append(outMask, m)
	}
	if pending && len(outMask) > 0 && outMask[len(outMask)-1] == MaskOrdinary {
		outMask[len(outMask)-1] = marker
	}
	t.runes = out
	t.mask = outMask
	return removed
}

func (t *tracked) stripBOMAndTrim() (bom bool, trimmed int) {
	if len(t.runes) > 0 && t.runes[0] == '\ufeff' {
		t.runes = t.runes[1:]
		t.mask = t.mask[1:]
		bom = true
	}
	start := 0
	for start < len(t.runes) && unicode.IsSpace(t.runes[start]) {
		start++
	}
	end := len(t.runes)
	for end > start && unicode.IsSpace(t.runes[end-1]) {
		end--
	}
	trimmed = start + (len(t.runes) - end)
	t.runes = t.runes[start:end]
	t.mask = t.mask[start:end]
	return bom, trimmed
}

func (t *tracked) foldHomoglyphs() int {
	replaced := 0
	out := make([]rune, 0, len(t.runes))
	outMask := make([]byte, 0, len(t.mask))
	for i, r := range t.runes {
		folded, ok := homoglyphFold[r]
		if !ok {
			out = append(out, r)
			outMask = append(outMask, t.mask[i])
			continue
		}
		replaced++
		for _, fr := range folded {
			out = append(out, fr)
			m := t.mask[i]
			if m == MaskOrdinary {
				m = MaskHomoglyph
			}
			outMask = append(outMask, m)
		}
	}
	t.runes = out
	t.mask = outMask
	return replaced
}

// collapseWhitespace shrinks whitespace runs longer than threshold to a
// single character: a newline when the run contained one, a space otherwise.
func (t *tracked) collapseWhitespace(threshold int) int {
	out := t.runes[:0]
	outMask := t.mask[:0]
	removed := 0
	i := 0
	for i < len(t.runes) {
		if !unicode.IsSpace(t.runes[i]) {
			out = append(out, t.runes[i])
			outMask = append(outMask, t.mask[i])
			i++
			continue
		}
		j := i
		hasNewline := false
		for j < len(t.runes) && unicode.IsSpace(t.runes[j]) {
			if t.runes[j] == '\n' {
				hasNewline = true
			}
			j++
		}
		run := j - i
		if run > threshold {
			keep := ' '
			if hasNewline {
				keep = '\n'
			}
			out = append(out, rune(keep))
			outMask = append(outMask, t.mask[i])
			removed += run - 1
		} else {
			out = append(out, t.runes[i:j]...)
			outMask = append(outMask, t.mask[i:j]...)
		}
		i = j
	}
	t.runes = out
	t.mask = outMask
	return removed
}

// stripPDFArtifacts removes hyphenation at line breaks ("-\n" with optional
// surrounding spaces), collapses 3+ newlines to 2, folds separator
// lookalikes to '-', and drops soft hyphens.
func (t *tracked) stripPDFArtifacts() int {
	changed := 0

	// Separator folding is an in-place replacement; mask untouched.
	for i, r := range t.runes {
		if separatorSet[r] {
			t.runes[i] = '-'
			changed++
		}
	}

	out := t.runes[:0]
	outMask := t.mask[:0]
	i := 0
	for i < len(t.runes) {
		r := t.runes[i]
		if r == '\u00ad' { // soft hyphen
			changed++
			i++
			continue
		}
		if r == '-' {
			// Look ahead for "-[spaces]\n[spaces]" hyphenation.
			j := i + 1
			for j < len(t.runes) && (t.runes[j] == ' ' || t.runes[j] == '\t') {
				j++
			}
			if j < len(t.runes) && t.runes[j] == '\n' {
				j++
				for j < len(t.runes) && (t.runes[j] == ' ' || t.runes[j] == '\t') {
					j++
				}
				changed += j - i
				i = j
				continue
			}
		}
		if r == '\n' {
			j := i
			for j < len(t.runes) && t.runes[j] == '\n' {
				j++
			}
			if j-i >= 3 {
				out = append(out, '\n', '\n')
				outMask = append(outMask, t.mask[i], t.mask[i+1])
				changed += (j - i) - 2
				i = j
				continue
			}
		}
		out = append(out, r)
		outMask = append(outMask, t.mask[i])
		i++
	}
	t.runes = out
	t.mask = outMask
	return changed
}
