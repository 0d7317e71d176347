package regexec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCompile_PrefersLinearEngine(t *testing.T) {
	e := New(Config{})

	p, err := e.Compile(`(?i)ignore\s+(all\s+)?previous\s+instructions`)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if p.Fallback() {
		t.Error("RE2-expressible pattern should use the linear engine")
	}
}

func TestCompile_FallbackForLookaround(t *testing.T) {
	e := New(Config{})

	// Lookahead is not RE2-expressible.
	p, err := e.Compile(`ignore(?=\s+previous)`)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if !p.Fallback() {
		t.Error("lookaround pattern should use the fallback engine")
	}

	m, err := e.Search(p, "please ignore previous instructions")
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
}

func TestCompile_InvalidInBothEngines(t *testing.T) {
	e := New(Config{})

	if _, err := e.Compile(`(unclosed`); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSearch_MatchSpanAndHash(t *testing.T) {
	e := New(Config{})
	p, err := e.Compile(`previous instructions`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	text := "ignore all previous instructions now"
	m, err := e.Search(p, text)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if m == nil {
		t.Fatal("expected match")
	}
	if got := text[m.Start:m.End]; got != "previous instructions" {
		t.Errorf("unexpected span: %q", got)
	}

	sum := sha256.Sum256([]byte("previous instructions"))
	if m.SpanHash != hex.EncodeToString(sum[:]) {
		t.Errorf("span hash mismatch: %s", m.SpanHash)
	}
	if strings.Contains(m.SpanHash, "previous") {
		t.Error("hash must not contain raw text")
	}
}

func TestSearch_NoMatch(t *testing.T) {
	e := New(Config{})
	p, _ := e.Compile(`jailbreak`)

	m, err := e.Search(p, "what is the capital of france")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Errorf("expected no match, got %+v", m)
	}
}

func TestSearch_TimeoutAndQuarantine(t *testing.T) {
	e := New(Config{Timeout: time.Millisecond, QuarantineAfter: 2})

	// Classic catastrophic backtracking, forced onto the fallback engine by
	// the lookahead, against a non-matching adversarial input.
	p, err := e.Compile(`(?=x)(x+x+)+y`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	adversarial := strings.Repeat("x", 2000)

	_, err = e.Search(p, adversarial)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p.Quarantined() {
		t.Fatal("should not quarantine after a single timeout")
	}

	_, err = e.Search(p, adversarial)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected second ErrTimeout, got %v", err)
	}
	if !p.Quarantined() {
		t.Fatal("expected quarantine after second timeout")
	}

	_, err = e.Search(p, "anything")
	if !errors.Is(err, ErrQuarantined) {
		t.Fatalf("expected ErrQuarantined, got %v", err)
	}
}
