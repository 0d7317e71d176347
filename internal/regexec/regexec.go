// Package regexec executes detection patterns safely. Patterns compile into
// the stdlib RE2-class engine whenever possible (linear time, no timeout
// needed); patterns that need backreferences or lookaround fall back to a
// bounded-backtracking engine guarded by a wall-clock timeout.
package regexec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
)

var (
	// ErrTimeout is returned when a single pattern exceeds its wall-clock
	// budget. Callers treat it as no-match and record telemetry.
	ErrTimeout = errors.New("regexec: pattern timed out")

	// ErrQuarantined is returned once a pattern has timed out often enough
	// to be benched for the remainder of the snapshot's life.
	ErrQuarantined = errors.New("regexec: pattern quarantined after repeated timeouts")
)

const (
	// DefaultTimeout is the per-pattern wall-clock ceiling.
	DefaultTimeout = 100 * time.Millisecond

	// DefaultQuarantineAfter is the timeout count that benches a pattern.
	DefaultQuarantineAfter = 3
)

// Match reports where a pattern matched. The matched substring itself never
// leaves this package; only its hash does.
type Match struct {
	Start    int
	End      int
	SpanHash string // hex SHA-256 over the matched substring
}

// Pattern is a compiled rule pattern bound to one of the two engines.
type Pattern struct {
	source   string
	std      *regexp.Regexp  // RE2-class engine; nil when fallback is used
	fallback *regexp2.Regexp // bounded-backtracking engine with MatchTimeout

	timeouts    atomic.Int32
	quarantined atomic.Bool
}

// Source returns the original pattern text.
func (p *Pattern) Source() string { return p.source }

// Fallback reports whether the pattern runs on the backtracking engine.
func (p *Pattern) Fallback() bool { return p.fallback != nil }

// Quarantined reports whether the pattern has been benched for this snapshot.
func (p *Pattern) Quarantined() bool { return p.quarantined.Load() }

// Engine compiles and runs patterns. Safe for concurrent use.
type Engine struct {
	timeout         time.Duration
	quarantineAfter int32
}

// Config controls the engine. Zero fields take defaults.
type Config struct {
	Timeout         time.Duration
	QuarantineAfter int
}

// New builds an Engine with defaults applied.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = DefaultQuarantineAfter
	}
	return &Engine{timeout: cfg.Timeout, quarantineAfter: int32(cfg.QuarantineAfter)}
}

// Compile builds a Pattern, preferring the linear-time engine. Called only
// during dataset load, never on the scan path.
func (e *Engine) Compile(pattern string) (*Pattern, error) {
	if std, err := regexp.Compile(pattern); err == nil {
		return &Pattern{source: pattern, std: std}, nil
	}

	fb, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("regexec: pattern compiles in neither engine: %w", err)
	}
	fb.MatchTimeout = e.timeout
	return &Pattern{source: pattern, fallback: fb}, nil
}

// Search returns the first match of p in text, or (nil, nil) when there is
// none. The RE2 path runs without a timer; the fallback path is bounded by
// the engine timeout and feeds the quarantine counter on expiry.
func (e *Engine) Search(p *Pattern, text string) (*Match, error) {
	if p.quarantined.Load() {
		return nil, ErrQuarantined
	}

	if p.std != nil {
		loc := p.std.FindStringIndex(text)
		if loc == nil {
			return nil, nil
		}
		return &Match{Start: loc[0], End: loc[1], SpanHash: hashSpan(text[loc[0]:loc[1]])}, nil
	}

	m, err := p.fallback.FindStringMatch(text)
	if err != nil {
		// regexp2 only errors on MatchTimeout expiry.
		if p.timeouts.Add(1) >= e.quarantineAfter {
			p.quarantined.Store(true)
		}
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if m == nil {
		return nil, nil
	}
	return &Match{Start: m.Index, End: m.Index + m.Length, SpanHash: hashSpan(m.String())}, nil
}

func hashSpan(span string) string {
	sum := sha256.Sum256([]byte(span))
	return hex.EncodeToString(sum[:])
}
