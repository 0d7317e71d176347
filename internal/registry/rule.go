// Package registry holds the immutable, versioned snapshot of compiled
// detection rules that scans iterate in canonical order. The reload
// controller is the snapshot's only writer; scanners read through a shared
// handle and keep whatever snapshot they started with.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/bastion-ai/bastion/internal/regexec"
)

// Severity ranks a rule's impact on the verdict.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the canonical ordering weight (critical sorts first).
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool { return s.Weight() > 0 }

// State is a rule's lifecycle state.
type State string

const (
	StateDraft       State = "draft"
	StateTesting     State = "testing"
	StateCanary      State = "canary"
	StateActive      State = "active"
	StateDeprecated  State = "deprecated"
	StateQuarantined State = "quarantined"
)

// Valid reports whether st is a known lifecycle state.
func (st State) Valid() bool {
	switch st {
	case StateDraft, StateTesting, StateCanary, StateActive, StateDeprecated, StateQuarantined:
		return true
	}
	return false
}

// Rule is a compiled detection unit. Everything except the telemetry
// counters is immutable after load.
type Rule struct {
	ID          string
	Dataset     string
	Name        string
	Description string
	Pattern     string
	Compiled    *regexec.Pattern
	Severity    Severity
	State       State
	Enabled     bool
	ImpactScore float64
	Tags        []string

	PositiveTests []string
	NegativeTests []string

	// Anchored reports whether the rule carries a literal anchor covered by
	// the configured prefilter keyword set. Unanchored rules are still
	// scanned when the prefilter misses.
	Anchored bool

	matchCount    atomic.Int64
	lastMatchedAt atomic.Int64 // unix nanoseconds; 0 = never
}

// Scannable reports whether the rule participates in scans. Canary rules
// participate normally and count toward verdicts.
func (r *Rule) Scannable() bool {
	return r.Enabled && (r.State == StateActive || r.State == StateCanary)
}

// RecordMatch bumps the telemetry counters. Lost updates under contention
// are acceptable; the counters are not used for correctness.
func (r *Rule) RecordMatch(now time.Time) {
	r.matchCount.Add(1)
	r.lastMatchedAt.Store(now.UnixNano())
}

// MatchCount returns how often the rule matched within this snapshot.
func (r *Rule) MatchCount() int64 { return r.matchCount.Load() }

// LastMatchedAt returns the last match time, or the zero time if none.
func (r *Rule) LastMatchedAt() time.Time {
	ns := r.lastMatchedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
