package registry

import (
	"testing"
	"time"
)

func rule(id string, sev Severity, impact float64, state State, enabled bool) *Rule {
	return &Rule{
		ID:          id,
		Dataset:     "test",
		Pattern:     "pattern-" + id,
		Severity:    sev,
		State:       state,
		Enabled:     enabled,
		ImpactScore: impact,
		Anchored:    true,
	}
}

func TestSnapshot_CanonicalOrder(t *testing.T) {
	rules := []*Rule{
		rule("b-low", SeverityLow, 0.5, StateActive, true),
		rule("a-critical-2", SeverityCritical, 0.8, StateActive, true),
		rule("z-critical-1", SeverityCritical, 0.9, StateActive, true),
		rule("m-high", SeverityHigh, 1.0, StateActive, true),
		rule("a-critical-3", SeverityCritical, 0.8, StateActive, true),
	}
	s := NewSnapshot(nil, rules, time.Now())

	want := []string{"z-critical-1", "a-critical-2", "a-critical-3", "m-high", "b-low"}
	got := s.ActiveRules()
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestSnapshot_ParticipationStates(t *testing.T) {
	rules := []*Rule{
		rule("active", SeverityHigh, 1, StateActive, true),
		rule("canary", SeverityHigh, 1, StateCanary, true),
		rule("draft", SeverityHigh, 1, StateDraft, true),
		rule("testing", SeverityHigh, 1, StateTesting, true),
		rule("deprecated", SeverityHigh, 1, StateDeprecated, true),
		rule("quarantined", SeverityHigh, 1, StateQuarantined, true),
		rule("disabled", SeverityHigh, 1, StateActive, false),
	}
	s := NewSnapshot(nil, rules, time.Now())

	if s.RuleCount() != 2 {
		t.Fatalf("expected 2 scannable rules, got %d", s.RuleCount())
	}
	if s.Lookup("active") == nil || s.Lookup("canary") == nil {
		t.Error("active and canary rules must participate")
	}
	if s.Lookup("draft") != nil || s.Lookup("disabled") != nil {
		t.Error("draft and disabled rules must not participate")
	}
}

func TestSnapshot_VersionChangesWithRuleSet(t *testing.T) {
	now := time.Now()
	a := NewSnapshot(nil, []*Rule{rule("r1", SeverityHigh, 1, StateActive, true)}, now)
	same := NewSnapshot(nil, []*Rule{rule("r1", SeverityHigh, 1, StateActive, true)}, now.Add(time.Hour))
	different := NewSnapshot(nil, []*Rule{rule("r2", SeverityHigh, 1, StateActive, true)}, now)

	if a.Version() != same.Version() {
		t.Error("identical rule sets must produce identical versions")
	}
	if a.Version() == different.Version() {
		t.Error("different rule ids must change the version")
	}

	patternChanged := NewSnapshot(nil, []*Rule{{
		ID: "r1", Dataset: "test", Pattern: "other-pattern",
		Severity: SeverityHigh, State: StateActive, Enabled: true, ImpactScore: 1,
	}}, now)
	if a.Version() == patternChanged.Version() {
		t.Error("changed pattern text must change the version")
	}
}

func TestSnapshot_UnanchoredRules(t *testing.T) {
	anchored := rule("anchored", SeverityHigh, 1, StateActive, true)
	floating := rule("floating", SeverityHigh, 1, StateActive, true)
	floating.Anchored = false

	s := NewSnapshot(nil, []*Rule{anchored, floating}, time.Now())
	un := s.UnanchoredRules()
	if len(un) != 1 || un[0].ID != "floating" {
		t.Fatalf("expected only the floating rule, got %v", un)
	}
}

func TestHandle_SwapKeepsOldSnapshotUsable(t *testing.T) {
	h := NewHandle()
	old := h.Current()

	r := rule("r1", SeverityCritical, 1, StateActive, true)
	next := NewSnapshot([]DatasetInfo{{Name: "d1", RuleCount: 1}}, []*Rule{r}, time.Now())

	prev := h.Swap(next)
	if prev != old {
		t.Error("Swap must return the previous snapshot")
	}
	if h.Current() != next {
		t.Error("Current must observe the new snapshot")
	}
	// A reader holding the old snapshot keeps a consistent view.
	if old.RuleCount() != 0 {
		t.Error("old snapshot must be unchanged")
	}
}

func TestRule_MatchCounters(t *testing.T) {
	r := rule("r1", SeverityHigh, 1, StateActive, true)
	if !r.LastMatchedAt().IsZero() {
		t.Error("fresh rule must have zero last match time")
	}

	now := time.Now()
	r.RecordMatch(now)
	r.RecordMatch(now.Add(time.Second))

	if r.MatchCount() != 2 {
		t.Errorf("expected 2 matches, got %d", r.MatchCount())
	}
	if !r.LastMatchedAt().Equal(now.Add(time.Second).Truncate(0)) {
		t.Errorf("unexpected last match time: %v", r.LastMatchedAt())
	}
}

func TestSnapshot_Stats(t *testing.T) {
	r1 := rule("r1", SeverityHigh, 1, StateActive, true)
	r2 := rule("r2", SeverityLow, 1, StateActive, true)
	s := NewSnapshot([]DatasetInfo{{Name: "d1"}}, []*Rule{r1, r2}, time.Now())

	r1.RecordMatch(time.Now())
	r1.RecordMatch(time.Now())
	r2.RecordMatch(time.Now())

	st := s.Stats()
	if st.TotalMatches != 3 {
		t.Errorf("expected 3 total matches, got %d", st.TotalMatches)
	}
	if len(st.TopMatched) != 2 || st.TopMatched[0].RuleID != "r1" {
		t.Errorf("unexpected top matched: %v", st.TopMatched)
	}
	if st.TotalRules != 2 || st.TotalDatasets != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
}
