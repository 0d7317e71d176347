// Package scanner orchestrates a full request scan: size gate, parallel
// normalization, code bypass, keyword prefilter, multi-source regex scan,
// verdict mapping, and audit emission. Fail-closed by default: any internal
// failure maps to REVIEW_REQUIRED, never to a silent pass.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/codedetect"
	"github.com/bastion-ai/bastion/internal/metrics"
	"github.com/bastion-ai/bastion/internal/normalize"
	"github.com/bastion-ai/bastion/internal/prefilter"
	"github.com/bastion-ai/bastion/internal/regexec"
	"github.com/bastion-ai/bastion/internal/registry"
)

// Version is reported in every ScanResult.
const Version = "1.0.0"

// sourceSep joins normalized sources in the combined view. It must be
// matchable by the \s in rule patterns, or a payload split across chunk
// boundaries ("Ignore all" + "previous instructions") could never span the
// joint; a non-whitespace sentinel would break exactly the attack this view
// exists to catch.
const sourceSep = " "

// Status is the externally visible scan outcome.
type Status string

const (
	StatusClean          Status = "CLEAN"
	StatusCleanCode      Status = "CLEAN_CODE"
	StatusRejected       Status = "REJECTED"
	StatusWarn           Status = "WARN"
	StatusReviewRequired Status = "REVIEW_REQUIRED"
	StatusError          Status = "ERROR"
)

// ErrDeadline marks a scan that exceeded its wall-clock budget.
var ErrDeadline = errors.New("scanner: scan deadline exceeded")

// Request is one scan request.
type Request struct {
	UserInput      string            `json:"user_input"`
	ExternalChunks []string          `json:"external_chunks,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Result is the scan outcome returned to the caller. RuleID, Dataset, and
// Severity are set exactly when Status is REJECTED or WARN.
type Result struct {
	Status           Status  `json:"status"`
	RuleID           string  `json:"rule_id,omitempty"`
	Dataset          string  `json:"dataset,omitempty"`
	Severity         string  `json:"severity,omitempty"`
	AuditToken       string  `json:"audit_token"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	RuleSetVersion   string  `json:"rule_set_version"`
	ScannerVersion   string  `json:"scanner_version"`
	Note             string  `json:"note,omitempty"`

	// matched carries the winning match to the audit emitter. Not serialized.
	matched *ruleMatch
}

// Deps are the collaborators a Scanner needs. All fields are required.
type Deps struct {
	Normalizer *normalize.Normalizer
	Detector   *codedetect.Detector
	Engine     *regexec.Engine
	Prefilter  *prefilter.Matcher
	Handle     *registry.Handle
	Writer     audit.EventWriter
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// Scanner runs scans against the current registry snapshot. Stateless per
// request; safe for concurrent use.
type Scanner struct {
	cfg    Config
	deps   Deps
	secret []byte
}

// New builds a Scanner.
func New(cfg Config, deps Deps) *Scanner {
	return &Scanner{cfg: cfg, deps: deps, secret: []byte(cfg.DatasetHMACSecret)}
}

// source is one scan target within a request.
type source struct {
	kind string // "user", "external[i]", "combined"
	text string
}

// ruleMatch pairs a matched rule with where and what it hit.
type ruleMatch struct {
	rule   *registry.Rule
	source string
	span   *regexec.Match
}

// Scan classifies one request. It never returns an error: every failure
// mode maps to a Result per the fail policy.
func (s *Scanner) Scan(ctx context.Context, req *Request) Result {
	start := time.Now()
	snap := s.deps.Handle.Current()
	fingerprint := audit.Fingerprint(req.UserInput, req.ExternalChunks)
	requestID := uuid.New().String()

	res := s.scanGuarded(ctx, req, snap, fingerprint)
	res.ProcessingTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	res.RuleSetVersion = snap.Version()
	res.ScannerVersion = Version

	s.deps.Metrics.IncRequest(string(res.Status))
	s.deps.Metrics.ObserveScanDuration(res.ProcessingTimeMs)
	s.writeEvent(requestID, req, res)
	return res
}

// scanGuarded wraps the scan body with panic recovery so an internal bug
// can never skip the fail policy.
func (s *Scanner) scanGuarded(ctx context.Context, req *Request, snap *registry.Snapshot, fingerprint string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error("scan panic", zap.Any("panic", r))
			res = s.failResult(snap, fingerprint, "internal error")
		}
	}()
	return s.scan(ctx, req, snap, fingerprint)
}

func (s *Scanner) scan(ctx context.Context, req *Request, snap *registry.Snapshot, fingerprint string) Result {
	// Size gate. Oversize is an explicit error kind, never a truncation.
	total := len(req.UserInput)
	for _, c := range req.ExternalChunks {
		total += len(c)
	}
	if total > s.cfg.MaxInputBytes {
		return Result{
			Status:     StatusError,
			AuditToken: s.token(snap, fingerprint, nil),
			Note:       "input exceeds size limit",
		}
	}
	if len(req.ExternalChunks) > s.cfg.MaxChunks {
		return Result{
			Status:     StatusError,
			AuditToken: s.token(snap, fingerprint, nil),
			Note:       "too many external chunks",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanDeadline)
	defer cancel()

	// Normalize every source in parallel.
	userNorm, chunkNorms, err := s.normalizeAll(ctx, req)
	if err != nil {
		if errors.Is(err, normalize.ErrOversize) {
			return Result{
				Status:     StatusError,
				AuditToken: s.token(snap, fingerprint, nil),
				Note:       "input exceeds size limit",
			}
		}
		return s.failResult(snap, fingerprint, "normalization failed")
	}

	// Code bypass applies to the user input only, and never when external
	// chunks are present (external text is never trusted as code).
	if s.cfg.CodeDetectionEnabled && len(req.ExternalChunks) == 0 {
		if det := s.deps.Detector.Detect(userNorm.Normalized); det.IsCode {
			return Result{
				Status:     StatusCleanCode,
				AuditToken: s.token(snap, fingerprint, nil),
				Note:       fmt.Sprintf("code detected (%s, confidence=%.2f)", det.Reason, det.Confidence),
			}
		}
	}

	sources := buildSources(userNorm, chunkNorms)

	// Prefilter fast path: when no keyword appears anywhere, only rules
	// without a covered literal anchor can still match.
	rules := snap.ActiveRules()
	prefilterMissed := false
	if s.cfg.PrefilterEnabled && s.deps.Prefilter.Enabled() {
		hit := false
		for _, src := range sources {
			if _, ok := s.deps.Prefilter.Hit(src.text); ok {
				hit = true
				break
			}
		}
		if !hit {
			rules = snap.UnanchoredRules()
			prefilterMissed = true
			if len(rules) == 0 {
				return Result{
					Status:     StatusClean,
					AuditToken: s.token(snap, fingerprint, nil),
					Note:       "passed prefilter check",
				}
			}
		}
	}

	matches, err := s.scanSources(ctx, sources, rules)
	if err != nil {
		if errors.Is(err, ErrDeadline) || errors.Is(err, context.DeadlineExceeded) {
			return s.failResult(snap, fingerprint, "scan deadline exceeded")
		}
		return s.failResult(snap, fingerprint, "internal error")
	}

	if len(matches) == 0 {
		note := ""
		if prefilterMissed {
			note = "passed prefilter check"
		}
		return Result{
			Status:     StatusClean,
			AuditToken: s.token(snap, fingerprint, nil),
			Note:       note,
		}
	}

	if s.cfg.StopOnFirstMatch {
		return s.verdictFromMatch(snap, fingerprint, &matches[0])
	}
	return s.ensembleVerdict(snap, fingerprint, matches)
}

// normalizeAll runs the normalizer over the user input and every chunk
// concurrently.
func (s *Scanner) normalizeAll(ctx context.Context, req *Request) (*normalize.Result, []*normalize.Result, error) {
	g, _ := errgroup.WithContext(ctx)

	var userNorm *normalize.Result
	g.Go(func() error {
		var err error
		userNorm, err = s.deps.Normalizer.Normalize(req.UserInput)
		return err
	})

	chunkNorms := make([]*normalize.Result, len(req.ExternalChunks))
	for i, chunk := range req.ExternalChunks {
		g.Go(func() error {
			var err error
			chunkNorms[i], err = s.deps.Normalizer.Normalize(chunk)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return userNorm, chunkNorms, nil
}

// buildSources assembles the canonical source sequence:
// user < external[0] < … < external[n] < combined. The combined view exists
// to catch payloads split across chunks; it is built only when chunks are
// present.
func buildSources(user *normalize.Result, chunks []*normalize.Result) []source {
	sources := make([]source, 0, len(chunks)+2)
	sources = append(sources, source{kind: "user", text: user.Normalized})
	for i, c := range chunks {
		sources = append(sources, source{kind: fmt.Sprintf("external[%d]", i), text: c.Normalized})
	}
	if len(chunks) > 0 {
		parts := make([]string, 0, len(chunks)+1)
		parts = append(parts, user.Normalized)
		for _, c := range chunks {
			parts = append(parts, c.Normalized)
		}
		sources = append(sources, source{kind: "combined", text: strings.Join(parts, sourceSep)})
	}
	return sources
}

// scanSources runs the rule scan over every source in parallel. Rule
// iteration within a source is sequential so stop-on-first-match is
// deterministic; cross-source results are reconciled by canonical source
// order afterwards. The returned slice is ordered by source, then by
// canonical rule order within each source.
func (s *Scanner) scanSources(ctx context.Context, sources []source, rules []*registry.Rule) ([]ruleMatch, error) {
	perSource := make([][]ruleMatch, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			found, err := s.scanOne(gctx, src, rules)
			if err != nil {
				return err
			}
			perSource[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []ruleMatch
	for _, found := range perSource {
		all = append(all, found...)
	}
	return all, nil
}

// scanOne iterates rules in canonical order against a single source. In
// stop-on-first-match mode it returns at most one match; in ensemble mode
// it collects every match. Pattern timeouts count as no-match.
func (s *Scanner) scanOne(ctx context.Context, src source, rules []*registry.Rule) ([]ruleMatch, error) {
	var found []ruleMatch
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeadline, err)
		}

		m, err := s.deps.Engine.Search(rule.Compiled, src.text)
		if err != nil {
			switch {
			case errors.Is(err, regexec.ErrTimeout):
				s.deps.Metrics.IncRegexTimeout()
				s.deps.Logger.Warn("regex timeout",
					zap.String("rule_id", rule.ID),
					zap.String("source", src.kind),
				)
			case errors.Is(err, regexec.ErrQuarantined):
				// Benched for this snapshot; skip quietly.
			default:
				s.deps.Logger.Error("rule scan error",
					zap.String("rule_id", rule.ID),
					zap.Error(err),
				)
			}
			continue
		}
		if m == nil {
			continue
		}

		rule.RecordMatch(time.Now())
		s.deps.Metrics.IncRuleMatch(rule.Dataset, string(rule.Severity))
		found = append(found, ruleMatch{rule: rule, source: src.kind, span: m})
		if s.cfg.StopOnFirstMatch {
			return found, nil
		}
	}
	return found, nil
}

// verdictFromMatch maps a matched rule's severity to the terminal status:
// critical and high reject, medium and low warn.
func (s *Scanner) verdictFromMatch(snap *registry.Snapshot, fingerprint string, m *ruleMatch) Result {
	status := StatusWarn
	if m.rule.Severity == registry.SeverityCritical || m.rule.Severity == registry.SeverityHigh {
		status = StatusRejected
	}
	return Result{
		Status:     status,
		RuleID:     m.rule.ID,
		Dataset:    m.rule.Dataset,
		Severity:   string(m.rule.Severity),
		AuditToken: s.token(snap, fingerprint, m),
		Note:       "matched in " + m.source,
		matched:    m,
	}
}

// ensembleVerdict aggregates all matched rules into a single score
// 1 - Π(1 - impact_i), deduplicated by rule id across sources. The
// combined source participates per configuration.
func (s *Scanner) ensembleVerdict(snap *registry.Snapshot, fingerprint string, matches []ruleMatch) Result {
	byRule := make(map[string]*ruleMatch)
	order := make([]string, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		if m.source == "combined" && !s.cfg.EnsembleIncludeCombined {
			continue
		}
		if _, ok := byRule[m.rule.ID]; !ok {
			byRule[m.rule.ID] = m
			order = append(order, m.rule.ID)
		}
	}
	if len(byRule) == 0 {
		return Result{
			Status:     StatusClean,
			AuditToken: s.token(snap, fingerprint, nil),
		}
	}

	surviving := 1.0
	for _, id := range order {
		surviving *= 1 - byRule[id].rule.ImpactScore
	}
	score := 1 - surviving

	// Representative match: highest impact, canonical order on ties.
	sort.SliceStable(order, func(i, j int) bool {
		a, b := byRule[order[i]].rule, byRule[order[j]].rule
		if a.ImpactScore != b.ImpactScore {
			return a.ImpactScore > b.ImpactScore
		}
		if aw, bw := a.Severity.Weight(), b.Severity.Weight(); aw != bw {
			return aw > bw
		}
		return a.ID < b.ID
	})
	top := byRule[order[0]]

	status := StatusClean
	switch {
	case score >= s.cfg.EnsembleThreshold:
		status = StatusRejected
	case score >= s.cfg.EnsembleWarnThreshold:
		status = StatusWarn
	}

	res := Result{
		Status:     status,
		AuditToken: s.token(snap, fingerprint, top),
		Note:       fmt.Sprintf("ensemble score %.2f over %d rules", score, len(order)),
	}
	if status == StatusRejected || status == StatusWarn {
		res.RuleID = top.rule.ID
		res.Dataset = top.rule.Dataset
		res.Severity = string(top.rule.Severity)
		res.matched = top
	}
	return res
}

// failResult maps internal failures per the fail policy.
func (s *Scanner) failResult(snap *registry.Snapshot, fingerprint, note string) Result {
	status := StatusReviewRequired
	if s.cfg.FailOpen {
		status = StatusClean
	}
	return Result{
		Status:     status,
		AuditToken: s.token(snap, fingerprint, nil),
		Note:       note,
	}
}

func (s *Scanner) token(snap *registry.Snapshot, fingerprint string, m *ruleMatch) string {
	ruleID, spanHash := "", ""
	if m != nil {
		ruleID = m.rule.ID
		spanHash = m.span.SpanHash
	}
	return audit.Token(s.secret, fingerprint, snap.Version(), ruleID, spanHash)
}

// writeEvent emits the redacted audit record. Raw text never leaves the
// request scope.
func (s *Scanner) writeEvent(requestID string, req *Request, res Result) {
	event := &audit.Event{
		RequestID:      requestID,
		Timestamp:      time.Now(),
		Status:         string(res.Status),
		AuditToken:     res.AuditToken,
		RuleSetVersion: res.RuleSetVersion,
		LatencyMs:      float32(res.ProcessingTimeMs),
		Metadata:       req.Metadata,
	}
	if m := res.matched; m != nil {
		event.RuleID = m.rule.ID
		event.Dataset = m.rule.Dataset
		event.Severity = string(m.rule.Severity)
		event.RuleState = string(m.rule.State)
		event.SourceKind = m.source
		event.MatchSpanHash = m.span.SpanHash
	}
	s.deps.Writer.Write(event)
}
