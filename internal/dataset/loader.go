// Package dataset reads, validates, and compiles rule dataset files. A
// dataset either loads fully or is rejected whole; the only partial
// admission is rule-level quarantine for compile and self-test failures.
package dataset

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bastion-ai/bastion/internal/prefilter"
	"github.com/bastion-ai/bastion/internal/regexec"
	"github.com/bastion-ai/bastion/internal/registry"
)

var (
	// ErrSchema marks a dataset-level schema violation.
	ErrSchema = errors.New("dataset: schema invalid")

	// ErrHMAC marks an integrity verification failure.
	ErrHMAC = errors.New("dataset: hmac signature mismatch")
)

// Metadata mirrors the dataset file's metadata object.
type Metadata struct {
	Name           string `yaml:"name" json:"name"`
	Version        string `yaml:"version" json:"version"`
	Source         string `yaml:"source" json:"source"`
	LastUpdated    string `yaml:"last_updated" json:"last_updated"`
	TotalRules     int    `yaml:"total_rules" json:"total_rules"`
	DatasetBuildID string `yaml:"dataset_build_id" json:"dataset_build_id"`
	HMACSignature  string `yaml:"hmac_signature,omitempty" json:"hmac_signature,omitempty"`
}

type ruleSpec struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Pattern       string   `yaml:"pattern"`
	Severity      string   `yaml:"severity"`
	State         string   `yaml:"state"`
	Enabled       bool     `yaml:"enabled"`
	ImpactScore   *float64 `yaml:"impact_score"`
	Tags          []string `yaml:"tags"`
	PositiveTests []string `yaml:"positive_tests"`
	NegativeTests []string `yaml:"negative_tests"`
}

type fileDoc struct {
	Metadata Metadata   `yaml:"metadata"`
	Rules    []ruleSpec `yaml:"rules"`
}

// Diagnostics summarizes one dataset load for operators.
type Diagnostics struct {
	Dataset            string   `json:"dataset"`
	Path               string   `json:"path"`
	Admitted           int      `json:"admitted"`
	Quarantined        int      `json:"quarantined"`
	CompileFailures    []string `json:"compile_failures,omitempty"`
	SelfTestFailures   []string `json:"self_test_failures,omitempty"`
	RuleCountCorrected bool     `json:"rule_count_corrected,omitempty"`
	HMACVerified       bool     `json:"hmac_verified"`
}

// Result is the outcome of loading a single dataset file.
type Result struct {
	Info        registry.DatasetInfo
	Admitted    []*registry.Rule
	Quarantined []*registry.Rule
	Diag        Diagnostics
}

// Loader validates and compiles dataset files. Safe for concurrent use.
type Loader struct {
	engine *regexec.Engine
	pre    *prefilter.Matcher
	secret []byte
	logger *zap.Logger

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

// NewLoader builds a Loader. The secret signs dataset integrity; the
// prefilter matcher drives anchor analysis for admitted rules.
func NewLoader(engine *regexec.Engine, pre *prefilter.Matcher, secret []byte, logger *zap.Logger) *Loader {
	return &Loader{engine: engine, pre: pre, secret: secret, logger: logger}
}

func (l *Loader) compiledSchema() (*jsonschema.Schema, error) {
	l.schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(datasetSchema), &doc); err != nil {
			l.schemaErr = fmt.Errorf("dataset: embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("dataset.schema.json", doc); err != nil {
			l.schemaErr = fmt.Errorf("dataset: embedded schema: %w", err)
			return
		}
		l.schema, l.schemaErr = c.Compile("dataset.schema.json")
	})
	return l.schema, l.schemaErr
}

// Load reads and validates one dataset file. Schema and HMAC failures fail
// the whole dataset; compile and self-test failures quarantine individual
// rules and show up in the diagnostics.
func (l *Loader) Load(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}

	canonical, err := canonicalJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}

	schema, err := l.compiledSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(canonical)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}

	var file fileDoc
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}

	diag := Diagnostics{Dataset: file.Metadata.Name, Path: path}

	if file.Metadata.HMACSignature != "" {
		if err := l.verifyHMAC(doc, file.Metadata.HMACSignature); err != nil {
			return nil, fmt.Errorf("%w: %s", err, file.Metadata.Name)
		}
		diag.HMACVerified = true
	} else {
		l.logger.Warn("dataset has no hmac signature",
			zap.String("dataset", file.Metadata.Name),
			zap.String("path", path),
		)
	}

	if file.Metadata.TotalRules != len(file.Rules) {
		l.logger.Warn("rule count mismatch, auto-correcting",
			zap.String("dataset", file.Metadata.Name),
			zap.Int("declared", file.Metadata.TotalRules),
			zap.Int("parsed", len(file.Rules)),
		)
		file.Metadata.TotalRules = len(file.Rules)
		diag.RuleCountCorrected = true
	}

	res := &Result{Diag: diag}
	seen := make(map[string]bool, len(file.Rules))
	for i, spec := range file.Rules {
		if seen[spec.ID] {
			return nil, fmt.Errorf("%w: %s: duplicate rule id %q at index %d", ErrSchema, file.Metadata.Name, spec.ID, i)
		}
		seen[spec.ID] = true

		rule := l.buildRule(file.Metadata.Name, spec, res)
		if rule.State == registry.StateQuarantined {
			res.Quarantined = append(res.Quarantined, rule)
		} else {
			res.Admitted = append(res.Admitted, rule)
		}
	}

	res.Diag.Admitted = len(res.Admitted)
	res.Diag.Quarantined = len(res.Quarantined)
	res.Info = registry.DatasetInfo{
		Name:        file.Metadata.Name,
		Version:     file.Metadata.Version,
		Source:      file.Metadata.Source,
		BuildID:     file.Metadata.DatasetBuildID,
		RuleCount:   len(res.Admitted),
		Quarantined: len(res.Quarantined),
	}

	l.logger.Info("dataset loaded",
		zap.String("dataset", file.Metadata.Name),
		zap.String("version", file.Metadata.Version),
		zap.Int("admitted", len(res.Admitted)),
		zap.Int("quarantined", len(res.Quarantined)),
	)
	return res, nil
}

// buildRule compiles and self-tests one rule, quarantining it on failure.
func (l *Loader) buildRule(dataset string, spec ruleSpec, res *Result) *registry.Rule {
	impact := 1.0
	if spec.ImpactScore != nil {
		impact = *spec.ImpactScore
	}
	rule := &registry.Rule{
		ID:            spec.ID,
		Dataset:       dataset,
		Name:          spec.Name,
		Description:   spec.Description,
		Pattern:       spec.Pattern,
		Severity:      registry.Severity(spec.Severity),
		State:         registry.State(spec.State),
		Enabled:       spec.Enabled,
		ImpactScore:   impact,
		Tags:          spec.Tags,
		PositiveTests: spec.PositiveTests,
		NegativeTests: spec.NegativeTests,
	}

	compiled, err := l.engine.Compile(spec.Pattern)
	if err != nil {
		l.logger.Warn("rule pattern failed to compile, quarantining",
			zap.String("dataset", dataset),
			zap.String("rule_id", spec.ID),
			zap.Error(err),
		)
		rule.State = registry.StateQuarantined
		res.Diag.CompileFailures = append(res.Diag.CompileFailures, spec.ID)
		return rule
	}
	rule.Compiled = compiled
	rule.Anchored = l.pre.Covers(spec.Pattern)

	for _, test := range spec.PositiveTests {
		m, err := l.engine.Search(compiled, test)
		if err != nil || m == nil {
			l.quarantineSelfTest(rule, res, "positive test did not match")
			return rule
		}
	}
	for _, test := range spec.NegativeTests {
		m, err := l.engine.Search(compiled, test)
		if err == nil && m != nil {
			l.quarantineSelfTest(rule, res, "negative test matched")
			return rule
		}
	}
	return rule
}

func (l *Loader) quarantineSelfTest(rule *registry.Rule, res *Result, reason string) {
	l.logger.Warn("rule self-test failed, quarantining",
		zap.String("dataset", rule.Dataset),
		zap.String("rule_id", rule.ID),
		zap.String("reason", reason),
	)
	rule.State = registry.StateQuarantined
	res.Diag.SelfTestFailures = append(res.Diag.SelfTestFailures, rule.ID)
}

// verifyHMAC recomputes HMAC-SHA256 over the canonical serialization of the
// document with the signature field removed.
func (l *Loader) verifyHMAC(doc map[string]any, signature string) error {
	signable, err := SignableContent(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(signable)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrHMAC
	}
	return nil
}

// SignableContent returns the canonical serialization used for signing: the
// JSON encoding of the document (object keys sorted by encoding/json) with
// metadata.hmac_signature removed. Signing tooling must produce the same
// bytes.
func SignableContent(doc map[string]any) ([]byte, error) {
	copied := make(map[string]any, len(doc))
	for k, v := range doc {
		copied[k] = v
	}
	if meta, ok := copied["metadata"].(map[string]any); ok {
		metaCopy := make(map[string]any, len(meta))
		for k, v := range meta {
			if k == "hmac_signature" {
				continue
			}
			metaCopy[k] = v
		}
		copied["metadata"] = metaCopy
	}
	return json.Marshal(copied)
}

// Sign computes the hex HMAC-SHA256 signature for a dataset document. Used
// by signing tooling and tests.
func Sign(doc map[string]any, secret []byte) (string, error) {
	signable, err := SignableContent(doc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(signable)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func canonicalJSON(doc map[string]any) ([]byte, error) {
	return json.Marshal(doc)
}

// WriteSigned marshals a dataset document to YAML with a freshly computed
// signature, for test fixtures and the signing workflow.
func WriteSigned(path string, doc map[string]any, secret []byte) error {
	sig, err := Sign(doc, secret)
	if err != nil {
		return err
	}
	meta, ok := doc["metadata"].(map[string]any)
	if !ok {
		return fmt.Errorf("dataset: document has no metadata object")
	}
	meta["hmac_signature"] = sig
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
