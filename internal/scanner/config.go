package scanner

import (
	"time"

	"github.com/bastion-ai/bastion/internal/prefilter"
)

// Config collects every scan-path option. Defaults are the fail-closed
// production posture.
type Config struct {
	// Regex engine.
	RegexTimeout         time.Duration
	RegexQuarantineAfter int

	// Scan modes.
	StopOnFirstMatch        bool
	EnsembleThreshold       float64
	EnsembleWarnThreshold   float64
	EnsembleIncludeCombined bool

	// Prefilter fast path.
	PrefilterEnabled  bool
	PrefilterKeywords []string

	// Code bypass.
	CodeDetectionEnabled    bool
	CodeConfidenceThreshold float64

	// Datasets and integrity.
	DatasetHMACSecret string
	DatasetPaths      []string

	// Failure policy and limits.
	FailOpen      bool
	MaxInputBytes int
	ScanDeadline  time.Duration
	DisabledSteps []string
	MaxChunks     int
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		RegexTimeout:            100 * time.Millisecond,
		RegexQuarantineAfter:    3,
		StopOnFirstMatch:        true,
		EnsembleThreshold:       0.95,
		EnsembleWarnThreshold:   0.7,
		EnsembleIncludeCombined: true,
		PrefilterEnabled:        true,
		PrefilterKeywords:       prefilter.DefaultKeywords,
		CodeDetectionEnabled:    true,
		CodeConfidenceThreshold: 0.7,
		FailOpen:                false,
		MaxInputBytes:           1 << 20,
		ScanDeadline:            500 * time.Millisecond,
		MaxChunks:               1000,
	}
}
