package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-ai/bastion/internal/dataset"
	"github.com/bastion-ai/bastion/internal/metrics"
	"github.com/bastion-ai/bastion/internal/registry"
)

// ReloadOutcome is the operator-facing result of a dataset (re)load.
type ReloadOutcome struct {
	Status         string                `json:"status"`
	RuleSetVersion string                `json:"rule_set_version"`
	TotalRules     int                   `json:"total_rules"`
	TotalDatasets  int                   `json:"total_datasets"`
	ReloadTimeMs   float64               `json:"reload_time_ms"`
	Diagnostics    []dataset.Diagnostics `json:"diagnostics,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Reloader builds candidate registry snapshots from the configured dataset
// paths and installs them atomically. It is the registry handle's only
// writer. Fail-closed: any dataset-level failure keeps the existing
// snapshot in force.
type Reloader struct {
	loader   *dataset.Loader
	handle   *registry.Handle
	paths    []string
	failOpen bool
	metrics  *metrics.Registry
	logger   *zap.Logger

	mu sync.Mutex // serializes concurrent reload requests
}

// NewReloader builds a Reloader.
func NewReloader(loader *dataset.Loader, handle *registry.Handle, paths []string, failOpen bool, m *metrics.Registry, logger *zap.Logger) *Reloader {
	return &Reloader{
		loader:   loader,
		handle:   handle,
		paths:    paths,
		failOpen: failOpen,
		metrics:  m,
		logger:   logger,
	}
}

// Reload loads every configured dataset and swaps in a new snapshot. On
// failure the previous snapshot stays active and the outcome reports the
// error; in fail-open mode a failing dataset is skipped with a loud
// warning instead of failing the reload.
func (r *Reloader) Reload() *ReloadOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()

	files, err := r.expandPaths()
	if err != nil {
		return r.failure(start, err)
	}

	var (
		infos    []registry.DatasetInfo
		admitted []*registry.Rule
		diags    []dataset.Diagnostics
	)
	for _, file := range files {
		res, err := r.loader.Load(file)
		if err != nil {
			if r.failOpen {
				r.logger.Warn("dataset failed to load, skipping (fail-open)",
					zap.String("path", file),
					zap.Error(err),
				)
				continue
			}
			return r.failure(start, err)
		}
		infos = append(infos, res.Info)
		admitted = append(admitted, res.Admitted...)
		diags = append(diags, res.Diag)
	}

	snap := registry.NewSnapshot(infos, admitted, time.Now())
	old := r.handle.Swap(snap)
	// The old snapshot stays alive until the last in-flight scan holding it
	// returns; nothing to free explicitly.
	_ = old

	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	r.logger.Info("registry snapshot installed",
		zap.String("version", snap.Version()),
		zap.Int("total_rules", snap.RuleCount()),
		zap.Int("total_datasets", len(infos)),
		zap.Float64("reload_time_ms", elapsed),
	)

	return &ReloadOutcome{
		Status:         "success",
		RuleSetVersion: snap.Version(),
		TotalRules:     snap.RuleCount(),
		TotalDatasets:  len(infos),
		ReloadTimeMs:   elapsed,
		Diagnostics:    diags,
	}
}

func (r *Reloader) failure(start time.Time, err error) *ReloadOutcome {
	r.metrics.IncReloadFailure()
	current := r.handle.Current()
	r.logger.Error("dataset reload failed, keeping previous snapshot",
		zap.String("active_version", current.Version()),
		zap.Error(err),
	)
	return &ReloadOutcome{
		Status:         "failure",
		RuleSetVersion: current.Version(),
		TotalRules:     current.RuleCount(),
		TotalDatasets:  len(current.Datasets()),
		ReloadTimeMs:   float64(time.Since(start)) / float64(time.Millisecond),
		Error:          err.Error(),
	}
}

// expandPaths resolves the configured dataset paths: files are taken as-is,
// directories contribute their .yaml/.yml entries in sorted order.
func (r *Reloader) expandPaths() ([]string, error) {
	var files []string
	for _, p := range r.paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scanner: dataset path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("scanner: dataset dir %s: %w", p, err)
		}
		var dirFiles []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				dirFiles = append(dirFiles, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(dirFiles)
		files = append(files, dirFiles...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("scanner: no dataset files found in %v", r.paths)
	}
	return files, nil
}
