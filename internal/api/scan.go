package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-ai/bastion/internal/scanner"
)

// handleScan implements POST /scan. The scanner itself never fails; HTTP
// errors are reserved for malformed bodies and the oversize gate.
func (d *Dependencies) handleScan(w http.ResponseWriter, r *http.Request) {
	d.Metrics.ActiveInc()
	defer d.Metrics.ActiveDec()

	var req scanner.Request
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		respond(w, http.StatusUnprocessableEntity, ErrorResp{Detail: "user_input cannot be empty"})
		return
	}

	res := d.Scanner.Scan(r.Context(), &req)

	// Oversize is the one decision that surfaces as an HTTP error.
	if res.Status == scanner.StatusError {
		respond(w, http.StatusRequestEntityTooLarge, res)
		return
	}
	respond(w, http.StatusOK, res)
}

// handleReload implements POST /datasets/reload.
func (d *Dependencies) handleReload(w http.ResponseWriter, r *http.Request) {
	if p, ok := principalFrom(r.Context()); ok {
		d.Logger.Info("dataset reload requested", zap.String("principal", p.Name))
	}
	out := d.Reloader.Reload()
	if out.Status != "success" {
		respond(w, http.StatusInternalServerError, out)
		return
	}
	respond(w, http.StatusOK, out)
}

// handleHealth implements GET /health.
func (d *Dependencies) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := d.Handle.Current()
	respond(w, http.StatusOK, HealthResp{
		Status:         "healthy",
		RuleSetVersion: snap.Version(),
		TotalRules:     snap.RuleCount(),
		TotalDatasets:  len(snap.Datasets()),
	})
}

// handleLiveness implements GET /health/live.
func (d *Dependencies) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadiness implements GET /health/ready. Not ready until a snapshot
// with rules has been installed.
func (d *Dependencies) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	snap := d.Handle.Current()
	if snap.RuleCount() == 0 {
		respond(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Service not ready: no rules loaded"})
		return
	}
	respond(w, http.StatusOK, ReadyResp{
		Status:       "ready",
		RuleCount:    snap.RuleCount(),
		DatasetCount: len(snap.Datasets()),
	})
}

// handleStats implements GET /stats.
func (d *Dependencies) handleStats(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, d.Handle.Current().Stats())
}

// handleMetrics implements GET /metrics in the Prometheus text format.
func (d *Dependencies) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	d.Metrics.WriteText(w)
}
