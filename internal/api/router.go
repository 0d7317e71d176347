// Package api exposes the scanner over HTTP: /scan, /datasets/reload,
// health probes, metrics, and registry stats. Decision outcomes always
// return 200; 4xx is reserved for malformed or oversize input.
package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-ai/bastion/internal/metrics"
	"github.com/bastion-ai/bastion/internal/registry"
	"github.com/bastion-ai/bastion/internal/scanner"
	"github.com/bastion-ai/bastion/internal/store"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Scanner  *scanner.Scanner
	Reloader *scanner.Reloader
	Handle   *registry.Handle
	Store    *store.Store // nil disables auth (development only)
	Metrics  *metrics.Registry
	Logger   *zap.Logger
	CacheTTL time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	// protect requires a Bearer bsk_ key when a principal store is
	// configured; without one the service runs open for development.
	protect := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if deps.Store != nil {
		auth := newKeyAuth(deps.Store, deps.CacheTTL, deps.Logger)
		protect = auth.require
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /scan", protect(deps.handleScan))
	mux.HandleFunc("POST /datasets/reload", protect(deps.handleReload))
	mux.HandleFunc("GET /stats", protect(deps.handleStats))

	// Health and metrics are unauthenticated probes.
	mux.HandleFunc("GET /health", deps.handleHealth)
	mux.HandleFunc("GET /health/live", deps.handleLiveness)
	mux.HandleFunc("GET /health/ready", deps.handleReadiness)
	mux.HandleFunc("GET /metrics", deps.handleMetrics)

	return withCORS(withAccessLog(deps.Logger, mux))
}
