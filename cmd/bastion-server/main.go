package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bastion-ai/bastion/internal/api"
	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/codedetect"
	"github.com/bastion-ai/bastion/internal/dataset"
	"github.com/bastion-ai/bastion/internal/metrics"
	"github.com/bastion-ai/bastion/internal/normalize"
	"github.com/bastion-ai/bastion/internal/prefilter"
	"github.com/bastion-ai/bastion/internal/regexec"
	"github.com/bastion-ai/bastion/internal/registry"
	"github.com/bastion-ai/bastion/internal/scanner"
	"github.com/bastion-ai/bastion/internal/store"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("BASTION_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("BASTION_HTTP_PORT", "8080")
	cfg := scanner.DefaultConfig()
	cfg.RegexTimeout = time.Duration(envOrDefaultInt("BASTION_REGEX_TIMEOUT_MS", 100)) * time.Millisecond
	cfg.RegexQuarantineAfter = envOrDefaultInt("BASTION_REGEX_QUARANTINE_AFTER", 3)
	cfg.StopOnFirstMatch = envOrDefaultBool("BASTION_STOP_ON_FIRST_MATCH", true)
	cfg.EnsembleThreshold = envOrDefaultFloat("BASTION_ENSEMBLE_THRESHOLD", 0.95)
	cfg.EnsembleWarnThreshold = envOrDefaultFloat("BASTION_ENSEMBLE_WARN_THRESHOLD", 0.7)
	cfg.EnsembleIncludeCombined = envOrDefaultBool("BASTION_ENSEMBLE_INCLUDE_COMBINED", true)
	cfg.PrefilterEnabled = envOrDefaultBool("BASTION_PREFILTER_ENABLED", true)
	cfg.PrefilterKeywords = envOrDefaultList("BASTION_PREFILTER_KEYWORDS", prefilter.DefaultKeywords)
	cfg.CodeDetectionEnabled = envOrDefaultBool("BASTION_CODE_DETECTION_ENABLED", true)
	cfg.CodeConfidenceThreshold = envOrDefaultFloat("BASTION_CODE_CONFIDENCE_THRESHOLD", 0.7)
	cfg.DatasetHMACSecret = os.Getenv("BASTION_DATASET_HMAC_SECRET")
	cfg.DatasetPaths = envOrDefaultList("BASTION_DATASET_PATHS", []string{"./datasets"})
	cfg.FailOpen = envOrDefaultBool("BASTION_FAIL_OPEN", false)
	cfg.MaxInputBytes = envOrDefaultInt("BASTION_MAX_INPUT_BYTES", 1<<20)
	cfg.ScanDeadline = time.Duration(envOrDefaultInt("BASTION_SCAN_DEADLINE_MS", 500)) * time.Millisecond
	cfg.DisabledSteps = envOrDefaultList("BASTION_DISABLE_NORMALIZE_STEPS", nil)

	clickhouseDSN := os.Getenv("BASTION_CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("BASTION_POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("BASTION_AUTH_CACHE_TTL_S", 30)

	if cfg.DatasetHMACSecret == "" {
		if cfg.FailOpen {
			logger.Warn("BASTION_DATASET_HMAC_SECRET not set; signed datasets will fail verification")
		} else {
			logger.Fatal("BASTION_DATASET_HMAC_SECRET is required in fail-closed mode")
		}
	}

	logger.Info("starting bastion server",
		zap.String("http_port", httpPort),
		zap.Duration("regex_timeout", cfg.RegexTimeout),
		zap.Bool("stop_on_first_match", cfg.StopOnFirstMatch),
		zap.Bool("fail_open", cfg.FailOpen),
		zap.Strings("dataset_paths", cfg.DatasetPaths),
	)

	// Scan-path components
	disabled := make(map[string]bool, len(cfg.DisabledSteps))
	for _, step := range cfg.DisabledSteps {
		disabled[step] = true
	}
	norm := normalize.New(normalize.Config{
		MaxInputBytes:  cfg.MaxInputBytes,
		DisabledStages: disabled,
	})
	detector := codedetect.New(codedetect.Config{
		Enabled:             cfg.CodeDetectionEnabled,
		ConfidenceThreshold: cfg.CodeConfidenceThreshold,
	})
	engine := regexec.New(regexec.Config{
		Timeout:         cfg.RegexTimeout,
		QuarantineAfter: cfg.RegexQuarantineAfter,
	})
	pre := prefilter.New(cfg.PrefilterKeywords)
	reg := metrics.New()
	handle := registry.NewHandle()

	// Initial dataset load — fail-closed refuses to start when it fails.
	loader := dataset.NewLoader(engine, pre, []byte(cfg.DatasetHMACSecret), logger)
	reloader := scanner.NewReloader(loader, handle, cfg.DatasetPaths, cfg.FailOpen, reg, logger)
	if out := reloader.Reload(); out.Status != "success" {
		if !cfg.FailOpen {
			logger.Fatal("initial dataset load failed", zap.String("error", out.Error))
		}
		logger.Warn("initial dataset load failed, starting empty (fail-open)", zap.String("error", out.Error))
	} else {
		logger.Info("datasets loaded",
			zap.String("rule_set_version", out.RuleSetVersion),
			zap.Int("total_rules", out.TotalRules),
			zap.Int("total_datasets", out.TotalDatasets),
		)
	}

	// Audit sink — ClickHouse or LogWriter fallback
	var writer audit.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse audit writer connected")
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no BASTION_CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	scn := scanner.New(cfg, scanner.Deps{
		Normalizer: norm,
		Detector:   detector,
		Engine:     engine,
		Prefilter:  pre,
		Handle:     handle,
		Writer:     writer,
		Metrics:    reg,
		Logger:     logger,
	})

	// Postgres principal store (optional; auth is disabled without it)
	var pgStore *store.Store
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		logger.Info("postgres connected, api auth enabled")

		// One-shot principal bootstrap for fresh deployments.
		if name := os.Getenv("BASTION_BOOTSTRAP_PRINCIPAL"); name != "" {
			p, key, err := pgStore.CreatePrincipal(context.Background(), name)
			if err != nil {
				logger.Fatal("principal bootstrap failed", zap.Error(err))
			}
			// The plaintext key is printed once and never stored.
			fmt.Printf("bootstrap principal %s (%s): %s\n", p.Name, p.ID, key)
		}
	} else {
		logger.Warn("no BASTION_POSTGRES_DSN set, api auth disabled")
	}

	deps := &api.Dependencies{
		Scanner:  scn,
		Reloader: reloader,
		Handle:   handle,
		Store:    pgStore,
		Metrics:  reg,
		Logger:   logger,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("bastion server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
