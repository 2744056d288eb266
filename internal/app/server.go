package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/docpipeline/core/internal/batch"
	"github.com/docpipeline/core/internal/circuitbreaker"
	"github.com/docpipeline/core/internal/executor"
	"github.com/docpipeline/core/internal/gpuprobe"
	"github.com/docpipeline/core/internal/health"
	"github.com/docpipeline/core/internal/httpapi"
	"github.com/docpipeline/core/internal/idempotency"
	"github.com/docpipeline/core/internal/logging"
	"github.com/docpipeline/core/internal/metrics"
	"github.com/docpipeline/core/internal/observability"
	"github.com/docpipeline/core/internal/pipeline"
	"github.com/docpipeline/core/internal/profiles"
	"github.com/docpipeline/core/internal/providers/openrouter"
	"github.com/docpipeline/core/internal/queue"
	"github.com/docpipeline/core/internal/ratelimit"
	"github.com/docpipeline/core/internal/router"
	"github.com/docpipeline/core/internal/store"
	"github.com/docpipeline/core/internal/tokens"
	"github.com/docpipeline/core/internal/tracing"
	"github.com/docpipeline/core/internal/vault"
	"github.com/docpipeline/core/internal/workflow"
)

// Server owns every long-lived resource wired together at startup: the HTTP
// router, the pipeline orchestrator, and the background workers (health
// prober, rate limiter, idempotency cache, Temporal worker) that back it.
type Server struct {
	cfg Config

	r *chi.Mux

	vault            *vault.Vault
	store            store.CredentialStore
	logger           *slog.Logger
	orchestrator     *pipeline.Orchestrator
	dispatcher       *workflow.Dispatcher
	temporal         *workflow.Manager // nil when Temporal disabled
	prober           *health.Prober
	rateLimiter      *ratelimit.Limiter
	idempotencyCache *idempotency.Cache          // nil when idempotency disabled
	otelShutdown     func(context.Context) error // nil when OTel disabled
	sinks            pipeline.Sinks

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

// NewServer wires every component and mounts the HTTP surface, but does not
// start listening; the caller owns the net/http.Server and calls
// SetHTTPServer so Close() can drain it.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	// Restore vault salt from DB (for credential persistence across restarts).
	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && salt != nil {
		v.SetSalt(salt)
		logger.Info("restored vault salt from database")
		if data != nil {
			_ = v.Import(data)
			logger.Info("restored vault credentials", slog.Int("keys", len(data)))
		}
	}

	// Auto-unlock vault from environment if PIPELINE_VAULT_PASSWORD is set.
	// This allows headless/automated deployments to skip interactive unlock.
	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("PIPELINE_VAULT_PASSWORD is set: vault password is visible in the process environment — prefer a secrets manager or encrypted secret store in production")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from PIPELINE_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from PIPELINE_VAULT_PASSWORD")
			if salt := v.Salt(); salt != nil {
				data := v.Export()
				if err := db.SaveVaultBlob(context.Background(), salt, data); err != nil {
					logger.Warn("failed to persist vault blob after auto-unlock", slog.String("error", err.Error()))
				}
			}
		}
	}
	openRouterAPIKey := resolveOpenRouterAPIKey(v, cfg, logger)

	adapter := openrouter.New(openRouterAPIKey, cfg.OpenRouterBaseURL,
		openrouter.WithAppIdentity(cfg.OpenRouterAppURL, cfg.OpenRouterAppName),
		openrouter.WithTimeout(time.Duration(cfg.ProviderTimeoutSecs)*time.Second))

	ht := health.NewTracker(health.DefaultConfig(), health.WithOnUpdate(func(providerID string, state health.State) {
		logger.Info("provider health state change", slog.String("provider", providerID), slog.String("state", string(state)))
	}))
	prober := health.NewProber(health.DefaultProberConfig(), ht, []health.Probeable{adapter}, logger)
	prober.Start()

	idemCache := idempotency.New(5*time.Minute, 10000)

	profileStore := profiles.NewStore()
	q := queue.New()
	var gpuSampler gpuprobe.Sampler = gpuprobe.NewNvidiaSMISampler()

	es := observability.NewElasticsearchClient(observability.ElasticsearchConfig{
		BaseURL:  cfg.ElasticsearchURL,
		APIKey:   cfg.ElasticsearchAPIKey,
		Username: cfg.ElasticsearchUsername,
		Password: cfg.ElasticsearchPassword,
		TimeoutS: cfg.ElasticsearchTimeoutS,
	})
	obsDir := observabilityDir(cfg.DBDSN)
	sinks := pipeline.Sinks{
		Decisions:  observability.NewSink(filepath.Join(obsDir, "router-decisions.json"), cfg.IndexRouter, es, logger),
		Batches:    observability.NewSink(filepath.Join(obsDir, "batch-events.json"), cfg.IndexBatch, es, logger),
		Benchmarks: observability.NewSink(filepath.Join(obsDir, "benchmark-results.json"), cfg.IndexBenchmarks, es, logger),
		Runs:       observability.NewSink(filepath.Join(obsDir, "pipeline-run-summary.json"), cfg.IndexRuns, es, logger),
	}

	pcfg := pipeline.Config{
		Candidates:       candidateModels(cfg),
		MinContextTokens: 64,
		DefaultBudget: tokens.Budget{
			MaxInput:     cfg.MaxTokensPerBatch,
			MaxOutput:    cfg.MaxTokensPerBatch / 4,
			SafetyMargin: 0.1,
		},
		PlannerCaps: batch.PlannerCaps{
			MaxBatchSize:      cfg.MaxBatchSize,
			MaxTokensPerBatch: cfg.MaxTokensPerBatch,
			MinFreeMemoryMB:   cfg.MinFreeMemoryMB,
		},
		RetryLimit:  cfg.RetryLimit,
		Concurrency: cfg.ExecutionConcurrency,
	}

	cb := circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("temporal circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.TemporalCircuitState.Set(float64(to))
		}),
	)

	orchestrator := pipeline.New(pcfg, profileStore, q, gpuSampler, nil, adapter, sinks, logger)
	orchestrator.SetMetrics(m)
	exec := executor.NewExecutor(orchestrator.Infer, orchestrator.Fallback)

	var tmgr *workflow.Manager
	if cfg.TemporalEnabled {
		acts := &workflow.Activities{Executor: exec}
		tmgr, err = workflow.New(workflow.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Error("failed to initialize Temporal", slog.String("error", err.Error()))
			tmgr = nil
		} else if err := tmgr.Start(); err != nil {
			logger.Error("failed to start Temporal worker", slog.String("error", err.Error()))
			tmgr.Stop()
			tmgr = nil
		} else {
			m.TemporalUp.Set(1)
			logger.Info("temporal workflow engine started",
				slog.String("host", cfg.TemporalHostPort),
				slog.String("namespace", cfg.TemporalNamespace),
				slog.String("task_queue", cfg.TemporalTaskQueue),
			)
		}
	}
	dispatcher := workflow.NewDispatcher(tmgr, cb, exec)
	orchestrator.SetDispatcher(dispatcher)
	orchestrator.Start(2*time.Second, cfg.MaxBatchSize)

	// Admin endpoints are always protected. Auto-generate a token if the
	// operator didn't set one, and log it so they can retrieve it.
	if cfg.AdminToken == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		cfg.AdminToken = hex.EncodeToString(tokenBytes)
		logger.Warn("PIPELINE_ADMIN_TOKEN not set — auto-generated token written to data dir (retrieve with: pipelinectl admin-token)")
	}
	writeStateEnv(cfg.DBDSN, cfg.AdminToken, logger)
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("PIPELINE_CORS_ORIGINS not set — CORS allows all origins")
	}

	s := &Server{
		cfg:              cfg,
		r:                r,
		vault:            v,
		store:            db,
		logger:           logger,
		orchestrator:     orchestrator,
		dispatcher:       dispatcher,
		temporal:         tmgr,
		prober:           prober,
		rateLimiter:      rl,
		idempotencyCache: idemCache,
		otelShutdown:     otelShutdown,
		sinks:            sinks,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator:     orchestrator,
		Health:           ht,
		Metrics:          m,
		RateLimiter:      rl,
		IdempotencyCache: idemCache,
		AdminToken:       cfg.AdminToken,
	})

	return s, nil
}

// resolveOpenRouterAPIKey prefers a vault-stored key (set via pipelinectl
// once the vault is unlocked) and falls back to the environment-sourced
// value, persisting it into the vault when one isn't already stored.
func resolveOpenRouterAPIKey(v *vault.Vault, cfg Config, logger *slog.Logger) string {
	if !v.IsLocked() {
		if key, err := v.Get("openrouter_api_key"); err == nil && key != "" {
			return key
		}
		if cfg.OpenRouterAPIKey != "" {
			if err := v.Set("openrouter_api_key", cfg.OpenRouterAPIKey); err != nil {
				logger.Warn("failed to persist OpenRouter API key to vault", slog.String("error", err.Error()))
			}
		}
	}
	return cfg.OpenRouterAPIKey
}

// candidateModels builds the routable model pool from the per-task default
// model IDs, deduplicated; an empty entry is dropped rather than routed to.
func candidateModels(cfg Config) []router.CandidateModel {
	seen := make(map[string]bool)
	var out []router.CandidateModel
	for _, id := range []string{cfg.ModelClassification, cfg.ModelExtraction, cfg.ModelRAG, cfg.ModelSummarization, cfg.ModelDefault} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, router.CandidateModel{ModelID: id})
	}
	return out
}

// observabilityDir derives the directory observability JSON-array files are
// written to from the database DSN, mirroring the state-file layout
// writeStateEnv uses next to the database.
func observabilityDir(dbDSN string) string {
	dsn := strings.TrimPrefix(dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return "."
	}
	return filepath.Join(filepath.Dir(dsn), "observability")
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration at runtime without restarting
// the server: rate limits and log level only. Changing the candidate model
// pool or planner caps requires a restart since the orchestrator's
// background loop is already running against the old Config.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

// Close drains in-flight HTTP requests, stops every background worker in
// dependency order, and flushes the observability sinks before closing the
// credential store.
func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	s.orchestrator.Stop()
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.idempotencyCache != nil {
		s.idempotencyCache.Stop()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	for _, sink := range []*observability.Sink{s.sinks.Decisions, s.sinks.Batches, s.sinks.Benchmarks, s.sinks.Runs} {
		if err := sink.Flush(); err != nil {
			s.logger.Warn("observability sink flush error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// writeStateEnv writes startup state as key=value pairs to a file named
// "env" next to the database. pipelinectl's loadEnvFile reads
// ~/.docpipeline/env, so it finds this file only when the database lives
// in ~/.docpipeline.
func writeStateEnv(dbDSN, token string, logger *slog.Logger) {
	dsn := strings.TrimPrefix(dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("failed to create state dir", slog.String("error", err.Error()))
		return
	}
	envContent := []byte("PIPELINE_ADMIN_TOKEN=" + token + "\n")
	if err := os.WriteFile(filepath.Join(dir, "env"), envContent, 0600); err != nil {
		logger.Warn("failed to write state env file", slog.String("error", err.Error()))
	}
}
