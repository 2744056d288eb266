// Package httpapi mounts the document-submission and inspection HTTP
// surface: a chi router wiring the pipeline orchestrator, health tracker
// and Prometheus registry behind rate limiting, idempotency and
// bearer-token admin auth.
package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docpipeline/core/internal/health"
	"github.com/docpipeline/core/internal/idempotency"
	"github.com/docpipeline/core/internal/metrics"
	"github.com/docpipeline/core/internal/pipeline"
	"github.com/docpipeline/core/internal/ratelimit"
)

// bodySizeLimit caps request bodies the document-submission endpoint will
// read, guarding against a client streaming an unbounded body.
const bodySizeLimit = 10 << 20 // 10MB

// Dependencies bundles everything the document-submission/inspection
// surface needs. Every field is required unless noted.
type Dependencies struct {
	Orchestrator     *pipeline.Orchestrator
	Health           *health.Tracker
	Metrics          *metrics.Registry
	RateLimiter      *ratelimit.Limiter
	IdempotencyCache *idempotency.Cache // nil disables idempotency replay
	AdminToken       string
}

// MountRoutes attaches every route to r.
func MountRoutes(r *chi.Mux, deps Dependencies) {
	r.Get("/healthz", handleHealthz(deps))
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Group(func(v1 chi.Router) {
		v1.Use(deps.RateLimiter.Middleware)
		if deps.IdempotencyCache != nil {
			v1.Use(idempotency.Middleware(deps.IdempotencyCache))
		}
		v1.Post("/v1/documents", handleSubmitDocument(deps))
		v1.Get("/v1/documents/{documentID}", handleDocumentStatus(deps))
	})

	r.Group(func(admin chi.Router) {
		admin.Use(adminAuthMiddleware(deps.AdminToken))
		admin.Get("/admin/health", handleAdminHealth(deps))
	})
}

// adminAuthMiddleware requires a `Bearer <token>` Authorization header
// matching the configured admin token, compared in constant time.
func adminAuthMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(got) <= len(prefix) || got[:len(prefix)] != prefix {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			token := got[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
