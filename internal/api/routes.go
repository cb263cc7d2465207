package api

import (
	"jobflow/internal/health"
	"jobflow/internal/job"
	"jobflow/internal/observability"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Trigger and task-queue targets - no auth (network-isolated)
	mux.HandleFunc("POST /v1/triggers/created", handler.TriggerCreated)
	mux.HandleFunc("POST /v1/triggers/updated", handler.TriggerUpdated)
	mux.HandleFunc("POST /v2/handlers/retry", handler.RetryHandler)
	mux.HandleFunc("POST /v2/handlers/error", handler.ErrorHandler)

	// Job endpoints - auth required. Other methods on /v2/jobs get the
	// plain-text 405 body before any credential check.
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v2/jobs", authMiddleware(http.HandlerFunc(handler.SubmitJob)))
	mux.HandleFunc("/v2/jobs", methodNotAllowed(http.MethodPost))
	mux.Handle("GET /v1/jobs/{collection}/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))

	// Outermost first
	mws := []Middleware{RecoveryMiddleware(), RequestIDMiddleware(), LoggingMiddleware()}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware(), ContentTypeMiddleware())

	h := otelhttp.NewHandler(Chain(mux, mws...), "jobflow",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	return h
}
