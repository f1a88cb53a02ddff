// Package api exposes the job orchestration HTTP surface: job submission and
// inspection for clients, signed status webhooks for providers, and an SSE
// stream for completion events.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/health"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/notify"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/storage"
)

type Querier interface {
	CreateGenerationJob(ctx context.Context, arg db.CreateGenerationJobParams) (db.GenerationJob, error)
	GetGenerationJob(ctx context.Context, id pgtype.UUID) (db.GenerationJob, error)
	GetGenerationJobByExternalID(ctx context.Context, arg db.GetGenerationJobByExternalIDParams) (db.GenerationJob, error)
	ListGenerationJobsByOwner(ctx context.Context, arg db.ListGenerationJobsByOwnerParams) ([]db.GenerationJob, error)
	AssignExternalJob(ctx context.Context, arg db.AssignExternalJobParams) (int64, error)
	FailGenerationJob(ctx context.Context, arg db.FailGenerationJobParams) (int64, error)
}

type Config struct {
	Queries   Querier
	Adapters  provider.Set
	Scheduler *poller.Scheduler
	Completer *poller.Completer
	Registry  *poller.Registry
	Hub       *notify.Hub

	// WebhookSecrets maps provider name to the shared HMAC secret. An empty
	// or missing entry disables signature checks for that provider.
	WebhookSecrets map[db.Provider]string
	WebhookBaseURL string

	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Storage     storage.Storage
}

func NewRouter(cfg *Config) http.Handler {
	mux := http.NewServeMux()

	healthChecker := health.NewChecker(cfg.Pool, cfg.RedisClient).
		WithStorage(cfg.Storage).
		WithPollerCount(cfg.Registry.Len)
	mux.HandleFunc("GET /health", health.HealthHandler(healthChecker))
	mux.HandleFunc("GET /health/live", health.LivenessHandler())
	mux.HandleFunc("GET /health/ready", health.ReadinessHandler(healthChecker))
	mux.Handle("GET /metrics", promhttp.Handler())

	jobCfg := &JobConfig{
		Queries:   cfg.Queries,
		Adapters:  cfg.Adapters,
		Scheduler: cfg.Scheduler,
		Completer: cfg.Completer,
		Registry:  cfg.Registry,

		WebhookBaseURL: cfg.WebhookBaseURL,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/jobs", CreateJobHandler(jobCfg))
	apiMux.HandleFunc("GET /v1/jobs", ListJobsHandler(jobCfg))
	apiMux.HandleFunc("GET /v1/jobs/{id}", GetJobHandler(jobCfg))
	apiMux.HandleFunc("POST /v1/jobs/{id}/cancel", CancelJobHandler(jobCfg))
	apiMux.HandleFunc("GET /v1/pollers", ListPollersHandler(jobCfg))

	sseCfg := &SSEConfig{Queries: cfg.Queries, Hub: cfg.Hub}
	apiMux.HandleFunc("GET /v1/events", EventsHandler(sseCfg))
	apiMux.HandleFunc("GET /v1/jobs/{id}/events", JobEventsHandler(sseCfg))

	webhookCfg := &WebhookConfig{
		Queries:   cfg.Queries,
		Adapters:  cfg.Adapters,
		Completer: cfg.Completer,
		Secrets:   cfg.WebhookSecrets,
	}
	// Provider callbacks authenticate with a signature, not an owner header.
	mux.Handle("POST /webhooks/{provider}", withObservability(http.HandlerFunc(ProviderWebhookHandler(webhookCfg))))

	mux.Handle("/api/", http.StripPrefix("/api",
		withObservability(OwnerAuth(apiMux))))

	return mux
}

func withObservability(next http.Handler) http.Handler {
	return RequestID(RequestLogger(metrics.HTTPMetricsMiddleware(next)))
}

// NewServer wraps the router in an http.Server with sane timeouts. SSE
// streams need an unlimited write timeout, so only headers are bounded.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
