package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/klyra-ai/genstudio/internal/api"
	"github.com/klyra-ai/genstudio/internal/config"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/notify"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/storage"
	"github.com/klyra-ai/genstudio/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()
	log.Info("configuration loaded")

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
			ServiceName:    "genstudio-api",
			ServiceVersion: "1.0.0",
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			Enabled:        true,
			SampleRate:     1.0,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() { _ = shutdownTracing(ctx) }()
		log.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	log.Info("connecting to database")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("database connected")

	log.Info("connecting to object storage")
	store, err := storage.NewMinIOStorage(&storage.Config{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		Bucket:        cfg.MinIOBucket,
		UseSSL:        cfg.MinIOUseSSL,
		Region:        cfg.MinIORegion,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}
	log.Info("object storage connected")

	log.Info("connecting to redis")
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis connected")

	queries := db.New(pool)

	adapters := provider.Set{}
	if cfg.AstriaAPIKey != "" {
		adapters[db.ProviderAstria] = provider.NewAstriaAdapter(cfg.AstriaBaseURL, cfg.AstriaAPIKey, nil)
	}
	if cfg.ReplicateAPIToken != "" {
		adapters[db.ProviderReplicate] = provider.NewReplicateAdapter(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, nil)
	}
	if cfg.LocalEngineURL != "" {
		adapters[db.ProviderLocal] = provider.NewLocalAdapter(cfg.LocalEngineURL, nil)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no generation providers configured")
	}
	log.Info("providers configured", "count", len(adapters))

	policies := config.DefaultPollingPolicies()
	if cfg.PollingConfigPath != "" {
		policies, err = config.LoadPollingPolicies(cfg.PollingConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load polling policies: %w", err)
		}
		log.Info("polling policies loaded", "path", cfg.PollingConfigPath)
	}

	metrics.SetAppInfo("1.0.0", cfg.Environment, "api")

	hub := notify.NewHub()
	redisNotifier := notify.NewRedisNotifier(redisClient)
	notifier := notify.Fanout{hub, redisNotifier}

	fin := finalizer.New(store, nil, finalizer.Options{
		DownloadAttempts:  cfg.DownloadAttempts,
		DownloadTimeout:   cfg.DownloadTimeout,
		ThumbnailSize:     cfg.ThumbnailSize,
		ThumbnailQuality:  cfg.ThumbnailQuality,
		ThumbnailAttempts: cfg.ThumbnailAttempts,
	})

	registry := poller.NewRegistry()
	completer := poller.NewCompleter(queries, fin, notifier, poller.NoopRefunder{}, registry)
	scheduler := poller.NewScheduler(adapters, queries, completer, registry, policies)
	sweeper := poller.NewSweeper(queries, registry, scheduler,
		cfg.SweepInterval, cfg.SweepGraceWindow, cfg.SweepStaleness, cfg.SweepBatchSize)

	sweepCtx, stopSweeper := context.WithCancel(logger.WithLogger(ctx, log))
	go sweeper.Run(sweepCtx)
	go func() {
		if err := redisNotifier.RunBridge(sweepCtx, hub); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("redis event bridge stopped", "error", err)
		}
	}()

	handler := api.NewRouter(&api.Config{
		Queries:   queries,
		Adapters:  adapters,
		Scheduler: scheduler,
		Completer: completer,
		Registry:  registry,
		Hub:       hub,
		WebhookSecrets: map[db.Provider]string{
			db.ProviderAstria:    cfg.AstriaWebhookSecret,
			db.ProviderReplicate: cfg.ReplicateWebhookSecret,
			db.ProviderLocal:     cfg.LocalWebhookSecret,
		},
		WebhookBaseURL: cfg.WebhookBaseURL,
		Pool:           pool,
		RedisClient:    redisClient,
		Storage:        store,
	})
	if cfg.OTLPEndpoint != "" {
		handler = tracing.HTTPMiddleware("genstudio-api")(handler)
	}

	server := api.NewServer(fmt.Sprintf(":%d", cfg.Port), handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopSweeper()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// Poll loops are stopped after the listener so no new work arrives while
	// they drain. In-flight jobs stay PROCESSING and the sweeper of the next
	// process picks them up.
	stopSweeper()
	scheduler.Shutdown()
	log.Info("shutdown complete")
	return nil
}
