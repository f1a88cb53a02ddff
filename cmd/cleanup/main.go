package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klyra-ai/genstudio/internal/config"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
)

// Fails PROCESSING jobs older than the staleness ceiling. The sweeper inside
// the api process deliberately skips these, so a periodic run of this binary
// (cron or a k8s CronJob) is what finally closes them out.
func main() {
	if err := run(); err != nil {
		slog.Error("cleanup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()

	log.Info("starting abandoned job cleanup", "staleness", cfg.SweepStaleness.String())
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

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

	queries := db.New(pool)

	failed, err := queries.FailAbandonedJobs(ctx, db.FailAbandonedJobsParams{
		UpdatedBefore: time.Now().Add(-cfg.SweepStaleness),
		ErrorMessage:  fmt.Sprintf("job abandoned after %s without progress", cfg.SweepStaleness),
	})
	if err != nil {
		return fmt.Errorf("failed to close abandoned jobs: %w", err)
	}

	log.Info("cleanup completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"jobs_failed", failed,
	)

	return nil
}
