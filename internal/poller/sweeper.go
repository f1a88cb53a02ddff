package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
)

// Sweeper re-attaches poll loops to PROCESSING jobs that lost their watcher,
// typically after a process restart. The grace window keeps it from racing
// live pollers; the staleness ceiling keeps it from reviving ancient junk
// that cmd/cleanup will fail instead.
type Sweeper struct {
	store     JobStore
	registry  *Registry
	scheduler *Scheduler

	interval  time.Duration
	grace     time.Duration
	staleness time.Duration
	batchSize int32
}

func NewSweeper(store JobStore, registry *Registry, scheduler *Scheduler, interval, grace, staleness time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		interval:  interval,
		grace:     grace,
		staleness: staleness,
		batchSize: int32(batchSize),
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled. The
// immediate sweep is what recovers orphans at startup.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		logger.FromContext(ctx).Error("orphan sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.FromContext(ctx).Error("orphan sweep failed", "error", err)
			}
		}
	}
}

// RunOnce scans one batch of stuck jobs and restarts their poll loops. It
// returns the number of jobs recovered.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	jobs, err := s.store.ListStuckProcessingJobs(ctx, db.ListStuckProcessingJobsParams{
		UpdatedBefore: now.Add(-s.grace),
		UpdatedAfter:  now.Add(-s.staleness),
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stuck jobs: %w", err)
	}

	recovered := 0
	for _, rec := range jobs {
		jobID := db.FromUUID(rec.ID)
		if _, active := s.registry.Get(jobID); active {
			continue
		}
		if s.scheduler.Watch(ctx, rec) {
			recovered++
			metrics.SweeperRecoveredTotal.Inc()
			logger.FromContext(ctx).Info("recovered orphaned job",
				"job_id", jobID.String(),
				"provider", string(rec.Provider),
				"job_type", string(rec.JobType),
				"stale_for", now.Sub(rec.UpdatedAt.Time).String())
		}
	}

	if recovered > 0 || len(jobs) > 0 {
		logger.FromContext(ctx).Info("orphan sweep finished",
			"candidates", len(jobs),
			"recovered", recovered)
	}
	return recovered, nil
}
