package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klyra-ai/genstudio/internal/config"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/tracing"
)

const (
	maxBackoff     = 30 * time.Second
	backoffFactor  = 1.5
	maxErrorStreak = 20
)

// Scheduler runs one poll loop per in-flight job. Loops are registered
// first-wins, so a job that already has a watcher, from submission, from the
// sweeper, or from a replica race, never gets a second one.
type Scheduler struct {
	adapters  provider.Set
	store     JobStore
	completer *Completer
	registry  *Registry
	policies  config.PollingPolicies

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(adapters provider.Set, store JobStore, completer *Completer, registry *Registry, policies config.PollingPolicies) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		adapters:  adapters,
		store:     store,
		completer: completer,
		registry:  registry,
		policies:  policies,
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Watch registers the job and starts its poll loop. It returns false when
// the job is already being watched or has no usable provider reference.
func (s *Scheduler) Watch(ctx context.Context, rec db.GenerationJob) bool {
	if rec.Status.Terminal() || rec.ExternalJobID == nil || *rec.ExternalJobID == "" {
		return false
	}
	adapter, ok := s.adapters.Get(rec.Provider)
	if !ok {
		logger.FromContext(ctx).Error("no adapter configured for provider",
			"provider", string(rec.Provider),
			"job_id", db.FromUUID(rec.ID).String())
		return false
	}

	loopCtx, cancel := context.WithCancel(s.baseCtx)
	job := &ActiveJob{
		JobID:         db.FromUUID(rec.ID),
		OwnerID:       db.FromUUID(rec.OwnerID),
		ExternalJobID: *rec.ExternalJobID,
		Provider:      rec.Provider,
		JobType:       rec.JobType,
		StartedAt:     time.Now(),
		cancel:        cancel,
	}
	if rec.TuneID != nil {
		job.TuneID = *rec.TuneID
	}
	if !s.registry.Register(job) {
		cancel()
		return false
	}

	s.wg.Add(1)
	go s.run(loopCtx, adapter, job, rec)
	return true
}

// Cancel stops the poll loop for the job without touching the record. The
// completion handler owns the terminal transition.
func (s *Scheduler) Cancel(jobID uuid.UUID) {
	if job, ok := s.registry.Get(jobID); ok && job.cancel != nil {
		job.cancel()
	}
}

// Shutdown stops every poll loop and waits for them to drain. Jobs stay
// PROCESSING in the store and are picked up by the sweeper on restart.
func (s *Scheduler) Shutdown() {
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, adapter provider.Adapter, job *ActiveJob, rec db.GenerationJob) {
	defer s.wg.Done()

	policy := s.policies.Lookup(string(job.Provider), string(job.JobType))
	deadline := job.StartedAt.Add(policy.MaxTimeout)
	if rec.CreatedAt.Valid {
		deadline = rec.CreatedAt.Time.Add(policy.MaxTimeout)
	}

	ctx = logger.WithJobID(ctx, job.JobID.String())
	log := logger.FromContext(ctx)
	log.Info("watching job",
		"provider", string(job.Provider),
		"job_type", string(job.JobType),
		"external_job_id", job.ExternalJobID,
		"interval", policy.Interval.String(),
		"max_timeout", policy.MaxTimeout.String())

	ref := provider.JobRef{
		ExternalJobID: job.ExternalJobID,
		TuneID:        job.TuneID,
		JobType:       job.JobType,
	}

	attempts := 0
	errStreak := 0
	timer := time.NewTimer(policy.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("poll loop stopped", "attempts", attempts)
			return
		case <-timer.C:
		}

		if time.Now().After(deadline) || attempts >= policy.MaxAttempts {
			log.Warn("job exceeded polling budget",
				"attempts", attempts,
				"elapsed", time.Since(job.StartedAt).String())
			s.finish(ctx, job, OutcomeTimeout, nil, "")
			return
		}

		metrics.RecordPoll(string(job.Provider), string(job.JobType))
		pollCtx, span := tracing.StartPollSpan(ctx, string(job.Provider), job.JobID.String())
		status, err := adapter.CheckStatus(pollCtx, ref)
		span.End()
		switch {
		case errors.Is(err, provider.ErrJobGone):
			s.handleGone(ctx, job)
			return
		case err != nil:
			// Transport trouble. Back off without consuming an attempt so a
			// flaky network cannot time a healthy job out.
			metrics.RecordPollError(string(job.Provider), string(job.JobType))
			errStreak++
			wait := backoff(policy.Interval, errStreak)
			log.Warn("status check failed, backing off",
				"error", err,
				"streak", errStreak,
				"retry_in", wait.String())
			timer.Reset(wait)
			continue
		}

		errStreak = 0
		attempts++

		if status.State.Terminal() {
			s.finish(ctx, job, outcomeFor(status.State), status.ResultURLs, status.ErrorInfo)
			return
		}

		if err := s.store.TouchGenerationJob(ctx, db.UUID(job.JobID)); err != nil {
			log.Warn("failed to refresh job heartbeat", "error", err)
		}
		timer.Reset(policy.Interval)
	}
}

// handleGone deals with a provider that has forgotten the job id. If another
// path already finalized the record the disappearance is benign; otherwise
// the results are unrecoverable and the job fails.
func (s *Scheduler) handleGone(ctx context.Context, job *ActiveJob) {
	rec, err := s.store.GetGenerationJob(ctx, db.UUID(job.JobID))
	if err == nil && rec.Status.Terminal() {
		s.registry.Unregister(job.JobID)
		return
	}
	s.finish(ctx, job, OutcomeFailed, nil, "job no longer exists at provider")
}

func (s *Scheduler) finish(ctx context.Context, job *ActiveJob, outcome Outcome, resultURLs []string, errInfo string) {
	// Completion must survive scheduler shutdown, so it gets its own context.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	if _, err := s.completer.Complete(cctx, job.JobID, outcome, resultURLs, errInfo); err != nil {
		logger.FromContext(logger.WithJobID(ctx, job.JobID.String())).Error("failed to finalize job",
			"outcome", string(outcome),
			"error", err)
		s.registry.Unregister(job.JobID)
	}
}

func outcomeFor(state provider.State) Outcome {
	switch state {
	case provider.StateSucceeded:
		return OutcomeSucceeded
	case provider.StateCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

func backoff(interval time.Duration, streak int) time.Duration {
	if streak > maxErrorStreak {
		streak = maxErrorStreak
	}
	wait := time.Duration(float64(interval) * math.Pow(backoffFactor, float64(streak)))
	if wait > maxBackoff {
		return maxBackoff
	}
	return wait
}
