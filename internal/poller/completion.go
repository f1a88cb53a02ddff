package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/notify"
	"github.com/klyra-ai/genstudio/internal/tracing"
)

// Outcome is the terminal disposition a completion path is reporting.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// JobStore is the slice of *db.Queries the poller package needs.
type JobStore interface {
	GetGenerationJob(ctx context.Context, id pgtype.UUID) (db.GenerationJob, error)
	GetGenerationJobByExternalID(ctx context.Context, arg db.GetGenerationJobByExternalIDParams) (db.GenerationJob, error)
	AssignExternalJob(ctx context.Context, arg db.AssignExternalJobParams) (int64, error)
	TouchGenerationJob(ctx context.Context, id pgtype.UUID) error
	CompleteGenerationJob(ctx context.Context, arg db.CompleteGenerationJobParams) (int64, error)
	FailGenerationJob(ctx context.Context, arg db.FailGenerationJobParams) (int64, error)
	ListStuckProcessingJobs(ctx context.Context, arg db.ListStuckProcessingJobsParams) ([]db.GenerationJob, error)
}

// ArtifactFinalizer copies provider-hosted results into durable storage.
type ArtifactFinalizer interface {
	Finalize(ctx context.Context, tempURLs []string, ownerID, jobID uuid.UUID) (finalizer.Result, error)
}

// CreditRefunder returns the owner's spend when a job ends without results.
// Refund errors are logged, never propagated: a failed refund must not block
// finalization.
type CreditRefunder interface {
	Refund(ctx context.Context, ownerID, jobID uuid.UUID, jobType db.JobType, reason string) error
}

// NoopRefunder satisfies CreditRefunder for deployments without billing.
type NoopRefunder struct{}

func (NoopRefunder) Refund(context.Context, uuid.UUID, uuid.UUID, db.JobType, string) error {
	return nil
}

// Completer is the sole finalization choke point. Every completion path,
// poll result, webhook, timeout, cancel and sweeper recovery, funnels
// through Complete, and the conditional UPDATE underneath guarantees that
// exactly one of them takes effect.
type Completer struct {
	store    JobStore
	fin      ArtifactFinalizer
	notifier notify.Notifier
	refunder CreditRefunder
	registry *Registry
}

func NewCompleter(store JobStore, fin ArtifactFinalizer, notifier notify.Notifier, refunder CreditRefunder, registry *Registry) *Completer {
	if refunder == nil {
		refunder = NoopRefunder{}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Completer{
		store:    store,
		fin:      fin,
		notifier: notifier,
		refunder: refunder,
		registry: registry,
	}
}

// Complete drives the job to a terminal state. It returns true when this
// call won the terminal transition, false when another path got there first
// or the job was already terminal. Side effects, storage finalization,
// refund and notification, happen only on the winning call.
func (c *Completer) Complete(ctx context.Context, jobID uuid.UUID, outcome Outcome, resultURLs []string, errInfo string) (bool, error) {
	ctx = logger.WithJobID(ctx, jobID.String())
	log := logger.FromContext(ctx)
	defer c.registry.Unregister(jobID)

	rec, err := c.store.GetGenerationJob(ctx, db.UUID(jobID))
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if rec.Status.Terminal() {
		metrics.CompletionNoopsTotal.Inc()
		log.Debug("completion is a no-op, job already terminal", "status", string(rec.Status))
		return false, nil
	}

	ownerID := db.FromUUID(rec.OwnerID)

	if outcome == OutcomeSucceeded {
		won, storageFailed, err := c.completeSuccess(ctx, rec, jobID, ownerID, resultURLs)
		if !storageFailed {
			return won, err
		}
		// Storage rejected every artifact. Fall through and record the
		// failure so the job does not hang in PROCESSING.
		outcome = OutcomeFailed
		errInfo = "failed to store generation results"
	}

	status := db.JobStatusFailed
	if outcome == OutcomeCancelled {
		status = db.JobStatusCancelled
	}
	if errInfo == "" {
		errInfo = defaultErrorMessage(outcome, rec.JobType)
	}

	affected, err := c.store.FailGenerationJob(ctx, db.FailGenerationJobParams{
		ID:           rec.ID,
		Status:       status,
		ErrorMessage: errInfo,
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if affected == 0 {
		metrics.CompletionNoopsTotal.Inc()
		return false, nil
	}

	metrics.RecordCompletion(string(outcome))
	log.Info("job finalized",
		"outcome", string(outcome),
		"provider", string(rec.Provider),
		"job_type", string(rec.JobType),
		"error", errInfo)

	if err := c.refunder.Refund(ctx, ownerID, jobID, rec.JobType, errInfo); err != nil {
		log.Error("credit refund failed", "error", err)
	}

	c.broadcast(ctx, rec, string(status), nil, nil, errInfo)
	return true, nil
}

func (c *Completer) completeSuccess(ctx context.Context, rec db.GenerationJob, jobID, ownerID uuid.UUID, resultURLs []string) (won, storageFailed bool, err error) {
	log := logger.FromContext(logger.WithJobID(ctx, jobID.String()))

	start := time.Now()
	finCtx, span := tracing.StartFinalizeSpan(ctx, jobID.String(), len(resultURLs))
	res, err := c.fin.Finalize(finCtx, resultURLs, ownerID, jobID)
	span.End()
	metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("storage finalization failed",
			"provider", string(rec.Provider),
			"temp_urls", len(resultURLs),
			"error", err)
		return false, true, nil
	}
	for _, f := range res.Failures {
		log.Warn("artifact dropped during finalization", "url", f.URL, "reason", f.Reason)
	}

	affected, err := c.store.CompleteGenerationJob(ctx, db.CompleteGenerationJobParams{
		ID:            rec.ID,
		ResultUrls:    res.PermanentURLs,
		ThumbnailUrls: res.ThumbnailURLs,
	})
	if err != nil {
		return false, false, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if affected == 0 {
		metrics.CompletionNoopsTotal.Inc()
		log.Debug("completion lost the terminal race, stored artifacts are orphaned")
		return false, false, nil
	}

	metrics.RecordCompletion(string(OutcomeSucceeded))
	log.Info("job finalized",
		"outcome", string(OutcomeSucceeded),
		"provider", string(rec.Provider),
		"job_type", string(rec.JobType),
		"artifacts", len(res.PermanentURLs),
		"thumbnails", len(res.ThumbnailURLs))

	c.broadcast(ctx, rec, string(db.JobStatusCompleted), res.PermanentURLs, res.ThumbnailURLs, "")
	return true, false, nil
}

func (c *Completer) broadcast(ctx context.Context, rec db.GenerationJob, status string, resultURLs, thumbURLs []string, errInfo string) {
	metrics.NotificationsTotal.Inc()
	c.notifier.Broadcast(ctx, notify.Event{
		JobID:         db.FromUUID(rec.ID),
		OwnerID:       db.FromUUID(rec.OwnerID),
		Status:        status,
		JobType:       string(rec.JobType),
		Provider:      string(rec.Provider),
		ResultURLs:    resultURLs,
		ThumbnailURLs: thumbURLs,
		Error:         errInfo,
		OccurredAt:    time.Now().UTC(),
	})
}

func defaultErrorMessage(outcome Outcome, jobType db.JobType) string {
	switch outcome {
	case OutcomeTimeout:
		if jobType == db.JobTypeTraining {
			return "model training timed out"
		}
		return "generation timed out"
	case OutcomeCancelled:
		return "cancelled by user"
	default:
		return "generation failed"
	}
}
