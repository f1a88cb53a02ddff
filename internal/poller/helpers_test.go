package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/klyra-ai/genstudio/internal/apperror"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/notify"
)

// memStore implements JobStore with the same compare-and-swap semantics as
// the SQL queries, so races between completion paths behave like production.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.GenerationJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*db.GenerationJob)}
}

func (m *memStore) put(rec db.GenerationJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.jobs[db.FromUUID(rec.ID)] = &cp
}

func (m *memStore) get(id uuid.UUID) db.GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) GetGenerationJob(ctx context.Context, id pgtype.UUID) (db.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[db.FromUUID(id)]
	if !ok {
		return db.GenerationJob{}, apperror.ErrJobNotFound
	}
	return *rec, nil
}

func (m *memStore) GetGenerationJobByExternalID(ctx context.Context, arg db.GetGenerationJobByExternalIDParams) (db.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.jobs {
		if rec.Provider == arg.Provider && rec.ExternalJobID != nil && *rec.ExternalJobID == arg.ExternalJobID {
			return *rec, nil
		}
	}
	return db.GenerationJob{}, apperror.ErrJobNotFound
}

func (m *memStore) AssignExternalJob(ctx context.Context, arg db.AssignExternalJobParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status != db.JobStatusPending {
		return 0, nil
	}
	rec.ExternalJobID = &arg.ExternalJobID
	rec.TuneID = arg.TuneID
	rec.Status = db.JobStatusProcessing
	rec.UpdatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	return 1, nil
}

func (m *memStore) TouchGenerationJob(ctx context.Context, id pgtype.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.jobs[db.FromUUID(id)]; ok && rec.Status == db.JobStatusProcessing {
		rec.UpdatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	return nil
}

func (m *memStore) CompleteGenerationJob(ctx context.Context, arg db.CompleteGenerationJobParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status.Terminal() {
		return 0, nil
	}
	rec.Status = db.JobStatusCompleted
	rec.ResultUrls = arg.ResultUrls
	rec.ThumbnailUrls = arg.ThumbnailUrls
	rec.ErrorMessage = nil
	now := time.Now()
	rec.CompletedAt = pgtype.Timestamptz{Time: now, Valid: true}
	rec.UpdatedAt = pgtype.Timestamptz{Time: now, Valid: true}
	return 1, nil
}

func (m *memStore) FailGenerationJob(ctx context.Context, arg db.FailGenerationJobParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status.Terminal() {
		return 0, nil
	}
	rec.Status = arg.Status
	rec.ErrorMessage = &arg.ErrorMessage
	now := time.Now()
	rec.CompletedAt = pgtype.Timestamptz{Time: now, Valid: true}
	rec.UpdatedAt = pgtype.Timestamptz{Time: now, Valid: true}
	return 1, nil
}

func (m *memStore) ListStuckProcessingJobs(ctx context.Context, arg db.ListStuckProcessingJobsParams) ([]db.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.GenerationJob
	for _, rec := range m.jobs {
		if rec.Status != db.JobStatusProcessing || rec.ExternalJobID == nil {
			continue
		}
		t := rec.UpdatedAt.Time
		if t.Before(arg.UpdatedBefore) && t.After(arg.UpdatedAfter) {
			out = append(out, *rec)
		}
		if len(out) >= int(arg.Limit) {
			break
		}
	}
	return out, nil
}

// stubFinalizer counts Finalize calls and returns a canned result.
type stubFinalizer struct {
	mu     sync.Mutex
	calls  int
	result finalizer.Result
	err    error
}

func (s *stubFinalizer) Finalize(ctx context.Context, tempURLs []string, ownerID, jobID uuid.UUID) (finalizer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubFinalizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureNotifier records every broadcast event.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Broadcast(ctx context.Context, event notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureNotifier) snapshot() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}

// captureRefunder records refund calls.
type captureRefunder struct {
	mu      sync.Mutex
	refunds []string
}

func (c *captureRefunder) Refund(ctx context.Context, ownerID, jobID uuid.UUID, jobType db.JobType, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds = append(c.refunds, reason)
	return nil
}

func (c *captureRefunder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refunds)
}

func processingJob(externalID string) db.GenerationJob {
	ext := externalID
	now := time.Now()
	return db.GenerationJob{
		ID:            db.UUID(uuid.New()),
		OwnerID:       db.UUID(uuid.New()),
		JobType:       db.JobTypeGeneration,
		Provider:      db.ProviderLocal,
		Prompt:        "a lighthouse at dusk",
		ExternalJobID: &ext,
		Status:        db.JobStatusProcessing,
		CreatedAt:     pgtype.Timestamptz{Time: now, Valid: true},
		UpdatedAt:     pgtype.Timestamptz{Time: now, Valid: true},
	}
}
