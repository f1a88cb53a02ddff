package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/finalizer"
	"github.com/klyra-ai/genstudio/internal/notify"
)

// fakeQueries backs the API and the poller in tests, with the same terminal
// compare-and-swap behavior as the SQL layer.
type fakeQueries struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.GenerationJob
}

func newFakeQueries() *fakeQueries {
	return &fakeQueries{jobs: make(map[uuid.UUID]*db.GenerationJob)}
}

func (f *fakeQueries) put(rec db.GenerationJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rec
	f.jobs[db.FromUUID(rec.ID)] = &cp
}

func (f *fakeQueries) get(id uuid.UUID) db.GenerationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeQueries) CreateGenerationJob(ctx context.Context, arg db.CreateGenerationJobParams) (db.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	rec := db.GenerationJob{
		ID:           db.UUID(uuid.New()),
		OwnerID:      arg.OwnerID,
		JobType:      arg.JobType,
		Provider:     arg.Provider,
		Prompt:       arg.Prompt,
		Status:       db.JobStatusPending,
		ProviderMeta: arg.ProviderMeta,
		CreatedAt:    pgtype.Timestamptz{Time: now, Valid: true},
		UpdatedAt:    pgtype.Timestamptz{Time: now, Valid: true},
	}
	f.jobs[db.FromUUID(rec.ID)] = &rec
	return rec, nil
}

func (f *fakeQueries) GetGenerationJob(ctx context.Context, id pgtype.UUID) (db.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[db.FromUUID(id)]
	if !ok {
		return db.GenerationJob{}, pgx.ErrNoRows
	}
	return *rec, nil
}

func (f *fakeQueries) GetGenerationJobByExternalID(ctx context.Context, arg db.GetGenerationJobByExternalIDParams) (db.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.jobs {
		if rec.Provider == arg.Provider && rec.ExternalJobID != nil && *rec.ExternalJobID == arg.ExternalJobID {
			return *rec, nil
		}
	}
	return db.GenerationJob{}, pgx.ErrNoRows
}

func (f *fakeQueries) ListGenerationJobsByOwner(ctx context.Context, arg db.ListGenerationJobsByOwnerParams) ([]db.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.GenerationJob
	for _, rec := range f.jobs {
		if rec.OwnerID == arg.OwnerID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeQueries) AssignExternalJob(ctx context.Context, arg db.AssignExternalJobParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status != db.JobStatusPending {
		return 0, nil
	}
	rec.ExternalJobID = &arg.ExternalJobID
	rec.TuneID = arg.TuneID
	rec.Status = db.JobStatusProcessing
	rec.UpdatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	return 1, nil
}

func (f *fakeQueries) TouchGenerationJob(ctx context.Context, id pgtype.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.jobs[db.FromUUID(id)]; ok && rec.Status == db.JobStatusProcessing {
		rec.UpdatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	return nil
}

func (f *fakeQueries) CompleteGenerationJob(ctx context.Context, arg db.CompleteGenerationJobParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status.Terminal() {
		return 0, nil
	}
	now := time.Now()
	rec.Status = db.JobStatusCompleted
	rec.ResultUrls = arg.ResultUrls
	rec.ThumbnailUrls = arg.ThumbnailUrls
	rec.ErrorMessage = nil
	rec.CompletedAt = pgtype.Timestamptz{Time: now, Valid: true}
	rec.UpdatedAt = pgtype.Timestamptz{Time: now, Valid: true}
	return 1, nil
}

func (f *fakeQueries) FailGenerationJob(ctx context.Context, arg db.FailGenerationJobParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[db.FromUUID(arg.ID)]
	if !ok || rec.Status.Terminal() {
		return 0, nil
	}
	now := time.Now()
	rec.Status = arg.Status
	rec.ErrorMessage = &arg.ErrorMessage
	rec.CompletedAt = pgtype.Timestamptz{Time: now, Valid: true}
	rec.UpdatedAt = pgtype.Timestamptz{Time: now, Valid: true}
	return 1, nil
}

func (f *fakeQueries) ListStuckProcessingJobs(ctx context.Context, arg db.ListStuckProcessingJobsParams) ([]db.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.GenerationJob
	for _, rec := range f.jobs {
		if rec.Status != db.JobStatusProcessing || rec.ExternalJobID == nil {
			continue
		}
		t := rec.UpdatedAt.Time
		if t.Before(arg.UpdatedBefore) && t.After(arg.UpdatedAfter) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type fakeFinalizer struct {
	mu     sync.Mutex
	calls  int
	result finalizer.Result
	err    error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, tempURLs []string, ownerID, jobID uuid.UUID) (finalizer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Broadcast(ctx context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) snapshot() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}
