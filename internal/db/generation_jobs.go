package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const generationJobColumns = `id, owner_id, job_type, provider, prompt, external_job_id, tune_id,
	status, result_urls, thumbnail_urls, error_message, provider_meta,
	created_at, updated_at, completed_at`

func scanGenerationJob(row interface{ Scan(dest ...any) error }) (GenerationJob, error) {
	var j GenerationJob
	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.JobType,
		&j.Provider,
		&j.Prompt,
		&j.ExternalJobID,
		&j.TuneID,
		&j.Status,
		&j.ResultUrls,
		&j.ThumbnailUrls,
		&j.ErrorMessage,
		&j.ProviderMeta,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.CompletedAt,
	)
	return j, err
}

const createGenerationJob = `
INSERT INTO generation_jobs (owner_id, job_type, provider, prompt, provider_meta)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + generationJobColumns

type CreateGenerationJobParams struct {
	OwnerID      pgtype.UUID
	JobType      JobType
	Provider     Provider
	Prompt       string
	ProviderMeta []byte
}

func (q *Queries) CreateGenerationJob(ctx context.Context, arg CreateGenerationJobParams) (GenerationJob, error) {
	row := q.db.QueryRow(ctx, createGenerationJob,
		arg.OwnerID, arg.JobType, arg.Provider, arg.Prompt, arg.ProviderMeta)
	return scanGenerationJob(row)
}

const getGenerationJob = `
SELECT ` + generationJobColumns + `
FROM generation_jobs
WHERE id = $1`

func (q *Queries) GetGenerationJob(ctx context.Context, id pgtype.UUID) (GenerationJob, error) {
	row := q.db.QueryRow(ctx, getGenerationJob, id)
	return scanGenerationJob(row)
}

const getGenerationJobByExternalID = `
SELECT ` + generationJobColumns + `
FROM generation_jobs
WHERE provider = $1 AND external_job_id = $2`

type GetGenerationJobByExternalIDParams struct {
	Provider      Provider
	ExternalJobID string
}

func (q *Queries) GetGenerationJobByExternalID(ctx context.Context, arg GetGenerationJobByExternalIDParams) (GenerationJob, error) {
	row := q.db.QueryRow(ctx, getGenerationJobByExternalID, arg.Provider, arg.ExternalJobID)
	return scanGenerationJob(row)
}

const listGenerationJobsByOwner = `
SELECT ` + generationJobColumns + `
FROM generation_jobs
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`

type ListGenerationJobsByOwnerParams struct {
	OwnerID pgtype.UUID
	Limit   int32
	Offset  int32
}

func (q *Queries) ListGenerationJobsByOwner(ctx context.Context, arg ListGenerationJobsByOwnerParams) ([]GenerationJob, error) {
	rows, err := q.db.Query(ctx, listGenerationJobsByOwner, arg.OwnerID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const assignExternalJob = `
UPDATE generation_jobs
SET external_job_id = $2, tune_id = $3, status = 'processing', updated_at = now()
WHERE id = $1 AND status = 'pending'`

type AssignExternalJobParams struct {
	ID            pgtype.UUID
	ExternalJobID string
	TuneID        *string
}

// AssignExternalJob records the provider's job id and moves the record into
// PROCESSING. It is a no-op once the record has left PENDING, so a webhook
// that wins the race cannot be overwritten.
func (q *Queries) AssignExternalJob(ctx context.Context, arg AssignExternalJobParams) (int64, error) {
	tag, err := q.db.Exec(ctx, assignExternalJob, arg.ID, arg.ExternalJobID, arg.TuneID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const touchGenerationJob = `
UPDATE generation_jobs
SET updated_at = now()
WHERE id = $1 AND status = 'processing'`

// TouchGenerationJob refreshes updated_at so the orphan sweeper's grace
// window can tell a live poller from an abandoned one.
func (q *Queries) TouchGenerationJob(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, touchGenerationJob, id)
	return err
}

const completeGenerationJob = `
UPDATE generation_jobs
SET status = 'completed', result_urls = $2, thumbnail_urls = $3,
    provider_meta = COALESCE($4, provider_meta),
    error_message = NULL, completed_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`

type CompleteGenerationJobParams struct {
	ID            pgtype.UUID
	ResultUrls    []string
	ThumbnailUrls []string
	ProviderMeta  []byte
}

// CompleteGenerationJob is the success half of the terminal compare-and-swap.
// Zero rows affected means another completion path already finalized the job.
func (q *Queries) CompleteGenerationJob(ctx context.Context, arg CompleteGenerationJobParams) (int64, error) {
	tag, err := q.db.Exec(ctx, completeGenerationJob,
		arg.ID, arg.ResultUrls, arg.ThumbnailUrls, arg.ProviderMeta)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const failGenerationJob = `
UPDATE generation_jobs
SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`

type FailGenerationJobParams struct {
	ID           pgtype.UUID
	Status       JobStatus
	ErrorMessage string
}

// FailGenerationJob is the failure half of the terminal compare-and-swap,
// used for FAILED and CANCELLED outcomes alike.
func (q *Queries) FailGenerationJob(ctx context.Context, arg FailGenerationJobParams) (int64, error) {
	tag, err := q.db.Exec(ctx, failGenerationJob, arg.ID, arg.Status, arg.ErrorMessage)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listStuckProcessingJobs = `
SELECT ` + generationJobColumns + `
FROM generation_jobs
WHERE status = 'processing'
  AND external_job_id IS NOT NULL
  AND updated_at < $1
  AND updated_at > $2
ORDER BY updated_at ASC
LIMIT $3`

type ListStuckProcessingJobsParams struct {
	UpdatedBefore time.Time
	UpdatedAfter  time.Time
	Limit         int32
}

func (q *Queries) ListStuckProcessingJobs(ctx context.Context, arg ListStuckProcessingJobsParams) ([]GenerationJob, error) {
	rows, err := q.db.Query(ctx, listStuckProcessingJobs, arg.UpdatedBefore, arg.UpdatedAfter, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []GenerationJob
	for rows.Next() {
		j, err := scanGenerationJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const failAbandonedJobs = `
UPDATE generation_jobs
SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
WHERE status IN ('pending', 'processing') AND updated_at < $1`

type FailAbandonedJobsParams struct {
	UpdatedBefore time.Time
	ErrorMessage  string
}

// FailAbandonedJobs closes out jobs older than the staleness ceiling that the
// sweeper will never revive. Used by cmd/cleanup.
func (q *Queries) FailAbandonedJobs(ctx context.Context, arg FailAbandonedJobsParams) (int64, error) {
	tag, err := q.db.Exec(ctx, failAbandonedJobs, arg.UpdatedBefore, arg.ErrorMessage)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
