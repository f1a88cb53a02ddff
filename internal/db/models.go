package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing. Terminal jobs never
// transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type JobType string

const (
	JobTypeGeneration JobType = "generation"
	JobTypeTraining   JobType = "training"
	JobTypeUpscale    JobType = "upscale"
	JobTypeVideo      JobType = "video"
	JobTypeEdit       JobType = "edit"
)

func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeGeneration, JobTypeTraining, JobTypeUpscale, JobTypeVideo, JobTypeEdit:
		return true
	}
	return false
}

type Provider string

const (
	ProviderAstria    Provider = "astria"
	ProviderReplicate Provider = "replicate"
	ProviderLocal     Provider = "local"
)

func ValidProvider(p Provider) bool {
	switch p {
	case ProviderAstria, ProviderReplicate, ProviderLocal:
		return true
	}
	return false
}

// GenerationJob is the durable record for one generation request. It is the
// only shared mutable state between the webhook and polling completion paths;
// all writes go through the guarded queries below.
type GenerationJob struct {
	ID            pgtype.UUID
	OwnerID       pgtype.UUID
	JobType       JobType
	Provider      Provider
	Prompt        string
	ExternalJobID *string
	TuneID        *string
	Status        JobStatus
	ResultUrls    []string
	ThumbnailUrls []string
	ErrorMessage  *string
	ProviderMeta  []byte
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
	CompletedAt   pgtype.Timestamptz
}
