package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/klyra-ai/genstudio/internal/apperror"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/tracing"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxRequestBody  = 1 << 20
)

type JobConfig struct {
	Queries   Querier
	Adapters  provider.Set
	Scheduler *poller.Scheduler
	Completer *poller.Completer
	Registry  *poller.Registry

	WebhookBaseURL string
	validate       *validator.Validate
}

type createJobRequest struct {
	JobType   string            `json:"job_type" validate:"required,oneof=generation training upscale video edit"`
	Provider  string            `json:"provider" validate:"required,oneof=astria replicate local"`
	Prompt    string            `json:"prompt" validate:"required,max=4000"`
	TuneID    string            `json:"tune_id,omitempty" validate:"omitempty,max=128"`
	InputURLs []string          `json:"input_urls,omitempty" validate:"omitempty,max=16,dive,url"`
	Params    map[string]string `json:"params,omitempty" validate:"omitempty,max=32"`
}

type jobResponse struct {
	ID            string     `json:"id"`
	JobType       string     `json:"job_type"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	TuneID        *string    `json:"tune_id,omitempty"`
	ExternalJobID *string    `json:"external_job_id,omitempty"`
	ResultURLs    []string   `json:"result_urls,omitempty"`
	ThumbnailURLs []string   `json:"thumbnail_urls,omitempty"`
	Error         *string    `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(rec db.GenerationJob) jobResponse {
	resp := jobResponse{
		ID:            db.FromUUID(rec.ID).String(),
		JobType:       string(rec.JobType),
		Provider:      string(rec.Provider),
		Status:        string(rec.Status),
		Prompt:        rec.Prompt,
		TuneID:        rec.TuneID,
		ExternalJobID: rec.ExternalJobID,
		ResultURLs:    rec.ResultUrls,
		ThumbnailURLs: rec.ThumbnailUrls,
		Error:         rec.ErrorMessage,
		CreatedAt:     rec.CreatedAt.Time,
		UpdatedAt:     rec.UpdatedAt.Time,
	}
	if rec.CompletedAt.Valid {
		t := rec.CompletedAt.Time
		resp.CompletedAt = &t
	}
	return resp
}

// CreateJobHandler accepts a generation request, records it, submits it to
// the provider and attaches a poll loop. The record exists before submission
// so a crash in between leaves an auditable PENDING row instead of a silent
// provider-side orphan.
func CreateJobHandler(cfg *JobConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logger.FromContext(ctx)

		ownerID, ok := GetOwnerID(ctx)
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		var req createJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_payload", "request body is not valid JSON", http.StatusBadRequest))
			return
		}
		if err := cfg.validate.Struct(req); err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_payload", validationMessage(err), http.StatusBadRequest))
			return
		}

		prov := db.Provider(req.Provider)
		adapter, ok := cfg.Adapters.Get(prov)
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnknownProvider)
			return
		}

		meta, _ := json.Marshal(req.Params)
		rec, err := cfg.Queries.CreateGenerationJob(ctx, db.CreateGenerationJobParams{
			OwnerID:      db.UUID(ownerID),
			JobType:      db.JobType(req.JobType),
			Provider:     prov,
			Prompt:       req.Prompt,
			ProviderMeta: meta,
		})
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}
		jobID := db.FromUUID(rec.ID)
		ctx = logger.WithJobID(ctx, jobID.String())
		log = logger.FromContext(ctx)

		submitCtx, span := tracing.StartSubmitSpan(ctx, req.Provider, req.JobType)
		sub, err := adapter.Submit(submitCtx, provider.SubmitRequest{
			JobType:    db.JobType(req.JobType),
			Prompt:     req.Prompt,
			TuneID:     req.TuneID,
			InputURLs:  req.InputURLs,
			Params:     req.Params,
			WebhookURL: providerWebhookURL(cfg.WebhookBaseURL, prov, jobID),
		})
		span.End()
		if err != nil {
			log.Error("provider submission failed", "provider", req.Provider, "error", err)
			if _, ferr := cfg.Queries.FailGenerationJob(ctx, db.FailGenerationJobParams{
				ID:           rec.ID,
				Status:       db.JobStatusFailed,
				ErrorMessage: "provider rejected the job",
			}); ferr != nil {
				log.Error("failed to mark rejected job", "error", ferr)
			}
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrProviderUnavailable))
			return
		}

		if _, err := cfg.Queries.AssignExternalJob(ctx, db.AssignExternalJobParams{
			ID:            rec.ID,
			ExternalJobID: sub.ExternalJobID,
			TuneID:        optional(sub.TuneID),
		}); err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		rec, err = cfg.Queries.GetGenerationJob(ctx, rec.ID)
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}
		cfg.Scheduler.Watch(ctx, rec)

		log.Info("job submitted",
			"provider", req.Provider,
			"job_type", req.JobType,
			"external_job_id", sub.ExternalJobID)
		writeJSON(w, http.StatusCreated, toJobResponse(rec))
	}
}

func GetJobHandler(cfg *JobConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := ownedJob(r, cfg)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(rec))
	}
}

func ListJobsHandler(cfg *JobConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := GetOwnerID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		limit := queryInt(r, "limit", defaultPageSize)
		if limit < 1 || limit > maxPageSize {
			limit = defaultPageSize
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		jobs, err := cfg.Queries.ListGenerationJobsByOwner(r.Context(), db.ListGenerationJobsByOwnerParams{
			OwnerID: db.UUID(ownerID),
			Limit:   int32(limit),
			Offset:  int32(offset),
		})
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}

		out := make([]jobResponse, 0, len(jobs))
		for _, rec := range jobs {
			out = append(out, toJobResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":   out,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// CancelJobHandler stops the poll loop and drives the record to CANCELLED
// through the completion handler, so a racing provider success still loses
// cleanly.
func CancelJobHandler(cfg *JobConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := ownedJob(r, cfg)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}
		if rec.Status.Terminal() {
			apperror.WriteJSON(w, r, apperror.ErrJobAlreadyTerminal)
			return
		}

		jobID := db.FromUUID(rec.ID)
		won, err := cfg.Completer.Complete(r.Context(), jobID, poller.OutcomeCancelled, nil, "")
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}
		if !won {
			apperror.WriteJSON(w, r, apperror.ErrJobAlreadyTerminal)
			return
		}

		rec, err = cfg.Queries.GetGenerationJob(r.Context(), db.UUID(jobID))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Wrap(err, apperror.ErrInternal))
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(rec))
	}
}

type pollerResponse struct {
	JobID         string    `json:"job_id"`
	OwnerID       string    `json:"owner_id"`
	ExternalJobID string    `json:"external_job_id"`
	Provider      string    `json:"provider"`
	JobType       string    `json:"job_type"`
	StartedAt     time.Time `json:"started_at"`
}

// ListPollersHandler exposes the active poll loops for operators.
func ListPollersHandler(cfg *JobConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := cfg.Registry.List()
		out := make([]pollerResponse, 0, len(active))
		for _, job := range active {
			out = append(out, pollerResponse{
				JobID:         job.JobID.String(),
				OwnerID:       job.OwnerID.String(),
				ExternalJobID: job.ExternalJobID,
				Provider:      string(job.Provider),
				JobType:       string(job.JobType),
				StartedAt:     job.StartedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"pollers": out, "count": len(out)})
	}
}

func ownedJob(r *http.Request, cfg *JobConfig) (db.GenerationJob, error) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		return db.GenerationJob{}, apperror.ErrUnauthorized
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return db.GenerationJob{}, apperror.WrapWithMessage(err, "invalid_payload", "job id must be a UUID", http.StatusBadRequest)
	}
	rec, err := cfg.Queries.GetGenerationJob(r.Context(), db.UUID(jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, apperror.ErrJobNotFound) {
			return db.GenerationJob{}, apperror.ErrJobNotFound
		}
		return db.GenerationJob{}, apperror.Wrap(err, apperror.ErrInternal)
	}
	if db.FromUUID(rec.OwnerID) != ownerID {
		// Do not leak other owners' job ids.
		return db.GenerationJob{}, apperror.ErrJobNotFound
	}
	return rec, nil
}

func providerWebhookURL(base string, prov db.Provider, jobID uuid.UUID) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/%s?job=%s", base, url.PathEscape(string(prov)), jobID)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Sprintf("field %q failed validation rule %q", f.Field(), f.Tag())
	}
	return "request failed validation"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
