package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/klyra-ai/genstudio/internal/apperror"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/metrics"
	"github.com/klyra-ai/genstudio/internal/poller"
	"github.com/klyra-ai/genstudio/internal/provider"
	"github.com/klyra-ai/genstudio/internal/webhook"
)

const maxWebhookBody = 4 << 20

const signatureHeader = "X-Webhook-Signature"

type WebhookConfig struct {
	Queries   Querier
	Adapters  provider.Set
	Completer *poller.Completer
	Secrets   map[db.Provider]string
}

type webhookResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProviderWebhookHandler ingests push status callbacks. Every delivery is
// answered with 200 no matter what went wrong on our side, because providers
// retry non-2xx responses indefinitely and a retry can never do better: a
// lost race is permanent and a broken payload stays broken. Problems are
// logged and counted instead of surfaced as errors.
func ProviderWebhookHandler(cfg *WebhookConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logger.FromContext(ctx)

		prov := db.Provider(r.PathValue("provider"))
		adapter, ok := cfg.Adapters.Get(prov)
		if !ok {
			log.Warn("webhook for unknown provider", "provider", string(prov))
			metrics.RecordWebhook(string(prov), "unknown_provider")
			writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "unknown provider"})
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			log.Warn("unreadable webhook body", "provider", string(prov), "error", err)
			metrics.RecordWebhook(string(prov), "unreadable")
			writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "unreadable payload"})
			return
		}

		// A missing or stale signature is logged, not fatal: the completion
		// signal matters more than the signature, and the idempotency guard
		// downstream means a forged delivery cannot corrupt a finished job.
		if err := webhook.VerifyHeader(payload, r.Header.Get(signatureHeader), cfg.Secrets[prov], webhook.DefaultTolerance); err != nil {
			log.Warn("webhook signature verification failed", "provider", string(prov), "error", err)
			metrics.RecordWebhook(string(prov), "bad_signature")
		}

		status, err := adapter.Classify(payload)
		if err != nil {
			log.Warn("unparseable webhook payload", "provider", string(prov), "error", err)
			metrics.RecordWebhook(string(prov), "unparseable")
			writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "unparseable payload"})
			return
		}

		rec, err := cfg.resolveJob(r, prov, adapter, payload)
		if err != nil {
			// Unmatchable deliveries get a 200 so the provider stops
			// retrying a callback we can never correlate.
			log.Warn("webhook did not match any job", "provider", string(prov), "error", err)
			metrics.RecordWebhook(string(prov), "unmatched")
			writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "no matching job"})
			return
		}
		jobID := db.FromUUID(rec.ID)
		ctx = logger.WithJobID(ctx, jobID.String())
		log = logger.FromContext(ctx)

		if !status.State.Terminal() {
			metrics.RecordWebhook(string(prov), "progress")
			writeJSON(w, http.StatusOK, webhookResponse{
				Success: true,
				JobID:   jobID.String(),
				Status:  string(rec.Status),
				Message: "acknowledged",
			})
			return
		}

		won, err := cfg.Completer.Complete(ctx, jobID, outcomeForState(status.State), status.ResultURLs, status.ErrorInfo)
		if err != nil {
			log.Error("webhook completion failed", "error", err)
			metrics.RecordWebhook(string(prov), "error")
			writeJSON(w, http.StatusOK, webhookResponse{
				Success: false,
				JobID:   jobID.String(),
				Message: "internal error",
			})
			return
		}

		result := "completed"
		message := "job finalized"
		if !won {
			result = "duplicate"
			message = "job was already finalized"
		}
		metrics.RecordWebhook(string(prov), result)

		rec, err = cfg.Queries.GetGenerationJob(ctx, db.UUID(jobID))
		finalStatus := ""
		if err == nil {
			finalStatus = string(rec.Status)
		}
		writeJSON(w, http.StatusOK, webhookResponse{
			Success: true,
			JobID:   jobID.String(),
			Status:  finalStatus,
			Message: message,
		})
	}
}

// resolveJob correlates a delivery to a record, preferring the provider job
// id embedded in the payload and falling back to the ?job= query parameter
// stamped into the callback URL at submission time.
func (cfg *WebhookConfig) resolveJob(r *http.Request, prov db.Provider, adapter provider.Adapter, payload []byte) (db.GenerationJob, error) {
	if externalID := adapter.ExternalID(payload); externalID != "" {
		rec, err := cfg.Queries.GetGenerationJobByExternalID(r.Context(), db.GetGenerationJobByExternalIDParams{
			Provider:      prov,
			ExternalJobID: externalID,
		})
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, apperror.ErrJobNotFound) {
			return db.GenerationJob{}, err
		}
	}

	jobID, err := uuid.Parse(r.URL.Query().Get("job"))
	if err != nil {
		return db.GenerationJob{}, apperror.ErrJobNotFound
	}
	rec, err := cfg.Queries.GetGenerationJob(r.Context(), db.UUID(jobID))
	if err != nil {
		return db.GenerationJob{}, err
	}
	if rec.Provider != prov {
		return db.GenerationJob{}, apperror.ErrJobNotFound
	}
	return rec, nil
}

func outcomeForState(state provider.State) poller.Outcome {
	switch state {
	case provider.StateSucceeded:
		return poller.OutcomeSucceeded
	case provider.StateCancelled:
		return poller.OutcomeCancelled
	default:
		return poller.OutcomeFailed
	}
}
