package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/klyra-ai/genstudio/internal/apperror"
	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/logger"
	"github.com/klyra-ai/genstudio/internal/notify"
)

type SSEConfig struct {
	Queries Querier
	Hub     *notify.Hub
}

type sseMessage struct {
	Event string
	Data  any
}

// EventsHandler streams terminal job events for every job the owner has in
// flight.
func EventsHandler(cfg *SSEConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamEvents(cfg, w, r, uuid.Nil)
	}
}

// JobEventsHandler streams events for one job. Clients that connect after
// the job finished get the terminal state immediately instead of hanging
// until the keepalive.
func JobEventsHandler(cfg *SSEConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.WrapWithMessage(err, "invalid_payload", "job id must be a UUID", http.StatusBadRequest))
			return
		}
		streamEvents(cfg, w, r, jobID)
	}
}

func streamEvents(cfg *SSEConfig, w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ownerID, ok := GetOwnerID(ctx)
	if !ok {
		apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apperror.WriteJSON(w, r, apperror.New("streaming_unsupported", "streaming not supported", http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the snapshot read so an event landing in between is
	// not lost.
	sub := cfg.Hub.Subscribe(ownerID, jobID)
	defer sub.Close()

	sendSSEMessage(w, flusher, sseMessage{Event: "connected", Data: map[string]string{"status": "connected"}})
	log.Info("event stream opened", "job_id", jobID.String())

	if jobID != uuid.Nil {
		if rec, err := cfg.Queries.GetGenerationJob(ctx, db.UUID(jobID)); err == nil &&
			db.FromUUID(rec.OwnerID) == ownerID && rec.Status.Terminal() {
			sendSSEMessage(w, flusher, sseMessage{Event: "job:" + string(rec.Status), Data: toJobResponse(rec)})
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed")
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			sendSSEMessage(w, flusher, sseMessage{Event: "job:" + event.Status, Data: event})
		case <-ticker.C:
			sendSSEMessage(w, flusher, sseMessage{Event: "keepalive", Data: map[string]int64{"timestamp": time.Now().Unix()}})
		}
	}
}

func sendSSEMessage(w http.ResponseWriter, flusher http.Flusher, msg sseMessage) {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", msg.Event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
