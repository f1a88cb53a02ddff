package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/klyra-ai/genstudio/internal/apperror"
	"github.com/klyra-ai/genstudio/internal/logger"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

const requestIDHeader = "X-Request-ID"

// OwnerAuth resolves the calling owner from the X-Owner-ID header set by the
// gateway in front of this service. Requests without a valid owner id are
// rejected before they reach a handler.
func OwnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Owner-ID")
		ownerID, err := uuid.Parse(raw)
		if err != nil || ownerID == uuid.Nil {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		ctx = logger.WithOwnerID(ctx, ownerID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOwnerID returns the authenticated owner for the request.
func GetOwnerID(ctx context.Context) (uuid.UUID, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(uuid.UUID)
	return ownerID, ok
}

// RequestID attaches an id to the request context and echoes it back in the
// response so callers can correlate logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.FromContext(r.Context()).Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
