// Package notify delivers job status-change events to subscribers. Delivery
// is fire-and-forget: a slow or broken sink never blocks finalization.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	JobID         uuid.UUID `json:"job_id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Status        string    `json:"status"`
	JobType       string    `json:"job_type"`
	Provider      string    `json:"provider"`
	ResultURLs    []string  `json:"result_urls,omitempty"`
	ThumbnailURLs []string  `json:"thumbnail_urls,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Notifier interface {
	Broadcast(ctx context.Context, event Event)
}

// Fanout broadcasts to every configured sink.
type Fanout []Notifier

func (f Fanout) Broadcast(ctx context.Context, event Event) {
	for _, n := range f {
		n.Broadcast(ctx, event)
	}
}

// Discard is the no-op Notifier, useful in tests and cmd/cleanup.
type Discard struct{}

func (Discard) Broadcast(context.Context, Event) {}
