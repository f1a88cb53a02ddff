package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/klyra-ai/genstudio/internal/logger"
)

const subscriberBuffer = 16

// Subscription is a single SSE client's view of the event stream.
type Subscription struct {
	C chan Event

	ownerID uuid.UUID
	jobID   uuid.UUID // uuid.Nil means all jobs for the owner
	hub     *Hub
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans job events out to connected subscribers, filtered by owner and
// optionally by job. There is no global hub; callers construct one and pass
// it where needed.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for the owner's events. Pass uuid.Nil as
// jobID to receive events for all of the owner's jobs.
func (h *Hub) Subscribe(ownerID, jobID uuid.UUID) *Subscription {
	sub := &Subscription{
		C:       make(chan Event, subscriberBuffer),
		ownerID: ownerID,
		jobID:   jobID,
		hub:     h,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.C)
	}
	h.mu.Unlock()
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers the event to every matching subscriber. Full channels
// drop the event rather than block.
func (h *Hub) Broadcast(ctx context.Context, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.ownerID != event.OwnerID {
			continue
		}
		if sub.jobID != uuid.Nil && sub.jobID != event.JobID {
			continue
		}
		select {
		case sub.C <- event:
		default:
			logger.FromContext(ctx).Warn("dropping event for slow subscriber",
				"job_id", event.JobID.String(),
				"owner_id", event.OwnerID.String())
		}
	}
}
