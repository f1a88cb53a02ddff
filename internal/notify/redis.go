package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/klyra-ai/genstudio/internal/logger"
)

const eventsChannel = "genstudio:job-events"

// eventEnvelope wraps a published event with the id of the publishing
// process, so the publisher's own bridge can tell its messages apart from
// other replicas'.
type eventEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisNotifier publishes job events to a redis channel so that API replicas
// other than the one running the poller can serve SSE streams for the job.
type RedisNotifier struct {
	client *redis.Client
	origin string
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		origin: uuid.NewString(),
	}
}

func (n *RedisNotifier) Broadcast(ctx context.Context, event Event) {
	payload, err := json.Marshal(eventEnvelope{Origin: n.origin, Event: event})
	if err != nil {
		logger.FromContext(ctx).Error("failed to marshal job event", "error", err)
		return
	}
	if err := n.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		logger.FromContext(ctx).Warn("failed to publish job event to redis",
			"job_id", event.JobID.String(),
			"error", err)
	}
}

// RunBridge subscribes to the redis events channel and replays events from
// other replicas into the local hub. It blocks until ctx is cancelled.
func (n *RedisNotifier) RunBridge(ctx context.Context, hub *Hub) error {
	sub := n.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.relay(ctx, hub, []byte(msg.Payload))
		}
	}
}

// relay delivers a channel message to the hub unless this process published
// it, in which case the hub already saw it through the fanout and replaying
// it would double every local subscriber's event.
func (n *RedisNotifier) relay(ctx context.Context, hub *Hub, payload []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.FromContext(ctx).Warn("discarding malformed job event", "error", err)
		return
	}
	if env.Origin == n.origin {
		return
	}
	hub.Broadcast(ctx, env.Event)
}
