// internal/history/redis.go
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list the room-event feed is pushed onto.
const DefaultQueueName = "pileplan_room_events"

// RoomEventRecord holds the minimal info about one room lifecycle event for
// the historian service. This is telemetry about what happened, never a
// source of truth: the live registry is in-memory only and is never
// reconstructed from this feed.
type RoomEventRecord struct {
	RoomID    string                 `json:"room_id"`
	EventType string                 `json:"event_type"`
	ActorUID  string                 `json:"actor_uid,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Publisher pushes room events onto a Redis queue, fire-and-forget. A nil
// Publisher is valid and publishes nothing.
type Publisher struct {
	rdb    *redis.Client
	queue  string
	logger *logrus.Logger
}

// NewPublisherFromEnv builds a Publisher from REDIS_ADDR, REDIS_DB and
// HISTORIAN_QUEUE_NAME. An empty REDIS_ADDR disables the feed entirely and
// returns (nil, nil).
func NewPublisherFromEnv(logger *logrus.Logger) (*Publisher, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	queue := os.Getenv("HISTORIAN_QUEUE_NAME")
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Publisher{rdb: rdb, queue: queue, logger: logger}, nil
}

// Publish serializes the record and RPUSHes it onto the queue. Failures are
// logged and swallowed; a room operation must never fail because the feed is
// unavailable.
func (p *Publisher) Publish(ctx context.Context, record RoomEventRecord) {
	if p == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		p.logger.WithError(err).Warn("failed to marshal room event record")
		return
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		p.logger.WithError(err).WithField("queue", p.queue).Warn("failed to push room event record")
	}
}

// Close releases the underlying Redis client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
