package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// RedisForwarder publishes events as JSON on a Redis channel so that other
// services (the room service disconnecting evicted subjects) can react
type RedisForwarder struct {
	client     redis.Cmdable
	channel    string
	eventTypes []string
}

// NewRedisForwarder forwards eventTypes, or every event when none are given,
// to channel
func NewRedisForwarder(client redis.Cmdable, channel string, eventTypes ...string) *RedisForwarder {
	return &RedisForwarder{client: client, channel: channel, eventTypes: eventTypes}
}

// Envelope is the message published on the channel
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handle publishes event on the channel
func (f *RedisForwarder) Handle(ctx context.Context, event shared.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	msg, err := json.Marshal(Envelope{Type: event.EventType(), Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.EventType(), err)
	}
	return nil
}

// EventTypes returns the forwarded event types
func (f *RedisForwarder) EventTypes() []string {
	return f.eventTypes
}

var _ shared.EventHandler = (*RedisForwarder)(nil)
