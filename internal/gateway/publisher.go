package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const broadcastChannel = "courier.gateway.broadcast"

// broadcastEnvelope is the JSON structure published to the broadcast channel.
type broadcastEnvelope struct {
	Event string          `json:"t"`
	Data  json.RawMessage `json:"d"`
}

// Publisher serializes broadcast events and publishes them to a Redis pub/sub
// channel for delivery by every hub, including the publishing node's own.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a broadcast publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// Publish serializes the event and publishes it to the broadcast channel.
func (p *Publisher) Publish(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal broadcast data: %w", err)
	}
	payload, err := json.Marshal(broadcastEnvelope{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal broadcast envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, broadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}
