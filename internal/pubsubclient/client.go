// Package pubsubclient is the concrete broker behind the PubSubChannel:
// Redis Pub/Sub via github.com/redis/go-redis/v9, the client the teacher's
// stack already anchors on (internal/data/cache, infra/*). Redis carries no
// native message-attribute channel the way a managed pub/sub service would,
// so attributes are folded into the published JSON envelope instead.
package pubsubclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Envelope is the wire shape published to a Redis channel: payload plus
// string-typed attributes (SPEC_FULL §6).
type Envelope struct {
	Payload    json.RawMessage   `json:"payload"`
	Attributes map[string]string `json:"attributes"`
}

// Publisher publishes envelopes to named topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload json.RawMessage, attrs map[string]string) error
	Close() error
}

// RedisPublisher implements Publisher over a redis.Client.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps an existing *redis.Client. The caller owns
// connection lifecycle/options (addr, TLS, auth) — this package only knows
// how to PUBLISH.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish marshals payload+attrs into an Envelope and PUBLISHes it on topic.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload json.RawMessage, attrs map[string]string) error {
	env := Envelope{Payload: payload, Attributes: attrs}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsubclient: marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("pubsubclient: publish to %q: %w", topic, err)
	}
	return nil
}

// Close releases the underlying redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
