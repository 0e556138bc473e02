package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// Envelope is the event unit carried from publisher to client. Data is
// opaque to the gateway.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// PublishClient is the subset of a redis client used for publishing.
type PublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher writes envelopes onto tenant channels. Every gateway replica
// subscribed to Pattern receives them, so any process can reach clients
// held by any other replica.
type Publisher struct {
	client PublishClient
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(client PublishClient) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// Publish stamps env with the current time if it has none and publishes it
// on the tenant's channel. It returns the number of backplane subscribers
// (gateway replicas) that received it.
func (p *Publisher) Publish(ctx context.Context, tenantID string, env Envelope) (int64, error) {
	if env.Event == "" {
		return 0, apperr.New(apperr.CodeValidation, "envelope event is empty", nil)
	}
	if env.Timestamp == nil {
		ts := p.now().UTC()
		env.Timestamp = &ts
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, apperr.New(apperr.CodeMalformedEnvelope, "envelope data is not valid JSON", err)
	}
	return p.PublishRaw(ctx, tenantID, body)
}

// PublishRaw publishes body verbatim. body must be valid JSON.
func (p *Publisher) PublishRaw(ctx context.Context, tenantID string, body []byte) (int64, error) {
	channel, err := ChannelName(tenantID)
	if err != nil {
		return 0, err
	}
	if !json.Valid(body) {
		return 0, apperr.New(apperr.CodeMalformedEnvelope, "envelope is not valid JSON", nil)
	}
	n, err := p.client.Publish(ctx, channel, body).Result()
	if err != nil {
		return 0, apperr.New(apperr.CodeBackplaneUnavailable, fmt.Sprintf("publish to %s", channel), err)
	}
	return n, nil
}
