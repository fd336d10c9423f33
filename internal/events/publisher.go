package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// UsageEvent mirrors a finalized request's accounting outcome.
type UsageEvent struct {
	UserID           string    `json:"user_id"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	StatusCode       int       `json:"status_code"`
	IsError          bool      `json:"is_error"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher provides typed methods for publishing events to NATS JetStream.
// A nil Publisher discards everything.
type Publisher struct {
	js jetstream.JetStream
}

// PublishUsage publishes a usage event for downstream aggregation.
func (p *Publisher) PublishUsage(ctx context.Context, ev UsageEvent) error {
	if p == nil {
		return nil
	}
	return p.publish(ctx, SubjectUsage, ev)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
