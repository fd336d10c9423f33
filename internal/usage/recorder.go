// Package usage writes the immutable usage log: one record per completed
// request, including failed ones. Accounting is best-effort relative to the
// critical path: a failed write is logged and swallowed, never surfaced to
// the caller.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/abcdllm/gateway/internal/events"
	"github.com/abcdllm/gateway/internal/metrics"
	"github.com/abcdllm/gateway/internal/store"
)

// Entry describes one completed request. Written once, never mutated.
type Entry struct {
	UserID           string
	APIKeyID         string
	Model            string
	Endpoint         string
	PromptTokens     int64
	CompletionTokens int64
	Elapsed          time.Duration
	StatusCode       int
	ClientIP         string
	IsError          bool
}

func (e Entry) totalTokens() int64 {
	return e.PromptTokens + e.CompletionTokens
}

type Recorder struct {
	store     *store.Client
	publisher *events.Publisher
}

// NewRecorder creates a Recorder. publisher may be nil when NATS is not
// configured.
func NewRecorder(client *store.Client, publisher *events.Publisher) *Recorder {
	return &Recorder{store: client, publisher: publisher}
}

// Record persists a usage-log entry and emits the matching usage event.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	metrics.TokensConsumedTotal.WithLabelValues("prompt").Add(float64(e.PromptTokens))
	metrics.TokensConsumedTotal.WithLabelValues("completion").Add(float64(e.CompletionTokens))

	if err := r.store.Create(ctx, store.CollectionUsageLogs, map[string]any{
		"user":             e.UserID,
		"apiKey":           e.APIKeyID,
		"model":            e.Model,
		"endpoint":         e.Endpoint,
		"promptTokens":     e.PromptTokens,
		"completionTokens": e.CompletionTokens,
		"totalTokens":      e.totalTokens(),
		"responseTimeMs":   e.Elapsed.Milliseconds(),
		"statusCode":       e.StatusCode,
		"ip":               e.ClientIP,
		"isError":          e.IsError,
	}, nil); err != nil {
		slog.Warn("usage: writing log entry failed", "user", e.UserID, "endpoint", e.Endpoint, "error", err)
	}

	if err := r.publisher.PublishUsage(ctx, events.UsageEvent{
		UserID:           e.UserID,
		APIKeyID:         e.APIKeyID,
		Model:            e.Model,
		Endpoint:         e.Endpoint,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalTokens:      e.totalTokens(),
		ResponseTimeMs:   e.Elapsed.Milliseconds(),
		StatusCode:       e.StatusCode,
		IsError:          e.IsError,
		OccurredAt:       time.Now().UTC(),
	}); err != nil {
		slog.Warn("usage: publishing usage event failed", "user", e.UserID, "error", err)
	}
}
