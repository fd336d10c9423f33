// Package security records notable security events (blocked-account access,
// quota rejections, rate-limit trips) on the record store. Recording is
// best-effort: failures are logged and swallowed, never surfaced to callers.
package security

import (
	"context"
	"log/slog"

	"github.com/abcdllm/gateway/internal/store"
)

// Event types.
const (
	EventBlockedAccess = "blocked_access"
	EventQuotaExceeded = "quota_exceeded"
	EventRateLimited   = "rate_limited"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

type Recorder struct {
	store *store.Client
}

func NewRecorder(client *store.Client) *Recorder {
	return &Recorder{store: client}
}

// Log writes a security_events record. Safe to call on a nil Recorder.
func (r *Recorder) Log(ctx context.Context, eventType, severity, description, ip, userID string) {
	if r == nil || r.store == nil {
		return
	}
	fields := map[string]any{
		"type":        eventType,
		"severity":    severity,
		"description": description,
		"ip":          ip,
	}
	if userID != "" {
		fields["userId"] = userID
	}
	if err := r.store.Create(ctx, store.CollectionSecurityEvents, fields, nil); err != nil {
		slog.Warn("security: recording event failed", "type", eventType, "error", err)
	}
}
