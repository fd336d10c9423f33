// Package cache is a TTL key/value layer over Redis used to short-circuit
// record-store lookups. It is strictly best-effort: a nil client disables it
// entirely, and every operation swallows backend errors and behaves as a
// miss, so the gateway keeps working (just slower) without Redis.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcdllm/gateway/internal/metrics"
)

// TTLs for the cached namespaces. Identity snapshots are never trusted past
// AuthTTL for quota decisions.
const (
	AuthTTL   = 5 * time.Minute
	ConfigTTL = 10 * time.Minute
)

// Key namespaces.
const (
	prefixSessionAuth = "auth:user:"
	prefixAPIKeyAuth  = "auth:apikey:"
	prefixDailyReset  = "reset:"
	prefixConfig      = "config:"
)

type Cache struct {
	client *redis.Client
}

// New wraps a Redis client. A nil client yields a disabled cache where every
// read is a miss and every write is a no-op.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// GetSessionIdentity loads a cached session-auth resolution into out.
func (c *Cache) GetSessionIdentity(ctx context.Context, userID string, out any) bool {
	return c.get(ctx, "session", prefixSessionAuth+userID, out)
}

func (c *Cache) SetSessionIdentity(ctx context.Context, userID string, v any) {
	c.set(ctx, prefixSessionAuth+userID, v, AuthTTL)
}

// GetAPIKeyIdentity loads a cached API-key-auth resolution, keyed by the
// key's digest.
func (c *Cache) GetAPIKeyIdentity(ctx context.Context, keyHash string, out any) bool {
	return c.get(ctx, "apikey", prefixAPIKeyAuth+keyHash, out)
}

func (c *Cache) SetAPIKeyIdentity(ctx context.Context, keyHash string, v any) {
	c.set(ctx, prefixAPIKeyAuth+keyHash, v, AuthTTL)
}

// InvalidateUser drops the session-auth entry for the user and flushes the
// whole API-key-auth namespace. There is no reverse index from key digest to
// user id, so precise key invalidation is not possible; flushing trades a
// few extra store reads for correctness.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, prefixSessionAuth+userID).Err(); err != nil {
		slog.Debug("cache: delete failed", "key", prefixSessionAuth+userID, "error", err)
	}
	c.deletePattern(ctx, prefixAPIKeyAuth+"*")
}

// IsDailyResetDone reports whether the reset-done marker for the given UTC
// date is present.
func (c *Cache) IsDailyResetDone(ctx context.Context, userID, date string) bool {
	var marker int
	return c.get(ctx, "reset", prefixDailyReset+userID+":"+date, &marker)
}

// MarkDailyResetDone sets the reset-done marker, expiring at the next UTC
// midnight so the next calendar day starts clean.
func (c *Cache) MarkDailyResetDone(ctx context.Context, userID, date string) {
	c.set(ctx, prefixDailyReset+userID+":"+date, 1, untilNextUTCMidnight(time.Now()))
}

// GetConfig returns a cached config value such as the resolved backend URL.
func (c *Cache) GetConfig(ctx context.Context, name string) (string, bool) {
	var v string
	ok := c.get(ctx, "config", prefixConfig+name, &v)
	return v, ok
}

func (c *Cache) SetConfig(ctx context.Context, name, value string) {
	c.set(ctx, prefixConfig+name, value, ConfigTTL)
}

func (c *Cache) DeleteConfig(ctx context.Context, name string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, prefixConfig+name).Err(); err != nil {
		slog.Debug("cache: delete failed", "key", prefixConfig+name, "error", err)
	}
}

func (c *Cache) get(ctx context.Context, namespace, key string, out any) bool {
	if !c.Enabled() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("cache: get failed", "key", key, "error", err)
		}
		metrics.CacheOpsTotal.WithLabelValues(namespace, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Debug("cache: corrupt entry", "key", key, "error", err)
		metrics.CacheOpsTotal.WithLabelValues(namespace, "miss").Inc()
		return false
	}
	metrics.CacheOpsTotal.WithLabelValues(namespace, "hit").Inc()
	return true
}

func (c *Cache) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("cache: encoding failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.Debug("cache: set failed", "key", key, "error", err)
	}
}

func (c *Cache) deletePattern(ctx context.Context, pattern string) {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Debug("cache: delete failed", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		slog.Debug("cache: scan failed", "pattern", pattern, "error", err)
	}
}

// untilNextUTCMidnight returns the duration to the next UTC day rollover,
// floored at one minute to avoid zero-TTL markers around midnight.
func untilNextUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	d := midnight.Sub(now)
	if d < time.Minute {
		d = time.Minute
	}
	return d
}
