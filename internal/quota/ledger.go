package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/metrics"
	"github.com/abcdllm/gateway/internal/users"
)

// Ledger checks and deducts token usage against the record store, keeping
// the cached identity coherent by eagerly invalidating it after every
// quota-changing write.
type Ledger struct {
	users *users.Repository
	keys  *keys.Repository
	cache *cache.Cache
}

func NewLedger(userRepo *users.Repository, keyRepo *keys.Repository, c *cache.Cache) *Ledger {
	return &Ledger{users: userRepo, keys: keyRepo, cache: c}
}

// CheckAndDeduct verifies both quota tiers and, only if both pass, persists
// the deduction. keyID is empty for session-authenticated requests; the
// user tier is checked regardless. On rejection it returns *ExceededError
// and writes nothing.
//
// The user and key writes are independent, not a transaction: if the key
// write fails after the user write succeeded, the key counters lag until
// the next successful request. See the package comment for why.
func (l *Ledger) CheckAndDeduct(ctx context.Context, userID string, tokens int64, keyID string) error {
	today := utcToday()

	// Key tier first. A key that cannot be read is skipped rather than
	// failing the request: key accounting is subordinate to user accounting.
	var key *keys.Key
	if keyID != "" {
		k, err := l.keys.GetByID(ctx, keyID)
		if err != nil {
			slog.Warn("quota: reading api key failed, skipping key tier", "key", keyID, "error", err)
		} else {
			key = k
			if err := checkKeyTier(k, tokens, today); err != nil {
				return reject(err)
			}
		}
	}

	// User tier is always enforced; limits here are never unlimited.
	u, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := checkUserTier(u, tokens); err != nil {
		return reject(err)
	}

	// Both tiers passed: persist the deduction and drop the now-stale
	// cached identity.
	if err := l.users.Update(ctx, userID, map[string]any{
		"dailyUsage": u.DailyUsage + tokens,
		"totalUsage": u.TotalUsage + tokens,
		"lastActive": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	l.cache.InvalidateUser(ctx, userID)

	if key != nil {
		l.deductKey(ctx, key, tokens, today)
	}
	return nil
}

// Check evaluates both tiers without deducting anything. Handlers call it
// before forwarding a request whose token cost is only known afterwards;
// the deduction itself happens through CheckAndDeduct at finalization.
func (l *Ledger) Check(ctx context.Context, userID string, tokens int64, keyID string) error {
	today := utcToday()

	if keyID != "" {
		k, err := l.keys.GetByID(ctx, keyID)
		if err != nil {
			slog.Warn("quota: reading api key failed, skipping key tier", "key", keyID, "error", err)
		} else if err := checkKeyTier(k, tokens, today); err != nil {
			return reject(err)
		}
	}

	u, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := checkUserTier(u, tokens); err != nil {
		return reject(err)
	}
	return nil
}

func checkUserTier(u *users.User, tokens int64) *ExceededError {
	if u.DailyUsage+tokens > u.DailyQuota {
		return &ExceededError{Tier: TierUserDaily, Used: u.DailyUsage, Requested: tokens, Limit: u.DailyQuota}
	}
	if u.TotalUsage+tokens > u.TotalQuota {
		return &ExceededError{Tier: TierUserTotal, Used: u.TotalUsage, Requested: tokens, Limit: u.TotalQuota}
	}
	return nil
}

// checkKeyTier evaluates the key's daily and lifetime limits. A stored
// lastResetDate older than today means the daily counters logically reset
// at midnight; they are treated as zero here and physically zeroed by the
// write that follows a passing check.
func checkKeyTier(k *keys.Key, tokens int64, today string) *ExceededError {
	usedTokens := k.UsedTokens
	if k.LastResetDate != today {
		usedTokens = 0
	}
	if k.DailyTokens > 0 && usedTokens+tokens > k.DailyTokens {
		return &ExceededError{Tier: TierKeyDaily, Used: usedTokens, Requested: tokens, Limit: k.DailyTokens}
	}
	if k.TotalTokens > 0 && k.TotalUsedTokens+tokens > k.TotalTokens {
		return &ExceededError{Tier: TierKeyTotal, Used: k.TotalUsedTokens, Requested: tokens, Limit: k.TotalTokens}
	}
	return nil
}

// deductKey persists the key-side counters. Lazy daily reset happens here:
// stale counters are zeroed before the deduction is added. Failures are
// logged and swallowed; the user-side deduction already landed.
func (l *Ledger) deductKey(ctx context.Context, k *keys.Key, tokens int64, today string) {
	usedRequests := k.UsedRequests
	usedTokens := k.UsedTokens
	if k.LastResetDate != today {
		usedRequests = 0
		usedTokens = 0
	}
	if _, err := l.keys.Update(ctx, k.ID, map[string]any{
		"usedRequests":    usedRequests + 1,
		"usedTokens":      usedTokens + tokens,
		"totalUsedTokens": k.TotalUsedTokens + tokens,
		"lastResetDate":   today,
	}); err != nil {
		slog.Warn("quota: updating api key usage failed", "key", k.ID, "error", err)
	}
}

// ResetDailyIfNeeded zeroes the user's daily usage on the first request of
// a new UTC day. Idempotent per day: a cache marker short-circuits repeat
// calls, so at most one store write happens per identity per day. A user
// without a lastActive date only gets stamped, not zeroed.
func (l *Ledger) ResetDailyIfNeeded(ctx context.Context, userID string) error {
	today := utcToday()
	if l.cache.IsDailyResetDone(ctx, userID, today) {
		return nil
	}

	u, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	switch {
	case u.LastActive == "":
		if err := l.users.Update(ctx, userID, map[string]any{
			"lastActive": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	case dateOf(u.LastActive) != today:
		if err := l.users.Update(ctx, userID, map[string]any{
			"dailyUsage": 0,
			"lastActive": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		l.cache.InvalidateUser(ctx, userID)
	}

	l.cache.MarkDailyResetDone(ctx, userID, today)
	return nil
}

func reject(e *ExceededError) error {
	metrics.QuotaRejectionsTotal.WithLabelValues(string(e.Tier)).Inc()
	return e
}

func utcToday() string {
	return time.Now().UTC().Format("2006-01-02")
}

// dateOf extracts the calendar date from a stored timestamp, tolerating
// both date-only and RFC 3339 values.
func dateOf(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

// IsExceeded unwraps an over-quota outcome from an error chain.
func IsExceeded(err error) (*ExceededError, bool) {
	var e *ExceededError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
