// Package quota enforces the two-tier token budget: per-API-key limits
// (daily and lifetime, 0 meaning unlimited) checked first, then the
// per-user limits (never unlimited). Deduction is a read-modify-write
// without a store transaction; concurrent requests against the same
// identity can both observe stale usage and under-count. That bounded race
// is an accepted trade-off for per-request latency.
package quota

import "fmt"

// Tier identifies which limit a rejected request ran into.
type Tier string

const (
	TierKeyDaily  Tier = "key-daily"
	TierKeyTotal  Tier = "key-total"
	TierUserDaily Tier = "user-daily"
	TierUserTotal Tier = "user-total"
)

// ExceededError is the typed over-quota outcome: which tier tripped and the
// exact numbers at decision time. A failed check never deducts anything.
type ExceededError struct {
	Tier      Tier
	Used      int64
	Requested int64
	Limit     int64
}

func (e *ExceededError) Error() string {
	switch e.Tier {
	case TierKeyDaily:
		return fmt.Sprintf("daily key token limit exceeded (%d/%d)", e.Used, e.Limit)
	case TierKeyTotal:
		return fmt.Sprintf("total key token limit exceeded (%d/%d)", e.Used, e.Limit)
	case TierUserDaily:
		return fmt.Sprintf("daily quota exceeded (%d/%d)", e.Used, e.Limit)
	case TierUserTotal:
		return fmt.Sprintf("total quota exceeded (%d/%d)", e.Used, e.Limit)
	}
	return fmt.Sprintf("quota exceeded (%d/%d)", e.Used, e.Limit)
}
