package keys

// Key mirrors a record on the api_keys collection. The plain secret is never
// stored; only its SHA-256 digest and a display prefix survive creation.
type Key struct {
	ID              string `json:"id"`
	User            string `json:"user"`
	Name            string `json:"name"`
	KeyHash         string `json:"keyHash"`
	KeyPrefix       string `json:"keyPrefix"`
	IsActive        bool   `json:"isActive"`
	DailyRequests   int64  `json:"dailyRequests"`
	DailyTokens     int64  `json:"dailyTokens"`
	TotalTokens     int64  `json:"totalTokens"`
	UsedRequests    int64  `json:"usedRequests"`
	UsedTokens      int64  `json:"usedTokens"`
	TotalUsedTokens int64  `json:"totalUsedTokens"`
	LastResetDate   string `json:"lastResetDate"`
	Created         string `json:"created"`
}

// view is the caller-facing shape of a key. The plain secret is present only
// in responses to create and regenerate.
type view struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Key             string `json:"key"`
	CreatedAt       string `json:"createdAt"`
	DailyRequests   int64  `json:"dailyRequests"`
	DailyTokens     int64  `json:"dailyTokens"`
	TotalTokens     int64  `json:"totalTokens"`
	UsedRequests    int64  `json:"usedRequests"`
	UsedTokens      int64  `json:"usedTokens"`
	TotalUsedTokens int64  `json:"totalUsedTokens"`
	LastResetDate   string `json:"lastResetDate"`
}

func (k *Key) toView(plainSecret string) view {
	shown := plainSecret
	if shown == "" {
		shown = k.KeyPrefix + "..."
	}
	return view{
		ID:              k.ID,
		Name:            k.Name,
		Key:             shown,
		CreatedAt:       k.Created,
		DailyRequests:   k.DailyRequests,
		DailyTokens:     k.DailyTokens,
		TotalTokens:     k.TotalTokens,
		UsedRequests:    k.UsedRequests,
		UsedTokens:      k.UsedTokens,
		TotalUsedTokens: k.TotalUsedTokens,
		LastResetDate:   k.LastResetDate,
	}
}
