package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdllm/gateway/internal/backend"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/quota"
	"github.com/abcdllm/gateway/internal/security"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/store/storetest"
	"github.com/abcdllm/gateway/internal/usage"
	"github.com/abcdllm/gateway/internal/users"
)

type accountantFixture struct {
	srv      *storetest.Server
	ledger   *quota.Ledger
	recorder *usage.Recorder
	events   *security.Recorder
}

func newAccountantFixture(t *testing.T) *accountantFixture {
	t.Helper()

	srv := storetest.New()
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client)

	storeClient := store.New(config.StoreConfig{URL: srv.URL(), Timeout: 5 * time.Second})
	return &accountantFixture{
		srv:      srv,
		ledger:   quota.NewLedger(users.NewRepository(storeClient), keys.NewRepository(storeClient), c),
		recorder: usage.NewRecorder(storeClient, nil),
		events:   security.NewRecorder(storeClient),
	}
}

func (f *accountantFixture) seedUser(dailyUsage, dailyQuota int64) string {
	return f.srv.Seed("users", map[string]any{
		"status":     users.StatusActive,
		"dailyUsage": dailyUsage, "dailyQuota": dailyQuota,
		"totalUsage": dailyUsage, "totalQuota": 50000,
		"lastActive": time.Now().UTC().Format(time.RFC3339),
	})
}

func (f *accountantFixture) newAccountant(userID string) *Accountant {
	return NewAccountant(f.ledger, f.recorder, f.events,
		userID, "", "llama3.2", "/api/v1/chat", "198.51.100.7")
}

func TestAccountant_FinalizeOnce(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(0, 5000)

	acct := f.newAccountant(userID)
	acct.SetUsage(10, 20)

	// The deferred call and the explicit happy-path call both land; only
	// the first settles.
	acct.Finalize(context.Background())
	acct.Finalize(context.Background())

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 30, rec["dailyUsage"])
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
}

func TestAccountant_TerminalChunkCarriesUsage(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(0, 5000)

	acct := f.newAccountant(userID)
	acct.ObserveChunk(&backend.ChatResponse{Done: false, PromptEvalCount: 99, EvalCount: 99})
	acct.ObserveChunk(&backend.ChatResponse{Done: true, PromptEvalCount: 12, EvalCount: 34})
	acct.Finalize(context.Background())

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 46, rec["dailyUsage"], "only the terminal chunk counts")
}

func TestAccountant_NoTerminalChunkSettlesZero(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(100, 5000)

	// Stream cut off before the marker: nothing to charge, but the log
	// entry is still written.
	acct := f.newAccountant(userID)
	acct.ObserveChunk(&backend.ChatResponse{Done: false})
	acct.Finalize(context.Background())

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 100, rec["dailyUsage"])
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
}

func TestAccountant_FailureRecorded(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(0, 5000)

	acct := f.newAccountant(userID)
	acct.Fail(502)
	acct.Finalize(context.Background())

	require.Equal(t, 1, f.srv.Count("usage_logs"))
	log := f.srv.Record("usage_logs", firstID(t, f.srv, "usage_logs"))
	assert.EqualValues(t, true, log["isError"])
	assert.EqualValues(t, 502, log["statusCode"])
}

func TestAccountant_OverQuotaAtSettlement(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(4990, 5000)

	// A stream generated more than the remaining allowance. The tokens are
	// already on the wire, so the breach is only recorded; enforcement
	// happens on the next request's pre-flight check.
	acct := f.newAccountant(userID)
	acct.SetUsage(20, 30)
	acct.Finalize(context.Background())

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 4990, rec["dailyUsage"], "a failed deduction writes nothing")
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
	assert.Equal(t, 1, f.srv.Count("security_events"))
}

func TestAccountant_SettleReturnsOverQuota(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(4990, 5000)

	// Non-streaming settlement: the response is not out yet, so the breach
	// comes back as an error and the log entry records the rejection.
	acct := f.newAccountant(userID)
	acct.SetUsage(20, 30)
	err := acct.Settle(context.Background())
	_, exceeded := quota.IsExceeded(err)
	require.True(t, exceeded)

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 4990, rec["dailyUsage"])
	require.Equal(t, 1, f.srv.Count("usage_logs"))
	log := f.srv.Record("usage_logs", firstID(t, f.srv, "usage_logs"))
	assert.EqualValues(t, true, log["isError"])
	assert.EqualValues(t, 429, log["statusCode"])

	// A later deferred Finalize must not settle again or lose the outcome.
	acct.Finalize(context.Background())
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
}

func TestAccountant_SettleWithinQuotaDeducts(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(0, 5000)

	acct := f.newAccountant(userID)
	acct.SetUsage(12, 34)
	require.NoError(t, acct.Settle(context.Background()))

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 46, rec["dailyUsage"])
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
}

func TestAccountant_DetachedFromRequestContext(t *testing.T) {
	f := newAccountantFixture(t)
	userID := f.seedUser(0, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A caller disconnect cancels the request context; settlement must
	// still go through.
	acct := f.newAccountant(userID)
	acct.SetUsage(5, 5)
	acct.Finalize(ctx)

	rec := f.srv.Record("users", userID)
	assert.EqualValues(t, 10, rec["dailyUsage"])
	assert.Equal(t, 1, f.srv.Count("usage_logs"))
}
