package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/store/storetest"
	"github.com/abcdllm/gateway/internal/users"
)

type resolverFixture struct {
	srv      *storetest.Server
	cache    *cache.Cache
	jwt      *Manager
	resolver *Resolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()

	srv := storetest.New()
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client)

	storeClient := store.New(config.StoreConfig{URL: srv.URL(), Timeout: 5 * time.Second})
	jwt := NewManager(testSecret, time.Hour)
	resolver := NewResolver(jwt, c, users.NewRepository(storeClient), keys.NewRepository(storeClient))

	return &resolverFixture{srv: srv, cache: c, jwt: jwt, resolver: resolver}
}

func (f *resolverFixture) seedUser(status string) string {
	return f.srv.Seed("users", map[string]any{
		"email":      "u@example.com",
		"name":       "U",
		"role":       users.RoleUser,
		"status":     status,
		"dailyUsage": 0, "dailyQuota": 5000,
		"totalUsage": 0, "totalQuota": 50000,
	})
}

func TestResolver_Session(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)
	token, err := f.jwt.Generate(userID)
	require.NoError(t, err)

	p, err := f.resolver.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, p.User.ID)
	assert.Empty(t, p.APIKeyID)

	// Second resolution is served from cache: no extra store reads.
	reads := f.srv.Reads("users")
	p, err = f.resolver.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, p.User.ID)
	assert.Equal(t, reads, f.srv.Reads("users"))
}

func TestResolver_SessionInvalidation(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)
	token, err := f.jwt.Generate(userID)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), token)
	require.NoError(t, err)

	f.cache.InvalidateUser(context.Background(), userID)

	reads := f.srv.Reads("users")
	_, err = f.resolver.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, reads+1, f.srv.Reads("users"), "invalidation forces exactly one fresh read")
}

func TestResolver_InvalidToken(t *testing.T) {
	f := newResolverFixture(t)

	_, err := f.resolver.Resolve(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolver_UnknownSubject(t *testing.T) {
	f := newResolverFixture(t)
	token, err := f.jwt.Generate("missing-user")
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolver_APIKey(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)

	secret := keys.NewSecret()
	keyID := f.srv.Seed("api_keys", map[string]any{
		"user":     userID,
		"keyHash":  keys.HashSecret(secret),
		"isActive": true,
	})

	p, err := f.resolver.Resolve(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, userID, p.User.ID)
	assert.Equal(t, keyID, p.APIKeyID)

	// Cached now.
	keyReads := f.srv.Reads("api_keys")
	userReads := f.srv.Reads("users")
	_, err = f.resolver.Resolve(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, keyReads, f.srv.Reads("api_keys"))
	assert.Equal(t, userReads, f.srv.Reads("users"))
}

func TestResolver_APIKeyInactive(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)

	secret := keys.NewSecret()
	f.srv.Seed("api_keys", map[string]any{
		"user":     userID,
		"keyHash":  keys.HashSecret(secret),
		"isActive": false,
	})

	_, err := f.resolver.Resolve(context.Background(), secret)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolver_BlockedOwner(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusBlocked)

	secret := keys.NewSecret()
	f.srv.Seed("api_keys", map[string]any{
		"user":     userID,
		"keyHash":  keys.HashSecret(secret),
		"isActive": true,
	})

	_, err := f.resolver.Resolve(context.Background(), secret)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestResolver_FailureNotCached(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)

	secret := keys.NewSecret()
	_, err := f.resolver.Resolve(context.Background(), secret)
	require.ErrorIs(t, err, ErrUnauthenticated)

	// The key appears later; the earlier miss must not stick.
	f.srv.Seed("api_keys", map[string]any{
		"user":     userID,
		"keyHash":  keys.HashSecret(secret),
		"isActive": true,
	})

	p, err := f.resolver.Resolve(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, userID, p.User.ID)
}

func TestResolver_StoreUnavailable(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)
	token, err := f.jwt.Generate(userID)
	require.NoError(t, err)

	f.srv.SetFailing(true)

	_, err = f.resolver.Resolve(context.Background(), token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated, "an outage is not an auth failure")
	assert.True(t, store.IsUnavailable(err))
}

func TestResolver_SessionOnlyRejectsAPIKeys(t *testing.T) {
	f := newResolverFixture(t)
	userID := f.seedUser(users.StatusActive)

	secret := keys.NewSecret()
	f.srv.Seed("api_keys", map[string]any{
		"user":     userID,
		"keyHash":  keys.HashSecret(secret),
		"isActive": true,
	})

	_, err := f.resolver.ResolveSession(context.Background(), secret)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
