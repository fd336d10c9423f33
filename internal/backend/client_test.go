package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/store/storetest"
)

type clientFixture struct {
	srv   *storetest.Server
	cache *cache.Cache
	store *store.Client
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	srv := storetest.New()
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &clientFixture{
		srv:   srv,
		cache: cache.New(rdb),
		store: store.New(config.StoreConfig{URL: srv.URL(), Timeout: 5 * time.Second}),
	}
}

func (f *clientFixture) newClient(configURL string) *Client {
	return NewClient(config.BackendConfig{URL: configURL, KeepAlive: "10m"}, f.store, f.cache)
}

func TestBaseURL_FallsBackToConfig(t *testing.T) {
	f := newClientFixture(t)
	c := f.newClient("http://config-default:11434")

	assert.Equal(t, "http://config-default:11434", c.BaseURL(context.Background()))
}

func TestBaseURL_PrefersStoredSetting(t *testing.T) {
	f := newClientFixture(t)
	f.srv.Seed("system_settings", map[string]any{
		"key":   SettingKey,
		"value": "http://stored:11434",
	})
	c := f.newClient("http://config-default:11434")

	assert.Equal(t, "http://stored:11434", c.BaseURL(context.Background()))

	// Resolution happens once; later calls use the in-process copy.
	reads := f.srv.Reads("system_settings")
	c.BaseURL(context.Background())
	assert.Equal(t, reads, f.srv.Reads("system_settings"))
}

func TestBaseURL_PrefersCache(t *testing.T) {
	f := newClientFixture(t)
	f.srv.Seed("system_settings", map[string]any{
		"key":   SettingKey,
		"value": "http://stored:11434",
	})
	f.cache.SetConfig(context.Background(), "backend_url", "http://cached:11434")
	c := f.newClient("http://config-default:11434")

	assert.Equal(t, "http://cached:11434", c.BaseURL(context.Background()))
	assert.Equal(t, 0, f.srv.Reads("system_settings"))
}

func TestReinitialize_ForcesReresolution(t *testing.T) {
	f := newClientFixture(t)
	c := f.newClient("http://config-default:11434")

	require.Equal(t, "http://config-default:11434", c.BaseURL(context.Background()))

	// An admin points the gateway somewhere else; the next call sees it.
	f.srv.Seed("system_settings", map[string]any{
		"key":   SettingKey,
		"value": "http://moved:11434",
	})
	c.Reinitialize(context.Background())

	assert.Equal(t, "http://moved:11434", c.BaseURL(context.Background()))
}

func TestSetBaseURL_PersistsAndSwaps(t *testing.T) {
	f := newClientFixture(t)
	c := f.newClient("http://config-default:11434")

	require.NoError(t, c.SetBaseURL(context.Background(), "http://new:11434"))

	assert.Equal(t, "http://new:11434", c.BaseURL(context.Background()))
	require.Equal(t, 1, f.srv.Count("system_settings"))

	// A second change updates the existing record instead of stacking a new one.
	require.NoError(t, c.SetBaseURL(context.Background(), "http://newer:11434"))
	assert.Equal(t, 1, f.srv.Count("system_settings"))
	assert.Equal(t, "http://newer:11434", c.BaseURL(context.Background()))
}

func TestChat_SetsDefaults(t *testing.T) {
	f := newClientFixture(t)

	var got ChatRequest
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ChatResponse{Done: true, PromptEvalCount: 3, EvalCount: 7})
	}))
	defer backend.Close()

	c := f.newClient(backend.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3.2",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.False(t, got.Stream, "non-streaming call pins stream off")
	assert.Equal(t, "10m", got.KeepAlive)
	assert.EqualValues(t, 7, resp.EvalCount)
}

func TestChat_BackendErrorStatus(t *testing.T) {
	f := newClientFixture(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer backend.Close()

	c := f.newClient(backend.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope", Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestHealthy(t *testing.T) {
	f := newClientFixture(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TagsResponse{})
	}))

	c := f.newClient(backend.URL)
	assert.True(t, c.Healthy(context.Background()))

	backend.Close()
	c.Reinitialize(context.Background())
	assert.False(t, c.Healthy(context.Background()))
}
