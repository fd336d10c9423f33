package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdllm/gateway/internal/config"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(config.StoreConfig{URL: srv.URL, Timeout: 2 * time.Second}), srv
}

func TestClient_Get(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/collections/users/records/abc123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","email":"u@example.com"}`))
	})
	defer srv.Close()

	var out struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	err := client.Get(context.Background(), "users", "abc123", &out)
	require.NoError(t, err)
	assert.Equal(t, "abc123", out.ID)
	assert.Equal(t, "u@example.com", out.Email)
}

func TestClient_GetNotFound(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	})
	defer srv.Close()

	err := client.Get(context.Background(), "users", "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsUnavailable(err), "a definitive miss is not an outage")
}

func TestClient_ServerErrorIsUnavailable(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	})
	defer srv.Close()

	err := client.Get(context.Background(), "users", "abc", nil)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestClient_ConnectionRefusedIsUnavailable(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	err := client.Get(context.Background(), "users", "abc", nil)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestClient_ClientErrorIsStatusError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"validation failed"}`, http.StatusBadRequest)
	})
	defer srv.Close()

	err := client.Create(context.Background(), "users", map[string]any{}, nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "validation failed", se.Message)
	assert.False(t, IsUnavailable(err))
}

func TestClient_ListQueryEncoding(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `user="u1" && isActive=true`, q.Get("filter"))
		assert.Equal(t, "-created", q.Get("sort"))
		assert.Equal(t, "1", q.Get("page"))
		assert.Equal(t, "50", q.Get("perPage"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"page":1,"perPage":50,"totalItems":2,"items":[{"id":"k1"},{"id":"k2"}]}`))
	})
	defer srv.Close()

	var out []struct {
		ID string `json:"id"`
	}
	total, err := client.List(context.Background(), "api_keys", ListQuery{
		Filter:  `user="u1" && isActive=true`,
		Sort:    "-created",
		PerPage: 50,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, out, 2)
	assert.Equal(t, "k1", out[0].ID)
}

func TestClient_AuthWithPassword(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/collections/users/auth-with-password", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"tok","record":{"id":"u1","email":"u@example.com"}}`))
		})
		defer srv.Close()

		var rec struct {
			ID string `json:"id"`
		}
		err := client.AuthWithPassword(context.Background(), "users", "u@example.com", "pw", &rec)
		require.NoError(t, err)
		assert.Equal(t, "u1", rec.ID)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"failed to authenticate"}`, http.StatusBadRequest)
		})
		defer srv.Close()

		err := client.AuthWithPassword(context.Background(), "users", "u@example.com", "wrong", nil)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("outage is not a rejection", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"down"}`, http.StatusServiceUnavailable)
		})
		defer srv.Close()

		err := client.AuthWithPassword(context.Background(), "users", "u@example.com", "pw", nil)
		assert.NotErrorIs(t, err, ErrAuthFailed)
		assert.True(t, IsUnavailable(err))
	})
}

func TestClient_Ping(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	require.NoError(t, client.Ping(context.Background()))

	srv.Close()
	err := client.Ping(context.Background())
	assert.True(t, IsUnavailable(err))
}
