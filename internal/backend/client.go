// Package backend talks to the Ollama-compatible inference backend. The
// client is process-scoped and swappable: its base URL is resolved lazily
// (cache, then the system_settings collection, then config default) and an
// explicit Reinitialize drops the resolved URL when an admin changes the
// setting. Swapping never cancels in-flight requests; they finish against
// the old URL and drain on the shared transport.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/metrics"
	"github.com/abcdllm/gateway/internal/store"
)

// SettingKey is the system_settings record key holding the backend URL.
const SettingKey = "ollama_base_url"

// cacheConfigName is the cache entry mirroring the resolved URL.
const cacheConfigName = "backend_url"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model     string         `json:"model"`
	Messages  []ChatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Think     *bool          `json:"think,omitempty"`
}

// ChatResponse is the backend's non-streaming answer; the same shape
// arrives as the terminal chunk of a stream with Done set.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int64       `json:"prompt_eval_count,omitempty"`
	EvalCount       int64       `json:"eval_count,omitempty"`
}

type ModelDetails struct {
	ParameterSize string `json:"parameter_size"`
}

type ModelInfo struct {
	Name       string       `json:"name"`
	Size       int64        `json:"size"`
	ModifiedAt string       `json:"modified_at"`
	Details    ModelDetails `json:"details"`
}

type TagsResponse struct {
	Models []ModelInfo `json:"models"`
}

type Client struct {
	cfg   config.BackendConfig
	store *store.Client
	cache *cache.Cache
	httpc *http.Client

	mu      sync.RWMutex
	baseURL string // resolved lazily; empty forces re-resolution
}

func NewClient(cfg config.BackendConfig, storeClient *store.Client, c *cache.Cache) *Client {
	return &Client{
		cfg:   cfg,
		store: storeClient,
		cache: c,
		httpc: &http.Client{
			// Streamed generations can run for minutes; per-call contexts
			// bound the short operations instead.
			Timeout: 0,
		},
	}
}

// BaseURL returns the resolved backend base URL, resolving it on first use.
func (c *Client) BaseURL(ctx context.Context) string {
	c.mu.RLock()
	resolved := c.baseURL
	c.mu.RUnlock()
	if resolved != "" {
		return resolved
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseURL != "" {
		return c.baseURL
	}
	c.baseURL = c.resolveBaseURL(ctx)
	return c.baseURL
}

// Reinitialize drops the resolved URL and the cached copy so the next
// request re-resolves against the store. Called when the setting changes.
func (c *Client) Reinitialize(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpc.CloseIdleConnections()
	c.baseURL = ""
	c.cache.DeleteConfig(ctx, cacheConfigName)
}

func (c *Client) resolveBaseURL(ctx context.Context) string {
	if url, ok := c.cache.GetConfig(ctx, cacheConfigName); ok && url != "" {
		return url
	}

	var settings []struct {
		Value string `json:"value"`
	}
	_, err := c.store.List(ctx, store.CollectionSystemSettings, store.ListQuery{
		Filter:  fmt.Sprintf("key=%q", SettingKey),
		PerPage: 1,
	}, &settings)
	if err == nil && len(settings) > 0 && settings[0].Value != "" {
		c.cache.SetConfig(ctx, cacheConfigName, settings[0].Value)
		return settings[0].Value
	}
	return c.cfg.URL
}

// Chat performs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.KeepAlive == "" {
		req.KeepAlive = c.cfg.KeepAlive
	}
	req.Stream = false

	var resp ChatResponse
	if err := c.postJSON(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatStream opens a streaming chat completion. The returned body yields
// newline-delimited JSON chunks; the caller owns closing it.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if req.KeepAlive == "" {
		req.KeepAlive = c.cfg.KeepAlive
	}
	req.Stream = true
	return c.postStream(ctx, "/api/chat", req)
}

// GenerateStream opens a streaming /api/generate relay, forwarding the
// payload unmodified apart from the keep-alive default.
func (c *Client) GenerateStream(ctx context.Context, payload map[string]any) (io.ReadCloser, error) {
	if _, ok := payload["keep_alive"]; !ok {
		payload["keep_alive"] = c.cfg.KeepAlive
	}
	payload["stream"] = true
	return c.postStream(ctx, "/api/generate", payload)
}

func (c *Client) postStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL(ctx)+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(path, "error").Inc()
		return nil, fmt.Errorf("backend: %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		metrics.BackendRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
		return nil, fmt.Errorf("backend: %s: status %d", path, resp.StatusCode)
	}
	metrics.BackendRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
	return resp.Body, nil
}

// Generate forwards a raw /api/generate payload unmodified.
func (c *Client) Generate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if _, ok := payload["keep_alive"]; !ok {
		payload["keep_alive"] = c.cfg.KeepAlive
	}
	var out map[string]any
	if err := c.postJSON(ctx, "/api/generate", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pull asks the backend to download a model. Non-streaming; the caller's
// context bounds how long to wait.
func (c *Client) Pull(ctx context.Context, name string) (map[string]any, error) {
	var out map[string]any
	if err := c.postJSON(ctx, "/api/pull", map[string]any{"name": name, "stream": false}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetBaseURL persists a new backend URL to system_settings and swaps the
// client over to it.
func (c *Client) SetBaseURL(ctx context.Context, url string) error {
	if err := c.persistURL(ctx, url); err != nil {
		return err
	}
	c.Reinitialize(ctx)
	c.cache.SetConfig(ctx, cacheConfigName, url)
	return nil
}

// ListModels returns the backend's model catalog.
func (c *Client) ListModels(ctx context.Context) (*TagsResponse, error) {
	var tags TagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	return &tags, nil
}

// ShowModel returns the backend's metadata for one model.
func (c *Client) ShowModel(ctx context.Context, name string) (map[string]any, error) {
	var out map[string]any
	if err := c.postJSON(ctx, "/api/show", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Healthy probes the backend with a short deadline.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var tags TagsResponse
	return c.getJSON(ctx, "/api/tags", &tags) == nil
}

// Warmup loads the model into backend memory so the first real request
// skips the cold start. Failures are ignored; the server starts regardless.
func (c *Client) Warmup(ctx context.Context, model string) {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	think := false
	_, _ = c.Chat(ctx, ChatRequest{
		Model:    model,
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Think:    &think,
	})
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL(ctx)+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, path, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(ctx)+path, nil)
	if err != nil {
		return fmt.Errorf("backend: building request: %w", err)
	}
	return c.roundTrip(req, path, out)
}

func (c *Client) roundTrip(req *http.Request, path string, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()
	metrics.BackendRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("backend: %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend: decoding %s response: %w", path, err)
		}
	}
	return nil
}
