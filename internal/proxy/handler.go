package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/backend"
	"github.com/abcdllm/gateway/internal/quota"
	"github.com/abcdllm/gateway/internal/security"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/usage"
)

// maxLineSize bounds a single NDJSON chunk from the backend.
const maxLineSize = 1 << 20

type Handler struct {
	backend      *backend.Client
	ledger       *quota.Ledger
	recorder     *usage.Recorder
	events       *security.Recorder
	defaultModel string
}

func NewHandler(b *backend.Client, ledger *quota.Ledger, recorder *usage.Recorder,
	events *security.Recorder, defaultModel string) *Handler {
	return &Handler{
		backend:      b,
		ledger:       ledger,
		recorder:     recorder,
		events:       events,
		defaultModel: defaultModel,
	}
}

// ChatRequest is the gateway's chat payload, a subset of the backend's own.
// Stream defaults to true, matching the backend.
type ChatRequest struct {
	Model    string                `json:"model"`
	Messages []backend.ChatMessage `json:"messages"`
	Stream   *bool                 `json:"stream"`
	Options  map[string]any        `json:"options,omitempty"`
	Think    *bool                 `json:"think,omitempty"`
}

// Chat serves POST /api/v1/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, "/api/v1/chat")
}

// NativeChat serves POST /api/chat, the backend's own path.
func (h *Handler) NativeChat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, "/api/chat")
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, endpoint string) {
	p := api.GetPrincipal(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if len(req.Messages) == 0 {
		api.HandleError(w, api.NewValidationError("messages is required"))
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}
	stream := req.Stream == nil || *req.Stream

	if !h.admit(w, r, p, req.Model, endpoint) {
		return
	}

	acct := NewAccountant(h.ledger, h.recorder, h.events,
		p.User.ID, p.APIKeyID, req.Model, endpoint, api.ClientIP(r))

	chatReq := backend.ChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Options:  req.Options,
		Think:    req.Think,
	}

	if stream {
		h.streamChat(w, r, acct, chatReq)
		return
	}

	resp, err := h.backend.Chat(r.Context(), chatReq)
	if err != nil {
		slog.Error("proxy: backend chat failed", "model", chatReq.Model, "error", err)
		acct.Fail(http.StatusBadGateway)
		acct.Finalize(r.Context())
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	acct.SetUsage(resp.PromptEvalCount, resp.EvalCount)
	if err := acct.Settle(r.Context()); err != nil {
		api.HandleError(w, api.NewOverQuotaError(err.Error()))
		return
	}
	api.JSONRaw(w, http.StatusOK, resp)
}

// admit runs the pre-flight gate: lazy daily reset, then a read-only quota
// check so an already-exhausted identity is rejected before the backend
// spends anything. The reset is fail-open; the quota check is not.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, p *api.Principal, model, endpoint string) bool {
	ctx := r.Context()

	if err := h.ledger.ResetDailyIfNeeded(ctx, p.User.ID); err != nil {
		slog.Warn("proxy: daily reset check failed", "user", p.User.ID, "error", err)
	}

	// Any completion costs at least one token; probing with that rejects an
	// identity that is already at its limit.
	if err := h.ledger.Check(ctx, p.User.ID, 1, p.APIKeyID); err != nil {
		if e, ok := quota.IsExceeded(err); ok {
			h.events.Log(ctx, security.EventQuotaExceeded, security.SeverityLow, e.Error(), api.ClientIP(r), p.User.ID)
			h.recorder.Record(ctx, usage.Entry{
				UserID:     p.User.ID,
				APIKeyID:   p.APIKeyID,
				Model:      model,
				Endpoint:   endpoint,
				StatusCode: http.StatusTooManyRequests,
				ClientIP:   api.ClientIP(r),
				IsError:    true,
			})
			api.HandleError(w, api.NewOverQuotaError(e.Error()))
			return false
		}
		if store.IsUnavailable(err) {
			api.HandleError(w, api.ErrUpstreamUnavailable)
			return false
		}
		slog.Error("proxy: quota check failed", "user", p.User.ID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return false
	}
	return true
}

// streamChat relays the backend's NDJSON stream chunk by chunk, watching
// for the terminal marker. Settlement is deferred so it also runs when the
// caller disconnects mid-stream.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, acct *Accountant, req backend.ChatRequest) {
	defer acct.Finalize(r.Context())

	body, err := h.backend.ChatStream(r.Context(), req)
	if err != nil {
		slog.Error("proxy: backend chat stream failed", "model", req.Model, "error", err)
		acct.Fail(http.StatusBadGateway)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk backend.ChatResponse
		if err := json.Unmarshal(line, &chunk); err == nil {
			acct.ObserveChunk(&chunk)
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			// Caller went away; tokens already generated still get settled.
			slog.Debug("proxy: client disconnected mid-stream", "model", req.Model)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("proxy: backend stream interrupted", "model", req.Model, "error", err)
		acct.Fail(http.StatusBadGateway)
	}
}

// modelView is the gateway's model listing entry, with human-readable
// size and recency alongside the raw values.
type modelView struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"sizeFormatted"`
	Modified      string `json:"modified"`
	ModifiedAgo   string `json:"modifiedAgo,omitempty"`
	ParameterSize string `json:"parameterSize,omitempty"`
}

// Models serves GET /api/v1/models.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	tags, err := h.backend.ListModels(r.Context())
	if err != nil {
		slog.Error("proxy: listing models failed", "error", err)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}

	views := make([]modelView, 0, len(tags.Models))
	for _, m := range tags.Models {
		v := modelView{
			Name:          m.Name,
			Size:          m.Size,
			SizeFormatted: formatBytes(m.Size),
			Modified:      m.ModifiedAt,
			ParameterSize: m.Details.ParameterSize,
		}
		if t, err := time.Parse(time.RFC3339, m.ModifiedAt); err == nil {
			v.ModifiedAgo = formatRelative(time.Since(t))
		}
		views = append(views, v)
	}
	api.JSONRaw(w, http.StatusOK, map[string]any{"models": views})
}

// Tags serves GET /api/tags: the backend's catalog, unmodified.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.backend.ListModels(r.Context())
	if err != nil {
		slog.Error("proxy: listing models failed", "error", err)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	api.JSONRaw(w, http.StatusOK, tags)
}

// ShowModel serves POST /api/v1/models/show.
func (h *Handler) ShowModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		api.HandleError(w, api.NewValidationError("name is required"))
		return
	}
	info, err := h.backend.ShowModel(r.Context(), req.Name)
	if err != nil {
		slog.Error("proxy: showing model failed", "model", req.Name, "error", err)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	api.JSONRaw(w, http.StatusOK, info)
}

// Health serves GET /api/v1/health: the backend's reachability as seen
// through the resolved URL.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	reachable := h.backend.Healthy(r.Context())
	status := "ok"
	code := http.StatusOK
	if !reachable {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	api.JSONRaw(w, code, map[string]any{
		"status":  status,
		"backend": map[string]any{"url": h.backend.BaseURL(r.Context()), "reachable": reachable},
	})
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatRelative(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%d months ago", int(d.Hours()/(24*30)))
	}
}
