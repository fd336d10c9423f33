package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/backend"
)

// OpenAI-compatible surface. Translates /v1/chat/completions and /v1/models
// onto the backend's native API so off-the-shelf OpenAI clients work against
// the gateway with only a base-URL change.

type openAIChatRequest struct {
	Model       string                `json:"model"`
	Messages    []backend.ChatMessage `json:"messages"`
	Stream      bool                  `json:"stream"`
	Temperature *float64              `json:"temperature,omitempty"`
	MaxTokens   *int                  `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	var req openAIChatRequest
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

	if !h.admit(w, r, p, req.Model, "/v1/chat/completions") {
		return
	}

	acct := NewAccountant(h.ledger, h.recorder, h.events,
		p.User.ID, p.APIKeyID, req.Model, "/v1/chat/completions", api.ClientIP(r))

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	chatReq := backend.ChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Options:  options,
	}

	id := completionID()
	created := time.Now().Unix()

	if req.Stream {
		h.streamChatCompletions(w, r, acct, chatReq, id, created)
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

	stop := "stop"
	api.JSONRaw(w, http.StatusOK, openAIChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []openAIChoice{{
			Message:      &openAIMessage{Role: "assistant", Content: resp.Message.Content},
			FinishReason: &stop,
		}},
		Usage: &openAIUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	})
}

// streamChatCompletions relays the backend's NDJSON stream as SSE
// chat.completion.chunk events, closing with the [DONE] sentinel.
func (h *Handler) streamChatCompletions(w http.ResponseWriter, r *http.Request, acct *Accountant,
	req backend.ChatRequest, id string, created int64) {
	defer acct.Finalize(r.Context())

	body, err := h.backend.ChatStream(r.Context(), req)
	if err != nil {
		slog.Error("proxy: backend chat stream failed", "model", req.Model, "error", err)
		acct.Fail(http.StatusBadGateway)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeEvent := func(chunk openAIChatResponse) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk backend.ChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		acct.ObserveChunk(&chunk)

		out := openAIChatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
		}
		if chunk.Done {
			stop := "stop"
			out.Choices = []openAIChoice{{Delta: &openAIMessage{}, FinishReason: &stop}}
		} else {
			out.Choices = []openAIChoice{{Delta: &openAIMessage{Content: chunk.Message.Content}}}
		}
		if !writeEvent(out) {
			slog.Debug("proxy: client disconnected mid-stream", "model", req.Model)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("proxy: backend stream interrupted", "model", req.Model, "error", err)
		acct.Fail(http.StatusBadGateway)
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// OpenAIModels serves GET /v1/models.
func (h *Handler) OpenAIModels(w http.ResponseWriter, r *http.Request) {
	tags, err := h.backend.ListModels(r.Context())
	if err != nil {
		slog.Error("proxy: listing models failed", "error", err)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}

	type openAIModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]openAIModel, 0, len(tags.Models))
	for _, m := range tags.Models {
		created := int64(0)
		if t, err := time.Parse(time.RFC3339, m.ModifiedAt); err == nil {
			created = t.Unix()
		}
		data = append(data, openAIModel{ID: m.Name, Object: "model", Created: created, OwnedBy: "library"})
	}
	api.JSONRaw(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
