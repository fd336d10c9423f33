package proxy

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/abcdllm/gateway/internal/api"
)

// Generate serves POST /api/generate: a raw pass-through of the backend's
// completion endpoint, metered the same way as chat. The payload is
// forwarded as-is; only the terminal marker is inspected for token counts.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	model, _ := payload["model"].(string)
	if model == "" {
		model = h.defaultModel
		payload["model"] = model
	}
	stream := true
	if v, ok := payload["stream"].(bool); ok {
		stream = v
	}

	if !h.admit(w, r, p, model, "/api/generate") {
		return
	}

	acct := NewAccountant(h.ledger, h.recorder, h.events,
		p.User.ID, p.APIKeyID, model, "/api/generate", api.ClientIP(r))

	if stream {
		h.streamGenerate(w, r, acct, payload, model)
		return
	}

	payload["stream"] = false
	resp, err := h.backend.Generate(r.Context(), payload)
	if err != nil {
		slog.Error("proxy: backend generate failed", "model", model, "error", err)
		acct.Fail(http.StatusBadGateway)
		acct.Finalize(r.Context())
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	acct.SetUsage(tokenCounts(resp))
	if err := acct.Settle(r.Context()); err != nil {
		api.HandleError(w, api.NewOverQuotaError(err.Error()))
		return
	}
	api.JSONRaw(w, http.StatusOK, resp)
}

func (h *Handler) streamGenerate(w http.ResponseWriter, r *http.Request, acct *Accountant,
	payload map[string]any, model string) {
	defer acct.Finalize(r.Context())

	body, err := h.backend.GenerateStream(r.Context(), payload)
	if err != nil {
		slog.Error("proxy: backend generate stream failed", "model", model, "error", err)
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

		var chunk map[string]any
		if err := json.Unmarshal(line, &chunk); err == nil {
			if done, _ := chunk["done"].(bool); done {
				acct.SetUsage(tokenCounts(chunk))
			}
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			slog.Debug("proxy: client disconnected mid-stream", "model", model)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("proxy: backend stream interrupted", "model", model, "error", err)
		acct.Fail(http.StatusBadGateway)
	}
}

// tokenCounts pulls the eval counters out of a decoded backend payload.
// JSON numbers decode as float64.
func tokenCounts(payload map[string]any) (prompt, completion int64) {
	if v, ok := payload["prompt_eval_count"].(float64); ok {
		prompt = int64(v)
	}
	if v, ok := payload["eval_count"].(float64); ok {
		completion = int64(v)
	}
	return prompt, completion
}
