// Package settings exposes the admin-only runtime configuration surface:
// reading and changing the inference backend URL, and pulling models onto
// the backend. All routes sit behind the admin middleware.
package settings

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/backend"
	"github.com/abcdllm/gateway/internal/store"
)

type Handler struct {
	backend  *backend.Client
	validate *validator.Validate
}

func NewHandler(b *backend.Client) *Handler {
	return &Handler{backend: b, validate: validator.New()}
}

type backendSettings struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
}

// GetBackend serves GET /api/admin/settings/backend.
func (h *Handler) GetBackend(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, backendSettings{
		URL:       h.backend.BaseURL(r.Context()),
		Reachable: h.backend.Healthy(r.Context()),
	})
}

type updateBackendRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// UpdateBackend serves PUT /api/admin/settings/backend. The new URL is
// persisted so every replica converges on it, then the client is swapped;
// requests already in flight finish against the old backend.
func (h *Handler) UpdateBackend(w http.ResponseWriter, r *http.Request) {
	var req updateBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
		api.HandleError(w, api.NewValidationError("url must be http or https"))
		return
	}

	if err := h.backend.SetBaseURL(r.Context(), req.URL); err != nil {
		slog.Error("settings: persisting backend url failed", "url", req.URL, "error", err)
		if store.IsUnavailable(err) {
			api.HandleError(w, api.ErrUpstreamUnavailable)
			return
		}
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	slog.Info("backend url changed", "url", req.URL)
	api.JSON(w, http.StatusOK, backendSettings{
		URL:       req.URL,
		Reachable: h.backend.Healthy(r.Context()),
	})
}

type pullRequest struct {
	Name string `json:"name" validate:"required"`
}

// PullModel serves POST /api/admin/models/pull.
func (h *Handler) PullModel(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	status, err := h.backend.Pull(r.Context(), req.Name)
	if err != nil {
		slog.Error("settings: pulling model failed", "model", req.Name, "error", err)
		api.HandleError(w, api.NewUpstreamError("inference backend unavailable"))
		return
	}
	api.JSON(w, http.StatusOK, status)
}
