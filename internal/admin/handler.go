// Package admin exposes the account-management surface: listing accounts and
// patching their status, role and quotas. All routes sit behind the session
// and admin-role middleware.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/users"
)

type Handler struct {
	users    *users.Repository
	cache    *cache.Cache
	validate *validator.Validate
}

func NewHandler(userRepo *users.Repository, c *cache.Cache) *Handler {
	return &Handler{
		users:    userRepo,
		cache:    c,
		validate: validator.New(),
	}
}

type UserUpdateRequest struct {
	Status     *string `json:"status" validate:"omitempty,oneof=active blocked"`
	DailyQuota *int64  `json:"dailyQuota" validate:"omitempty,gte=0"`
	TotalQuota *int64  `json:"totalQuota" validate:"omitempty,gte=0"`
	Role       *string `json:"role" validate:"omitempty,oneof=ADMIN USER"`
}

// ListUsers returns every account, newest first.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.List(r.Context())
	if err != nil {
		slog.Error("admin: listing users failed", "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"users": list})
}

// UpdateUser patches an account's status, role or quotas. Quota and status
// changes take effect on the next request once the identity cache is dropped.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.HandleError(w, api.NewValidationError("user id is required"))
		return
	}

	var req UserUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	fields := map[string]any{}
	if req.Status != nil {
		fields["status"] = *req.Status
	}
	if req.DailyQuota != nil {
		fields["dailyQuota"] = *req.DailyQuota
	}
	if req.TotalQuota != nil {
		fields["totalQuota"] = *req.TotalQuota
	}
	if req.Role != nil {
		fields["role"] = *req.Role
	}
	if len(fields) == 0 {
		api.HandleError(w, api.NewValidationError("no fields to update"))
		return
	}

	if err := h.users.Update(r.Context(), id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("user not found"))
			return
		}
		slog.Error("admin: updating user failed", "user", id, "error", err)
		api.HandleError(w, storeError(err))
		return
	}
	h.cache.InvalidateUser(r.Context(), id)

	updated, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("admin: fetching updated user failed", "user", id, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusOK, updated)
}

func storeError(err error) error {
	if store.IsUnavailable(err) {
		return api.ErrUpstreamUnavailable
	}
	return api.ErrInternalServer
}
