package keys

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/users"
)

// MaxKeysPerUser caps how many keys one account may hold.
const MaxKeysPerUser = 1

type Handler struct {
	keys     *Repository
	users    *users.Repository
	cache    *cache.Cache
	validate *validator.Validate
}

func NewHandler(keyRepo *Repository, userRepo *users.Repository, c *cache.Cache) *Handler {
	return &Handler{
		keys:     keyRepo,
		users:    userRepo,
		cache:    c,
		validate: validator.New(),
	}
}

type CreateRequest struct {
	Name          string `json:"name" validate:"required,min=1,max=100"`
	DailyRequests int64  `json:"dailyRequests" validate:"gte=0"`
	DailyTokens   int64  `json:"dailyTokens" validate:"gte=0"`
	TotalTokens   int64  `json:"totalTokens" validate:"gte=0"`
}

type UpdateRequest struct {
	Name          *string `json:"name" validate:"omitempty,min=1,max=100"`
	DailyRequests *int64  `json:"dailyRequests" validate:"omitempty,gte=0"`
	DailyTokens   *int64  `json:"dailyTokens" validate:"omitempty,gte=0"`
	TotalTokens   *int64  `json:"totalTokens" validate:"omitempty,gte=0"`
	IsActive      *bool   `json:"isActive"`
}

// List returns the caller's keys. Secrets are shown as prefix only.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	owned, _, err := h.keys.ListByUser(r.Context(), p.User.ID)
	if err != nil {
		slog.Error("keys: listing failed", "user", p.User.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	views := make([]view, 0, len(owned))
	for i := range owned {
		views = append(views, owned[i].toView(""))
	}
	api.JSON(w, http.StatusOK, map[string]any{"keys": views})
}

// Create mints a new key. The plain secret appears in this response and
// never again; only its digest is stored.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	_, total, err := h.keys.ListByUser(r.Context(), p.User.ID)
	if err != nil {
		slog.Error("keys: counting failed", "user", p.User.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}
	if total >= MaxKeysPerUser {
		api.HandleError(w, api.NewBadRequestError("api key limit reached, delete the existing key first"))
		return
	}

	secret := NewSecret()
	k, err := h.keys.Create(r.Context(), map[string]any{
		"user":          p.User.ID,
		"name":          req.Name,
		"keyHash":       HashSecret(secret),
		"keyPrefix":     DisplayPrefix(secret),
		"isActive":      true,
		"dailyRequests": req.DailyRequests,
		"dailyTokens":   req.DailyTokens,
		"totalTokens":   req.TotalTokens,
		"lastResetDate": time.Now().UTC().Format("2006-01-02"),
	})
	if err != nil {
		slog.Error("keys: creating failed", "user", p.User.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	// Dashboard convenience pointer; the digest lookup is authoritative.
	if err := h.users.Update(r.Context(), p.User.ID, map[string]any{"primaryApiKey": k.ID}); err != nil {
		slog.Warn("keys: stamping primary key failed", "user", p.User.ID, "error", err)
	}
	h.cache.InvalidateUser(r.Context(), p.User.ID)

	api.JSON(w, http.StatusCreated, k.toView(secret))
}

// Delete removes a key the caller owns.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	k, ok := h.owned(w, r, p)
	if !ok {
		return
	}
	if err := h.keys.Delete(r.Context(), k.ID); err != nil {
		slog.Error("keys: deleting failed", "key", k.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}
	if p.User.PrimaryAPIKey == k.ID {
		if err := h.users.Update(r.Context(), p.User.ID, map[string]any{"primaryApiKey": ""}); err != nil {
			slog.Warn("keys: clearing primary key failed", "user", p.User.ID, "error", err)
		}
	}
	h.cache.InvalidateUser(r.Context(), p.User.ID)

	api.JSONMessage(w, http.StatusOK, "api key deleted")
}

// Update patches a key's name, limits or active flag.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	k, ok := h.owned(w, r, p)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	fields := map[string]any{}
	if req.Name != nil {
		fields["name"] = *req.Name
	}
	if req.DailyRequests != nil {
		fields["dailyRequests"] = *req.DailyRequests
	}
	if req.DailyTokens != nil {
		fields["dailyTokens"] = *req.DailyTokens
	}
	if req.TotalTokens != nil {
		fields["totalTokens"] = *req.TotalTokens
	}
	if req.IsActive != nil {
		fields["isActive"] = *req.IsActive
	}
	if len(fields) == 0 {
		api.HandleError(w, api.NewValidationError("no fields to update"))
		return
	}

	updated, err := h.keys.Update(r.Context(), k.ID, fields)
	if err != nil {
		slog.Error("keys: updating failed", "key", k.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}
	h.cache.InvalidateUser(r.Context(), p.User.ID)

	api.JSON(w, http.StatusOK, updated.toView(""))
}

// Regenerate replaces the key's secret, invalidating the old one at once.
// The new plain secret appears in this response and never again.
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	k, ok := h.owned(w, r, p)
	if !ok {
		return
	}

	secret := NewSecret()
	updated, err := h.keys.Update(r.Context(), k.ID, map[string]any{
		"keyHash":   HashSecret(secret),
		"keyPrefix": DisplayPrefix(secret),
		"isActive":  true,
	})
	if err != nil {
		slog.Error("keys: regenerating failed", "key", k.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}
	h.cache.InvalidateUser(r.Context(), p.User.ID)

	api.JSON(w, http.StatusOK, updated.toView(secret))
}

// owned fetches the key named in the route and enforces ownership. A key
// belonging to someone else reads as not found.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, p *api.Principal) (*Key, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.HandleError(w, api.NewValidationError("key id is required"))
		return nil, false
	}

	k, err := h.keys.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("api key not found"))
			return nil, false
		}
		slog.Error("keys: fetching failed", "key", id, "error", err)
		api.HandleError(w, storeError(err))
		return nil, false
	}
	if k.User != p.User.ID {
		api.HandleError(w, api.NewNotFoundError("api key not found"))
		return nil, false
	}
	return k, true
}

func storeError(err error) error {
	if store.IsUnavailable(err) {
		return api.ErrUpstreamUnavailable
	}
	return api.ErrInternalServer
}
