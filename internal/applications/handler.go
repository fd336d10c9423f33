package applications

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
	apps     *Repository
	users    *users.Repository
	cache    *cache.Cache
	validate *validator.Validate
}

func NewHandler(appRepo *Repository, userRepo *users.Repository, c *cache.Cache) *Handler {
	return &Handler{
		apps:     appRepo,
		users:    userRepo,
		cache:    c,
		validate: validator.New(),
	}
}

type CreateRequest struct {
	ProjectName    string `json:"projectName" validate:"required,min=1,max=200"`
	UseCase        string `json:"useCase" validate:"required,min=1"`
	RequestedQuota int64  `json:"requestedQuota" validate:"gt=0"`
	TargetModel    string `json:"targetModel"`
}

type DecideRequest struct {
	Status    string `json:"status" validate:"required,oneof=approved rejected"`
	AdminNote string `json:"adminNote"`
}

// Create files a new application. It starts pending and waits for an admin
// decision.
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

	a, err := h.apps.Create(r.Context(), map[string]any{
		"user":           p.User.ID,
		"userName":       p.User.Name,
		"projectName":    req.ProjectName,
		"useCase":        req.UseCase,
		"requestedQuota": req.RequestedQuota,
		"targetModel":    req.TargetModel,
		"status":         StatusPending,
		"adminNote":      "",
	})
	if err != nil {
		slog.Error("applications: creating failed", "user", p.User.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusCreated, a.toView())
}

// List returns the caller's own applications.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())

	owned, err := h.apps.ListByUser(r.Context(), p.User.ID)
	if err != nil {
		slog.Error("applications: listing failed", "user", p.User.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"applications": toViews(owned)})
}

// AdminList returns every application for the review queue.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	all, err := h.apps.List(r.Context())
	if err != nil {
		slog.Error("applications: listing all failed", "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"applications": toViews(all)})
}

// Decide approves or rejects an application. Approval adds the requested
// amount to the applicant's total quota; the grant is best-effort and the
// decision stands even if the quota write fails.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.HandleError(w, api.NewValidationError("application id is required"))
		return
	}

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	a, err := h.apps.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("application not found"))
			return
		}
		slog.Error("applications: fetching failed", "application", id, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	if req.Status == StatusApproved {
		h.grantQuota(r, a)
	}

	fields := map[string]any{"status": req.Status}
	if req.AdminNote != "" {
		fields["adminNote"] = req.AdminNote
	}
	updated, err := h.apps.Update(r.Context(), a.ID, fields)
	if err != nil {
		slog.Error("applications: updating failed", "application", a.ID, "error", err)
		api.HandleError(w, storeError(err))
		return
	}

	api.JSON(w, http.StatusOK, updated.toView())
}

func (h *Handler) grantQuota(r *http.Request, a *Application) {
	u, err := h.users.GetByID(r.Context(), a.User)
	if err != nil {
		slog.Warn("applications: fetching applicant failed", "user", a.User, "error", err)
		return
	}
	if err := h.users.Update(r.Context(), u.ID, map[string]any{
		"totalQuota": u.TotalQuota + a.RequestedQuota,
	}); err != nil {
		slog.Warn("applications: raising quota failed", "user", u.ID, "error", err)
		return
	}
	h.cache.InvalidateUser(r.Context(), u.ID)
}

func toViews(apps []Application) []view {
	views := make([]view, 0, len(apps))
	for i := range apps {
		views = append(views, apps[i].toView())
	}
	return views
}

func storeError(err error) error {
	if store.IsUnavailable(err) {
		return api.ErrUpstreamUnavailable
	}
	return api.ErrInternalServer
}
