package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/users"
)

type Handler struct {
	jwt      *Manager
	users    *users.Repository
	keys     *keys.Repository
	validate *validator.Validate
}

func NewHandler(jwt *Manager, userRepo *users.Repository, keyRepo *keys.Repository) *Handler {
	return &Handler{
		jwt:      jwt,
		users:    userRepo,
		keys:     keyRepo,
		validate: validator.New(),
	}
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type SignupRequest struct {
	Email           string `json:"email" validate:"required,email"`
	Name            string `json:"name" validate:"required"`
	Password        string `json:"password" validate:"required,min=8"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required,eqfield=Password"`
}

type sessionResponse struct {
	Token string        `json:"token"`
	User  users.Profile `json:"user"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	u, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrAuthFailed) {
			api.HandleError(w, api.ErrInvalidCredentials)
			return
		}
		slog.Error("login: authenticating against store", "error", err)
		if store.IsUnavailable(err) {
			api.HandleError(w, api.ErrUpstreamUnavailable)
			return
		}
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	// Stamp activity; a failure here must not block the login.
	if err := h.users.Update(r.Context(), u.ID, map[string]any{
		"lastActive":  time.Now().UTC().Format(time.RFC3339),
		"lastIp":      api.ClientIP(r),
		"accessCount": u.AccessCount + 1,
	}); err != nil {
		slog.Warn("login: stamping activity failed", "user", u.ID, "error", err)
	}

	token, err := h.jwt.Generate(u.ID)
	if err != nil {
		slog.Error("login: generating token", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONRaw(w, http.StatusOK, sessionResponse{Token: token, User: u.Profile()})
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	secret := keys.NewSecret()
	now := time.Now().UTC()

	u, err := h.users.Create(r.Context(), map[string]any{
		"email":           req.Email,
		"password":        req.Password,
		"passwordConfirm": req.PasswordConfirm,
		"name":            req.Name,
		"role":            users.RoleUser,
		"status":          users.StatusActive,
		"primaryApiKey":   keys.DisplayPrefix(secret) + "...",
		"dailyUsage":      0,
		"dailyQuota":      users.DefaultDailyQuota,
		"totalUsage":      0,
		"totalQuota":      users.DefaultTotalQuota,
		"accessCount":     0,
		"lastActive":      now.Format(time.RFC3339),
		"lastIp":          api.ClientIP(r),
	})
	if err != nil {
		var se *store.StatusError
		if errors.As(err, &se) {
			api.HandleError(w, api.NewBadRequestError(se.Message))
			return
		}
		slog.Error("signup: creating user", "error", err)
		if store.IsUnavailable(err) {
			api.HandleError(w, api.ErrUpstreamUnavailable)
			return
		}
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	// Default API key; the account works without one, so best effort.
	if _, err := h.keys.Create(r.Context(), map[string]any{
		"user":            u.ID,
		"name":            "Default Key",
		"keyHash":         keys.HashSecret(secret),
		"keyPrefix":       keys.DisplayPrefix(secret),
		"dailyRequests":   1000,
		"dailyTokens":     users.DefaultDailyQuota,
		"totalTokens":     users.DefaultTotalQuota,
		"usedRequests":    0,
		"usedTokens":      0,
		"totalUsedTokens": 0,
		"lastResetDate":   now.Format("2006-01-02"),
		"isActive":        true,
	}); err != nil {
		slog.Warn("signup: creating default api key failed", "user", u.ID, "error", err)
	}

	token, err := h.jwt.Generate(u.ID)
	if err != nil {
		slog.Error("signup: generating token", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	profile := u.Profile()
	profile.APIKey = secret // full secret shown exactly once
	api.JSONRaw(w, http.StatusOK, sessionResponse{Token: token, User: profile})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := api.GetPrincipal(r.Context())
	if p == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	api.JSONRaw(w, http.StatusOK, p.User.Profile())
}
