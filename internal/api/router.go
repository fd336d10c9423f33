package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abcdllm/gateway/internal/events"
	mw "github.com/abcdllm/gateway/internal/middleware"
	"github.com/abcdllm/gateway/internal/store"
)

// HandlerSet holds handler functions injected from main.go to avoid import
// cycles.
type HandlerSet struct {
	// Auth handlers
	Login  http.HandlerFunc
	Signup http.HandlerFunc
	Me     http.HandlerFunc

	// API key handlers
	ListKeys      http.HandlerFunc
	CreateKey     http.HandlerFunc
	UpdateKey     http.HandlerFunc
	DeleteKey     http.HandlerFunc
	RegenerateKey http.HandlerFunc

	// Quota application handlers
	ListApplications  http.HandlerFunc
	CreateApplication http.HandlerFunc

	// Admin handlers
	AdminListUsers        http.HandlerFunc
	AdminUpdateUser       http.HandlerFunc
	AdminListApplications http.HandlerFunc
	DecideApplication     http.HandlerFunc
	GetBackendSettings    http.HandlerFunc
	UpdateBackendSettings http.HandlerFunc
	PullModel             http.HandlerFunc

	// Proxy handlers
	Chat            http.HandlerFunc
	NativeChat      http.HandlerFunc
	Generate        http.HandlerFunc
	Models          http.HandlerFunc
	ShowModel       http.HandlerFunc
	Tags            http.HandlerFunc
	ProxyHealth     http.HandlerFunc
	ChatCompletions http.HandlerFunc
	OpenAIModels    http.HandlerFunc

	// Middleware
	SessionMiddleware func(http.Handler) http.Handler
	ProxyMiddleware   func(http.Handler) http.Handler
	AdminMiddleware   func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	ProxyRateLimiter   func(http.Handler) http.Handler
}

func NewRouter(storeClient *store.Client, natsClient *events.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe: checks the record store and NATS
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status": "healthy",
			"store":  "healthy",
			"nats":   "healthy",
		}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := storeClient.Ping(ctx); err != nil {
			health["store"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}
	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Dashboard surface (session tokens only)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/signup", h.Signup)

		r.Group(func(r chi.Router) {
			r.Use(h.SessionMiddleware)
			r.Get("/me", h.Me)
		})
	})

	r.Route("/api/keys", func(r chi.Router) {
		r.Use(h.SessionMiddleware)
		r.Get("/", h.ListKeys)
		r.Post("/", h.CreateKey)
		r.Patch("/{id}", h.UpdateKey)
		r.Delete("/{id}", h.DeleteKey)
		r.Post("/{id}/regenerate", h.RegenerateKey)
	})

	r.Route("/api/applications", func(r chi.Router) {
		r.Use(h.SessionMiddleware)
		r.Get("/", h.ListApplications)
		r.Post("/", h.CreateApplication)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.SessionMiddleware)
		r.Use(h.AdminMiddleware)
		r.Get("/users", h.AdminListUsers)
		r.Patch("/users/{id}", h.AdminUpdateUser)
		r.Get("/applications", h.AdminListApplications)
		r.Patch("/applications/{id}", h.DecideApplication)
		r.Get("/settings/backend", h.GetBackendSettings)
		r.Put("/settings/backend", h.UpdateBackendSettings)
		r.Post("/models/pull", h.PullModel)
	})

	// Proxy surface (session tokens and API keys)
	proxyGroup := func(r chi.Router) {
		if cfg.ProxyRateLimiter != nil {
			r.Use(cfg.ProxyRateLimiter)
		}
		r.Use(h.ProxyMiddleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		proxyGroup(r)
		r.Post("/chat", h.Chat)
		r.Get("/models", h.Models)
		r.Post("/models/show", h.ShowModel)
		r.Get("/health", h.ProxyHealth)
	})

	// OpenAI-compatible surface
	r.Route("/v1", func(r chi.Router) {
		proxyGroup(r)
		r.Post("/chat/completions", h.ChatCompletions)
		r.Get("/models", h.OpenAIModels)
	})

	// Backend-native surface
	r.Group(func(r chi.Router) {
		proxyGroup(r)
		r.Get("/api/tags", h.Tags)
		r.Post("/api/chat", h.NativeChat)
		r.Post("/api/generate", h.Generate)
	})

	return r
}
