package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abcdllm/gateway/internal/admin"
	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/applications"
	"github.com/abcdllm/gateway/internal/auth"
	"github.com/abcdllm/gateway/internal/backend"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/events"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/middleware"
	"github.com/abcdllm/gateway/internal/proxy"
	"github.com/abcdllm/gateway/internal/quota"
	"github.com/abcdllm/gateway/internal/security"
	"github.com/abcdllm/gateway/internal/server"
	"github.com/abcdllm/gateway/internal/settings"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/usage"
	"github.com/abcdllm/gateway/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx := context.Background()

	// Redis (optional): the cache and rate limiter degrade to no-ops
	// without it.
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("redis unreachable, running without cache", "addr", cfg.Redis.Addr(), "error", err)
			rc.Close()
		} else {
			redisClient = rc
			defer redisClient.Close()
			slog.Info("connected to redis", "addr", cfg.Redis.Addr())
		}
	}
	cacheClient := cache.New(redisClient)

	// Record store
	storeClient := store.New(cfg.Store)
	if err := storeClient.Ping(ctx); err != nil {
		slog.Warn("record store unreachable at startup", "url", cfg.Store.URL, "error", err)
	}

	// NATS (optional): usage events for downstream consumers.
	var natsClient *events.Client
	if cfg.NATS.Enabled() {
		nc, err := events.Connect(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("NATS unreachable, running without usage events", "url", cfg.NATS.URL, "error", err)
		} else {
			natsClient = nc
			defer natsClient.Close()
		}
	}
	var publisher *events.Publisher
	if natsClient != nil {
		publisher = natsClient.Publisher()
	}

	// Repositories and services
	userRepo := users.NewRepository(storeClient)
	keyRepo := keys.NewRepository(storeClient)
	eventRecorder := security.NewRecorder(storeClient)

	jwtManager := auth.NewManager(cfg.JWT.Secret, cfg.JWT.Expiry)
	resolver := auth.NewResolver(jwtManager, cacheClient, userRepo, keyRepo)
	ledger := quota.NewLedger(userRepo, keyRepo, cacheClient)
	usageRecorder := usage.NewRecorder(storeClient, publisher)

	// Inference backend
	backendClient := backend.NewClient(cfg.Backend, storeClient, cacheClient)
	if cfg.Backend.AutoDetect {
		go backendClient.AutoConfigure(ctx)
	}
	if cfg.Backend.Warmup {
		go backendClient.Warmup(ctx, cfg.Backend.DefaultModel)
	}

	// Handlers
	authHandler := auth.NewHandler(jwtManager, userRepo, keyRepo)
	keyHandler := keys.NewHandler(keyRepo, userRepo, cacheClient)
	appHandler := applications.NewHandler(applications.NewRepository(storeClient), userRepo, cacheClient)
	adminHandler := admin.NewHandler(userRepo, cacheClient)
	settingsHandler := settings.NewHandler(backendClient)
	proxyHandler := proxy.NewHandler(backendClient, ledger, usageRecorder, eventRecorder, cfg.Backend.DefaultModel)

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, eventRecorder, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec)
	}

	router := api.NewRouter(storeClient, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		ProxyRateLimiter:   limiter.Middleware,
	}, api.HandlerSet{
		Login:  authHandler.Login,
		Signup: authHandler.Signup,
		Me:     authHandler.Me,

		ListKeys:      keyHandler.List,
		CreateKey:     keyHandler.Create,
		UpdateKey:     keyHandler.Update,
		DeleteKey:     keyHandler.Delete,
		RegenerateKey: keyHandler.Regenerate,

		ListApplications:  appHandler.List,
		CreateApplication: appHandler.Create,

		AdminListUsers:        adminHandler.ListUsers,
		AdminUpdateUser:       adminHandler.UpdateUser,
		AdminListApplications: appHandler.AdminList,
		DecideApplication:     appHandler.Decide,
		GetBackendSettings:    settingsHandler.GetBackend,
		UpdateBackendSettings: settingsHandler.UpdateBackend,
		PullModel:             settingsHandler.PullModel,

		Chat:            proxyHandler.Chat,
		NativeChat:      proxyHandler.NativeChat,
		Generate:        proxyHandler.Generate,
		Models:          proxyHandler.Models,
		ShowModel:       proxyHandler.ShowModel,
		Tags:            proxyHandler.Tags,
		ProxyHealth:     proxyHandler.Health,
		ChatCompletions: proxyHandler.ChatCompletions,
		OpenAIModels:    proxyHandler.OpenAIModels,

		SessionMiddleware: auth.SessionMiddleware(resolver, eventRecorder),
		ProxyMiddleware:   auth.Middleware(resolver, eventRecorder),
		AdminMiddleware:   auth.AdminMiddleware,
	})

	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
