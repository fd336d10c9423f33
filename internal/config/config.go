package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Backend   BackendConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// StoreConfig points at the external record store (a PocketBase-compatible
// REST API over named collections).
type StoreConfig struct {
	URL     string
	Timeout time.Duration
}

// BackendConfig describes the default inference backend. The effective base
// URL may be overridden at runtime through the system_settings collection.
type BackendConfig struct {
	URL          string
	DefaultModel string
	KeepAlive    string
	AutoDetect   bool
	Warmup       bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether a cache backend was configured at all. The gateway
// runs without one, just slower.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type NATSConfig struct {
	URL string
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

type RateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		Store: StoreConfig{
			URL: k.String("store.url"),
		},
		Backend: BackendConfig{
			URL:          k.String("backend.url"),
			DefaultModel: k.String("backend.default.model"),
			KeepAlive:    k.String("backend.keep.alive"),
			AutoDetect:   k.Bool("backend.auto.detect"),
			Warmup:       k.Bool("backend.warmup"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: k.Int("ratelimit.max.requests"),
			WindowSec:   k.Int("ratelimit.window.sec"),
		},
		CORS: CORSConfig{
			AllowedOrigins: k.Strings("cors.allowed.origins"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = "http://127.0.0.1:8090"
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://127.0.0.1:11434"
	}
	if cfg.Backend.DefaultModel == "" {
		cfg.Backend.DefaultModel = "llama3.2"
	}
	if cfg.Backend.KeepAlive == "" {
		cfg.Backend.KeepAlive = "10m"
	}
	if cfg.Redis.Host != "" && cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 200
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	storeTimeoutStr := k.String("store.timeout")
	if storeTimeoutStr == "" {
		storeTimeoutStr = "10s"
	}
	cfg.Store.Timeout, err = time.ParseDuration(storeTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing store timeout: %w", err)
	}

	jwtExpiryStr := k.String("jwt.expiry")
	if jwtExpiryStr == "" {
		jwtExpiryStr = "24h"
	}
	cfg.JWT.Expiry, err = time.ParseDuration(jwtExpiryStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt expiry: %w", err)
	}

	return cfg, nil
}
