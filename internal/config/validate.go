package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	// Store and backend URLs must parse
	if _, err := url.ParseRequestURI(c.Store.URL); err != nil {
		errs = append(errs, fmt.Sprintf("STORE_URL is not a valid URL: %q", c.Store.URL))
	}
	if _, err := url.ParseRequestURI(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Sprintf("BACKEND_URL is not a valid URL: %q", c.Backend.URL))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.Redis.Enabled() && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.RateLimit.MaxRequests < 1 {
		errs = append(errs, "RATELIMIT_MAX_REQUESTS must be positive")
	}
	if c.RateLimit.WindowSec < 1 {
		errs = append(errs, "RATELIMIT_WINDOW_SEC must be positive")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
