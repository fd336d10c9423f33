package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/abcdllm/gateway/internal/users"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is a resolved identity: the user snapshot plus, when the caller
// authenticated with an API key, the matched key's id for key-tier quota
// accounting.
type Principal struct {
	User     users.User `json:"user"`
	APIKeyID string     `json:"apiKeyId,omitempty"`
}

// WithPrincipal attaches the resolved identity to the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the resolved identity, or nil outside authenticated
// routes.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// ClientIP extracts the caller address, honoring reverse-proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
