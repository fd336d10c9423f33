package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/security"
	"github.com/abcdllm/gateway/internal/store"
)

// Middleware authenticates proxy traffic: session tokens and API keys both
// pass. Blocked accounts get 403, store outages 502.
func Middleware(resolver *Resolver, events *security.Recorder) func(http.Handler) http.Handler {
	return middleware(resolver.Resolve, events)
}

// SessionMiddleware authenticates dashboard traffic: session tokens only.
func SessionMiddleware(resolver *Resolver, events *security.Recorder) func(http.Handler) http.Handler {
	return middleware(resolver.ResolveSession, events)
}

// AdminMiddleware gates a route group to ADMIN principals. It must run
// after an authenticating middleware.
func AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := api.GetPrincipal(r.Context())
		if p == nil {
			api.HandleError(w, api.ErrUnauthorized)
			return
		}
		if !p.User.IsAdmin() {
			api.HandleError(w, api.ErrAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func middleware(resolve func(context.Context, string) (*api.Principal, error), events *security.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, ok := bearerToken(r)
			if !ok {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			p, err := resolve(r.Context(), bearer)
			if err != nil {
				switch {
				case errors.Is(err, ErrBlocked):
					events.Log(r.Context(), security.EventBlockedAccess, security.SeverityMedium,
						"blocked account attempted access", api.ClientIP(r), "")
					api.HandleError(w, api.ErrAccountBlocked)
				case errors.Is(err, ErrUnauthenticated):
					api.HandleError(w, api.ErrUnauthorized)
				case store.IsUnavailable(err):
					slog.Error("auth: record store unavailable", "error", err)
					api.HandleError(w, api.ErrUpstreamUnavailable)
				default:
					slog.Error("auth: resolving credential", "error", err)
					api.HandleError(w, api.ErrInternalServer)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(api.WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
