package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/keys"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/users"
)

// Resolution failures. Store connectivity problems are NOT folded into
// these: they surface as store.UnavailableError so callers can answer 502
// instead of 401.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrBlocked         = errors.New("auth: account blocked")
)

// Resolver turns an inbound bearer string into a Principal, cache-first.
// Successful resolutions are cached for cache.AuthTTL; failures never are.
type Resolver struct {
	jwt   *Manager
	cache *cache.Cache
	users *users.Repository
	keys  *keys.Repository
}

func NewResolver(jwt *Manager, c *cache.Cache, userRepo *users.Repository, keyRepo *keys.Repository) *Resolver {
	return &Resolver{jwt: jwt, cache: c, users: userRepo, keys: keyRepo}
}

// Resolve classifies the bearer by its literal prefix and dispatches to the
// API-key or session-token path.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (*api.Principal, error) {
	if keys.IsSecret(bearer) {
		return r.resolveAPIKey(ctx, bearer)
	}
	return r.resolveSession(ctx, bearer)
}

// ResolveSession accepts only session tokens. Dashboard endpoints use it so
// that a leaked API key cannot manage the account that owns it.
func (r *Resolver) ResolveSession(ctx context.Context, bearer string) (*api.Principal, error) {
	if keys.IsSecret(bearer) {
		return nil, fmt.Errorf("%w: api key not accepted here", ErrUnauthenticated)
	}
	return r.resolveSession(ctx, bearer)
}

func (r *Resolver) resolveSession(ctx context.Context, token string) (*api.Principal, error) {
	subject, err := r.jwt.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	var p api.Principal
	if r.cache.GetSessionIdentity(ctx, subject, &p) {
		return &p, nil
	}

	u, err := r.users.GetByID(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return nil, err
	}

	p = api.Principal{User: *u}
	r.cache.SetSessionIdentity(ctx, subject, p)
	return &p, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, secret string) (*api.Principal, error) {
	digest := keys.HashSecret(secret)

	var p api.Principal
	if r.cache.GetAPIKeyIdentity(ctx, digest, &p) {
		return &p, nil
	}

	key, err := r.keys.FindActiveByHash(ctx, digest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown api key", ErrUnauthenticated)
		}
		return nil, err
	}

	owner, err := r.users.GetByID(ctx, key.User)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: key owner missing", ErrUnauthenticated)
		}
		return nil, err
	}
	if owner.IsBlocked() {
		return nil, ErrBlocked
	}

	p = api.Principal{User: *owner, APIKeyID: key.ID}
	r.cache.SetAPIKeyIdentity(ctx, digest, p)
	return &p, nil
}
