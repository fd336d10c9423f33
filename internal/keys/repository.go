package keys

import (
	"context"
	"fmt"

	"github.com/abcdllm/gateway/internal/store"
)

// Repository handles api_keys collection operations on the record store.
type Repository struct {
	store *store.Client
}

func NewRepository(client *store.Client) *Repository {
	return &Repository{store: client}
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Key, error) {
	var k Key
	if err := r.store.Get(ctx, store.CollectionAPIKeys, id, &k); err != nil {
		return nil, fmt.Errorf("fetching api key %s: %w", id, err)
	}
	return &k, nil
}

// FindActiveByHash looks up the active key whose digest matches. Returns
// store.ErrNotFound (wrapped) when no such key exists.
func (r *Repository) FindActiveByHash(ctx context.Context, keyHash string) (*Key, error) {
	var matches []Key
	_, err := r.store.List(ctx, store.CollectionAPIKeys, store.ListQuery{
		Filter:  fmt.Sprintf("keyHash=%q && isActive=true", keyHash),
		PerPage: 1,
	}, &matches)
	if err != nil {
		return nil, fmt.Errorf("looking up api key by hash: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("looking up api key by hash: %w", store.ErrNotFound)
	}
	return &matches[0], nil
}

// ListByUser returns all keys owned by a user with the total count.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Key, int, error) {
	var owned []Key
	total, err := r.store.List(ctx, store.CollectionAPIKeys, store.ListQuery{
		Filter:  fmt.Sprintf("user=%q", userID),
		Sort:    "created",
		PerPage: 50,
	}, &owned)
	if err != nil {
		return nil, 0, fmt.Errorf("listing api keys for %s: %w", userID, err)
	}
	return owned, total, nil
}

func (r *Repository) Create(ctx context.Context, fields map[string]any) (*Key, error) {
	var k Key
	if err := r.store.Create(ctx, store.CollectionAPIKeys, fields, &k); err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return &k, nil
}

func (r *Repository) Update(ctx context.Context, id string, fields map[string]any) (*Key, error) {
	var k Key
	if err := r.store.Update(ctx, store.CollectionAPIKeys, id, fields, &k); err != nil {
		return nil, fmt.Errorf("updating api key %s: %w", id, err)
	}
	return &k, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, store.CollectionAPIKeys, id); err != nil {
		return fmt.Errorf("deleting api key %s: %w", id, err)
	}
	return nil
}
