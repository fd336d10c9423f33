package users

import (
	"context"
	"fmt"

	"github.com/abcdllm/gateway/internal/store"
)

// Repository handles users collection operations on the record store.
type Repository struct {
	store *store.Client
}

func NewRepository(client *store.Client) *Repository {
	return &Repository{store: client}
}

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.store.Get(ctx, store.CollectionUsers, id, &u); err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", id, err)
	}
	return &u, nil
}

// Create registers a new account. The store hashes and owns the password;
// the gateway only relays it.
func (r *Repository) Create(ctx context.Context, fields map[string]any) (*User, error) {
	var u User
	if err := r.store.Create(ctx, store.CollectionUsers, fields, &u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return &u, nil
}

// List returns user records, newest first, for the admin dashboard.
func (r *Repository) List(ctx context.Context) ([]User, error) {
	var list []User
	_, err := r.store.List(ctx, store.CollectionUsers, store.ListQuery{
		Sort:    "-created",
		PerPage: 200,
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return list, nil
}

// Update patches the named fields of a user record.
func (r *Repository) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := r.store.Update(ctx, store.CollectionUsers, id, fields, nil); err != nil {
		return fmt.Errorf("updating user %s: %w", id, err)
	}
	return nil
}

// Authenticate verifies email/password against the store's auth endpoint and
// returns the matched user.
func (r *Repository) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var u User
	if err := r.store.AuthWithPassword(ctx, store.CollectionUsers, email, password, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
