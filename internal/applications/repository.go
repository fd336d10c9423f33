package applications

import (
	"context"
	"fmt"

	"github.com/abcdllm/gateway/internal/store"
)

// Repository handles api_applications collection operations on the record
// store.
type Repository struct {
	store *store.Client
}

func NewRepository(client *store.Client) *Repository {
	return &Repository{store: client}
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Application, error) {
	var a Application
	if err := r.store.Get(ctx, store.CollectionAPIApplications, id, &a); err != nil {
		return nil, fmt.Errorf("fetching application %s: %w", id, err)
	}
	return &a, nil
}

// ListByUser returns a user's applications, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Application, error) {
	var list []Application
	_, err := r.store.List(ctx, store.CollectionAPIApplications, store.ListQuery{
		Filter:  fmt.Sprintf("user=%q", userID),
		Sort:    "-created",
		PerPage: 50,
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("listing applications for %s: %w", userID, err)
	}
	return list, nil
}

// List returns all applications, newest first, for the admin review queue.
func (r *Repository) List(ctx context.Context) ([]Application, error) {
	var list []Application
	_, err := r.store.List(ctx, store.CollectionAPIApplications, store.ListQuery{
		Sort:    "-created",
		PerPage: 200,
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	return list, nil
}

func (r *Repository) Create(ctx context.Context, fields map[string]any) (*Application, error) {
	var a Application
	if err := r.store.Create(ctx, store.CollectionAPIApplications, fields, &a); err != nil {
		return nil, fmt.Errorf("creating application: %w", err)
	}
	return &a, nil
}

func (r *Repository) Update(ctx context.Context, id string, fields map[string]any) (*Application, error) {
	var a Application
	if err := r.store.Update(ctx, store.CollectionAPIApplications, id, fields, &a); err != nil {
		return nil, fmt.Errorf("updating application %s: %w", id, err)
	}
	return &a, nil
}
