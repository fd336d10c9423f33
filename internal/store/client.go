// Package store is a thin client for the external record store: a
// PocketBase-compatible REST API exposing CRUD over named collections.
// The gateway owns no persistence of its own; every durable read and write
// goes through this client.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/abcdllm/gateway/internal/config"
)

// Collection names used by the gateway.
const (
	CollectionUsers           = "users"
	CollectionAPIKeys         = "api_keys"
	CollectionAPIApplications = "api_applications"
	CollectionUsageLogs       = "usage_logs"
	CollectionSystemSettings  = "system_settings"
	CollectionSecurityEvents  = "security_events"
	CollectionUserSettings    = "user_settings"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(cfg config.StoreConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		httpc:   &http.Client{Timeout: cfg.Timeout},
	}
}

// ListQuery narrows a List call. Filter uses the store's filter expression
// syntax, e.g. `keyHash="ab12" && isActive=true`.
type ListQuery struct {
	Filter  string
	Sort    string
	Page    int
	PerPage int
}

type listEnvelope struct {
	Page       int             `json:"page"`
	PerPage    int             `json:"perPage"`
	TotalItems int             `json:"totalItems"`
	Items      json.RawMessage `json:"items"`
}

// Get fetches a single record by id and decodes it into out.
func (c *Client) Get(ctx context.Context, collection, id string, out any) error {
	path := fmt.Sprintf("/api/collections/%s/records/%s", collection, url.PathEscape(id))
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// List fetches records matching q and decodes the items into out (a pointer
// to a slice). It returns the total number of matching records.
func (c *Client) List(ctx context.Context, collection string, q ListQuery, out any) (int, error) {
	vals := url.Values{}
	if q.Filter != "" {
		vals.Set("filter", q.Filter)
	}
	if q.Sort != "" {
		vals.Set("sort", q.Sort)
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage < 1 {
		perPage = 30
	}
	vals.Set("page", strconv.Itoa(page))
	vals.Set("perPage", strconv.Itoa(perPage))

	path := fmt.Sprintf("/api/collections/%s/records?%s", collection, vals.Encode())

	var env listEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return 0, err
	}
	if out != nil {
		if err := json.Unmarshal(env.Items, out); err != nil {
			return 0, fmt.Errorf("store: decoding %s items: %w", collection, err)
		}
	}
	return env.TotalItems, nil
}

// Create inserts a new record and decodes the stored result into out
// (which may be nil).
func (c *Client) Create(ctx context.Context, collection string, fields any, out any) error {
	path := fmt.Sprintf("/api/collections/%s/records", collection)
	return c.do(ctx, http.MethodPost, path, fields, out)
}

// Update patches the named fields of an existing record and decodes the
// stored result into out (which may be nil).
func (c *Client) Update(ctx context.Context, collection, id string, fields any, out any) error {
	path := fmt.Sprintf("/api/collections/%s/records/%s", collection, url.PathEscape(id))
	return c.do(ctx, http.MethodPatch, path, fields, out)
}

// Delete removes a record by id.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/api/collections/%s/records/%s", collection, url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type authResponse struct {
	Token  string          `json:"token"`
	Record json.RawMessage `json:"record"`
}

// AuthWithPassword verifies identity/password against an auth collection and
// decodes the matched record into outRecord. The store performs the actual
// password check; the gateway never sees password hashes.
func (c *Client) AuthWithPassword(ctx context.Context, collection, identity, password string, outRecord any) error {
	path := fmt.Sprintf("/api/collections/%s/auth-with-password", collection)
	body := map[string]string{"identity": identity, "password": password}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return ErrAuthFailed
		}
		if errors.Is(err, ErrNotFound) {
			return ErrAuthFailed
		}
		return err
	}
	if outRecord != nil {
		if err := json.Unmarshal(resp.Record, outRecord); err != nil {
			return fmt.Errorf("store: decoding auth record: %w", err)
		}
	}
	return nil
}

// Ping reports whether the store answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &UnavailableError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &UnavailableError{Op: "ping", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("store: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &UnavailableError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return &UnavailableError{Op: method + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		var errBody struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &StatusError{Code: resp.StatusCode, Message: errBody.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("store: decoding response: %w", err)
		}
	}
	return nil
}
