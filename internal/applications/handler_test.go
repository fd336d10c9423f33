package applications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdllm/gateway/internal/api"
	"github.com/abcdllm/gateway/internal/cache"
	"github.com/abcdllm/gateway/internal/config"
	"github.com/abcdllm/gateway/internal/store"
	"github.com/abcdllm/gateway/internal/store/storetest"
	"github.com/abcdllm/gateway/internal/users"
)

type handlerFixture struct {
	srv     *storetest.Server
	handler *Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	srv := storetest.New()
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(client)

	storeClient := store.New(config.StoreConfig{URL: srv.URL(), Timeout: 5 * time.Second})
	return &handlerFixture{
		srv:     srv,
		handler: NewHandler(NewRepository(storeClient), users.NewRepository(storeClient), c),
	}
}

func (f *handlerFixture) seedUser(totalQuota int64) string {
	return f.srv.Seed("users", map[string]any{
		"name":       "Grace",
		"status":     users.StatusActive,
		"totalQuota": totalQuota,
	})
}

func (f *handlerFixture) seedApplication(userID string, requestedQuota int64) string {
	return f.srv.Seed("api_applications", map[string]any{
		"user":           userID,
		"userName":       "Grace",
		"projectName":    "batch summarizer",
		"useCase":        "nightly report generation",
		"requestedQuota": requestedQuota,
		"status":         StatusPending,
		"adminNote":      "",
	})
}

// request builds a principal-carrying request with the chi route parameter
// set, the way the router delivers it.
func request(method, body, userID, appID string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, "/api/applications", strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, "/api/applications", nil)
	}

	ctx := api.WithPrincipal(r.Context(), &api.Principal{User: users.User{ID: userID, Name: "Grace"}})
	if appID != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", appID)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}

func TestCreate_FilesPendingApplication(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)

	rec := httptest.NewRecorder()
	f.handler.Create(rec, request("POST",
		`{"projectName":"batch summarizer","useCase":"nightly report generation","requestedQuota":100000}`,
		userID, ""))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			UserID string `json:"userId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusPending, resp.Data.Status)
	assert.Equal(t, userID, resp.Data.UserID)

	stored := f.srv.Record("api_applications", resp.Data.ID)
	assert.Equal(t, StatusPending, stored["status"])
	assert.Equal(t, "Grace", stored["userName"])
	assert.Equal(t, "", stored["adminNote"])
}

func TestCreate_RejectsInvalidBody(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)

	cases := []string{
		`{"useCase":"x","requestedQuota":1000}`,
		`{"projectName":"p","requestedQuota":1000}`,
		`{"projectName":"p","useCase":"x","requestedQuota":0}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		f.handler.Create(rec, request("POST", body, userID, ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, 0, f.srv.Count("api_applications"))
}

func TestList_ReturnsOwnOnly(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)
	otherID := f.seedUser(50000)
	appID := f.seedApplication(userID, 100000)
	f.seedApplication(otherID, 20000)

	rec := httptest.NewRecorder()
	f.handler.List(rec, request("GET", "", userID, ""))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Applications []struct {
				ID string `json:"id"`
			} `json:"applications"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Applications, 1)
	assert.Equal(t, appID, resp.Data.Applications[0].ID)
}

func TestAdminList_ReturnsAll(t *testing.T) {
	f := newHandlerFixture(t)
	f.seedApplication(f.seedUser(50000), 100000)
	f.seedApplication(f.seedUser(50000), 20000)

	rec := httptest.NewRecorder()
	f.handler.AdminList(rec, request("GET", "", "admin-1", ""))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Applications []struct {
				ID string `json:"id"`
			} `json:"applications"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Applications, 2)
}

func TestDecide_ApprovalRaisesTotalQuota(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)
	appID := f.seedApplication(userID, 100000)

	rec := httptest.NewRecorder()
	f.handler.Decide(rec, request("PATCH", `{"status":"approved","adminNote":"looks reasonable"}`, "admin-1", appID))

	require.Equal(t, http.StatusOK, rec.Code)

	app := f.srv.Record("api_applications", appID)
	assert.Equal(t, StatusApproved, app["status"])
	assert.Equal(t, "looks reasonable", app["adminNote"])

	user := f.srv.Record("users", userID)
	assert.EqualValues(t, 150000, user["totalQuota"])
}

func TestDecide_RejectionLeavesQuota(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)
	appID := f.seedApplication(userID, 100000)

	rec := httptest.NewRecorder()
	f.handler.Decide(rec, request("PATCH", `{"status":"rejected"}`, "admin-1", appID))

	require.Equal(t, http.StatusOK, rec.Code)

	app := f.srv.Record("api_applications", appID)
	assert.Equal(t, StatusRejected, app["status"])
	assert.Equal(t, "", app["adminNote"])

	user := f.srv.Record("users", userID)
	assert.EqualValues(t, 50000, user["totalQuota"])
}

func TestDecide_UnknownApplication(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Decide(rec, request("PATCH", `{"status":"approved"}`, "admin-1", "missing"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecide_RejectsInvalidStatus(t *testing.T) {
	f := newHandlerFixture(t)
	userID := f.seedUser(50000)
	appID := f.seedApplication(userID, 100000)

	rec := httptest.NewRecorder()
	f.handler.Decide(rec, request("PATCH", `{"status":"maybe"}`, "admin-1", appID))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	app := f.srv.Record("api_applications", appID)
	assert.Equal(t, StatusPending, app["status"])
}

func TestDecide_ApprovalSurvivesMissingApplicant(t *testing.T) {
	f := newHandlerFixture(t)
	appID := f.seedApplication("gone", 100000)

	// The quota grant is best-effort; the decision itself must land.
	rec := httptest.NewRecorder()
	f.handler.Decide(rec, request("PATCH", `{"status":"approved"}`, "admin-1", appID))

	require.Equal(t, http.StatusOK, rec.Code)
	app := f.srv.Record("api_applications", appID)
	assert.Equal(t, StatusApproved, app["status"])
}
