// Package storetest provides an in-memory fake of the record store's REST
// API for tests. It supports the subset of the contract the gateway uses:
// get, filtered list, create, update, delete and password auth, plus read
// and write counters so tests can assert cache behavior.
package storetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Server struct {
	mu          sync.Mutex
	collections map[string][]map[string]any
	reads       map[string]int
	writes      map[string]int
	failing     bool

	srv *httptest.Server
}

func New() *Server {
	s := &Server{
		collections: make(map[string][]map[string]any),
		reads:       make(map[string]int),
		writes:      make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() { s.srv.Close() }

// SetFailing makes every subsequent request answer 503, simulating an
// unreachable store.
func (s *Server) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Seed inserts a record and returns its id (generating one if absent).
func (s *Server) Seed(collection string, record map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := make(map[string]any, len(record))
	for k, v := range record {
		rec[k] = v
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = newID()
		rec["id"] = id
	}
	s.collections[collection] = append(s.collections[collection], rec)
	return id
}

// Record returns a copy of the record with the given id, or nil.
func (s *Server) Record(collection, id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.collections[collection] {
		if rec["id"] == id {
			out := make(map[string]any, len(rec))
			for k, v := range rec {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Server) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

// Reads returns the number of read requests served for a collection.
func (s *Server) Reads(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[collection]
}

// Writes returns the number of mutating requests served for a collection.
func (s *Server) Writes(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[collection]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	if r.URL.Path == "/api/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api / collections / {col} / records [/ {id}]  or  ... / auth-with-password
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "collections" {
		http.NotFound(w, r)
		return
	}
	collection := parts[2]

	if parts[3] == "auth-with-password" {
		s.handleAuth(w, r, collection)
		return
	}
	if parts[3] != "records" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		s.reads[collection]++
		s.handleList(w, r, collection)
	case len(parts) == 4 && r.Method == http.MethodPost:
		s.writes[collection]++
		s.handleCreate(w, r, collection)
	case len(parts) == 5 && r.Method == http.MethodGet:
		s.reads[collection]++
		s.handleGet(w, collection, parts[4])
	case len(parts) == 5 && r.Method == http.MethodPatch:
		s.writes[collection]++
		s.handleUpdate(w, r, collection, parts[4])
	case len(parts) == 5 && r.Method == http.MethodDelete:
		s.writes[collection]++
		s.handleDelete(w, collection, parts[4])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, collection, id string) {
	for _, rec := range s.collections[collection] {
		if rec["id"] == id {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, collection string) {
	filter := r.URL.Query().Get("filter")
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	if perPage < 1 {
		perPage = 30
	}

	var matched []map[string]any
	for _, rec := range s.collections[collection] {
		if matchesFilter(rec, filter) {
			matched = append(matched, rec)
		}
	}

	items := matched
	if len(items) > perPage {
		items = items[:perPage]
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":       1,
		"perPage":    perPage,
		"totalItems": len(matched),
		"items":      items,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, collection string) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}
	fields["id"] = newID()
	s.collections[collection] = append(s.collections[collection], fields)
	writeJSON(w, http.StatusOK, fields)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, collection, id string) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}
	for _, rec := range s.collections[collection] {
		if rec["id"] == id {
			for k, v := range fields {
				rec[k] = v
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
}

func (s *Server) handleDelete(w http.ResponseWriter, collection, id string) {
	recs := s.collections[collection]
	for i, rec := range recs {
		if rec["id"] == id {
			s.collections[collection] = append(recs[:i], recs[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, collection string) {
	var body struct {
		Identity string `json:"identity"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}
	for _, rec := range s.collections[collection] {
		if rec["email"] == body.Identity && rec["password"] == body.Password {
			writeJSON(w, http.StatusOK, map[string]any{
				"token":  "storetest-token",
				"record": rec,
			})
			return
		}
	}
	http.Error(w, `{"message":"failed to authenticate"}`, http.StatusBadRequest)
}

// matchesFilter evaluates the subset of the store's filter syntax the
// gateway emits: `field="value"` and `field=true|false` clauses joined
// with &&.
func matchesFilter(rec map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, "&&") {
		clause = strings.TrimSpace(clause)
		eq := strings.Index(clause, "=")
		if eq < 0 {
			return false
		}
		field := strings.TrimSpace(clause[:eq])
		want := strings.TrimSpace(clause[eq+1:])

		got, ok := rec[field]
		if !ok {
			return false
		}
		if strings.HasPrefix(want, `"`) {
			unquoted := strings.Trim(want, `"`)
			if fmt.Sprintf("%v", got) != unquoted {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:15]
}
