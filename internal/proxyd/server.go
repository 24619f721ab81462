// Package proxyd is the server side of the thin-proxy backend: a stateless
// HTTP front re-exposing get/put/delete/list over REST, backed by a
// folder-store adapter holding server-side credentials. Every response is
// structured JSON, errors included, so the thin-proxy adapter on the other
// end can reconstruct typed failures.
package proxyd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsmanual/sopsync/internal/proxy"
	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// StoreProvider yields the backend handle for one request. Returning the
// same cached handle every time is a valid implementation — the service
// must behave identically with or without caching. Returns nil when no
// backend is configured.
type StoreProvider func() store.Store

// Server is the proxy service. Stateless between requests apart from the
// websocket event hub.
type Server struct {
	provider StoreProvider
	logger   *slog.Logger
	hub      *eventHub
	now      func() time.Time
}

// NewServer creates a proxy service over the given backend provider.
func NewServer(provider StoreProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		provider: provider,
		logger:   logger,
		hub:      newEventHub(logger),
		now:      time.Now,
	}
}

// Handler returns the fully-routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sops", s.handleList)
	mux.HandleFunc("POST /sops", s.handleSave)
	mux.HandleFunc("GET /sops/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sops/{id}", s.handleDelete)
	mux.HandleFunc("GET /sops/events", s.handleEvents)
	mux.HandleFunc("/", s.handleNotFound)

	return s.withRequestLog(mux)
}

// withRequestLog tags each request with an id and logs method, path,
// and duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := s.now()

		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), reqID)))

		s.logger.Info("request",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", s.now().Sub(start)),
		)
	})
}

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// errorPayload mirrors the wire error format the thin-proxy adapter decodes.
type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okPayload struct {
	OK      bool   `json:"ok"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// writeJSON renders a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError renders the structured error body with the status its kind maps to.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorPayload{
		Error: err.Error(),
		Kind:  store.Kind(err),
	})
}

// statusFor maps store error kinds onto the REST contract's status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrAuthFailure):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// backend resolves the per-request store handle, or a NotConfigured error.
func (s *Server) backend() (store.Store, error) {
	st := s.provider()
	if st == nil {
		return nil, &store.BackendError{
			Backend: "proxyd", Op: "resolve backend",
			Message: "no backend configured",
			Err:     store.ErrNotConfigured,
		}
	}

	return st, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend()
	if err != nil {
		s.writeError(w, err)
		return
	}

	docs, err := st.ListAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"sops": docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend()
	if err != nil {
		s.writeError(w, err)
		return
	}

	id := r.PathValue("id")

	doc, version, err := st.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if version != store.None {
		w.Header().Set(proxy.VersionHeader, string(version))
	}

	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend()
	if err != nil {
		s.writeError(w, err)
		return
	}

	var doc sop.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorPayload{Error: "invalid document body: " + err.Error()})
		return
	}

	if err := doc.Normalize(s.now()); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorPayload{Error: err.Error()})
		return
	}

	expected := store.Version(r.Header.Get(proxy.ExpectedVersionHeader))

	version, err := st.Put(r.Context(), &doc, expected)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.broadcast(Event{Type: EventSaved, ID: doc.ID, At: s.now().UTC()})
	s.writeJSON(w, http.StatusOK, okPayload{OK: true, ID: doc.ID, Version: string(version)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend()
	if err != nil {
		s.writeError(w, err)
		return
	}

	id := r.PathValue("id")

	deleted, err := st.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if deleted {
		s.hub.broadcast(Event{Type: EventDeleted, ID: id, At: s.now().UTC()})
	}

	s.writeJSON(w, http.StatusOK, okPayload{OK: true, ID: id, Deleted: deleted})
}

// handleNotFound is the catch-all for unknown routes and methods.
func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorPayload{Error: "not found"})
}
