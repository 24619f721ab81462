// Package proxy implements the document store contract as a thin client of
// the proxy service's REST surface. No credential handling happens here —
// the service holds the credentials server-side; failures come back typed
// through the error kind carried in the service's JSON error payloads.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/opsmanual/sopsync/internal/httpx"
	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// backendName identifies this adapter in errors and logs.
const backendName = "proxy"

// Version header names shared with the proxy service. The REST bodies stay
// exactly the documents themselves; version tokens ride in headers.
const (
	VersionHeader         = "X-Sop-Version"
	ExpectedVersionHeader = "X-Sop-Expected-Version"
)

// Config holds the thin-proxy backend coordinates.
type Config struct {
	BaseURL string
}

// Store is the thin-proxy adapter. Implements store.Store.
type Store struct {
	client *httpx.Client
	logger *slog.Logger
}

// New creates a thin-proxy adapter. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: httpx.NewClient(backendName, cfg.BaseURL, httpClient, nil, logger),
		logger: logger,
	}
}

// errorPayload is the service's structured error body.
type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// okPayload is the service's structured success body for writes.
type okPayload struct {
	OK      bool   `json:"ok"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// refine upgrades an HTTP-classified error using the error kind the service
// encodes in its JSON payload, so e.g. a 503 comes back as ErrNotConfigured
// rather than a generic unavailability.
func refine(err error) error {
	var be *store.BackendError
	if !errors.As(err, &be) {
		return err
	}

	var payload errorPayload
	if jsonErr := json.Unmarshal([]byte(be.Message), &payload); jsonErr != nil {
		return err
	}

	if sentinel := store.SentinelFor(payload.Kind); sentinel != nil {
		be.Err = sentinel
		be.Message = payload.Error
	}

	return be
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*sop.Document, store.Version, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, "/sops/"+url.PathEscape(id), nil, "")
	if err != nil {
		return nil, store.None, refine(err)
	}
	defer resp.Body.Close()

	var doc sop.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, store.None, fmt.Errorf("proxy: decoding document %s: %w", id, err)
	}

	return &doc, store.Version(resp.Header.Get(VersionHeader)), nil
}

// Put implements store.Store. The expected version token rides in a request
// header; the service enforces it against its own backend.
func (s *Store) Put(ctx context.Context, doc *sop.Document, expected store.Version) (store.Version, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return store.None, fmt.Errorf("proxy: encoding document: %w", err)
	}

	headers := http.Header{}
	if expected != store.None {
		headers.Set(ExpectedVersionHeader, string(expected))
	}

	resp, err := s.client.DoWithHeaders(ctx, http.MethodPost, "/sops", body, "", headers)
	if err != nil {
		return store.None, refine(err)
	}
	defer resp.Body.Close()

	var ok okPayload
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return store.None, fmt.Errorf("proxy: decoding save response: %w", err)
	}

	if !ok.OK {
		return store.None, fmt.Errorf("proxy: service reported save failure for %s", doc.ID)
	}

	return store.Version(ok.Version), nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	resp, err := s.client.Do(ctx, http.MethodDelete, "/sops/"+url.PathEscape(id), nil, "")
	if err != nil {
		return false, refine(err)
	}
	defer resp.Body.Close()

	var ok okPayload
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return false, fmt.Errorf("proxy: decoding delete response: %w", err)
	}

	return ok.Deleted, nil
}

// listPayload is the service's listing body.
type listPayload struct {
	Sops map[string]*sop.Document `json:"sops"`
}

// ListAll implements store.Store.
func (s *Store) ListAll(ctx context.Context) (map[string]*sop.Document, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, "/sops", nil, "")
	if err != nil {
		return nil, refine(err)
	}
	defer resp.Body.Close()

	var list listPayload
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("proxy: decoding listing: %w", err)
	}

	if list.Sops == nil {
		list.Sops = map[string]*sop.Document{}
	}

	return list.Sops, nil
}
