// Package githost implements the document store contract over a
// version-controlled file host's contents API (GitHub-style). Each document
// is one file under sops/<id>.json on a branch; the file's content hash is
// the version token, and every write or delete carries the hash of the state
// it intends to replace so the host rejects stale writers.
package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opsmanual/sopsync/internal/httpx"
	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// backendName identifies this adapter in errors and logs.
const backendName = "githost"

// collectionDir is the repository directory holding all document files.
const collectionDir = "sops"

// listFetchParallelism bounds concurrent per-file fetches during ListAll.
const listFetchParallelism = 8

// DefaultBaseURL is the public API endpoint of the file host.
const DefaultBaseURL = "https://api.github.com"

// Config holds the file-host backend coordinates. Credential is a personal
// access token with contents read/write on the repository.
type Config struct {
	Owner      string
	Repo       string
	Credential string
	Branch     string
	BaseURL    string // override for tests; DefaultBaseURL when empty
}

// Store is the file-host adapter. Implements store.Store.
type Store struct {
	cfg    Config
	client *httpx.Client
	logger *slog.Logger
}

// New creates a file-host adapter. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	return &Store{
		cfg:    cfg,
		client: httpx.NewClient(backendName, base, httpClient, httpx.StaticToken(cfg.Credential), logger),
		logger: logger,
	}
}

// contentEntry mirrors the host's contents API response for a single file.
type contentEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type writeResponse struct {
	Content *struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

// contentsPath builds the API path for a file or directory within the repo.
func (s *Store) contentsPath(rel string) string {
	return fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s",
		url.PathEscape(s.cfg.Owner),
		url.PathEscape(s.cfg.Repo),
		rel,
		url.QueryEscape(s.cfg.Branch),
	)
}

// docPath returns the in-repo path for a document id.
func docPath(id string) string {
	return collectionDir + "/" + url.PathEscape(sop.FileName(id))
}

// fetchEntry retrieves one file entry (content and hash) by repo path.
func (s *Store) fetchEntry(ctx context.Context, rel string) (*contentEntry, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, s.contentsPath(rel), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entry contentEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("githost: decoding content response: %w", err)
	}

	return &entry, nil
}

// decodeContent reverses the host's base64 file encoding.
func decodeContent(entry *contentEntry) ([]byte, error) {
	if entry.Encoding != "base64" {
		return nil, fmt.Errorf("githost: unexpected content encoding %q for %s", entry.Encoding, entry.Path)
	}

	// Hosts wrap base64 content at 60 columns; strip the newlines first.
	data, err := base64.StdEncoding.DecodeString(stripNewlines(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("githost: decoding content of %s: %w", entry.Path, err)
	}

	return data, nil
}

func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' && s[i] != '\r' {
			out = append(out, s[i])
		}
	}

	return string(out)
}

// Get implements store.Store. The returned version token is the file's
// content hash; callers pass it back to Put to authorize an overwrite.
func (s *Store) Get(ctx context.Context, id string) (*sop.Document, store.Version, error) {
	entry, err := s.fetchEntry(ctx, docPath(id))
	if err != nil {
		return nil, store.None, err
	}

	data, err := decodeContent(entry)
	if err != nil {
		return nil, store.None, err
	}

	doc, err := sop.Parse(data)
	if err != nil {
		return nil, store.None, fmt.Errorf("githost: document %s: %w", id, err)
	}

	return doc, store.Version(entry.SHA), nil
}

// Put implements store.Store. When expected is empty and the file already
// exists, the current hash is resolved first so the host accepts the
// overwrite; when expected is non-empty a stale hash fails with ErrConflict.
func (s *Store) Put(ctx context.Context, doc *sop.Document, expected store.Version) (store.Version, error) {
	data, err := doc.Encode()
	if err != nil {
		return store.None, err
	}

	sha := string(expected)
	if sha == "" {
		// No expectation from the caller: resolve the current hash so an
		// existing file can be overwritten. A missing file creates fresh.
		entry, fetchErr := s.fetchEntry(ctx, docPath(doc.ID))

		switch {
		case fetchErr == nil:
			sha = entry.SHA
		case errors.Is(fetchErr, store.ErrNotFound):
			// Creation path — no hash needed. The collection directory is
			// created implicitly with the first file.
		default:
			return store.None, fetchErr
		}
	}

	req := writeRequest{
		Message: "sopsync: save " + doc.ID,
		Content: base64.StdEncoding.EncodeToString(data),
		Branch:  s.cfg.Branch,
		SHA:     sha,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return store.None, fmt.Errorf("githost: encoding write request: %w", err)
	}

	path := fmt.Sprintf("/repos/%s/%s/contents/%s",
		url.PathEscape(s.cfg.Owner), url.PathEscape(s.cfg.Repo), docPath(doc.ID))

	resp, err := s.client.Do(ctx, http.MethodPut, path, body, "")
	if err != nil {
		return store.None, err
	}
	defer resp.Body.Close()

	var wr writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return store.None, fmt.Errorf("githost: decoding write response: %w", err)
	}

	if wr.Content == nil {
		return store.None, fmt.Errorf("githost: write response missing content for %s", doc.ID)
	}

	s.logger.Info("document written",
		slog.String("backend", backendName),
		slog.String("id", doc.ID),
	)

	return store.Version(wr.Content.SHA), nil
}

// Delete implements store.Store. The current hash is resolved and the delete
// issued immediately after, the closest the contents API allows to an atomic
// compare-and-delete. A missing file short-circuits to success.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	entry, err := s.fetchEntry(ctx, docPath(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	req := writeRequest{
		Message: "sopsync: delete " + id,
		Branch:  s.cfg.Branch,
		SHA:     entry.SHA,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("githost: encoding delete request: %w", err)
	}

	path := fmt.Sprintf("/repos/%s/%s/contents/%s",
		url.PathEscape(s.cfg.Owner), url.PathEscape(s.cfg.Repo), docPath(id))

	resp, err := s.client.Do(ctx, http.MethodDelete, path, body, "")
	if err != nil {
		// A 404 here means another writer removed the file between resolve
		// and delete. The outcome the caller asked for holds either way.
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}

		return false, err
	}
	resp.Body.Close()

	s.logger.Info("document deleted",
		slog.String("backend", backendName),
		slog.String("id", id),
	)

	return true, nil
}

// ListAll implements store.Store. Enumerates the collection directory, then
// fetches file contents through a bounded worker pool. A missing directory
// is an empty collection (first use never fails); entries that fetch or
// parse badly are skipped one at a time and logged.
func (s *Store) ListAll(ctx context.Context) (map[string]*sop.Document, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, s.contentsPath(collectionDir), nil, "")
	if errors.Is(err, store.ErrNotFound) {
		return map[string]*sop.Document{}, nil
	}

	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []contentEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("githost: decoding directory listing: %w", err)
	}

	// Stable fetch order keeps logs deterministic.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	docs := make(map[string]*sop.Document, len(entries))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listFetchParallelism)

	for _, entry := range entries {
		id := sop.IDFromFileName(entry.Name)
		if entry.Type != "file" || id == "" {
			continue
		}

		g.Go(func() error {
			// Escape the file name the same way docPath does; listing paths
			// come back raw from the host.
			doc, fetchErr := s.fetchDocument(gctx, collectionDir+"/"+url.PathEscape(entry.Name))
			if fetchErr != nil {
				// Per-entry skip: one corrupt or unreachable file must not
				// fail the whole listing.
				s.logger.Warn("skipping unreadable document",
					slog.String("backend", backendName),
					slog.String("path", entry.Path),
					slog.String("error", fetchErr.Error()),
				)

				return nil
			}

			mu.Lock()
			docs[doc.ID] = doc
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("listed collection",
		slog.String("backend", backendName),
		slog.Int("count", len(docs)),
	)

	return docs, nil
}

// fetchDocument retrieves and parses one document file by repo path.
func (s *Store) fetchDocument(ctx context.Context, rel string) (*sop.Document, error) {
	entry, err := s.fetchEntry(ctx, rel)
	if err != nil {
		return nil, err
	}

	data, err := decodeContent(entry)
	if err != nil {
		return nil, err
	}

	return sop.Parse(data)
}
