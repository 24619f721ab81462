// Package drive implements the document store contract over a cloud
// folder-based file store (Google Drive v3-style REST). Documents live as
// individual files inside one designated folder, found by name-scoped
// listing queries. Every operation requires an authenticated session,
// provided by the auth package through the httpx.TokenSource seam.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/opsmanual/sopsync/internal/httpx"
	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// backendName identifies this adapter in errors and logs.
const backendName = "drive"

// wellKnownFolderName is created on first use when no folder id is configured.
const wellKnownFolderName = "SOP Documents"

// folderMimeType marks folder resources in the files API.
const folderMimeType = "application/vnd.google-apps.folder"

// listPageSize is the page size for folder enumeration.
const listPageSize = 100

// DefaultBaseURL is the public API endpoint of the folder store.
const DefaultBaseURL = "https://www.googleapis.com"

// Config holds the folder-store backend coordinates. FolderID may be empty;
// the adapter then finds or creates the well-known folder on first use and
// reports its id through PersistFolderID so configuration can be updated.
type Config struct {
	FolderID string
	APIKey   string // optional API key sent alongside the OAuth token
	BaseURL  string // override for tests; DefaultBaseURL when empty

	// PersistFolderID is called once when the adapter auto-creates (or
	// rediscovers) the folder. Persistence failure is logged, not fatal —
	// the id is still cached for the life of this process.
	PersistFolderID func(id string) error
}

// Store is the folder-store adapter. Implements store.Store.
//
// The folder store has no compare-and-swap on media uploads, so the version
// token (the file's content checksum) is checked adapter-side: Put re-reads
// the current checksum immediately before overwriting and fails with
// ErrConflict on mismatch. The file identity itself is the store's own
// concurrency primitive — updates go to the same file id, never create-new.
type Store struct {
	cfg    Config
	client *httpx.Client
	logger *slog.Logger

	mu       sync.Mutex
	folderID string
}

// New creates a folder-store adapter. token is the authenticated session
// source; httpClient may be nil.
func New(cfg Config, httpClient *http.Client, token httpx.TokenSource, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	return &Store{
		cfg:      cfg,
		client:   httpx.NewClient(backendName, base, httpClient, token, logger),
		logger:   logger,
		folderID: cfg.FolderID,
	}
}

// fileResource mirrors the files API resource fields this adapter reads.
type fileResource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	MD5Checksum string `json:"md5Checksum"`
}

type fileListResponse struct {
	Files         []fileResource `json:"files"`
	NextPageToken string         `json:"nextPageToken"`
}

type createFileRequest struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType,omitempty"`
	Parents  []string `json:"parents,omitempty"`
}

// withKey appends the configured API key to a request path.
func (s *Store) withKey(path string) string {
	if s.cfg.APIKey == "" {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return path + sep + "key=" + url.QueryEscape(s.cfg.APIKey)
}

// escapeQuery escapes single quotes inside a files API query string literal.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}

// listFiles runs one files API query and decodes the response.
func (s *Store) listFiles(ctx context.Context, query, pageToken string) (*fileListResponse, error) {
	params := url.Values{
		"q":      {query},
		"fields": {"nextPageToken,files(id,name,mimeType,md5Checksum)"},
	}

	params.Set("pageSize", fmt.Sprint(listPageSize))

	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	resp, err := s.client.Do(ctx, http.MethodGet, s.withKey("/drive/v3/files?"+params.Encode()), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list fileListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("drive: decoding file listing: %w", err)
	}

	return &list, nil
}

// resolveFolder returns the collection folder id. With no configured id it
// looks for the well-known folder; create selects whether a missing folder
// is created (writes) or reported as absent (reads).
// The resolved id is persisted back into configuration for reuse.
func (s *Store) resolveFolder(ctx context.Context, create bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.folderID != "" {
		return s.folderID, nil
	}

	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(wellKnownFolderName), folderMimeType)

	list, err := s.listFiles(ctx, query, "")
	if err != nil {
		return "", err
	}

	var id string

	if len(list.Files) > 0 {
		id = list.Files[0].ID
	} else {
		if !create {
			return "", &store.BackendError{
				Backend: backendName, Op: "resolve folder",
				Message: "collection folder does not exist yet",
				Err:     store.ErrRemoteUnavailable,
			}
		}

		id, err = s.createFolder(ctx)
		if err != nil {
			return "", err
		}
	}

	s.folderID = id

	if s.cfg.PersistFolderID != nil {
		if persistErr := s.cfg.PersistFolderID(id); persistErr != nil {
			s.logger.Warn("failed to persist folder id to configuration",
				slog.String("folder_id", id),
				slog.String("error", persistErr.Error()),
			)
		}
	}

	s.logger.Info("resolved collection folder", slog.String("folder_id", id))

	return id, nil
}

// createFolder creates the well-known collection folder.
func (s *Store) createFolder(ctx context.Context) (string, error) {
	body, err := json.Marshal(createFileRequest{
		Name:     wellKnownFolderName,
		MimeType: folderMimeType,
	})
	if err != nil {
		return "", fmt.Errorf("drive: encoding folder request: %w", err)
	}

	resp, err := s.client.Do(ctx, http.MethodPost, s.withKey("/drive/v3/files?fields=id"), body, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var folder fileResource
	if err := json.NewDecoder(resp.Body).Decode(&folder); err != nil {
		return "", fmt.Errorf("drive: decoding folder response: %w", err)
	}

	s.logger.Info("created collection folder", slog.String("folder_id", folder.ID))

	return folder.ID, nil
}

// findFile locates the file holding a document id within the folder.
// Returns (nil, nil) when absent.
func (s *Store) findFile(ctx context.Context, folderID, id string) (*fileResource, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(sop.FileName(id)), escapeQuery(folderID))

	list, err := s.listFiles(ctx, query, "")
	if err != nil {
		return nil, err
	}

	if len(list.Files) == 0 {
		return nil, nil //nolint:nilnil // sentinel for "no file"
	}

	return &list.Files[0], nil
}

// download fetches a file's content.
func (s *Store) download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := s.client.Do(ctx, http.MethodGet,
		s.withKey("/drive/v3/files/"+url.PathEscape(fileID)+"?alt=media"), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("drive: reading file content: %w", err)
	}

	return data, nil
}

// Get implements store.Store. The version token is the file's content checksum.
func (s *Store) Get(ctx context.Context, id string) (*sop.Document, store.Version, error) {
	folderID, err := s.resolveFolder(ctx, false)
	if errors.Is(err, store.ErrRemoteUnavailable) {
		return nil, store.None, s.notFound("get", id)
	}

	if err != nil {
		return nil, store.None, err
	}

	file, err := s.findFile(ctx, folderID, id)
	if err != nil {
		return nil, store.None, err
	}

	if file == nil {
		return nil, store.None, s.notFound("get", id)
	}

	data, err := s.download(ctx, file.ID)
	if err != nil {
		return nil, store.None, err
	}

	doc, err := sop.Parse(data)
	if err != nil {
		return nil, store.None, fmt.Errorf("drive: document %s: %w", id, err)
	}

	return doc, store.Version(file.MD5Checksum), nil
}

// Put implements store.Store. An existing file is updated in place so its
// identity is preserved; a missing one is created then filled in a second
// upload step. A put that failed between create and upload leaves an empty
// file which the retried put finds and fills. When expected is non-empty it
// is compared against the current content checksum right before the
// overwrite; a mismatch, including a file deleted in the meantime, fails
// with ErrConflict.
func (s *Store) Put(ctx context.Context, doc *sop.Document, expected store.Version) (store.Version, error) {
	data, err := doc.Encode()
	if err != nil {
		return store.None, err
	}

	folderID, err := s.resolveFolder(ctx, true)
	if err != nil {
		return store.None, err
	}

	file, err := s.findFile(ctx, folderID, doc.ID)
	if err != nil {
		return store.None, err
	}

	var fileID string

	if file != nil {
		if expected != store.None && store.Version(file.MD5Checksum) != expected {
			return store.None, &store.BackendError{
				Backend: backendName, Op: "put " + doc.ID,
				Message: "stale version token, document changed remotely",
				Err:     store.ErrConflict,
			}
		}

		fileID = file.ID
	} else {
		// A caller holding a version token expects the document to exist;
		// a concurrent delete invalidated the token.
		if expected != store.None {
			return store.None, &store.BackendError{
				Backend: backendName, Op: "put " + doc.ID,
				Message: "stale version token, document deleted remotely",
				Err:     store.ErrConflict,
			}
		}

		if fileID, err = s.createFile(ctx, folderID, doc.ID); err != nil {
			return store.None, err
		}
	}

	version, err := s.upload(ctx, fileID, data)
	if err != nil {
		return store.None, err
	}

	s.logger.Info("document written",
		slog.String("backend", backendName),
		slog.String("id", doc.ID),
	)

	return version, nil
}

// createFile creates an empty file resource for a document (step one of two).
func (s *Store) createFile(ctx context.Context, folderID, id string) (string, error) {
	body, err := json.Marshal(createFileRequest{
		Name:    sop.FileName(id),
		Parents: []string{folderID},
	})
	if err != nil {
		return "", fmt.Errorf("drive: encoding create request: %w", err)
	}

	resp, err := s.client.Do(ctx, http.MethodPost, s.withKey("/drive/v3/files?fields=id"), body, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var file fileResource
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("drive: decoding create response: %w", err)
	}

	return file.ID, nil
}

// upload replaces a file's content (step two of two). Returns the new
// version token.
func (s *Store) upload(ctx context.Context, fileID string, data []byte) (store.Version, error) {
	path := "/upload/drive/v3/files/" + url.PathEscape(fileID) + "?uploadType=media&fields=id,md5Checksum"

	resp, err := s.client.Do(ctx, http.MethodPatch, s.withKey(path), data, "application/json")
	if err != nil {
		return store.None, err
	}
	defer resp.Body.Close()

	var file fileResource
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return store.None, fmt.Errorf("drive: decoding upload response: %w", err)
	}

	return store.Version(file.MD5Checksum), nil
}

// Delete implements store.Store. A missing document is success.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	folderID, err := s.resolveFolder(ctx, false)
	if errors.Is(err, store.ErrRemoteUnavailable) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	file, err := s.findFile(ctx, folderID, id)
	if err != nil {
		return false, err
	}

	if file == nil {
		return false, nil
	}

	resp, err := s.client.Do(ctx, http.MethodDelete,
		s.withKey("/drive/v3/files/"+url.PathEscape(file.ID)), nil, "")
	if err != nil {
		// Another writer removed the file first; the outcome holds.
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

// ListAll implements store.Store. A collection folder that does not exist
// yet is an empty collection, never an error. Files that download or parse
// badly are skipped one at a time and logged.
func (s *Store) ListAll(ctx context.Context) (map[string]*sop.Document, error) {
	folderID, err := s.resolveFolder(ctx, false)
	if errors.Is(err, store.ErrRemoteUnavailable) {
		return map[string]*sop.Document{}, nil
	}

	if err != nil {
		return nil, err
	}

	docs := make(map[string]*sop.Document)

	query := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))

	pageToken := ""
	for {
		list, listErr := s.listFiles(ctx, query, pageToken)
		if listErr != nil {
			return nil, listErr
		}

		for _, file := range list.Files {
			id := sop.IDFromFileName(file.Name)
			if id == "" || file.MimeType == folderMimeType {
				continue
			}

			doc, docErr := s.fetchDocument(ctx, file.ID)
			if docErr != nil {
				// Per-entry skip: one corrupt file must not fail the listing.
				s.logger.Warn("skipping unreadable document",
					slog.String("backend", backendName),
					slog.String("file_id", file.ID),
					slog.String("name", file.Name),
					slog.String("error", docErr.Error()),
				)

				continue
			}

			docs[doc.ID] = doc
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	s.logger.Debug("listed collection",
		slog.String("backend", backendName),
		slog.Int("count", len(docs)),
	)

	return docs, nil
}

// fetchDocument downloads and parses one document file.
func (s *Store) fetchDocument(ctx context.Context, fileID string) (*sop.Document, error) {
	data, err := s.download(ctx, fileID)
	if err != nil {
		return nil, err
	}

	return sop.Parse(data)
}

// notFound builds the typed missing-document error.
func (s *Store) notFound(op, id string) error {
	return &store.BackendError{
		Backend: backendName, Op: op + " " + id,
		Message: "document not found",
		Err:     store.ErrNotFound,
	}
}
