package drive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// fakeDrive is an in-memory files API: create, query, media upload, download.
type fakeDrive struct {
	mu     sync.Mutex
	nextID int
	files  map[string]*driveFile
}

type driveFile struct {
	id      string
	name    string
	mime    string
	parent  string
	content []byte
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: map[string]*driveFile{}}
}

func checksum(content []byte) string {
	if len(content) == 0 {
		return ""
	}

	sum := md5.Sum(content)

	return hex.EncodeToString(sum[:])
}

func (d *fakeDrive) addFolder(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := fmt.Sprintf("folder-%d", d.nextID)
	d.files[id] = &driveFile{id: id, name: name, mime: folderMimeType}

	return id
}

func (d *fakeDrive) addFile(parent, name string, content []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := fmt.Sprintf("file-%d", d.nextID)
	d.files[id] = &driveFile{id: id, name: name, parent: parent, content: content}

	return id
}

func (d *fakeDrive) resource(f *driveFile) fileResource {
	return fileResource{ID: f.id, Name: f.name, MimeType: f.mime, MD5Checksum: checksum(f.content)}
}

// matches applies the small query subset the adapter issues:
// name equality, parent membership, folder mime type.
func (d *fakeDrive) matches(f *driveFile, query string) bool {
	for _, clause := range strings.Split(query, " and ") {
		clause = strings.TrimSpace(clause)

		switch {
		case strings.HasPrefix(clause, "name = "):
			want := strings.Trim(strings.TrimPrefix(clause, "name = "), "'")
			if f.name != want {
				return false
			}
		case strings.HasPrefix(clause, "mimeType = "):
			want := strings.Trim(strings.TrimPrefix(clause, "mimeType = "), "'")
			if f.mime != want {
				return false
			}
		case strings.HasSuffix(clause, " in parents"):
			want := strings.Trim(strings.TrimSuffix(clause, " in parents"), "'")
			if f.parent != want {
				return false
			}
		case clause == "trashed = false":
			// The fake never trashes.
		}
	}

	return true
}

func (d *fakeDrive) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")

		d.mu.Lock()
		defer d.mu.Unlock()

		resp := fileListResponse{Files: []fileResource{}}
		for _, f := range d.files {
			if d.matches(f, query) {
				resp.Files = append(resp.Files, d.resource(f))
			}
		}

		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		var req createFileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		d.mu.Lock()
		defer d.mu.Unlock()

		d.nextID++
		id := fmt.Sprintf("created-%d", d.nextID)

		f := &driveFile{id: id, name: req.Name, mime: req.MimeType}
		if len(req.Parents) > 0 {
			f.parent = req.Parents[0]
		}

		d.files[id] = f
		json.NewEncoder(w).Encode(d.resource(f))
	})

	mux.HandleFunc("GET /drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()

		f, ok := d.files[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Write(f.content)
	})

	mux.HandleFunc("PATCH /upload/drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		content, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		d.mu.Lock()
		defer d.mu.Unlock()

		f, ok := d.files[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		f.content = content
		json.NewEncoder(w).Encode(d.resource(f))
	})

	mux.HandleFunc("DELETE /drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if _, ok := d.files[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		delete(d.files, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func newTestStore(t *testing.T, fake *fakeDrive, cfg Config) *Store {
	t.Helper()

	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL

	return New(cfg, srv.Client(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func encodeDoc(t *testing.T, id, title string) []byte {
	t.Helper()

	doc := &sop.Document{ID: id, Meta: sop.Meta{SopID: id, Title: title}}

	data, err := doc.Encode()
	require.NoError(t, err)

	return data
}

func TestGetReturnsChecksumVersion(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	content := encodeDoc(t, "sop-1-aaaa", "Restart worker")
	fake.addFile(folder, "sop-1-aaaa.json", content)

	st := newTestStore(t, fake, Config{})

	doc, version, err := st.Get(context.Background(), "sop-1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, "Restart worker", doc.Meta.Title)
	assert.Equal(t, store.Version(checksum(content)), version)
}

func TestGetWithoutFolderIsNotFound(t *testing.T) {
	st := newTestStore(t, newFakeDrive(), Config{})

	_, _, err := st.Get(context.Background(), "sop-1-aaaa")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPutCreatesFolderAndFile(t *testing.T) {
	fake := newFakeDrive()

	var persisted string

	st := newTestStore(t, fake, Config{
		PersistFolderID: func(id string) error {
			persisted = id
			return nil
		},
	})

	doc := &sop.Document{ID: "sop-2-bbbb", Meta: sop.Meta{SopID: "sop-2-bbbb", Title: "New"}}

	version, err := st.Put(context.Background(), doc, store.None)
	require.NoError(t, err)
	assert.NotEqual(t, store.None, version)
	assert.NotEmpty(t, persisted, "auto-created folder id must be reported for persistence")

	got, _, err := st.Get(context.Background(), "sop-2-bbbb")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Meta.Title)
}

func TestPutUpdatesExistingFileInPlace(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	fileID := fake.addFile(folder, "sop-3-cccc.json", encodeDoc(t, "sop-3-cccc", "Old"))

	st := newTestStore(t, fake, Config{FolderID: folder})

	doc := &sop.Document{ID: "sop-3-cccc", Meta: sop.Meta{SopID: "sop-3-cccc", Title: "Updated"}}

	_, err := st.Put(context.Background(), doc, store.None)
	require.NoError(t, err)

	fake.mu.Lock()
	_, stillThere := fake.files[fileID]
	count := len(fake.files)
	fake.mu.Unlock()

	assert.True(t, stillThere, "update must keep the file identity")
	assert.Equal(t, 2, count, "folder plus one file, no duplicates")
}

func TestPutWithStaleVersionConflicts(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	fake.addFile(folder, "sop-4-dddd.json", encodeDoc(t, "sop-4-dddd", "Current"))

	st := newTestStore(t, fake, Config{FolderID: folder})

	doc := &sop.Document{ID: "sop-4-dddd", Meta: sop.Meta{SopID: "sop-4-dddd", Title: "Stale edit"}}

	_, err := st.Put(context.Background(), doc, "not-the-current-checksum")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	got, _, err := st.Get(context.Background(), "sop-4-dddd")
	require.NoError(t, err)
	assert.Equal(t, "Current", got.Meta.Title)
}

func TestPutWithMatchingVersionSucceeds(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	content := encodeDoc(t, "sop-5-eeee", "Old")
	fake.addFile(folder, "sop-5-eeee.json", content)

	st := newTestStore(t, fake, Config{FolderID: folder})

	doc := &sop.Document{ID: "sop-5-eeee", Meta: sop.Meta{SopID: "sop-5-eeee", Title: "Updated"}}

	version, err := st.Put(context.Background(), doc, store.Version(checksum(content)))
	require.NoError(t, err)
	assert.NotEqual(t, store.Version(checksum(content)), version)
}

func TestPutWithVersionOnMissingDocumentConflicts(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)

	st := newTestStore(t, fake, Config{FolderID: folder})

	// The document was deleted after the caller read it; the token the
	// caller still holds matches nothing.
	doc := &sop.Document{ID: "sop-8-hhhh", Meta: sop.Meta{SopID: "sop-8-hhhh", Title: "Late edit"}}

	_, err := st.Put(context.Background(), doc, "checksum-of-deleted-state")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// The losing writer must not have recreated the document.
	_, _, err = st.Get(context.Background(), "sop-8-hhhh")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPutFillsEmptyFileLeftByFailedCreate(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	// A crash between create and upload leaves an empty file behind.
	fake.addFile(folder, "sop-6-ffff.json", nil)

	st := newTestStore(t, fake, Config{FolderID: folder})

	doc := &sop.Document{ID: "sop-6-ffff", Meta: sop.Meta{SopID: "sop-6-ffff", Title: "Recovered"}}

	_, err := st.Put(context.Background(), doc, store.None)
	require.NoError(t, err)

	got, _, err := st.Get(context.Background(), "sop-6-ffff")
	require.NoError(t, err)
	assert.Equal(t, "Recovered", got.Meta.Title)

	fake.mu.Lock()
	count := len(fake.files)
	fake.mu.Unlock()
	assert.Equal(t, 2, count, "retry must fill the empty file, not create a second one")
}

func TestDeleteExistingDocument(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	fake.addFile(folder, "sop-7-gggg.json", encodeDoc(t, "sop-7-gggg", "Doomed"))

	st := newTestStore(t, fake, Config{FolderID: folder})

	deleted, err := st.Delete(context.Background(), "sop-7-gggg")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, _, err = st.Get(context.Background(), "sop-7-gggg")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDeleteMissingDocumentIsNotAnError(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)

	st := newTestStore(t, fake, Config{FolderID: folder})

	deleted, err := st.Delete(context.Background(), "sop-0-none")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteWithoutFolderIsNotAnError(t *testing.T) {
	st := newTestStore(t, newFakeDrive(), Config{})

	deleted, err := st.Delete(context.Background(), "sop-0-none")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListAllWithoutFolderIsEmpty(t *testing.T) {
	st := newTestStore(t, newFakeDrive(), Config{})

	docs, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestListAllSkipsCorruptAndForeignFiles(t *testing.T) {
	fake := newFakeDrive()
	folder := fake.addFolder(wellKnownFolderName)
	fake.addFile(folder, "sop-1-aaaa.json", encodeDoc(t, "sop-1-aaaa", "Good"))
	fake.addFile(folder, "sop-2-bbbb.json", []byte("{not json"))
	fake.addFile(folder, "notes.txt", []byte("not a document"))

	st := newTestStore(t, fake, Config{FolderID: folder})

	docs, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs, "sop-1-aaaa")
}

func TestAPIKeyAppendedToRequests(t *testing.T) {
	var sawKey bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "api-key-123" {
			sawKey = true
		}

		json.NewEncoder(w).Encode(fileListResponse{})
	}))
	defer srv.Close()

	st := New(Config{FolderID: "f1", APIKey: "api-key-123", BaseURL: srv.URL},
		srv.Client(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.True(t, sawKey)
}
