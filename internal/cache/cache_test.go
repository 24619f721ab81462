package cache

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmanual/sopsync/internal/sop"
)

func testDocs(titles map[string]string) map[string]*sop.Document {
	docs := make(map[string]*sop.Document, len(titles))
	for id, title := range titles {
		docs[id] = &sop.Document{
			ID:      id,
			Meta:    sop.Meta{SopID: id, Title: title},
			SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}
	}

	return docs
}

func TestMemoryEmptySnapshot(t *testing.T) {
	m := NewMemory()

	docs, refreshedAt, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.True(t, refreshedAt.IsZero())
}

func TestMemoryReplaceAndLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Replace(ctx, testDocs(map[string]string{
		"sop-1-aaaa": "One",
		"sop-2-bbbb": "Two",
	})))

	docs, refreshedAt, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, "One", docs["sop-1-aaaa"].Meta.Title)
	assert.WithinDuration(t, time.Now(), refreshedAt, time.Minute)
}

func TestMemoryReplaceIsWholesale(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Replace(ctx, testDocs(map[string]string{"sop-1-aaaa": "One"})))
	require.NoError(t, m.Replace(ctx, testDocs(map[string]string{"sop-2-bbbb": "Two"})))

	docs, _, err := m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs, "sop-2-bbbb")
}

func TestMemoryLoadReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Replace(ctx, testDocs(map[string]string{"sop-1-aaaa": "One"})))

	docs, _, err := m.Load(ctx)
	require.NoError(t, err)

	delete(docs, "sop-1-aaaa")

	again, _, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 1, "mutating a loaded snapshot must not affect the cache")
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestSQLiteEmptySnapshot(t *testing.T) {
	s := openTestSQLite(t)

	docs, refreshedAt, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.True(t, refreshedAt.IsZero())
}

func TestSQLiteReplaceAndLoad(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testDocs(map[string]string{
		"sop-1-aaaa": "One",
		"sop-2-bbbb": "Two",
	})))

	docs, refreshedAt, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Two", docs["sop-2-bbbb"].Meta.Title)
	assert.WithinDuration(t, time.Now(), refreshedAt, time.Minute)
}

func TestSQLiteReplaceIsWholesale(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testDocs(map[string]string{"sop-1-aaaa": "One"})))
	require.NoError(t, s.Replace(ctx, testDocs(map[string]string{"sop-2-bbbb": "Two"})))

	docs, _, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs, "sop-2-bbbb")
}

func TestSQLiteSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, logger)
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, testDocs(map[string]string{"sop-1-aaaa": "Durable"})))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path, logger)
	require.NoError(t, err)
	defer reopened.Close()

	docs, refreshedAt, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Durable", docs["sop-1-aaaa"].Meta.Title)
	assert.False(t, refreshedAt.IsZero())
}

func TestSQLiteSkipsCorruptRows(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testDocs(map[string]string{"sop-1-aaaa": "Good"})))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_documents (id, body, refreshed_at) VALUES (?, ?, ?)`,
		"sop-2-bbbb", "{torn", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	docs, _, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs, "sop-1-aaaa")
}
