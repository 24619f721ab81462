package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/opsmanual/sopsync/internal/sop"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is a durable Snapshot backed by a local SQLite database, so
// degraded reads survive process restarts.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the snapshot database at path and
// applies pending schema migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cache: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database %s: %w", path, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the root of the FS.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("cache: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("cache: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Replace implements Snapshot. The snapshot is swapped in one transaction so
// a concurrent Load never observes a half-written state.
func (s *SQLite) Replace(ctx context.Context, docs map[string]*sop.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_documents`); err != nil {
		return fmt.Errorf("cache: clearing snapshot: %w", err)
	}

	refreshedAt := time.Now().UTC().Format(time.RFC3339Nano)

	for id, doc := range docs {
		body, encErr := doc.Encode()
		if encErr != nil {
			return encErr
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_documents (id, body, refreshed_at) VALUES (?, ?, ?)`,
			id, string(body), refreshedAt,
		); err != nil {
			return fmt.Errorf("cache: inserting document %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: committing snapshot: %w", err)
	}

	s.logger.Debug("cache snapshot replaced", slog.Int("count", len(docs)))

	return nil
}

// Load implements Snapshot. Rows that no longer parse are skipped — the
// cache is a convenience copy, not a source of truth worth failing over.
func (s *SQLite) Load(ctx context.Context) (map[string]*sop.Document, time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body, refreshed_at FROM cache_documents`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("cache: loading snapshot: %w", err)
	}
	defer rows.Close()

	docs := map[string]*sop.Document{}

	var refreshedAt time.Time

	for rows.Next() {
		var id, body, stamp string
		if err := rows.Scan(&id, &body, &stamp); err != nil {
			return nil, time.Time{}, fmt.Errorf("cache: scanning row: %w", err)
		}

		doc, parseErr := sop.Parse([]byte(body))
		if parseErr != nil {
			s.logger.Warn("skipping corrupt cached document",
				slog.String("id", id),
				slog.String("error", parseErr.Error()),
			)

			continue
		}

		docs[doc.ID] = doc

		if t, tErr := time.Parse(time.RFC3339Nano, stamp); tErr == nil && t.After(refreshedAt) {
			refreshedAt = t
		}
	}

	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("cache: reading snapshot: %w", err)
	}

	return docs, refreshedAt, nil
}
