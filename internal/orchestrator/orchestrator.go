// Package orchestrator is the application-facing entry point for document
// storage. It delegates to the active backend adapter and applies the
// degrade-to-cache policy: read listings fall back to the last local
// snapshot when the remote backend is unreachable, while writes always fail
// loudly — silent data loss on a write path is never acceptable.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsmanual/sopsync/internal/cache"
	"github.com/opsmanual/sopsync/internal/sop"
	"github.com/opsmanual/sopsync/internal/store"
)

// Orchestrator owns the active adapter and the local snapshot. backend is
// nil when no remote backend is configured; the snapshot then serves
// read-only browsing and writes are rejected.
type Orchestrator struct {
	backend store.Store
	cache   cache.Snapshot
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Orchestrator. backend may be nil (no backend configured).
func New(backend store.Store, snapshot cache.Snapshot, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	if snapshot == nil {
		snapshot = cache.NewMemory()
	}

	return &Orchestrator{
		backend: backend,
		cache:   snapshot,
		logger:  logger,
		now:     time.Now,
	}
}

// Configured reports whether a remote backend is active.
func (o *Orchestrator) Configured() bool {
	return o.backend != nil
}

// SaveDocument normalizes the document (assigning an id when absent) and
// writes it through the active backend. Write failures propagate unmodified
// — the caller decides whether to re-fetch and retry. Returns the document
// as persisted and its new version token.
func (o *Orchestrator) SaveDocument(ctx context.Context, doc *sop.Document, expected store.Version) (*sop.Document, store.Version, error) {
	if o.backend == nil {
		return nil, store.None, &store.BackendError{
			Backend: "orchestrator", Op: "save",
			Message: "cannot save: no backend configured",
			Err:     store.ErrNotConfigured,
		}
	}

	if err := doc.Normalize(o.now()); err != nil {
		return nil, store.None, err
	}

	version, err := o.backend.Put(ctx, doc, expected)
	if err != nil {
		return nil, store.None, err
	}

	return doc, version, nil
}

// GetDocument reads one document from the active backend, or from the local
// snapshot when no backend is configured (read-only browsing still works).
// Remote read failures propagate — only LoadAllDocuments degrades.
func (o *Orchestrator) GetDocument(ctx context.Context, id string) (*sop.Document, store.Version, error) {
	if o.backend == nil {
		docs, _, err := o.cache.Load(ctx)
		if err != nil {
			return nil, store.None, err
		}

		if doc, ok := docs[id]; ok {
			return doc, store.None, nil
		}

		return nil, store.None, store.ErrNotFound
	}

	return o.backend.Get(ctx, id)
}

// LoadAllDocuments lists the whole collection. On any backend failure it
// applies degrade-to-cache: the last snapshot is returned instead of the
// error so read-only browsing keeps working offline. The degradation is
// silent toward the caller but always logged. After a successful remote
// listing the snapshot is refreshed wholesale.
func (o *Orchestrator) LoadAllDocuments(ctx context.Context) (map[string]*sop.Document, error) {
	if o.backend == nil {
		docs, _, err := o.cache.Load(ctx)
		if err != nil {
			return nil, err
		}

		o.logger.Debug("no backend configured, serving cached snapshot",
			slog.Int("count", len(docs)))

		return docs, nil
	}

	docs, err := o.backend.ListAll(ctx)
	if err != nil {
		// degrade-to-cache: a failed listing serves the last snapshot.
		o.logger.Warn("backend listing failed, degrading to cached snapshot",
			slog.String("policy", "degrade-to-cache"),
			slog.String("error", err.Error()),
		)

		cached, _, cacheErr := o.cache.Load(ctx)
		if cacheErr != nil {
			o.logger.Warn("cache unavailable during degraded read",
				slog.String("error", cacheErr.Error()))

			return map[string]*sop.Document{}, nil
		}

		return cached, nil
	}

	if cacheErr := o.cache.Replace(ctx, docs); cacheErr != nil {
		// A stale snapshot only matters on the next degraded read.
		o.logger.Warn("failed to refresh cache snapshot",
			slog.String("error", cacheErr.Error()))
	}

	return docs, nil
}

// DeleteDocument removes one document through the active backend. Deleting
// a nonexistent document is success. Failures propagate unmodified.
func (o *Orchestrator) DeleteDocument(ctx context.Context, id string) (bool, error) {
	if o.backend == nil {
		return false, &store.BackendError{
			Backend: "orchestrator", Op: "delete " + id,
			Message: "cannot delete: no backend configured",
			Err:     store.ErrNotConfigured,
		}
	}

	return o.backend.Delete(ctx, id)
}

// SnapshotAge returns when the local snapshot was last refreshed.
// Zero when no snapshot has been taken. Diagnostic only (status command).
func (o *Orchestrator) SnapshotAge(ctx context.Context) (time.Time, error) {
	_, refreshedAt, err := o.cache.Load(ctx)

	return refreshedAt, err
}
