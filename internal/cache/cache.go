// Package cache holds the last-known document snapshot used when no remote
// backend is reachable. It is never the source of truth — the orchestrator
// overwrites it wholesale after every successful remote listing and reads it
// only on the degrade-to-cache path.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/opsmanual/sopsync/internal/sop"
)

// Snapshot stores one whole-collection snapshot. Replace overwrites it
// entirely (single writer, no partial merge); Load returns the snapshot and
// when it was taken, or an empty map and zero time when none exists.
type Snapshot interface {
	Replace(ctx context.Context, docs map[string]*sop.Document) error
	Load(ctx context.Context) (map[string]*sop.Document, time.Time, error)
}

// Memory is an in-process Snapshot, used in tests and as the fallback when
// no cache path is configured.
type Memory struct {
	mu          sync.RWMutex
	docs        map[string]*sop.Document
	refreshedAt time.Time
}

// NewMemory creates an empty in-memory snapshot.
func NewMemory() *Memory {
	return &Memory{docs: map[string]*sop.Document{}}
}

// Replace implements Snapshot.
func (m *Memory) Replace(_ context.Context, docs map[string]*sop.Document) error {
	copied := make(map[string]*sop.Document, len(docs))
	for id, doc := range docs {
		copied[id] = doc
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs = copied
	m.refreshedAt = time.Now().UTC()

	return nil
}

// Load implements Snapshot.
func (m *Memory) Load(context.Context) (map[string]*sop.Document, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copied := make(map[string]*sop.Document, len(m.docs))
	for id, doc := range m.docs {
		copied[id] = doc
	}

	return copied, m.refreshedAt, nil
}
