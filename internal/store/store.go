// Package store defines the uniform capability every storage backend
// implements, the opaque version token used for optimistic concurrency, and
// the error kinds adapters translate backend-specific failures into.
package store

import (
	"context"

	"github.com/opsmanual/sopsync/internal/sop"
)

// Version is an opaque token proving knowledge of a document's current
// remote state. Issued on read by versioned backends, required to authorize
// the next write to the same document. Empty means "no token" — either the
// backend is unversioned or the caller holds no expectation.
type Version string

// None is the zero Version.
const None Version = ""

// Store is the capability contract every backend adapter satisfies.
//
// Semantics all implementations share:
//   - Get is an idempotent read; a missing id yields ErrNotFound.
//   - Put creates the document if absent, otherwise overwrites. On a
//     versioned backend a non-empty expected token that does not match the
//     current one fails with ErrConflict instead of overwriting. A missing
//     target collection is created transparently on first use.
//   - Delete of a nonexistent document is success, not an error. The
//     returned bool reports whether a document was actually removed.
//   - ListAll enumerates the whole collection; entries that fail to parse
//     are skipped individually, never failing the listing as a whole.
type Store interface {
	Get(ctx context.Context, id string) (*sop.Document, Version, error)
	Put(ctx context.Context, doc *sop.Document, expected Version) (Version, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListAll(ctx context.Context) (map[string]*sop.Document, error)
}
