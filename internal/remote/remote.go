// Package remote defines the collaborators the sync engine and attachment
// manager talk to: a versioned document store and a media blob store.
//
// Implementations report failures with the error types in this package so
// callers can tell conflicts, transient faults and permanent rejections
// apart with errors.As.
package remote

import (
	"context"
	"io"

	"github.com/roach88/itemsync/internal/model"
)

// Store is a remote document store with optimistic concurrency.
type Store interface {
	// Put applies a field delta to the document if its version equals
	// baseVersion and returns the accepted version. A missing document has
	// version 0. Putting to a deleted document at its version revives it.
	// Returns *ConflictError when the version moved on.
	Put(ctx context.Context, id model.EntityID, delta model.Document, baseVersion int64) (int64, error)

	// Delete tombstones the document at baseVersion and returns the accepted version.
	Delete(ctx context.Context, id model.EntityID, baseVersion, clientTime int64) (int64, error)

	// Subscribe streams changes after filter.Since until ctx ends.
	// The channel is closed when the subscription stops.
	Subscribe(ctx context.Context, filter Filter) (<-chan model.Change, error)
}

// Filter selects the changes a subscription receives.
type Filter struct {
	// Since is the last cursor already applied; zero replays everything.
	Since int64
	// IDs restricts the stream to these entities when non-empty.
	IDs []model.EntityID
}

// Match reports whether a change passes the filter.
func (f Filter) Match(c model.Change) bool {
	if c.Cursor <= f.Since {
		return false
	}
	if len(f.IDs) == 0 {
		return true
	}
	for _, id := range f.IDs {
		if id == c.EntityID {
			return true
		}
	}
	return false
}

// MediaStorage stores attachment blobs.
type MediaStorage interface {
	// Upload stores a blob under name and returns its public URL.
	Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error)

	// Download opens the blob at url. Returns ErrNotFound if it does not exist.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
