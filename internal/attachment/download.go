package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

// Open returns the blob in an entity slot. Blobs already in the cache are
// read locally; synced blobs that are not are downloaded first.
func (m *Manager) Open(ctx context.Context, id model.EntityID, slot string) (io.ReadCloser, model.Attachment, error) {
	a, err := m.store.GetAttachment(ctx, id, slot)
	if err != nil {
		return nil, model.Attachment{}, fmt.Errorf("open %s/%s: %w", id, slot, err)
	}
	if m.cache.Has(a.Digest) {
		rc, err := m.cache.Open(a.Digest)
		return rc, a, err
	}
	if a.URL == "" {
		return nil, a, fmt.Errorf("open %s/%s: %w (state %s)", id, slot, ErrNotCached, a.State)
	}
	rc, err := m.fetch(ctx, a.URL, a.Digest)
	return rc, a, err
}

// Fetch returns the blob at url, downloading it into the cache on a miss.
// Concurrent fetches of one URL share a single download. When the URL
// names a digest, downloaded bytes must match it or the fetch fails with
// a corrupt_blob *remote.PermanentError.
func (m *Manager) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	return m.fetch(ctx, url, digestFromURL(url))
}

func (m *Manager) fetch(ctx context.Context, url, expected string) (io.ReadCloser, error) {
	if digest, err := m.cache.Resolve(url); err == nil {
		return m.cache.Open(digest)
	} else if !errors.Is(err, ErrNotCached) {
		return nil, err
	}

	v, err, shared := m.downloads.Do(url, func() (any, error) {
		return m.download(ctx, url, expected)
	})
	if err != nil {
		return nil, err
	}
	digest := v.(string)
	m.logger.Debug("blob fetched", "url", url, "digest", digest, "shared", shared)
	return m.cache.Open(digest)
}

func (m *Manager) download(ctx context.Context, url, expected string) (string, error) {
	rc, err := m.media.Download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer rc.Close()

	digest, size, err := m.cache.Put(rc)
	if err != nil {
		if ctx.Err() != nil {
			return "", &remote.TransientError{Op: "download", Err: err}
		}
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if expected != "" && digest != expected {
		m.logger.Warn("downloaded blob digest mismatch", "url", url, "want", expected, "got", digest)
		return "", &remote.PermanentError{
			Reason:  model.ReasonCorruptBlob,
			Message: fmt.Sprintf("%s: digest %s, want %s", url, digest, expected),
		}
	}
	if err := m.cache.Alias(url, digest); err != nil {
		return "", err
	}
	m.logger.Info("blob downloaded", "url", url, "digest", digest, "size", size)
	return digest, nil
}
