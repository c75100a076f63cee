package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/itemsync/internal/model"
)

// ErrNotCached is returned when a digest or URL has no cached blob.
var ErrNotCached = errors.New("blob not cached")

// Cache is a content-addressed blob cache on disk. Blobs are stored zstd
// compressed under their digest; downloaded URLs are recorded as aliases
// pointing at a digest so a second fetch of the same URL stays local.
//
// Layout:
//
//	<dir>/blobs/<d[:2]>/<digest>.zst
//	<dir>/urls/<sha256(url)>    (contains the digest)
//
// Writes go to a temp file and are renamed into place, so concurrent
// writers of the same digest are safe and readers never see partial blobs.
type Cache struct {
	dir string
}

// NewCache opens or creates a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	for _, sub := range []string{"blobs", "urls", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Put stores the content of r and returns its digest and uncompressed size.
func (c *Cache) Put(r io.Reader) (digest string, size int64, err error) {
	tmp, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("cache put: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", 0, fmt.Errorf("cache put: %w", err)
	}
	h := model.NewBlobHash()
	size, err = io.Copy(io.MultiWriter(enc, h), r)
	if err != nil {
		enc.Close()
		return "", 0, fmt.Errorf("cache put: copy: %w", err)
	}
	if err = enc.Close(); err != nil {
		return "", 0, fmt.Errorf("cache put: compress: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("cache put: %w", err)
	}

	digest = hex.EncodeToString(h.Sum(nil))
	dst := c.blobPath(digest)
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("cache put: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("cache put: %w", err)
	}
	return digest, size, nil
}

// Has reports whether the blob with digest is cached.
func (c *Cache) Has(digest string) bool {
	if !validDigest(digest) {
		return false
	}
	_, err := os.Stat(c.blobPath(digest))
	return err == nil
}

// Open returns a reader over the uncompressed blob. The caller must close it.
func (c *Cache) Open(digest string) (io.ReadCloser, error) {
	if !validDigest(digest) {
		return nil, fmt.Errorf("%w: %q", ErrNotCached, digest)
	}
	f, err := os.Open(c.blobPath(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("cache open: %w", err)
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cache open: %w", err)
	}
	return &blobReader{dec: dec, f: f}, nil
}

// Remove deletes a cached blob. Removing a missing blob is not an error.
func (c *Cache) Remove(digest string) error {
	if !validDigest(digest) {
		return nil
	}
	err := os.Remove(c.blobPath(digest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

// Alias records that url serves the blob with digest.
func (c *Cache) Alias(url, digest string) error {
	if !validDigest(digest) {
		return fmt.Errorf("cache alias: invalid digest %q", digest)
	}
	tmp, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), "alias-*")
	if err != nil {
		return fmt.Errorf("cache alias: %w", err)
	}
	if _, err := tmp.WriteString(digest); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache alias: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache alias: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.aliasPath(url)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache alias: %w", err)
	}
	return nil
}

// Resolve returns the digest aliased to url if its blob is still cached.
func (c *Cache) Resolve(url string) (string, error) {
	raw, err := os.ReadFile(c.aliasPath(url))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotCached
	}
	if err != nil {
		return "", fmt.Errorf("cache resolve: %w", err)
	}
	digest := strings.TrimSpace(string(raw))
	if !c.Has(digest) {
		return "", ErrNotCached
	}
	return digest, nil
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.dir, "blobs", digest[:2], digest+".zst")
}

func (c *Cache) aliasPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, "urls", hex.EncodeToString(sum[:]))
}

// validDigest accepts lowercase hex SHA-256 digests only, which also keeps
// digests from escaping the cache directory.
func validDigest(d string) bool {
	if len(d) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type blobReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *blobReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *blobReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}
