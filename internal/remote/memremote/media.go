package memremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

// URLPrefix prefixes every URL returned by Media.Upload.
const URLPrefix = "mem://media/"

var errOffline = errors.New("offline")

// Media is an in-memory blob store.
type Media struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	types     map[string]string
	maxSize   int64
	offline   bool
	faults    []error
	uploads   int
	downloads int
	hold      chan struct{}
	entered   chan string
}

var _ remote.MediaStorage = (*Media)(nil)

// NewMedia returns an empty blob store.
func NewMedia() *Media {
	return &Media{
		blobs: make(map[string][]byte),
		types: make(map[string]string),
	}
}

// SetMaxSize rejects uploads larger than n bytes with quota_exceeded. Zero disables the limit.
func (m *Media) SetMaxSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSize = n
}

// SetOffline makes every call fail with a *remote.TransientError until reset.
func (m *Media) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext queues errors returned by the next uploads, in order.
func (m *Media) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, errs...)
}

// HoldUploads blocks uploads until release is called or their context ends.
// The name of each upload is sent on entered once it is blocked.
func (m *Media) HoldUploads() (entered <-chan string, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold := make(chan struct{})
	ch := make(chan string, 16)
	m.hold = hold
	m.entered = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if m.hold == hold {
				m.hold = nil
			}
			m.mu.Unlock()
			close(hold)
		})
	}
}

// Uploads returns the number of successful uploads.
func (m *Media) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Downloads returns the number of successful downloads.
func (m *Media) Downloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads
}

// Corrupt replaces the stored bytes behind url.
func (m *Media) Corrupt(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[strings.TrimPrefix(url, URLPrefix)] = data
}

// Upload implements remote.MediaStorage. The URL is derived from name.
func (m *Media) Upload(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	m.mu.Lock()
	hold, entered := m.hold, m.entered
	m.mu.Unlock()

	if hold != nil {
		select {
		case entered <- name:
		default:
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return "", &remote.TransientError{Op: "upload", Err: ctx.Err()}
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", &remote.TransientError{Op: "upload", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", &remote.TransientError{Op: "upload", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return "", &remote.TransientError{Op: "upload", Err: errOffline}
	}
	if len(m.faults) > 0 {
		err := m.faults[0]
		m.faults = m.faults[1:]
		return "", err
	}
	if m.maxSize > 0 && int64(len(data)) > m.maxSize {
		return "", &remote.PermanentError{
			Reason:  model.ReasonQuotaExceeded,
			Message: fmt.Sprintf("blob is %d bytes, limit is %d", len(data), m.maxSize),
		}
	}

	m.blobs[name] = data
	m.types[name] = contentType
	m.uploads++
	return URLPrefix + name, nil
}

// Download implements remote.MediaStorage.
func (m *Media) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.TransientError{Op: "download", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, &remote.TransientError{Op: "download", Err: errOffline}
	}
	if !strings.HasPrefix(url, URLPrefix) {
		return nil, remote.ErrNotFound
	}
	data, ok := m.blobs[strings.TrimPrefix(url, URLPrefix)]
	if !ok {
		return nil, remote.ErrNotFound
	}
	m.downloads++
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// ContentType returns the content type recorded for a stored blob.
func (m *Media) ContentType(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.types[name]
	return ct, ok
}
