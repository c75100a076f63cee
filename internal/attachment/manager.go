package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/store"
)

// DefaultWorkers is the default number of concurrent uploads.
const DefaultWorkers = 2

var (
	// ErrNotFailed is returned by Retry for an attachment that is not failed.
	ErrNotFailed = errors.New("attachment is not failed")

	// ErrAlreadySynced is returned by Cancel for an attachment that finished uploading.
	ErrAlreadySynced = errors.New("attachment is already synced")

	errCancelled = errors.New("upload cancelled")
	errReplaced  = errors.New("attachment replaced")
)

// Linker writes field values to an entity. *engine.Engine implements it.
type Linker interface {
	Set(ctx context.Context, id model.EntityID, delta model.Map) (model.Entity, error)
}

// LinkField returns the entity field that receives a synced slot's URL.
func LinkField(slot string) string {
	return slot + "_url"
}

// Manager uploads and downloads attachment blobs.
//
// Uploads run on a bounded pool independent of record sync. Every blob
// passes through the content-addressed Cache: Attach copies it in before
// the row is written, so an upload can always be retried from local bytes.
type Manager struct {
	store  *store.Store
	media  remote.MediaStorage
	cache  *Cache
	logger *slog.Logger

	policy    backoff.Policy
	workers   int
	wall      func() int64
	newTicket func() string
	linker    Linker

	sem       *semaphore.Weighted
	downloads singleflight.Group
	wake      chan struct{}

	mu       sync.Mutex
	inflight map[string]*upload
}

// upload is the cancellation handle of a running upload.
type upload struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option allows configuration of manager parameters.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRetryPolicy sets the upload backoff schedule and retry budget.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithWorkers sets the number of concurrent uploads.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithWallClock sets the millisecond time source for schedules.
func WithWallClock(wall func() int64) Option {
	return func(m *Manager) {
		m.wall = wall
	}
}

// WithTicketGenerator sets the attach ticket source. Default: UUIDv7.
func WithTicketGenerator(next func() string) Option {
	return func(m *Manager) {
		m.newTicket = next
	}
}

// WithLinker writes <slot>_url into the entity when an upload is synced.
func WithLinker(l Linker) Option {
	return func(m *Manager) {
		m.linker = l
	}
}

// New creates a manager storing rows in s, blobs in cache and uploading to media.
func New(s *store.Store, media remote.MediaStorage, cache *Cache, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:     s,
		media:     media,
		cache:     cache,
		logger:    slog.Default(),
		policy:    backoff.Default(),
		workers:   DefaultWorkers,
		wall:      func() int64 { return time.Now().UnixMilli() },
		newTicket: func() string { return uuid.Must(uuid.NewV7()).String() },
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]*upload),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		return nil, fmt.Errorf("attachment: workers must be at least 1, got %d", m.workers)
	}
	m.sem = semaphore.NewWeighted(int64(m.workers))
	return m, nil
}

// Cache returns the blob cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Attach copies blob into the cache, records it in slot as local-only and
// schedules its upload. It returns the attach ticket without waiting for
// the upload. An upload still running for the slot's previous blob is
// cancelled.
func (m *Manager) Attach(ctx context.Context, id model.EntityID, slot string, blob io.Reader, contentType string) (string, error) {
	if err := model.ValidateFieldName(LinkField(slot)); err != nil {
		return "", fmt.Errorf("attach %s/%s: invalid slot: %w", id, slot, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	digest, size, err := m.cache.Put(blob)
	if err != nil {
		return "", fmt.Errorf("attach %s/%s: %w", id, slot, err)
	}

	now := m.wall()
	ticket := m.newTicket()
	prev, err := m.store.PutAttachment(ctx, model.Attachment{
		EntityID:      id,
		Slot:          slot,
		Ticket:        ticket,
		State:         model.AttachmentLocalOnly,
		Digest:        digest,
		Size:          size,
		ContentType:   contentType,
		NextAttemptAt: now,
		UpdatedAt:     now,
	})
	if err != nil {
		return "", err
	}
	if prev != nil {
		m.abort(prev.Ticket, errReplaced)
	}

	m.logger.Info("attachment scheduled", "entity", id, "slot", slot, "ticket", ticket, "digest", digest, "size", size)
	m.Wake()
	return ticket, nil
}

// Get returns the attachment in a slot.
func (m *Manager) Get(ctx context.Context, id model.EntityID, slot string) (model.Attachment, error) {
	return m.store.GetAttachment(ctx, id, slot)
}

// List returns an entity's attachments.
func (m *Manager) List(ctx context.Context, id model.EntityID) ([]model.Attachment, error) {
	return m.store.ListAttachments(ctx, id)
}

// Cancel stops an in-flight or scheduled upload. The attachment ends failed
// with reason cancelled. Cancel waits for a running upload to stop.
func (m *Manager) Cancel(ctx context.Context, id model.EntityID, slot string) (model.Attachment, error) {
	a, err := m.store.GetAttachment(ctx, id, slot)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("cancel %s/%s: %w", id, slot, err)
	}
	if a.State == model.AttachmentSynced {
		return a, fmt.Errorf("cancel %s/%s: %w", id, slot, ErrAlreadySynced)
	}

	if done, ok := m.abort(a.Ticket, errCancelled); ok {
		select {
		case <-done:
		case <-ctx.Done():
			return model.Attachment{}, ctx.Err()
		}
		return m.store.GetAttachment(ctx, id, slot)
	}

	// Scheduled, failed, or uploading in another process.
	now := m.wall()
	out, err := m.store.TransitionAttachment(ctx, a.Ticket, model.AttachmentFailed, func(x *model.Attachment) {
		x.Reason = model.ReasonCancelled
		x.NextAttemptAt = 0
		x.UpdatedAt = now
	})
	if err != nil {
		return model.Attachment{}, fmt.Errorf("cancel %s/%s: %w", id, slot, err)
	}
	m.logger.Info("attachment cancelled", "entity", id, "slot", slot, "ticket", a.Ticket)
	return out, nil
}

// Retry uploads a failed attachment now with a fresh retry budget and
// returns its resulting state.
func (m *Manager) Retry(ctx context.Context, id model.EntityID, slot string) (model.Attachment, error) {
	a, err := m.store.GetAttachment(ctx, id, slot)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("retry %s/%s: %w", id, slot, err)
	}
	if a.State != model.AttachmentFailed {
		return a, fmt.Errorf("retry %s/%s: %w (state %s)", id, slot, ErrNotFailed, a.State)
	}

	res := m.upload(ctx, a, true)
	if res.err != nil {
		return model.Attachment{}, res.err
	}
	return m.store.GetAttachment(ctx, id, slot)
}

// Wake asks the Run loop to look for due uploads now.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// abort cancels the upload running for ticket. done is closed when it has
// recorded its outcome.
func (m *Manager) abort(ticket string, cause error) (done <-chan struct{}, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.inflight[ticket]
	if !ok {
		return nil, false
	}
	u.cancel(cause)
	return u.done, true
}

func (m *Manager) register(ticket string, cancel context.CancelCauseFunc) (*upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[ticket]; busy {
		return nil, false
	}
	u := &upload{cancel: cancel, done: make(chan struct{})}
	m.inflight[ticket] = u
	return u, true
}

func (m *Manager) unregister(ticket string, u *upload) {
	m.mu.Lock()
	delete(m.inflight, ticket)
	m.mu.Unlock()
	close(u.done)
}

// digestFromURL returns the last URL path element if it looks like a blob
// digest. Uploads are named by digest, so most URLs end in one.
func digestFromURL(url string) string {
	d := path.Base(url)
	if validDigest(d) {
		return d
	}
	return ""
}
