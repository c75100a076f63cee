package attachment

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/remote/memremote"
	"github.com/roach88/itemsync/internal/store"
	"github.com/roach88/itemsync/internal/testutil"
)

type fixture struct {
	store *store.Store
	media *memremote.Media
	mgr   *Manager
	wall  *testutil.DeterministicClock
}

func newFixture(t *testing.T, media *memremote.Media, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cache, err := NewCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	wall := testutil.NewDeterministicClock()
	wall.Set(1000)
	tickets := testutil.NewSequentialIDs("ticket")

	base := []Option{
		WithWallClock(wall.Now),
		WithTicketGenerator(tickets.Next),
		WithRetryPolicy(backoff.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 3}),
	}
	m, err := New(s, media, cache, append(base, opts...)...)
	require.NoError(t, err)

	_, err = s.BindToken(context.Background(), "ABC123", "e1", model.Stamp{Time: 1})
	require.NoError(t, err)
	return &fixture{store: s, media: media, mgr: m, wall: wall}
}

func (f *fixture) attach(t *testing.T, slot, content string) string {
	t.Helper()
	ticket, err := f.mgr.Attach(context.Background(), "e1", slot, strings.NewReader(content), "image/jpeg")
	require.NoError(t, err)
	return ticket
}

func (f *fixture) uploadOnce(t *testing.T) UploadReport {
	t.Helper()
	r, err := f.mgr.UploadOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, r.Errors)
	return r
}

func (f *fixture) get(t *testing.T, slot string) model.Attachment {
	t.Helper()
	a, err := f.mgr.Get(context.Background(), "e1", slot)
	require.NoError(t, err)
	return a
}

type recordingLinker struct {
	mu    sync.Mutex
	calls []model.Map
	err   error
}

func (l *recordingLinker) Set(_ context.Context, _ model.EntityID, delta model.Map) (model.Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, delta)
	return model.Entity{}, l.err
}

func TestAttach_SchedulesUpload(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())

	ticket := f.attach(t, "photo", "jpeg bytes")
	assert.Equal(t, "ticket-0001", ticket)

	a := f.get(t, "photo")
	assert.Equal(t, model.AttachmentLocalOnly, a.State)
	assert.Equal(t, model.BlobDigest([]byte("jpeg bytes")), a.Digest)
	assert.Equal(t, int64(10), a.Size)
	assert.Empty(t, a.URL)
	assert.Equal(t, 0, f.media.Uploads(), "attach must not upload inline")

	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Uploaded)

	a = f.get(t, "photo")
	assert.Equal(t, model.AttachmentSynced, a.State)
	assert.Equal(t, memremote.URLPrefix+a.Digest, a.URL)
	ct, ok := f.media.ContentType(a.Digest)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", ct)
}

func TestAttach_InvalidSlot(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	_, err := f.mgr.Attach(context.Background(), "e1", "bad slot", strings.NewReader("x"), "")
	assert.Error(t, err)
}

func TestAttach_UnknownEntity(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	_, err := f.mgr.Attach(context.Background(), "missing", "photo", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttach_ReplacesSlot(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())

	first := f.attach(t, "photo", "old")
	second := f.attach(t, "photo", "new")
	assert.NotEqual(t, first, second)

	_, err := f.store.AttachmentByTicket(context.Background(), first)
	assert.ErrorIs(t, err, store.ErrNotFound)

	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Uploaded)
	assert.Equal(t, model.BlobDigest([]byte("new")), f.get(t, "photo").Digest)
}

func TestUpload_LinkBack(t *testing.T) {
	linker := &recordingLinker{}
	f := newFixture(t, memremote.NewMedia(), WithLinker(linker))

	f.attach(t, "photo", "jpeg")
	f.uploadOnce(t)

	a := f.get(t, "photo")
	require.Len(t, linker.calls, 1)
	assert.Equal(t, model.Map{"photo_url": model.String(a.URL)}, linker.calls[0])
}

func TestUpload_LinkBackFailureKeepsSynced(t *testing.T) {
	linker := &recordingLinker{err: errors.New("entity is deleted")}
	f := newFixture(t, memremote.NewMedia(), WithLinker(linker))

	f.attach(t, "photo", "jpeg")
	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Uploaded)
	assert.Equal(t, model.AttachmentSynced, f.get(t, "photo").State)
}

func TestUpload_TransientThenSynced(t *testing.T) {
	media := memremote.NewMedia()
	linker := &recordingLinker{}
	f := newFixture(t, media, WithLinker(linker))
	media.FailNext(&remote.TransientError{Op: "upload", Err: errors.New("reset by peer")})

	f.attach(t, "photo", "jpeg")
	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Retrying)

	a := f.get(t, "photo")
	assert.Equal(t, model.AttachmentFailed, a.State)
	assert.Equal(t, model.ReasonTransient, a.Reason)
	assert.Equal(t, 1, a.Retries)
	assert.Equal(t, int64(2000), a.NextAttemptAt)
	assert.Empty(t, linker.calls)

	// Not due yet.
	r = f.uploadOnce(t)
	assert.Zero(t, r.Uploaded+r.Retrying)

	f.wall.Advance(1000)
	r = f.uploadOnce(t)
	assert.Equal(t, 1, r.Uploaded)

	a = f.get(t, "photo")
	assert.Equal(t, model.AttachmentSynced, a.State)
	assert.Empty(t, a.Reason)
	assert.Equal(t, 1, media.Uploads())
	assert.Len(t, linker.calls, 1)
}

func TestUpload_RetryBudgetExceeded(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	media.SetOffline(true)

	f.attach(t, "photo", "jpeg")
	for i := 0; i < 2; i++ {
		r := f.uploadOnce(t)
		assert.Equal(t, 1, r.Retrying, "attempt %d", i+1)
		f.wall.Advance(60_000)
	}
	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Failed)

	a := f.get(t, "photo")
	assert.Equal(t, model.AttachmentFailed, a.State)
	assert.Equal(t, model.ReasonRetryBudgetExceeded, a.Reason)
	assert.Equal(t, 3, a.Retries)

	// Exhausted uploads are not rescheduled.
	_, ok, err := f.store.NextAttachmentAttempt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpload_QuotaIsPermanent(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	media.SetMaxSize(3)

	f.attach(t, "photo", "too large")
	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Failed)

	a := f.get(t, "photo")
	assert.Equal(t, model.ReasonQuotaExceeded, a.Reason)

	f.wall.Advance(time.Hour.Milliseconds())
	r = f.uploadOnce(t)
	assert.Zero(t, r.Failed+r.Uploaded)
}

func TestUpload_MissingBlob(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())

	f.attach(t, "photo", "jpeg")
	require.NoError(t, f.mgr.Cache().Remove(f.get(t, "photo").Digest))

	r := f.uploadOnce(t)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, model.ReasonMissingBlob, f.get(t, "photo").Reason)
}

func TestRetry_FailedUpload(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	media.SetMaxSize(3)

	f.attach(t, "photo", "too large")
	f.uploadOnce(t)

	media.SetMaxSize(0)
	a, err := f.mgr.Retry(context.Background(), "e1", "photo")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentSynced, a.State)
	assert.Equal(t, 0, a.Retries)
}

func TestRetry_NotFailed(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	f.attach(t, "photo", "jpeg")

	_, err := f.mgr.Retry(context.Background(), "e1", "photo")
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestCancel_Scheduled(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	f.attach(t, "photo", "jpeg")

	a, err := f.mgr.Cancel(context.Background(), "e1", "photo")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentFailed, a.State)
	assert.Equal(t, model.ReasonCancelled, a.Reason)

	r := f.uploadOnce(t)
	assert.Zero(t, r.Uploaded)
	assert.Equal(t, 0, f.media.Uploads())
}

func TestCancel_AfterUploadPassReadRow(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	f.attach(t, "photo", "jpeg")
	ctx := context.Background()

	// The pass has already listed the row when the cancel lands.
	due, err := f.store.DueAttachments(ctx, f.wall.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	_, err = f.mgr.Cancel(ctx, "e1", "photo")
	require.NoError(t, err)

	res := f.mgr.upload(ctx, due[0], false)
	assert.NoError(t, res.err)
	assert.Empty(t, res.state)

	a := f.get(t, "photo")
	assert.Equal(t, model.AttachmentFailed, a.State)
	assert.Equal(t, model.ReasonCancelled, a.Reason)
	assert.Equal(t, 0, f.media.Uploads())

	// An explicit retry still restarts it.
	a, err = f.mgr.Retry(ctx, "e1", "photo")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentSynced, a.State)
}

func TestCancel_InFlight(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	entered, release := media.HoldUploads()
	defer release()

	f.attach(t, "photo", "jpeg")

	done := make(chan UploadReport, 1)
	go func() {
		r, _ := f.mgr.UploadOnce(context.Background())
		done <- r
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	assert.Equal(t, model.AttachmentUploading, f.get(t, "photo").State)

	a, err := f.mgr.Cancel(context.Background(), "e1", "photo")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentFailed, a.State)
	assert.Equal(t, model.ReasonCancelled, a.Reason)

	r := <-done
	assert.Equal(t, 1, r.Cancelled)
	assert.Equal(t, 0, media.Uploads())
}

func TestCancel_Synced(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	f.attach(t, "photo", "jpeg")
	f.uploadOnce(t)

	_, err := f.mgr.Cancel(context.Background(), "e1", "photo")
	assert.ErrorIs(t, err, ErrAlreadySynced)
}

func TestOpen_CacheHitSkipsDownload(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	f.attach(t, "photo", "jpeg bytes")
	f.uploadOnce(t)

	rc, a, err := f.mgr.Open(context.Background(), "e1", "photo")
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(readAll(t, rc)))
	assert.Equal(t, model.AttachmentSynced, a.State)
	assert.Equal(t, 0, media.Downloads())
}

func TestFetch_DownloadsOnceThenCaches(t *testing.T) {
	media := memremote.NewMedia()
	a := newFixture(t, media)
	a.attach(t, "photo", "jpeg bytes")
	a.uploadOnce(t)
	url := a.get(t, "photo").URL

	b := newFixture(t, media)
	for i := 0; i < 3; i++ {
		rc, err := b.mgr.Fetch(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, "jpeg bytes", string(readAll(t, rc)))
	}
	assert.Equal(t, 1, media.Downloads())
}

func TestFetch_NotFound(t *testing.T) {
	f := newFixture(t, memremote.NewMedia())
	_, err := f.mgr.Fetch(context.Background(), memremote.URLPrefix+"missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestFetch_CorruptBlob(t *testing.T) {
	media := memremote.NewMedia()
	a := newFixture(t, media)
	a.attach(t, "photo", "jpeg bytes")
	a.uploadOnce(t)
	url := a.get(t, "photo").URL

	media.Corrupt(url, []byte("flipped bits"))

	b := newFixture(t, media)
	_, err := b.mgr.Fetch(context.Background(), url)
	reason, ok := remote.PermanentReason(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, model.ReasonCorruptBlob, reason)

	_, err = b.mgr.Cache().Resolve(url)
	assert.ErrorIs(t, err, ErrNotCached)
}

// gatedMedia blocks downloads until released and counts them.
type gatedMedia struct {
	remote.MediaStorage
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *gatedMedia) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.MediaStorage.Download(ctx, url)
}

func TestFetch_ConcurrentDownloadsCoalesce(t *testing.T) {
	media := memremote.NewMedia()
	a := newFixture(t, media)
	a.attach(t, "photo", "jpeg bytes")
	a.uploadOnce(t)
	url := a.get(t, "photo").URL

	gated := &gatedMedia{MediaStorage: media, entered: make(chan struct{}, 1), release: make(chan struct{})}
	dir := t.TempDir()
	cache, err := NewCache(dir)
	require.NoError(t, err)
	mgr, err := New(a.store, gated, cache)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := mgr.Fetch(context.Background(), url)
			if err != nil {
				results <- err.Error()
				return
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			results <- string(data)
		}()
	}

	<-gated.entered
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()
	close(results)

	for got := range results {
		assert.Equal(t, "jpeg bytes", got)
	}
	assert.Equal(t, 1, gated.calls)
}

func TestRun_ResumesInterruptedUpload(t *testing.T) {
	media := memremote.NewMedia()
	f := newFixture(t, media)
	ticket := f.attach(t, "photo", "jpeg")

	// A previous process died mid-upload.
	_, err := f.store.TransitionAttachment(context.Background(), ticket, model.AttachmentUploading, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Run(ctx) }()

	assert.Eventually(t, func() bool {
		a, err := f.store.GetAttachment(context.Background(), "e1", "photo")
		return err == nil && a.State == model.AttachmentSynced
	}, 5*time.Second, 10*time.Millisecond)

	// New attachments are picked up by Wake.
	f.attach(t, "label", "png")
	assert.Eventually(t, func() bool {
		a, err := f.store.GetAttachment(context.Background(), "e1", "label")
		return err == nil && a.State == model.AttachmentSynced
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}

func TestNew_BadWorkers(t *testing.T) {
	_, err := New(nil, memremote.NewMedia(), nil, WithWorkers(0))
	assert.Error(t, err)
}
