package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
)

type fakeResolver struct {
	mu     sync.Mutex
	tokens []string
}

func (r *fakeResolver) Resolve(_ context.Context, raw string) (model.EntityID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(raw, "BAD") {
		return "", errors.New("invalid token")
	}
	r.tokens = append(r.tokens, raw)
	return model.EntityID("e-" + strings.ToLower(raw)), nil
}

func (r *fakeResolver) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func drop(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestDrain(t *testing.T) {
	dir := t.TempDir()
	r := &fakeResolver{}
	w, err := New(dir, r)
	require.NoError(t, err)

	drop(t, dir, "001.txt", "ABC123\n\n  XYZ789  \n")
	drop(t, dir, "002.txt", "BAD1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("HID"), 0o644))

	scans, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.Equal(t, model.EntityID("e-abc123"), scans[0].EntityID)
	assert.Equal(t, "XYZ789", scans[1].Token)
	assert.Error(t, scans[2].Err)
	assert.Equal(t, []string{"ABC123", "XYZ789"}, r.seen())

	assert.FileExists(t, filepath.Join(dir, DoneDir, "001.txt"))
	assert.FileExists(t, filepath.Join(dir, RejectedDir, "002.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "001.txt"))
	assert.FileExists(t, filepath.Join(dir, ".hidden"))
}

func TestRun_ProcessesDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	r := &fakeResolver{}

	var mu sync.Mutex
	var scans []Scan
	w, err := New(dir, r, WithScanHandler(func(s Scan) {
		mu.Lock()
		defer mu.Unlock()
		scans = append(scans, s)
	}))
	require.NoError(t, err)

	// Present before start.
	drop(t, dir, "early.txt", "EARLY1")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "early.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	drop(t, dir, "late.txt", "LATE1")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "late.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, scans, 2)
	assert.Equal(t, "EARLY1", scans[0].Token)
	assert.Equal(t, "LATE1", scans[1].Token)
}
