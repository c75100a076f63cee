package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/identity"
	"github.com/roach88/itemsync/internal/logging"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote/httpremote"
	"github.com/roach88/itemsync/internal/remote/memremote"
)

// device is one CLI replica: a config file and a database in a temp dir.
type device struct {
	t      *testing.T
	dir    string
	config string
}

func newDevice(t *testing.T, remoteURL string, extra ...string) *device {
	t.Helper()
	dir := t.TempDir()
	lines := []string{
		"database: " + filepath.Join(dir, "local.db"),
		"log:",
		"  level: warn",
	}
	if remoteURL != "" {
		lines = append(lines, "remote:", "  url: "+remoteURL, "  poll_interval: 50ms")
	}
	lines = append(lines, extra...)
	cfg := filepath.Join(dir, "itemsync.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return &device{t: t, dir: dir, config: cfg}
}

// run executes the CLI and returns stdout, stderr and the exit code.
func (d *device) run(args ...string) (string, string, int) {
	return d.runContext(context.Background(), args...)
}

func (d *device) runContext(ctx context.Context, args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer
	code := Execute(ctx, append([]string{"--config", d.config}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// runJSON executes the CLI in JSON mode and decodes the response data.
func (d *device) runJSON(out any, args ...string) {
	d.t.Helper()
	stdout, stderr, code := d.run(append([]string{"--format", "json"}, args...)...)
	require.Equal(d.t, ExitSuccess, code, "stdout: %s\nstderr: %s", stdout, stderr)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(d.t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(d.t, "ok", resp.Status)
	if out != nil {
		require.NoError(d.t, json.Unmarshal(resp.Data, out), string(resp.Data))
	}
}

type testRemote struct {
	URL     string
	Backend *memremote.Store
	Media   *memremote.Media
}

func startRemote(t *testing.T) *testRemote {
	t.Helper()
	r := &testRemote{Backend: memremote.NewStore(), Media: memremote.NewMedia()}
	srv := httptest.NewServer(httpremote.NewServer(r.Backend, r.Media, logging.Discard()).Router())
	t.Cleanup(srv.Close)
	r.URL = srv.URL
	return r
}

func derivedID(t *testing.T, token string) model.EntityID {
	t.Helper()
	normalized, err := identity.NormalizeToken(token, identity.ChecksumNone)
	require.NoError(t, err)
	return model.DerivedEntityID(normalized)
}

func TestScanShowSetList(t *testing.T) {
	d := newDevice(t, "")

	var scanned entityView
	d.runJSON(&scanned, "scan", "ABC123")
	assert.Equal(t, derivedID(t, "ABC123"), scanned.ID)
	assert.Equal(t, "dirty", scanned.State)
	assert.True(t, scanned.Pending)

	// A second scan returns the same entity.
	var again entityView
	d.runJSON(&again, "scan", "ABC123")
	assert.Equal(t, scanned.ID, again.ID)

	var set entityView
	d.runJSON(&set, "set", "ABC123", "title=Drill", "capacity=4", `tags=["power"]`)
	assert.Equal(t, "Drill", set.Fields["title"])
	assert.EqualValues(t, 4, set.Fields["capacity"])
	assert.Equal(t, []any{"power"}, set.Fields["tags"])

	var shown entityView
	d.runJSON(&shown, "show", string(scanned.ID))
	assert.Equal(t, set.Fields, shown.Fields)

	var cleared entityView
	d.runJSON(&cleared, "set", "ABC123", "capacity=null")
	assert.NotContains(t, cleared.Fields, "capacity")

	d.runJSON(nil, "scan", "OTHER-1")

	var listed []entityView
	d.runJSON(&listed, "list", "--field", "title=Drill")
	require.Len(t, listed, 1)
	assert.Equal(t, scanned.ID, listed[0].ID)

	d.runJSON(&listed, "list", "--pending", "true")
	assert.Len(t, listed, 2)

	stdout, _, code := d.run("list")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "title=Drill")
}

func TestEntityCommandErrors(t *testing.T) {
	d := newDevice(t, "")
	d.runJSON(nil, "scan", "ABC123")

	tests := []struct {
		name    string
		args    []string
		code    int
		message string
	}{
		{"unknown token", []string{"show", "NOPE"}, ExitFailure, `no entity or bound token "NOPE"`},
		{"invalid field name", []string{"set", "ABC123", "bad field=1"}, ExitFailure, "INVALID_FIELD"},
		{"schema violation", []string{"set", "ABC123", "status=lost"}, ExitFailure, "status"},
		{"missing assignment", []string{"set", "ABC123", "title"}, ExitCommandError, "want key=value"},
		{"bad state filter", []string{"list", "--state", "sleeping"}, ExitCommandError, "invalid --state"},
		{"sync without remote", []string{"sync"}, ExitCommandError, "no remote configured"},
		{"invalid format", []string{"--format", "xml", "list"}, ExitFailure, "invalid format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, code := d.run(tt.args...)
			assert.Equal(t, tt.code, code)
			assert.Contains(t, stderr, tt.message)
		})
	}
}

func TestErrorsAreReportedInJSON(t *testing.T) {
	d := newDevice(t, "")
	stdout, stderr, code := d.run("--format", "json", "show", "NOPE")
	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, stdout)

	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_FAILURE", resp.Error.Code)
}

func TestRetryAndDelete(t *testing.T) {
	r := startRemote(t)
	d := newDevice(t, r.URL, "sync:", "  retry:", "    max_attempts: 1")

	d.runJSON(nil, "scan", "ABC123")
	d.runJSON(nil, "sync")
	d.runJSON(nil, "set", "ABC123", "title=Drill")

	// The only attempt fails, so the change stops syncing.
	r.Backend.SetOffline(true)
	stdout, _, code := d.run("--format", "json", "sync", "--no-pull")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "RETRY_BUDGET_EXCEEDED")

	var failed entityView
	d.runJSON(&failed, "show", "ABC123")
	assert.Equal(t, "failed", failed.State)
	assert.True(t, failed.Pending)

	r.Backend.SetOffline(false)
	var retried entityView
	d.runJSON(&retried, "retry", "ABC123")
	assert.Equal(t, "dirty", retried.State)

	var result SyncResult
	d.runJSON(&result, "sync")
	assert.Empty(t, result.Failed)

	var synced entityView
	d.runJSON(&synced, "show", "ABC123")
	assert.Equal(t, "clean", synced.State)
	assert.Equal(t, "Drill", synced.Fields["title"])

	var deleted entityView
	d.runJSON(&deleted, "delete", "ABC123")
	assert.True(t, deleted.Deleted)

	// The list hides deleted entities unless asked.
	var listed []entityView
	d.runJSON(&listed, "list")
	assert.Empty(t, listed)
	d.runJSON(&listed, "list", "--deleted")
	assert.Len(t, listed, 1)

	d.runJSON(&result, "sync", "--no-pull")
	assert.Empty(t, result.Failed)
	change, ok := r.Backend.Get(derivedID(t, "ABC123"))
	require.True(t, ok)
	assert.True(t, change.Deleted)
}

func TestSyncTwoDevices(t *testing.T) {
	r := startRemote(t)
	a := newDevice(t, r.URL)
	b := newDevice(t, r.URL)
	id := derivedID(t, "ITEM-1")

	a.runJSON(nil, "scan", "ITEM-1")
	a.runJSON(nil, "set", "ITEM-1", "title=Drill", "status=in-stock")

	var result SyncResult
	a.runJSON(&result, "sync")
	assert.Positive(t, result.Push.Sent)
	assert.Empty(t, result.Failed)

	change, ok := r.Backend.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.String("Drill"), change.Fields.Values()["title"])

	var shown entityView
	a.runJSON(&shown, "show", "ITEM-1")
	assert.Equal(t, "clean", shown.State)
	assert.False(t, shown.Pending)

	// b pulls the entity, then binds its token to the same ID.
	b.runJSON(&result, "sync")
	assert.Positive(t, result.Applied)
	assert.Equal(t, result.Pulled, len(r.Backend.Changes(0)))

	var scanned entityView
	b.runJSON(&scanned, "scan", "ITEM-1")
	assert.Equal(t, id, scanned.ID)
	assert.Equal(t, "Drill", scanned.Fields["title"])
	assert.Equal(t, "clean", scanned.State)

	// Concurrent edits to different fields both survive.
	a.runJSON(nil, "set", "ITEM-1", "status=checked-out")
	b.runJSON(nil, "set", "ITEM-1", "address=Shelf 3")
	a.runJSON(nil, "sync")
	b.runJSON(nil, "sync")
	a.runJSON(nil, "sync")

	for _, dev := range []*device{a, b} {
		var e entityView
		dev.runJSON(&e, "show", string(id))
		assert.Equal(t, "checked-out", e.Fields["status"])
		assert.Equal(t, "Shelf 3", e.Fields["address"])
		assert.Equal(t, "clean", e.State)
	}
}

func TestAttachFetchCancel(t *testing.T) {
	r := startRemote(t)
	d := newDevice(t, r.URL)
	id := derivedID(t, "TOOL-9")
	d.runJSON(nil, "scan", "TOOL-9")

	src := filepath.Join(d.dir, "front.txt")
	require.NoError(t, os.WriteFile(src, []byte("front view"), 0o644))

	var attached struct {
		EntityID    model.EntityID `json:"entity_id"`
		Ticket      string         `json:"ticket"`
		State       string         `json:"state"`
		ContentType string         `json:"content_type"`
		Size        int64          `json:"size"`
		URL         string         `json:"url"`
	}
	d.runJSON(&attached, "attach", "TOOL-9", "poster", src)
	assert.Equal(t, id, attached.EntityID)
	assert.NotEmpty(t, attached.Ticket)
	assert.Equal(t, "local-only", attached.State)
	assert.Contains(t, attached.ContentType, "text/plain")
	assert.EqualValues(t, 10, attached.Size)

	// The blob is readable from the cache before it is uploaded.
	stdout, _, code := d.run("fetch", "TOOL-9", "poster")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "front view", stdout)

	var result SyncResult
	d.runJSON(&result, "sync")
	assert.Equal(t, 1, result.Uploads.Uploaded)
	assert.Equal(t, 1, r.Media.Uploads())

	var shown entityView
	d.runJSON(&shown, "show", "TOOL-9")
	require.Len(t, shown.Attachments, 1)
	assert.Equal(t, "synced", shown.Attachments[0].State)
	url, _ := shown.Fields["poster_url"].(string)
	assert.True(t, strings.HasPrefix(url, r.URL+"/media/"), url)

	out := filepath.Join(d.dir, "copy.txt")
	_, _, code = d.run("fetch", "TOOL-9", "poster", "-o", out)
	require.Equal(t, ExitSuccess, code)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "front view", string(data))

	// Synced attachments cannot be cancelled; scheduled ones can.
	_, stderr, code := d.run("cancel", "TOOL-9", "poster")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "cancel failed")

	d.runJSON(nil, "attach", "TOOL-9", "manual", src)
	d.runJSON(&attached, "cancel", "TOOL-9", "manual")
	assert.Equal(t, "failed", attached.State)

	var retried struct {
		State string `json:"state"`
	}
	d.runJSON(&retried, "retry", "TOOL-9", "--slot", "manual")
	assert.Equal(t, "synced", retried.State)
}

func TestLabel(t *testing.T) {
	d := newDevice(t, "")

	var text struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	}
	d.runJSON(&text, "label", " ABC123 ")
	assert.Equal(t, "ABC123", text.Payload)
	assert.NotEmpty(t, text.Text)

	png := filepath.Join(d.dir, "label.png")
	d.runJSON(nil, "label", "ABC123", "-o", png, "--size", "128")
	data, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	_, stderr, code := d.run("label", "ABC123", "--level", "extreme")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "unknown error correction level")

	var attached struct {
		Slot  string `json:"slot"`
		State string `json:"state"`
	}
	d.runJSON(&attached, "label", "NEW-7", "--attach")
	assert.Equal(t, "qr", attached.Slot)
	assert.Equal(t, "local-only", attached.State)
}

func TestLabelWithChecksum(t *testing.T) {
	d := newDevice(t, "", "identity:", "  checksum: luhn36")

	var text struct {
		Payload string `json:"payload"`
	}
	d.runJSON(&text, "label", "ABC123")
	require.Len(t, text.Payload, 7)
	assert.True(t, identity.ValidLuhn36(text.Payload))
}

func TestWatchPrintsInitialSnapshot(t *testing.T) {
	d := newDevice(t, "")
	d.runJSON(nil, "scan", "ABC123")
	d.runJSON(nil, "set", "ABC123", "status=in-repair")
	d.runJSON(nil, "scan", "OTHER-1")

	var snap struct {
		Seq      uint64       `json:"seq"`
		Entities []entityView `json:"entities"`
	}
	d.runJSON(&snap, "watch", "--field", "status=in-repair", "--count", "1")
	assert.EqualValues(t, 1, snap.Seq)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, derivedID(t, "ABC123"), snap.Entities[0].ID)
}

func TestRunDaemonSyncsInboxScans(t *testing.T) {
	r := startRemote(t)
	inboxDir := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.MkdirAll(inboxDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "scan-0001.txt"), []byte("DAEMON-1\n"), 0o644))

	d := newDevice(t, r.URL, "inbox:", "  dir: "+inboxDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		_, _, code := d.runContext(ctx, "run")
		done <- code
	}()

	id := derivedID(t, "DAEMON-1")
	require.Eventually(t, func() bool {
		_, ok := r.Backend.Get(id)
		return ok
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, ExitSuccess, code)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.FileExists(t, filepath.Join(inboxDir, "done", "scan-0001.txt"))
}

func TestRunRequiresRemote(t *testing.T) {
	d := newDevice(t, "")
	_, stderr, code := d.run("run")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "no remote configured")
}

func TestListJSONIsAlwaysArray(t *testing.T) {
	d := newDevice(t, "")

	stdout, _, code := d.run("--format", "json", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, `"data":[]`)

	d.runJSON(nil, "scan", "ONLY-1")
	var listed []entityView
	d.runJSON(&listed, "list")
	require.Len(t, listed, 1)
	assert.Equal(t, derivedID(t, "ONLY-1"), listed[0].ID)

	// show stays a single object.
	var shown entityView
	d.runJSON(&shown, "show", "ONLY-1")
	assert.Equal(t, listed[0].ID, shown.ID)

	// Several scans in one call come back as an array.
	var scanned []entityView
	d.runJSON(&scanned, "scan", "ONLY-1", "ONLY-2")
	assert.Len(t, scanned, 2)
}
