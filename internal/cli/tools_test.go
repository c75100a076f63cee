package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

func TestTestCommand_Text(t *testing.T) {
	d := newDevice(t, "")
	stdout, stderr, code := d.run("test", scenariosDir, "--golden", goldenDir)
	require.Equal(t, ExitSuccess, code, "stdout: %s\nstderr: %s", stdout, stderr)
	assert.Contains(t, stdout, "✓ two_device_merge")
	assert.Contains(t, stdout, "Test Summary: 4 passed, 0 failed, 4 total")
	assert.Contains(t, stdout, "✓ All scenarios passed")
}

func TestTestCommand_JSON(t *testing.T) {
	d := newDevice(t, "")
	stdout, _, code := d.run("--format", "json", "test", scenariosDir, "--golden", goldenDir)
	require.Equal(t, ExitSuccess, code, stdout)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.True(t, s.Pass, s.Name)
		assert.Equal(t, "match", s.Golden, s.Name)
	}
}

func TestTestCommand_Filter(t *testing.T) {
	d := newDevice(t, "")
	stdout, _, code := d.run("--format", "json", "test", scenariosDir, "--golden", goldenDir, "--filter", "two_*")
	require.Equal(t, ExitSuccess, code, stdout)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "two_device_merge", resp.Data.Scenarios[0].Name)
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	d := newDevice(t, "")
	out := filepath.Join(t.TempDir(), "golden")

	stdout, _, code := d.run("test", scenariosDir, "--golden", out, "--filter", "two_*", "--update")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "(golden updated)")

	got, err := os.ReadFile(filepath.Join(out, "two_device_merge.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "two_device_merge.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(bytes.TrimSpace(want)), string(bytes.TrimSpace(got)))

	// The regenerated file now matches.
	stdout, _, code = d.run("test", scenariosDir, "--golden", out, "--filter", "two_*")
	require.Equal(t, ExitSuccess, code, stdout)
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	d := newDevice(t, "")
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "two_device_merge.golden"), []byte(`{"stale":true}`), 0o644))

	stdout, _, code := d.run("test", scenariosDir, "--golden", out, "--filter", "two_*")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "✗ two_device_merge")
	assert.Contains(t, stdout, "does not match golden file")
}

func TestTestCommand_MissingDir(t *testing.T) {
	d := newDevice(t, "")
	_, stderr, code := d.run("test", filepath.Join(d.dir, "nope"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "scenarios directory not found")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "notes.txt", ".hidden.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "c.yaml"), nil, 0o644))

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, files)

	files, err = findScenarioFiles(dir, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}

func validateJSON(t *testing.T, d *device, args ...string) (ValidationResult, int) {
	t.Helper()
	stdout, _, code := d.run(append([]string{"--format", "json", "validate"}, args...)...)
	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp.Data, code
}

func TestValidate_ValidRecords(t *testing.T) {
	d := newDevice(t, "")
	jsonRecord := filepath.Join(d.dir, "drill.json")
	require.NoError(t, os.WriteFile(jsonRecord, []byte(`{"title":"Drill","capacity":4,"status":"in-stock"}`), 0o644))
	yamlRecord := filepath.Join(d.dir, "saw.yaml")
	require.NoError(t, os.WriteFile(yamlRecord, []byte("title: Saw\ntags: [hand, wood]\n"), 0o644))

	result, code := validateJSON(t, d, jsonRecord, yamlRecord)
	assert.Equal(t, ExitSuccess, code)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Records)
	assert.Equal(t, "default.cue", result.Schema)
	assert.Empty(t, result.Errors)

	stdout, _, code := d.run("validate", jsonRecord)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "✓ config and schema default.cue valid, 1 record(s) checked")
}

func TestValidate_InvalidRecord(t *testing.T) {
	d := newDevice(t, "")
	record := filepath.Join(d.dir, "bad.json")
	require.NoError(t, os.WriteFile(record, []byte(`{"status":"lost","capacity":-1}`), 0o644))
	notObject := filepath.Join(d.dir, "list.json")
	require.NoError(t, os.WriteFile(notObject, []byte(`[1, 2]`), 0o644))

	result, code := validateJSON(t, d, record, notObject)
	assert.Equal(t, ExitFailure, code)
	assert.False(t, result.Valid)
	require.GreaterOrEqual(t, len(result.Errors), 2)

	files := map[string]bool{}
	for _, issue := range result.Errors {
		assert.Equal(t, ErrCodeRecord, issue.Code)
		files[issue.File] = true
	}
	assert.True(t, files[record])
	assert.True(t, files[notObject])

	stdout, _, _ := d.run("validate", record)
	assert.Contains(t, stdout, "✗ [E_RECORD] "+record)
}

func TestValidate_BadConfig(t *testing.T) {
	d := newDevice(t, "ftp://example.com")

	result, code := validateJSON(t, d)
	assert.Equal(t, ExitFailure, code)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, ErrCodeConfig, result.Errors[0].Code)
	assert.Equal(t, "remote.url", result.Errors[0].Field)
	// The built-in schema is still compiled.
	assert.Equal(t, "default.cue", result.Schema)
}

func TestValidate_BadSchema(t *testing.T) {
	schemaFile := filepath.Join(t.TempDir(), "items.cue")
	require.NoError(t, os.WriteFile(schemaFile, []byte("#Other: {title?: string}\n"), 0o644))
	d := newDevice(t, "", "schema:", "  path: "+schemaFile)

	result, code := validateJSON(t, d)
	assert.Equal(t, ExitFailure, code)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, ErrCodeSchema, result.Errors[0].Code)
	assert.Equal(t, schemaFile, result.Errors[0].File)
}

func TestServe(t *testing.T) {
	d := newDevice(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: d.config},
		Addr:        "127.0.0.1:0",
		ready:       ready,
	}
	cmd := NewServeCommand(opts.RootOptions)
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(io.Discard)
	cmd.SetContext(ctx)

	errc := make(chan error, 1)
	go func() { errc <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A device can sync against it.
	client := newDevice(t, "http://"+addr)
	client.runJSON(nil, "scan", "SERVE-1")
	var result SyncResult
	client.runJSON(&result, "sync")
	assert.GreaterOrEqual(t, result.Push.Acked, 1)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, stdout.String(), "Serving remote on http://"+addr)
}
