package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	called := false
	err := formatter.Success(map[string]string{"result": "success"}, func(io.Writer) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "text renderer must not run in json mode")

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("ignored", func(w io.Writer) {
		fmt.Fprint(w, "rendered")
	}))
	assert.Equal(t, "rendered", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success("plain", nil))
	assert.Equal(t, "plain\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error("E_FAILURE", "sync failed", map[string]string{"entity": "e1"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_FAILURE", resp.Error.Code)
	assert.Equal(t, "sync failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E_COMMAND", "no remote configured", map[string]string{"k": "v"}))
	assert.Equal(t, "Error [E_COMMAND]: no remote configured\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("E_COMMAND", "no remote configured", map[string]string{"k": "v"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("fetched %d bytes", 12)

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Equal(t, "fetched 12 bytes\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad config")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "open", errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: open: boom", wrapped.Error())
}

func TestWriteEntity(t *testing.T) {
	e := model.Entity{
		ID: "e1",
		Fields: model.NewDocument(model.Map{
			"title":    model.String("Drill"),
			"capacity": model.Int(4),
			"tags":     model.List{model.String("power")},
		}, model.Stamp{Time: 1, Origin: "a"}),
		Version:   3,
		Pending:   true,
		State:     model.StateDirty,
		LastError: "offline",
		Attachments: []model.AttachmentRef{
			{Slot: "poster", State: model.AttachmentFailed, Reason: model.ReasonTransient},
		},
	}

	buf := &bytes.Buffer{}
	writeEntity(buf, e)
	out := buf.String()
	assert.Regexp(t, `state\s+dirty\*`, out)
	assert.Regexp(t, `version\s+3`, out)
	assert.Regexp(t, `error\s+offline`, out)
	assert.Contains(t, out, "title")
	assert.Contains(t, out, "Drill")
	assert.Contains(t, out, `["power"]`)
	assert.Contains(t, out, "@poster")
	assert.Contains(t, out, "failed: transient")
}

func TestWriteEntityTable(t *testing.T) {
	entities := []model.Entity{
		{ID: "e1", Fields: model.NewDocument(model.Map{"title": model.String("Drill")}, model.Stamp{Time: 1}), Version: 1, State: model.StateClean},
		{ID: "e2", Fields: model.Document{}, Version: 2, State: model.StateClean, Deleted: true},
	}

	buf := &bytes.Buffer{}
	writeEntityTable(buf, entities)
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "ID")
	assert.Contains(t, string(lines[1]), "title=Drill")
	assert.Contains(t, string(lines[2]), "clean (deleted)")
}

func TestViewEntity(t *testing.T) {
	e := model.Entity{
		ID:      "e1",
		Fields:  model.NewDocument(model.Map{"capacity": model.Int(4)}, model.Stamp{Time: 1}),
		Version: 1,
		State:   model.StateClean,
	}
	v := viewEntity(e)
	assert.Equal(t, map[string]any{"capacity": int64(4)}, v.Fields)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1","fields":{"capacity":4},"state":"clean","version":1,"pending":false}`, string(data))
}
