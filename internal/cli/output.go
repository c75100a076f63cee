package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failures, missing entities, failed syncs
	ExitCommandError = 2 // Bad config, unreadable database, no remote
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error // optional
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; falls back to Writer
	Verbose   bool
}

// newFormatter builds a formatter bound to the command's writers.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data as a JSON envelope, or calls text to render it.
// A nil text prints data with fmt.Println.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == nil {
		fmt.Fprintln(f.Writer, data)
		return nil
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes to ErrWriter when verbose mode is on, so JSON on
// Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// entityView is the JSON shape of an entity in command output.
type entityView struct {
	ID          model.EntityID `json:"id"`
	Fields      map[string]any `json:"fields"`
	State       string         `json:"state"`
	Version     int64          `json:"version"`
	Pending     bool           `json:"pending"`
	Deleted     bool           `json:"deleted,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Attachments []attachView   `json:"attachments,omitempty"`
}

type attachView struct {
	Slot        string `json:"slot"`
	Ticket      string `json:"ticket,omitempty"`
	State       string `json:"state"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

func viewEntity(e model.Entity) entityView {
	fields, _ := model.ToAny(e.Values()).(map[string]any)
	v := entityView{
		ID:        e.ID,
		Fields:    fields,
		State:     string(e.State),
		Version:   e.Version,
		Pending:   e.Pending,
		Deleted:   e.Deleted,
		LastError: e.LastError,
	}
	for _, a := range e.Attachments {
		v.Attachments = append(v.Attachments, attachView{
			Slot:   a.Slot,
			State:  string(a.State),
			URL:    a.URL,
			Reason: a.Reason,
		})
	}
	return v
}

func viewAttachment(a model.Attachment) attachView {
	return attachView{
		Slot:        a.Slot,
		Ticket:      a.Ticket,
		State:       string(a.State),
		ContentType: a.ContentType,
		Size:        a.Size,
		URL:         a.URL,
		Reason:      a.Reason,
		Retries:     a.Retries,
	}
}

// writeEntity renders one entity as an aligned key/value block.
func writeEntity(w io.Writer, e model.Entity) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", e.ID)
	fmt.Fprintf(tw, "state\t%s\n", entityStatus(e))
	fmt.Fprintf(tw, "version\t%d\n", e.Version)
	if e.LastError != "" {
		fmt.Fprintf(tw, "error\t%s\n", e.LastError)
	}
	values := e.Values()
	for _, k := range values.SortedKeys() {
		fmt.Fprintf(tw, "  %s\t%s\n", k, formatValue(values[k]))
	}
	for _, a := range e.Attachments {
		state := string(a.State)
		if a.Reason != "" {
			state += ": " + a.Reason
		}
		fmt.Fprintf(tw, "  @%s\t%s\n", a.Slot, state)
	}
	tw.Flush()
}

// writeEntityTable renders entities one per line.
func writeEntityTable(w io.Writer, entities []model.Entity) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tVERSION\tFIELDS")
	for _, e := range entities {
		values := e.Values()
		parts := make([]string, 0, len(values))
		for _, k := range values.SortedKeys() {
			parts = append(parts, k+"="+formatValue(values[k]))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, entityStatus(e), e.Version, strings.Join(parts, " "))
	}
	tw.Flush()
}

func entityStatus(e model.Entity) string {
	s := string(e.State)
	if e.Pending {
		s += "*"
	}
	if e.Deleted {
		s += " (deleted)"
	}
	return s
}

func formatValue(v model.Value) string {
	if s, ok := v.(model.String); ok {
		return string(s)
	}
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
