package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/itemsync/internal/config"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/schema"
)

// Error codes reported by validate.
const (
	ErrCodeConfig = "E_CONFIG"
	ErrCodeSchema = "E_SCHEMA"
	ErrCodeRecord = "E_RECORD"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Schema  string            `json:"schema,omitempty"`
	Records int               `json:"records"`
	Errors  []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [record-file]...",
		Short: "Check the config, the schema and record files",
		Long: `Load the configuration and compile the record schema, reporting any
problem. Each record file (JSON or YAML, one object of field values) is
checked against the schema without touching the database.

Exits 1 when anything is invalid.

Example:
  itemsync validate
  itemsync validate --config ./itemsync.yaml drill.json saw.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)
	result := validate(opts, files, out)
	result.Valid = len(result.Errors) == 0

	if err := out.Success(result, func(w io.Writer) { writeValidation(w, result) }); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors)))
	}
	return nil
}

func validate(opts *RootOptions, files []string, out *OutputFormatter) ValidationResult {
	var result ValidationResult

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		issue := ValidationIssue{Code: ErrCodeConfig, File: opts.ConfigPath, Message: err.Error()}
		var cerr *config.Error
		if errors.As(err, &cerr) {
			issue.Field, issue.Message = cerr.Field, cerr.Message
		}
		result.Errors = append(result.Errors, issue)
		// Records are still checked against the built-in schema.
		cfg = config.Default()
	}

	var v *schema.Validator
	if cfg.Schema.Path != "" {
		v, err = schema.Load(cfg.Schema.Path)
	} else {
		v, err = schema.Default()
	}
	if err != nil {
		result.Errors = append(result.Errors, schemaIssues(cfg.Schema.Path, err)...)
		return result
	}
	result.Schema = v.Name()
	out.VerboseLog("schema %s compiled", v.Name())

	for _, file := range files {
		result.Records++
		fields, err := readRecord(file)
		if err != nil {
			result.Errors = append(result.Errors, ValidationIssue{Code: ErrCodeRecord, File: file, Message: err.Error()})
			continue
		}
		for _, k := range fields.SortedKeys() {
			if err := model.ValidateFieldName(k); err != nil {
				result.Errors = append(result.Errors, ValidationIssue{Code: ErrCodeRecord, File: file, Field: k, Message: err.Error()})
			}
		}
		if err := v.Validate(fields); err != nil {
			for _, issue := range schemaIssues(file, err) {
				issue.Code = ErrCodeRecord
				result.Errors = append(result.Errors, issue)
			}
		}
		out.VerboseLog("checked %s (%d fields)", file, len(fields))
	}
	return result
}

// readRecord decodes a JSON or YAML object of field values.
func readRecord(path string) (model.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	v, err := model.FromAny(raw)
	if err != nil {
		return nil, err
	}
	fields, ok := v.(model.Map)
	if !ok {
		return nil, fmt.Errorf("record must be an object")
	}
	return fields, nil
}

// schemaIssues splits a joined validation error into one issue per violation.
func schemaIssues(file string, err error) []ValidationIssue {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		issue := ValidationIssue{Code: ErrCodeSchema, File: file, Message: e.Error()}
		var serr *schema.Error
		if errors.As(e, &serr) {
			issue.Field, issue.Message = serr.Field, serr.Message
		}
		issues = append(issues, issue)
	}
	return issues
}

func writeValidation(w io.Writer, r ValidationResult) {
	for _, e := range r.Errors {
		loc := e.File
		if e.Field != "" {
			if loc != "" {
				loc += ": "
			}
			loc += e.Field
		}
		if loc != "" {
			fmt.Fprintf(w, "✗ [%s] %s: %s\n", e.Code, loc, e.Message)
		} else {
			fmt.Fprintf(w, "✗ [%s] %s\n", e.Code, e.Message)
		}
	}
	if r.Valid {
		fmt.Fprintf(w, "✓ config and schema %s valid, %d record(s) checked\n", r.Schema, r.Records)
	}
}
