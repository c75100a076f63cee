package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/itemsync/internal/model"
)

//go:embed default.cue
var defaultSource string

// definitionPath is the CUE definition every schema file must declare.
const definitionPath = "#Entity"

// Error describes one schema violation.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator checks records against a compiled #Entity definition.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	name string
}

// Default returns a validator for the embedded item schema.
func Default() (*Validator, error) {
	return Compile("default.cue", defaultSource)
}

// Load compiles the schema file at path.
func Load(path string) (*Validator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(path, string(src))
}

// Compile builds a validator from CUE source. filename is used in error positions.
func Compile(filename, src string) (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := v.LookupPath(cue.ParsePath(definitionPath))
	if !def.Exists() {
		return nil, &Error{
			Field:   definitionPath,
			Message: "schema must declare " + definitionPath,
			Pos:     v.Pos(),
		}
	}
	if err := def.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	return &Validator{ctx: ctx, def: def, name: filename}, nil
}

// Name returns the schema's file name.
func (v *Validator) Name() string {
	return v.name
}

// Validate checks the live fields of a record. It returns every violation,
// joined; each is an *Error.
func (v *Validator) Validate(fields model.Map) error {
	data := make(map[string]any, len(fields))
	for k, val := range fields {
		if model.IsNull(val) {
			continue
		}
		data[k] = model.ToAny(val)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	encoded := v.ctx.Encode(data)
	if err := encoded.Err(); err != nil {
		return formatCUEError(err)
	}
	unified := v.def.Unify(encoded)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return collectErrors(err)
	}
	return nil
}

// collectErrors converts every CUE error into an *Error keyed by field path.
func collectErrors(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &Error{Message: err.Error()}
	}
	out := make([]error, 0, len(list))
	for _, e := range list {
		format, args := e.Msg()
		out = append(out, &Error{
			Field:   fieldPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return errors.Join(out...)
}

// fieldPath drops the definition selector from a CUE error path.
func fieldPath(path []string) string {
	if len(path) > 0 && path[0] == definitionPath {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &Error{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
