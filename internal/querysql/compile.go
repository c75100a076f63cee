package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/queryir"
)

// EntityColumns is the column list every compiled query selects, in scan order.
const EntityColumns = "id, fields, version, local_rev, sync_state, pending, deleted, last_error, updated_at"

// SQLCompiler compiles queryir queries to parameterized SQL for SQLite.
//
// Every query ends with ORDER BY id COLLATE BINARY so live query results are
// stable across runs. Literal values are always bound as parameters.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a query to (sql, params).
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, fmt.Errorf("invalid query: %w", err)
	}

	var where []string
	var params []any

	if !q.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, filterSQL)
		params = append(params, filterParams...)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(EntityColumns)
	sb.WriteString(" FROM entities")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY id COLLATE BINARY ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}

	return sb.String(), params, nil
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.FieldEquals:
		return c.compileFieldEquals(pred)
	case *queryir.FieldEquals:
		return c.compileFieldEquals(*pred)
	case queryir.StateIn:
		return c.compileStateIn(pred)
	case *queryir.StateIn:
		return c.compileStateIn(*pred)
	case queryir.Pending:
		return "pending = ?", []any{boolParam(pred.Value)}, nil
	case *queryir.Pending:
		return "pending = ?", []any{boolParam(pred.Value)}, nil
	case queryir.IDIn:
		return c.compileIDIn(pred)
	case *queryir.IDIn:
		return c.compileIDIn(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileFieldEquals reads the value slot of the stamped field.
// Field names are validated to exclude quotes, so the JSON path is safe to bind.
func (c *SQLCompiler) compileFieldEquals(eq queryir.FieldEquals) (string, []any, error) {
	param, err := valueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", eq.Field, err)
	}
	return "json_extract(fields, ?) = ?", []any{FieldPath(eq.Field), param}, nil
}

func (c *SQLCompiler) compileStateIn(s queryir.StateIn) (string, []any, error) {
	params := make([]any, len(s.States))
	for i, st := range s.States {
		params[i] = string(st)
	}
	return "sync_state IN (" + Placeholders(len(params)) + ")", params, nil
}

func (c *SQLCompiler) compileIDIn(in queryir.IDIn) (string, []any, error) {
	params := make([]any, len(in.IDs))
	for i, id := range in.IDs {
		params[i] = string(id)
	}
	return "id IN (" + Placeholders(len(params)) + ")", params, nil
}

func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, predParams, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, predParams...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// FieldPath returns the SQLite JSON path of a field's value in a stored document.
func FieldPath(field string) string {
	return `$."` + field + `".v`
}

// Placeholders returns n comma-separated "?" markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolParam(b bool) int {
	if b {
		return 1
	}
	return 0
}

// valueToParam converts a scalar value to a SQLite parameter.
// json_extract returns 1/0 for JSON booleans.
func valueToParam(v model.Value) (any, error) {
	switch val := v.(type) {
	case model.String:
		return string(val), nil
	case model.Int:
		return int64(val), nil
	case model.Bool:
		return boolParam(bool(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
