package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/queryir"
)

func TestCompileAll(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.All())
	require.NoError(t, err)

	assert.Equal(t, "SELECT "+EntityColumns+" FROM entities WHERE deleted = 0 ORDER BY id COLLATE BINARY ASC", sql)
	assert.Empty(t, params)
}

func TestCompileIncludeDeleted(t *testing.T) {
	sql, _, err := NewSQLCompiler().Compile(queryir.Query{IncludeDeleted: true})
	require.NoError(t, err)
	assert.NotContains(t, sql, "deleted = 0")
	assert.Contains(t, sql, "ORDER BY id COLLATE BINARY ASC")
}

func TestCompileFieldEqualsParameterized(t *testing.T) {
	q := queryir.Where(queryir.FieldEquals{Field: "status", Value: model.String("in-stock")})

	sql, params, err := NewSQLCompiler().Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "json_extract(fields, ?) = ?")
	assert.NotContains(t, sql, "in-stock")
	assert.Equal(t, []any{`$."status".v`, "in-stock"}, params)
}

func TestCompileBoolAndIntParams(t *testing.T) {
	q := queryir.Where(
		queryir.FieldEquals{Field: "geo_required", Value: model.Bool(true)},
		&queryir.FieldEquals{Field: "capacity", Value: model.Int(20)},
	)

	sql, params, err := NewSQLCompiler().Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "(json_extract(fields, ?) = ?) AND (json_extract(fields, ?) = ?)")
	assert.Equal(t, []any{`$."geo_required".v`, 1, `$."capacity".v`, int64(20)}, params)
}

func TestCompileStateAndPending(t *testing.T) {
	q := queryir.Where(
		queryir.StateIn{States: []model.SyncState{model.StateDirty, model.StateFailed}},
		queryir.Pending{Value: true},
	)

	sql, params, err := NewSQLCompiler().Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "(sync_state IN (?, ?)) AND (pending = ?)")
	assert.Equal(t, []any{"dirty", "failed", 1}, params)
}

func TestCompileIDInAndLimit(t *testing.T) {
	q := queryir.Where(queryir.IDIn{IDs: []model.EntityID{"a", "b", "c"}})
	q.Limit = 2

	sql, params, err := NewSQLCompiler().Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, "id IN (?, ?, ?)")
	assert.Contains(t, sql, "LIMIT ?")
	assert.Equal(t, []any{"a", "b", "c", 2}, params)
}

func TestCompileInvalidQuery(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(queryir.Where(queryir.StateIn{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid query")
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}
