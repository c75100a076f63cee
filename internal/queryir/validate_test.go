package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/itemsync/internal/model"
)

func TestValidateAcceptsScalarFilters(t *testing.T) {
	q := Where(
		FieldEquals{Field: "status", Value: model.String("in-stock")},
		&FieldEquals{Field: "capacity", Value: model.Int(3)},
		StateIn{States: []model.SyncState{model.StateDirty, model.StateFailed}},
		Pending{Value: true},
		IDIn{IDs: []model.EntityID{"E1"}},
	)
	assert.NoError(t, Validate(q))
}

func TestValidateAllIsValid(t *testing.T) {
	assert.NoError(t, Validate(All()))
	assert.NoError(t, Validate(Query{Filter: And{}}))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  string
	}{
		{"bad field name", Where(FieldEquals{Field: `a"b`, Value: model.Int(1)}), "invalid character"},
		{"list literal", Where(FieldEquals{Field: "tags", Value: model.List{}}), "only string, int and bool"},
		{"null literal", Where(FieldEquals{Field: "note", Value: model.Null{}}), "only string, int and bool"},
		{"empty states", Where(StateIn{}), "at least one state"},
		{"unknown state", Where(StateIn{States: []model.SyncState{"pending"}}), "unknown state"},
		{"empty ids", Where(IDIn{}), "at least one id"},
		{"nested nil", Query{Filter: And{Predicates: []Predicate{nil}}}, "nil predicate"},
		{"negative limit", Query{Limit: -1}, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	err := Validate(Where(StateIn{}, IDIn{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one state")
	assert.Contains(t, err.Error(), "at least one id")
}

func TestWhereSinglePredicateIsUnwrapped(t *testing.T) {
	q := Where(Pending{Value: true})
	assert.Equal(t, Pending{Value: true}, q.Filter)
}
