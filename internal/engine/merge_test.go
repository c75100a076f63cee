package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
)

func st(v model.Value, at int64, origin string) model.Stamped {
	return model.Stamped{Value: v, Stamp: model.Stamp{Time: at, Origin: origin}}
}

func TestWins(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Stamped
		want bool
	}{
		{"later time", st(model.String("x"), 2, "a"), st(model.String("y"), 1, "z"), true},
		{"earlier time", st(model.String("x"), 1, "z"), st(model.String("y"), 2, "a"), false},
		{"tie greater origin", st(model.String("x"), 5, "dev-b"), st(model.String("y"), 5, "dev-a"), true},
		{"tie lesser origin", st(model.String("x"), 5, "dev-a"), st(model.String("y"), 5, "dev-b"), false},
		{"tie greater value", st(model.String("b"), 5, "dev"), st(model.String("a"), 5, "dev"), true},
		{"identical", st(model.Int(1), 5, "dev"), st(model.Int(1), 5, "dev"), false},
		{"null tombstone", st(model.Null{}, 5, "dev"), st(model.Int(1), 5, "dev"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wins(tt.a, tt.b))
		})
	}
}

func TestWins_Antisymmetric(t *testing.T) {
	values := []model.Stamped{
		st(model.String("a"), 1, "x"),
		st(model.String("b"), 1, "x"),
		st(model.Int(3), 1, "y"),
		st(model.Bool(true), 2, "x"),
		st(model.Null{}, 2, "x"),
	}
	for _, a := range values {
		for _, b := range values {
			if Wins(a, b) {
				assert.False(t, Wins(b, a), "%v and %v both win", a, b)
			}
		}
	}
}

func TestMergeDocuments(t *testing.T) {
	local := model.Document{
		"title":  st(model.String("local"), 10, "a"),
		"status": st(model.String("in-stock"), 1, "a"),
	}
	remoteDoc := model.Document{
		"status":   st(model.String("in-repair"), 5, "b"),
		"capacity": st(model.Int(3), 2, "b"),
	}

	merged := MergeDocuments(local, remoteDoc)
	assert.Equal(t, model.Map{
		"title":    model.String("local"),
		"status":   model.String("in-repair"),
		"capacity": model.Int(3),
	}, merged.Values())
}

func TestResolve_UpsertKeepsOnlyWinners(t *testing.T) {
	local := model.Entity{Fields: model.Document{
		"title":  st(model.String("mine"), 10, "a"),
		"status": st(model.String("in-stock"), 10, "a"),
	}}
	head := model.PendingMutation{Kind: model.MutationUpsert, ClientTime: 10, Delta: local.Fields.Clone()}
	ce := &remote.ConflictError{CurrentVersion: 4, Current: model.Document{
		"status": st(model.String("in-repair"), 20, "b"),
	}}

	res := resolve(local, head, ce)
	assert.False(t, res.Drop)
	assert.Equal(t, int64(4), res.RemoteVersion)
	assert.Equal(t, model.MutationUpsert, res.Kind)
	assert.Equal(t, model.Map{"title": model.String("mine")}, res.Delta.Values())
	assert.Equal(t, model.Map{"title": model.String("mine"), "status": model.String("in-repair")}, res.Fields.Values())
}

func TestResolve_DeleteTieGoesToUpdate(t *testing.T) {
	local := model.Entity{Deleted: true}
	head := model.PendingMutation{Kind: model.MutationDelete, ClientTime: 20}
	ce := &remote.ConflictError{CurrentVersion: 2, Current: model.Document{
		"title": st(model.String("x"), 20, "b"),
	}}

	res := resolve(local, head, ce)
	assert.True(t, res.Drop)
	assert.False(t, res.Deleted)
}

func TestResolve_DeleteVsDeleted(t *testing.T) {
	head := model.PendingMutation{Kind: model.MutationDelete, ClientTime: 20}
	ce := &remote.ConflictError{CurrentVersion: 3, Deleted: true, DeletedAt: 5}

	res := resolve(model.Entity{Deleted: true}, head, ce)
	assert.True(t, res.Drop)
	assert.True(t, res.Deleted)
}

func TestCurrentFields(t *testing.T) {
	local := model.Document{
		"title":  st(model.String("newer"), 30, "a"),
		"status": st(model.String("in-stock"), 10, "a"),
	}
	delta := model.Document{
		"title":  st(model.String("older"), 10, "a"),
		"status": st(model.String("in-stock"), 10, "a"),
	}
	assert.Equal(t, model.Map{"status": model.String("in-stock")}, currentFields(local, delta).Values())
}
