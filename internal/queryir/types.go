package queryir

import "github.com/roach88/itemsync/internal/model"

// Predicate is a filter condition over entity records.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Query selects entities for a listing or a live query.
//
// Semantics:
//
//	SELECT <entity columns> FROM entities
//	WHERE [deleted = 0 AND] <filter>
//	ORDER BY id
//	[LIMIT <limit>]
type Query struct {
	Filter         Predicate // nil = all entities
	IncludeDeleted bool      // tombstoned entities are excluded unless set
	Limit          int       // 0 = no limit
}

// All returns a query over every live entity.
func All() Query {
	return Query{}
}

// Where returns a query over live entities matching every predicate.
func Where(preds ...Predicate) Query {
	if len(preds) == 1 {
		return Query{Filter: preds[0]}
	}
	return Query{Filter: And{Predicates: preds}}
}

// FieldEquals matches entities whose live field equals a scalar literal.
// A cleared (tombstoned) or absent field never matches.
//
// Example:
//
//	FieldEquals{Field: "status", Value: model.String("in-stock")}
type FieldEquals struct {
	Field string
	Value model.Value
}

func (FieldEquals) predicateNode() {}

// StateIn matches entities whose sync state is one of States.
type StateIn struct {
	States []model.SyncState
}

func (StateIn) predicateNode() {}

// Pending matches entities with (Value=true) or without queued mutations.
type Pending struct {
	Value bool
}

func (Pending) predicateNode() {}

// IDIn matches entities whose ID is one of IDs.
type IDIn struct {
	IDs []model.EntityID
}

func (IDIn) predicateNode() {}

// And is a conjunction of predicates. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}
