// Package queryir defines the filter representation used by live queries and
// entity listing.
//
// A Query is a sealed predicate tree over entity records. It is the boundary
// between callers (UI collaborators, the CLI, the scenario harness) and the
// store's SQL backend in package querysql:
//
//	[caller filter] → [queryir.Query] → [querysql] → SQLite
//
// Predicates:
//   - FieldEquals: a live field equals a scalar literal
//   - StateIn: sync state is one of a set
//   - Pending: entity has (or has not) a queued mutation
//   - IDIn: entity ID is one of a set
//   - And: conjunction (empty = always true)
//
// Literal values are model.Value scalars only (String, Int, Bool).
// Lists, maps and Null cannot be compared.
//
// Predicate is sealed with a marker method so backends can switch
// exhaustively over the known node types.
package queryir
