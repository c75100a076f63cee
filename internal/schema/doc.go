// Package schema validates entity records against a CUE definition.
//
// A schema is a CUE file declaring an #Entity definition. Records are
// encoded to CUE, unified with #Entity and checked for concreteness, so a
// field of the wrong type, a value outside its bounds or an undeclared field
// is rejected with the offending field path.
//
// The embedded default schema describes items with a title, address,
// capacity, price in cents, status and schedule, plus one <slot>_url field
// per synced attachment.
package schema
