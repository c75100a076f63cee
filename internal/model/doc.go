// Package model defines the records exchanged between the store, the sync
// engine, the attachment manager and the remote collaborators.
//
// This package imports nothing internal. Key constraints:
//   - no float values; amounts are integer minor units
//   - every stored field value carries a Stamp (client time + origin replica)
//   - persisted documents and content hashes use MarshalCanonical only
//   - JSON tags use snake_case
package model
