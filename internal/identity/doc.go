// Package identity resolves scanned QR tokens to canonical entity IDs.
//
// A raw token is NFC normalized and trimmed, validated, and then either
// looked up (bound tokens never remap) or bound to a new entity in one
// store transaction. The entity ID for a new token comes from the
// configured Strategy:
//
//   - derived: "e_" + 32 hex chars of a domain-separated SHA-256 of the
//     token, so devices that scan the same label offline converge on one ID
//   - token:   the token itself is the ID
//   - random:  a UUIDv7, for single-device deployments
//
// A binding whose entity was deleted is "dangling". DanglingRecreate brings
// the entity back under the same ID; DanglingError reports it.
package identity
