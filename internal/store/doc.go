// Package store provides the SQLite-backed Local Store.
//
// The store owns persistence for:
//   - Entities: cached item records with stamped field documents
//   - QR bindings: token → entity ID, never remapped
//   - Pending mutations: ordered log keyed by (entity_id, seq)
//   - Attachments: upload state keyed by (entity_id, slot)
//   - Meta: replica ID and remote subscription cursor
//
// # Write Rules
//
// Every entity change and its pending mutation commit in one transaction.
// The database runs with a single open connection, so transactions are
// serialized and a read-modify-write of one entity can never lose an update.
// Code holding a *sql.Tx must not touch s.db until the transaction ends.
//
// # Ordering
//
// Listing queries order by id COLLATE BINARY. Mutations of one entity are
// applied in seq order.
//
// # Live Queries
//
// LiveQuery registers a subscription. After each commit a single dispatcher
// goroutine re-evaluates every subscription and appends a Snapshot to its
// mailbox when the result set changed. Delivery order matches commit order.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
