// Package store provides SQLite-backed durable storage for the channel
// manager. It is the sole source of truth: in-process state elsewhere is
// only ever a cache of what has been committed here.
//
// The store holds:
//   - Channels: rendezvous points scoped to an execution
//   - Peers: bound producers and consumers, keyed by (channel_id, peer_id)
//   - Transfers: data-movement attempts between two peers of a channel
//   - Operations: durable, step-indexed records of mutating requests
//
// # Critical Patterns
//
// Serialized mutation:
//   - The pool holds exactly one connection, so every transaction opened
//     through Update runs alone. Cardinality checks and the insert they
//     guard always happen in the same transaction.
//
// Constraint backstops:
//   - Partial UNIQUE indexes enforce one WORKER producer and one PORTAL
//     peer per channel, and one PENDING/ACTIVE transfer per peer side.
//     Violations surface as FAILED_PRECONDITION.
//
// Idempotency:
//   - operations.idempotency_key is UNIQUE; CreateOperation uses
//     INSERT ... ON CONFLICT DO NOTHING and returns the existing row when
//     the key is already taken.
//
// Cascades:
//   - Deleting a channel deletes its peers; deleting a peer deletes every
//     transfer touching it. Operations are never deleted.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
