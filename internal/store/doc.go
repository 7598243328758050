// Package store provides SQLite-backed durable storage for vaultsync.
//
// The store holds:
//   - node_state: this terminal's node ID and durable vector clock
//   - change_log: append-only log of local and relayed change records
//   - entities: materialized state of every syncable entity (with tombstones)
//   - sync_conflicts / conflict_snapshots: detected conflicts and both sides' state
//   - peer_acks: the clock each peer presented on its last pull
//
// # Critical Patterns
//
// Same-transaction writes
//   - Business writes, their change record, and the node clock advance go through one Tx
//   - If any statement fails the whole transaction rolls back: no replication gaps
//
// Idempotency
//   - change_log.id is UNIQUE and inserts use ON CONFLICT(id) DO NOTHING
//   - Re-receiving a record is a no-op
//
// Deterministic ordering
//   - Batches are ordered by change_log.position (local arrival order)
//   - The delta for a clock C is every record r with r.vt[r.origin] > C[r.origin]
//
// Conflicts are never deleted
//   - Pending -> Resolved is the only transition, guarded by a conditional UPDATE
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads and entity state are stored as RFC 8785 canonical JSON produced
// by internal/ir, so the stored bytes hash to the record checksum.
package store
