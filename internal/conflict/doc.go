// Package conflict decides what happens to each verified remote change record.
//
// For an incoming record r touching entity E, r's vector timestamp is
// compared against E's stored last-writer timestamp:
//
//   - Before or Equal: stale or duplicate, discarded
//   - After: a clean causal update, applied directly
//   - Concurrent: a genuine conflict
//
// A conflict is always persisted with both sides' full snapshot before any
// auto-resolution runs, so there is an audit trail even when nobody has to
// look at it. The entity type's policy then decides:
//
//   - manual: the local state is kept and the conflict stays Pending
//   - lww:    the later timestamp field wins, ties broken by payload checksum
//   - merge:  additive fields are three-way merged against the common
//     ancestor found in the change log, other fields follow lww
//
// Auto-resolved entities are stamped with merge(local, remote), so both
// sides reach the same state and clock without emitting a new record.
// Manual resolution emits a new record through the outbox that is causally
// after both sides, so every other terminal converges on it.
//
// Every received record is logged and merged into the node clock whatever
// the outcome, so it relays onward and is never requested again.
package conflict
