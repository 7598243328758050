// Package harness runs replication scenarios against real sync engines.
//
// A scenario names a set of terminals, a sequence of steps (local writes,
// pulls from a peer, manual resolutions) and assertions on the final state.
// Each terminal gets its own in-memory database, conflict engine and sync
// actor; peers are connected in-process, so no sockets are opened.
//
// # Scenario Format
//
//	name: concurrent_price_edit
//	description: "Both tills edit a price while partitioned"
//	nodes: [till-1, till-2]
//	steps:
//	  - action: write
//	    node: till-1
//	    entity: product/p-1
//	    op: Create
//	    payload: { id: p-1, sku: ESP-01, name: Espresso, price_cents: 350, updated_at: "2026-03-01T09:00:00Z" }
//	  - action: sync
//	    node: till-2
//	    peer: till-1
//	    expect: { records: 1, applied: 1, conflicts: 0 }
//	  - action: resolve
//	    node: till-2
//	    entity: product/p-1
//	    strategy: RemoteWins
//	    by: manager
//	assertions:
//	  - type: converged
//	  - type: entity
//	    node: till-1
//	    entity: product/p-1
//	    expect: { price_cents: 350 }
//	  - type: conflicts
//	    node: till-2
//	    status: pending
//	    count: 0
//	  - type: clock
//	    node: till-1
//	    clock: { till-1: 1 }
//
// # Assertion Types
//
//   - converged: every listed node (all nodes if none) holds the same entities
//   - entity: an entity's state is a superset of expect, or it is deleted
//   - conflicts: a node has count conflicts in status (pending, resolved, all)
//   - clock: a node's vector clock equals clock
//
// # Deterministic Runs
//
// Record, conflict and session IDs come from per-node sequence generators and
// every node reads one fake wall clock that advances a second per step, so a
// scenario produces the same trace and final state on every run. RunWithGolden
// compares both against testdata/golden/<name>.golden.
package harness
