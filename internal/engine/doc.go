// Package engine implements the sync actor: the single owner of all mutable
// sync state on a terminal.
//
// ARCHITECTURE:
//
// Single-Owner Mailbox:
// Every interaction with sync state is a command posted to a bounded
// mailbox and processed by one goroutine, one command at a time, in arrival
// order. Callers never take a lock; they post and wait for a reply. A slow
// peer session therefore cannot block status queries or conflict resolution.
//
// Sessions:
// A session is one pull from one peer. The actor sends the peer its vector
// clock from a short-lived fetch goroutine; the goroutine posts the batch (or
// the failure) back into the mailbox, and the actor applies it in a single
// storage transaction. No transaction is ever held open across network I/O.
// Batches are applied in the order the peer produced them. Sessions with
// different peers interleave freely.
//
// Failure handling:
//   - ChecksumMismatch: the batch is discarded and re-requested, up to a limit
//   - PeerUnreachable / SessionTimeout: the session aborts and the peer backs
//     off exponentially; other peers are unaffected
//   - panic in a command: the command is answered with ACTOR_UNAVAILABLE and
//     Run returns an error so the supervisor restarts it. The restarted loop
//     reloads the vector clock from the store, and results from sessions of
//     the crashed loop are dropped as stale.
//
// Observability:
// Every state transition is published on a Hub (consumed by the websocket
// endpoint and notifiers) and counted in Prometheus metrics.
package engine
