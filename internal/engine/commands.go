package engine

import (
	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
)

// command is one mailbox message. run executes on the actor goroutine;
// fail answers the sender when run panicked.
type command interface {
	name() string
	run(e *Engine)
	fail(err error)
}

type sessionReply struct {
	result SessionResult
	err    error
}

type applyReply struct {
	result ApplyResult
	err    error
}

type statusReply struct {
	status Status
	err    error
}

type resolveReply struct {
	conflict ir.SyncConflict
	err      error
}

// syncPeerCmd starts or joins a session. With wait set, the reply is sent
// when the session ends; otherwise as soon as it has started.
type syncPeerCmd struct {
	peerID string
	wait   bool
	reply  chan sessionReply
}

func (c *syncPeerCmd) name() string { return "sync_with_peer" }

func (c *syncPeerCmd) fail(err error) { c.reply <- sessionReply{err: err} }

func (c *syncPeerCmd) run(e *Engine) {
	s, err := e.startSession(c.peerID, true)
	if err != nil {
		c.reply <- sessionReply{err: err}
		return
	}
	if !c.wait {
		c.reply <- sessionReply{result: SessionResult{SessionID: s.id, PeerID: s.peerID}}
		return
	}
	s.waiters = append(s.waiters, c.reply)
}

// syncAllCmd starts sessions with every eligible peer. reply may be nil
// when the ticker sends it.
type syncAllCmd struct {
	reply chan []string
}

func (c *syncAllCmd) name() string { return "sync_all" }

func (c *syncAllCmd) fail(error) {
	if c.reply != nil {
		c.reply <- nil
	}
}

func (c *syncAllCmd) run(e *Engine) {
	var started []string
	for _, id := range e.sortedPeerIDs() {
		s, err := e.startSession(id, false)
		if err != nil {
			e.logger.Debug("peer skipped", "peer", id, "reason", err)
			continue
		}
		started = append(started, s.id)
	}
	if c.reply != nil {
		c.reply <- started
	}
}

type applyBatchCmd struct {
	batch ir.Batch
	reply chan applyReply
}

func (c *applyBatchCmd) name() string { return "apply_remote_batch" }

func (c *applyBatchCmd) fail(err error) { c.reply <- applyReply{err: err} }

func (c *applyBatchCmd) run(e *Engine) {
	res, err := e.applyBatch(c.batch)
	c.reply <- applyReply{result: res, err: err}
}

type statusCmd struct {
	reply chan statusReply
}

func (c *statusCmd) name() string { return "get_status" }

func (c *statusCmd) fail(err error) { c.reply <- statusReply{err: err} }

func (c *statusCmd) run(e *Engine) {
	st, err := e.status()
	c.reply <- statusReply{status: st, err: err}
}

type resolveCmd struct {
	id       string
	strategy ir.Strategy
	by       string
	reply    chan resolveReply
}

func (c *resolveCmd) name() string { return "resolve_conflict" }

func (c *resolveCmd) fail(err error) { c.reply <- resolveReply{err: err} }

func (c *resolveCmd) run(e *Engine) {
	ctx := e.runCtx
	var (
		resolved   ir.SyncConflict
		superseded []string
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		resolved, superseded, err = e.conflicts.Resolve(ctx, tx, c.id, c.strategy, c.by)
		return err
	})
	if err != nil {
		c.reply <- resolveReply{err: err}
		return
	}
	if clock, err := e.store.NodeClock(ctx); err == nil {
		e.clock = clock
	}
	e.publish(Event{
		Type:       EventConflictResolved,
		ConflictID: resolved.ID,
		EntityType: resolved.EntityType,
		EntityID:   resolved.EntityID,
		Kind:       string(resolved.Kind),
		Strategy:   string(resolved.ResolutionStrategy),
	})
	for _, id := range superseded {
		e.publish(Event{
			Type:       EventConflictResolved,
			ConflictID: id,
			EntityType: resolved.EntityType,
			EntityID:   resolved.EntityID,
			Strategy:   string(resolved.ResolutionStrategy),
		})
	}
	c.reply <- resolveReply{conflict: resolved}
}

// peerChangedCmd updates the actor's view of one peer. A peer coming
// online starts a session unless it is in backoff.
type peerChangedCmd struct {
	peer discovery.Peer
}

func (c *peerChangedCmd) name() string { return "peer_changed" }

func (c *peerChangedCmd) fail(error) {}

func (c *peerChangedCmd) run(e *Engine) {
	p := c.peer
	ps, known := e.peers[p.NodeID]
	if !known {
		ps = &peerState{backoff: e.newBackoff()}
		e.peers[p.NodeID] = ps
		e.metrics.knownPeers.Set(float64(len(e.peers)))
	}
	wasOnline := known && ps.peer.Status == discovery.StatusOnline
	ps.peer = p

	e.publish(Event{Type: EventPeerChanged, PeerID: p.NodeID, Status: string(p.Status)})
	e.logger.Debug("peer changed", "peer", p.NodeID, "address", p.Address, "status", string(p.Status))

	if p.Status == discovery.StatusOnline && !wasOnline {
		if _, err := e.startSession(p.NodeID, false); err != nil {
			e.logger.Debug("no session on peer online", "peer", p.NodeID, "reason", err)
		}
	}
}

// batchFetchedCmd and fetchFailedCmd carry fetch results back from the
// goroutine that called the peer.
type batchFetchedCmd struct {
	sessionID string
	batch     ir.Batch
}

func (c *batchFetchedCmd) name() string { return "batch_fetched" }

func (c *batchFetchedCmd) fail(error) {}

func (c *batchFetchedCmd) run(e *Engine) { e.onBatch(c.sessionID, c.batch) }

type fetchFailedCmd struct {
	sessionID string
	err       error
}

func (c *fetchFailedCmd) name() string { return "fetch_failed" }

func (c *fetchFailedCmd) fail(error) {}

func (c *fetchFailedCmd) run(e *Engine) { e.onFetchFailed(c.sessionID, c.err) }
