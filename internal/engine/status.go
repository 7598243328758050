package engine

import (
	"sort"
	"time"

	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// Status is a point-in-time view of the node's sync state.
type Status struct {
	NodeID           string          `json:"node_id"`
	VectorClock      vclock.Clock    `json:"vector_clock"`
	KnownPeers       []PeerStatus    `json:"known_peers"`
	PendingConflicts int             `json:"pending_conflicts"`
	ActiveSessions   []SessionStatus `json:"active_sessions"`
	LastSync         *time.Time      `json:"last_sync,omitempty"`
	Restarts         int             `json:"actor_restarts"`
}

// PeerStatus is the actor's view of one peer.
type PeerStatus struct {
	discovery.Peer
	Syncing      bool       `json:"syncing"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
}

// SessionStatus describes a session in flight.
type SessionStatus struct {
	SessionID string       `json:"session_id"`
	PeerID    string       `json:"peer_id"`
	StartedAt time.Time    `json:"started_at"`
	Since     vclock.Clock `json:"since"`
	Batches   int          `json:"batches"`
	Records   int          `json:"records"`
}

func (e *Engine) status() (Status, error) {
	ctx := e.runCtx
	clock, err := e.store.NodeClock(ctx)
	if err != nil {
		return Status{}, err
	}
	e.clock = clock

	pending, err := e.store.CountConflicts(ctx, ir.StatusPending)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		NodeID:           e.store.NodeID(),
		VectorClock:      clock.Clone(),
		KnownPeers:       []PeerStatus{},
		PendingConflicts: pending,
		ActiveSessions:   []SessionStatus{},
		LastSync:         timePtr(e.lastSync),
		Restarts:         e.generation - 1,
	}
	for _, id := range e.sortedPeerIDs() {
		ps := e.peers[id]
		p := PeerStatus{
			Peer:      ps.peer,
			Syncing:   ps.session != "",
			LastSync:  timePtr(ps.lastSync),
			LastError: ps.lastError,
		}
		if e.now().Before(ps.backoffUntil) {
			p.BackoffUntil = timePtr(ps.backoffUntil)
		}
		st.KnownPeers = append(st.KnownPeers, p)
	}
	for _, s := range e.sessions {
		st.ActiveSessions = append(st.ActiveSessions, SessionStatus{
			SessionID: s.id,
			PeerID:    s.peerID,
			StartedAt: s.started,
			Since:     s.since.Clone(),
			Batches:   s.result.Batches,
			Records:   s.result.Records,
		})
	}
	sort.Slice(st.ActiveSessions, func(i, j int) bool {
		return st.ActiveSessions[i].PeerID < st.ActiveSessions[j].PeerID
	})
	return st, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
