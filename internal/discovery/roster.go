package discovery

import (
	"sort"
	"sync"
	"time"
)

// Status is a peer's discovery state. It is a scheduling hint only:
// syncing with a peer is safe in any state.
type Status string

const (
	// StatusDiscovering: configured but never seen.
	StatusDiscovering Status = "discovering"
	// StatusOnline: seen within the stale window.
	StatusOnline Status = "online"
	// StatusStale: silent longer than the stale window.
	StatusStale Status = "stale"
	// StatusOffline: silent longer than the offline window.
	StatusOffline Status = "offline"
)

// Peer is one entry of the roster. Peers are rebuilt from discovery
// events on every start and are never persisted.
type Peer struct {
	NodeID   string    `json:"node_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
	Status   Status    `json:"status"`
	Static   bool      `json:"static,omitempty"`
}

// Roster tracks the peers this node knows about and their liveness.
//
// Thread-safety: all methods are safe for concurrent use.
type Roster struct {
	mu           sync.Mutex
	self         string
	peers        map[string]*Peer
	staleAfter   time.Duration
	offlineAfter time.Duration
	now          func() time.Time
}

// NewRoster creates an empty roster. Sightings of self are ignored.
func NewRoster(self string, staleAfter, offlineAfter time.Duration, now func() time.Time) *Roster {
	if now == nil {
		now = time.Now
	}
	return &Roster{
		self:         self,
		peers:        make(map[string]*Peer),
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		now:          now,
	}
}

// AddStatic registers a manually paired peer. It starts Discovering until
// it is seen. Returns the entry and whether the roster changed.
func (r *Roster) AddStatic(nodeID, address string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nodeID == "" || nodeID == r.self {
		return Peer{}, false
	}
	if p, ok := r.peers[nodeID]; ok {
		p.Static = true
		if p.Address == address {
			return *p, false
		}
		p.Address = address
		return *p, true
	}
	p := &Peer{NodeID: nodeID, Address: address, Status: StatusDiscovering, Static: true}
	r.peers[nodeID] = p
	return *p, true
}

// Observe records a sighting of nodeID at address. The peer becomes Online.
// Returns the entry and whether its status or address changed.
func (r *Roster) Observe(nodeID, address string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nodeID == "" || nodeID == r.self {
		return Peer{}, false
	}
	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	changed := !ok || p.Status != StatusOnline || (address != "" && p.Address != address)
	if address != "" {
		p.Address = address
	}
	p.Status = StatusOnline
	p.LastSeen = r.now()
	return *p, changed
}

// Tick ages every seen peer and returns those whose status changed.
func (r *Roster) Tick() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changed []Peer
	for _, p := range r.peers {
		if p.LastSeen.IsZero() {
			continue
		}
		next := StatusOnline
		switch silent := now.Sub(p.LastSeen); {
		case silent > r.offlineAfter:
			next = StatusOffline
		case silent > r.staleAfter:
			next = StatusStale
		}
		if next != p.Status {
			p.Status = next
			changed = append(changed, *p)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].NodeID < changed[j].NodeID })
	return changed
}

// Get returns a peer by node ID.
func (r *Roster) Get(nodeID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Peers returns every known peer ordered by node ID.
func (r *Roster) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
