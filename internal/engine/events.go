package engine

import (
	"sync"
	"time"
)

// EventType names something that happened inside the actor.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventBatchApplied     EventType = "batch_applied"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventPeerChanged      EventType = "peer_changed"
	EventActorRestarted   EventType = "actor_restarted"
)

// Event is one published actor event.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	PeerID     string    `json:"peer_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Status     string    `json:"status,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscription. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
