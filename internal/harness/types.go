package harness

import (
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// TraceEvent records what one step did.
type TraceEvent struct {
	Step      int    `json:"step"`
	Action    string `json:"action"`
	Node      string `json:"node"`
	Peer      string `json:"peer,omitempty"`
	Entity    string `json:"entity,omitempty"`
	Records   int    `json:"records,omitempty"`
	Applied   int    `json:"applied,omitempty"`
	Conflicts int    `json:"conflicts,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EntityState is one materialized entity at the end of a run.
type EntityState struct {
	Type    string    `json:"entity_type"`
	ID      string    `json:"entity_id"`
	State   ir.Object `json:"state"`
	Deleted bool      `json:"deleted,omitempty"`
}

// Key is "type/id", the form scenarios use to name entities.
func (e EntityState) Key() string {
	return e.Type + "/" + e.ID
}

// ConflictState is one recorded conflict at the end of a run.
type ConflictState struct {
	Entity   string `json:"entity"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Strategy string `json:"strategy,omitempty"`
}

// NodeState is everything a node holds at the end of a run.
type NodeState struct {
	Clock     vclock.Clock    `json:"clock"`
	Entities  []EntityState   `json:"entities"`
	Conflicts []ConflictState `json:"conflicts"`
}

// entity returns the entity with key, if present.
func (n NodeState) entity(key string) (EntityState, bool) {
	for _, e := range n.Entities {
		if e.Key() == key {
			return e, true
		}
	}
	return EntityState{}, false
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step met its expectation and every assertion held.
	Pass   bool                 `json:"pass"`
	Trace  []TraceEvent         `json:"trace"`
	Errors []string             `json:"errors,omitempty"`
	State  map[string]NodeState `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]NodeState),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
