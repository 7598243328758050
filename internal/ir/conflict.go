package ir

import (
	"fmt"
	"time"

	"github.com/roach88/vaultsync/internal/vclock"
)

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	// ConcurrentModification: both sides updated the entity.
	ConcurrentModification ConflictKind = "ConcurrentModification"
	// DeleteUpdate: one side deleted the entity while the other updated it.
	DeleteUpdate ConflictKind = "DeleteUpdate"
)

// ResolutionStatus is the lifecycle state of a conflict.
type ResolutionStatus string

const (
	StatusPending  ResolutionStatus = "Pending"
	StatusResolved ResolutionStatus = "Resolved"
)

// Strategy is a closed set of resolution strategies. Unknown values are
// rejected when decoded, so invalid input fails at the API boundary.
type Strategy string

const (
	LocalWins      Strategy = "LocalWins"
	RemoteWins     Strategy = "RemoteWins"
	LastWriterWins Strategy = "LastWriterWins"
	Merge          Strategy = "Merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case LocalWins, RemoteWins, LastWriterWins, Merge:
		return st, nil
	}
	return "", NewSyncError(ErrCodeInvalidStrategy, fmt.Sprintf("unknown resolution strategy %q", s), nil)
}

// Manual reports whether a person may choose this strategy.
// LastWriterWins and Merge are applied by the system only.
func (s Strategy) Manual() bool {
	return s == LocalWins || s == RemoteWins
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	st, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ResolvedBySystem is the resolver identity recorded for auto-resolution.
const ResolvedBySystem = "system"

// SyncConflict records two causally concurrent changes to one entity.
// It transitions to Resolved only through an explicit resolution and is
// never deleted.
type SyncConflict struct {
	ID                 string             `json:"conflict_id"`
	EntityType         string             `json:"entity_type"`
	EntityID           string             `json:"entity_id"`
	Kind               ConflictKind       `json:"conflict_kind"`
	DetectedAt         time.Time          `json:"detected_at"`
	Status             ResolutionStatus   `json:"resolution_status"`
	ResolvedBy         string             `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolutionStrategy Strategy           `json:"resolution_strategy,omitempty"`
	Snapshots          []ConflictSnapshot `json:"snapshots,omitempty"`
}

// Snapshot returns the snapshot contributed by node, if any.
func (c *SyncConflict) Snapshot(node string) (ConflictSnapshot, bool) {
	for _, s := range c.Snapshots {
		if s.OriginNode == node {
			return s, true
		}
	}
	return ConflictSnapshot{}, false
}

// ConflictSnapshot is the full state of one side of a conflict.
type ConflictSnapshot struct {
	ID              string       `json:"snapshot_id"`
	ConflictID      string       `json:"conflict_id"`
	Side            Side         `json:"side"`
	OriginNode      string       `json:"origin_node"`
	State           Object       `json:"state_json"`
	Deleted         bool         `json:"deleted"`
	VectorTimestamp vclock.Clock `json:"vector_timestamp"`
}

// Side names which half of a conflict a snapshot holds, from the point of
// view of the node that detected it.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)
