package ir

import (
	"fmt"

	"github.com/roach88/vaultsync/internal/vclock"
)

// Operation is the kind of mutation a change record captures.
type Operation string

const (
	OpCreate Operation = "Create"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// UnmarshalText rejects unknown operations at decode time.
func (op *Operation) UnmarshalText(text []byte) error {
	v := Operation(text)
	if !v.Valid() {
		return fmt.Errorf("unknown operation %q", string(text))
	}
	*op = v
	return nil
}

// ChangeRecord is one committed mutation of a syncable entity.
// Immutable once appended to the change log. Payload is the full
// post-state of the entity; for deletes it is the last state before deletion.
type ChangeRecord struct {
	ID              string       `json:"id"`
	EntityType      string       `json:"entity_type"`
	EntityID        string       `json:"entity_id"`
	Operation       Operation    `json:"operation"`
	Payload         Object       `json:"payload"`
	VectorTimestamp vclock.Clock `json:"vector_timestamp"`
	OriginNode      string       `json:"origin_node"`
	Checksum        string       `json:"checksum"`
	SequenceNumber  int64        `json:"sequence_number"`
	Signature       string       `json:"signature,omitempty"`
	CreatedAt       string       `json:"created_at"` // RFC 3339, origin wall clock, informational
}

// PushRequest asks a peer for the changes the requester has not seen.
type PushRequest struct {
	SinceVectorClock vclock.Clock `json:"since_vector_clock"`
	RequesterNodeID  string       `json:"requester_node_id,omitempty"`
	Limit            int          `json:"limit,omitempty"`
}

// Batch is one bounded response to a PushRequest.
type Batch struct {
	SenderNodeID string         `json:"sender_node_id"`
	SenderClock  vclock.Clock   `json:"sender_vector_clock"`
	Records      []ChangeRecord `json:"records"`
	Checksum     string         `json:"batch_checksum"`
	HasMore      bool           `json:"has_more"`
}

// MaxBatchSize is the hard upper bound on records per batch.
const MaxBatchSize = 100

// NewBatch assembles a batch and computes its cumulative checksum.
func NewBatch(sender string, clock vclock.Clock, records []ChangeRecord, hasMore bool) Batch {
	if records == nil {
		records = []ChangeRecord{}
	}
	return Batch{
		SenderNodeID: sender,
		SenderClock:  clock,
		Records:      records,
		Checksum:     BatchChecksum(records),
		HasMore:      hasMore,
	}
}

// Verify checks every record checksum and the batch checksum.
func (b Batch) Verify() error {
	if len(b.Records) > MaxBatchSize {
		return NewChecksumMismatch(fmt.Sprintf("batch of %d records exceeds max %d", len(b.Records), MaxBatchSize))
	}
	return VerifyBatch(b.Records, b.Checksum)
}

// Clock returns the merge of every record timestamp in the batch.
func (b Batch) Clock() vclock.Clock {
	c := vclock.New()
	for i := range b.Records {
		c = c.Merge(b.Records[i].VectorTimestamp)
	}
	return c
}
