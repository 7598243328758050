// Package outbox captures every committed mutation of a syncable entity as an
// immutable change record, inside the same transaction as the mutation.
//
// Appending advances this node's counter in the durable vector clock and
// stamps the record with the result. If the business write rolls back, so do
// the record and the clock advance; if the record cannot be serialized, the
// business write fails. A lost log entry would be a silent replication gap.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
)

// Validator checks a payload before it is logged.
// *schema.Registry implements it.
type Validator interface {
	Validate(entityType string, payload ir.Object) error
}

// Outbox appends change records. Safe for concurrent use: all state lives
// in the transaction passed to Append.
type Outbox struct {
	signer    *ir.Signer
	ids       ir.IDGenerator
	now       func() time.Time
	validator Validator
	logger    *slog.Logger
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithSigner signs every appended record.
func WithSigner(s *ir.Signer) Option {
	return func(o *Outbox) { o.signer = s }
}

// WithIDGenerator overrides the record ID generator (default UUIDv7).
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *Outbox) { o.ids = g }
}

// WithNow overrides the wall clock used for created_at.
func WithNow(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithValidator validates Create and Update payloads before logging.
func WithValidator(v Validator) Option {
	return func(o *Outbox) { o.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

// New creates an Outbox.
func New(opts ...Option) *Outbox {
	o := &Outbox{
		ids:    ir.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Append logs a mutation of entityType/entityID inside tx and returns the
// stored record. payload is the full post-state (for deletes, the last state).
//
// The node's vector clock is read, incremented for this node only, written
// back, and stamped on the record; sequence_number is the new local counter.
func (o *Outbox) Append(ctx context.Context, tx *store.Tx, entityType, entityID string, op ir.Operation, payload ir.Object) (ir.ChangeRecord, error) {
	if entityType == "" || entityID == "" {
		return ir.ChangeRecord{}, fmt.Errorf("append change: entity type and id are required")
	}
	if !op.Valid() {
		return ir.ChangeRecord{}, fmt.Errorf("append change: unknown operation %q", op)
	}
	if payload == nil {
		payload = ir.Object{}
	}
	if op != ir.OpDelete && o.validator != nil {
		if err := o.validator.Validate(entityType, payload); err != nil {
			return ir.ChangeRecord{}, fmt.Errorf("append change: %w", err)
		}
	}

	checksum, err := ir.PayloadChecksum(payload)
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("append change: %w", err)
	}

	clock, err := tx.NodeClock(ctx)
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("append change: %w", err)
	}
	node := tx.NodeID()
	next := clock.Increment(node)

	rec := ir.ChangeRecord{
		ID:              o.ids.Generate(),
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       op,
		Payload:         payload.Clone(),
		VectorTimestamp: next,
		OriginNode:      node,
		Checksum:        checksum,
		SequenceNumber:  int64(next.Get(node)),
		CreatedAt:       o.now().UTC().Format(time.RFC3339Nano),
	}
	rec.Signature = o.signer.Sign(rec)

	inserted, err := tx.InsertChange(ctx, rec)
	if err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("append change: %w", err)
	}
	if !inserted {
		return ir.ChangeRecord{}, ir.NewStorageError("append change", fmt.Errorf("duplicate record id %s", rec.ID))
	}
	if err := tx.SetNodeClock(ctx, next); err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("append change: %w", err)
	}

	o.logger.Debug("change appended",
		"entity_type", entityType,
		"entity_id", entityID,
		"operation", string(op),
		"seq", rec.SequenceNumber)
	return rec, nil
}

// Write appends a change record and materializes the entity's post-state in
// the same transaction. Collaborator services use Write for their mutations.
func (o *Outbox) Write(ctx context.Context, tx *store.Tx, entityType, entityID string, op ir.Operation, payload ir.Object) (ir.ChangeRecord, error) {
	rec, err := o.Append(ctx, tx, entityType, entityID, op, payload)
	if err != nil {
		return ir.ChangeRecord{}, err
	}
	if err := tx.MaterializeChange(ctx, rec, rec.VectorTimestamp); err != nil {
		return ir.ChangeRecord{}, fmt.Errorf("write %s/%s: %w", entityType, entityID, err)
	}
	return rec, nil
}
