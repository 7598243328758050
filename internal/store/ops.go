package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds the operations available both on the Store and inside a Tx.
type ops struct {
	q   querier
	now func() time.Time
}

// Entity is the materialized state of one syncable entity.
type Entity struct {
	Type         string
	ID           string
	State        ir.Object
	Clock        vclock.Clock
	Deleted      bool
	LastChangeID string
	UpdatedAt    time.Time
}

// ErrNotFound is returned by single-row reads when no row matches.
var ErrNotFound = errors.New("not found")

// NodeClock returns the durable vector clock of this node.
func (o ops) NodeClock(ctx context.Context) (vclock.Clock, error) {
	var raw string
	if err := o.q.QueryRowContext(ctx, `SELECT vector_clock FROM node_state WHERE id = 1`).Scan(&raw); err != nil {
		return nil, ir.NewStorageError("read node clock", err)
	}
	c, err := vclock.Parse(raw)
	if err != nil {
		return nil, ir.NewStorageError("decode node clock", err)
	}
	return c, nil
}

// SetNodeClock persists the node's vector clock.
func (o ops) SetNodeClock(ctx context.Context, c vclock.Clock) error {
	_, err := o.q.ExecContext(ctx, `UPDATE node_state SET vector_clock = ? WHERE id = 1`, c.MustJSON())
	if err != nil {
		return ir.NewStorageError("write node clock", err)
	}
	return nil
}

// HasChange reports whether a change record with this ID is already in the log.
func (o ops) HasChange(ctx context.Context, id string) (bool, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, ir.NewStorageError("check change", err)
	}
	return n > 0, nil
}

// InsertChange appends a record to the change log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: inserted is false when
// the record was already present.
func (o ops) InsertChange(ctx context.Context, rec ir.ChangeRecord) (inserted bool, err error) {
	payload, err := ir.MarshalCanonical(rec.Payload)
	if err != nil {
		return false, ir.NewSerializationError("encode payload", err)
	}

	res, err := o.q.ExecContext(ctx, `
		INSERT INTO change_log
		(id, entity_type, entity_id, operation, payload, vector_clock, origin_node,
		 origin_counter, checksum, sequence_number, signature, created_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.EntityType,
		rec.EntityID,
		string(rec.Operation),
		string(payload),
		rec.VectorTimestamp.MustJSON(),
		rec.OriginNode,
		int64(rec.VectorTimestamp.Get(rec.OriginNode)),
		rec.Checksum,
		rec.SequenceNumber,
		rec.Signature,
		rec.CreatedAt,
		formatTime(o.now()),
	)
	if err != nil {
		return false, ir.NewStorageError("insert change", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ir.NewStorageError("insert change: rows affected", err)
	}
	return n > 0, nil
}

const changeColumns = `id, entity_type, entity_id, operation, payload, vector_clock,
	origin_node, checksum, sequence_number, signature, created_at`

// GetChange reads one change record by ID.
func (o ops) GetChange(ctx context.Context, id string) (ir.ChangeRecord, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+changeColumns+` FROM change_log WHERE id = ?`, id)
	if err != nil {
		return ir.ChangeRecord{}, ir.NewStorageError("read change", err)
	}
	recs, err := collectChanges(rows)
	if err != nil {
		return ir.ChangeRecord{}, err
	}
	if len(recs) == 0 {
		return ir.ChangeRecord{}, fmt.Errorf("change %s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// EntityHistory returns every logged change for an entity in local log order.
func (o ops) EntityHistory(ctx context.Context, entityType, entityID string) ([]ir.ChangeRecord, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM change_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY position ASC
	`, entityType, entityID)
	if err != nil {
		return nil, ir.NewStorageError("read entity history", err)
	}
	return collectChanges(rows)
}

func collectChanges(rows *sql.Rows) ([]ir.ChangeRecord, error) {
	defer rows.Close()

	var out []ir.ChangeRecord
	for rows.Next() {
		var (
			rec              ir.ChangeRecord
			op, payload, raw string
		)
		if err := rows.Scan(
			&rec.ID, &rec.EntityType, &rec.EntityID, &op, &payload, &raw,
			&rec.OriginNode, &rec.Checksum, &rec.SequenceNumber, &rec.Signature, &rec.CreatedAt,
		); err != nil {
			return nil, ir.NewStorageError("scan change", err)
		}
		rec.Operation = ir.Operation(op)

		obj, err := ir.ParseObject([]byte(payload))
		if err != nil {
			return nil, ir.NewSerializationError("decode stored payload "+rec.ID, err)
		}
		rec.Payload = obj

		if rec.VectorTimestamp, err = vclock.Parse(raw); err != nil {
			return nil, ir.NewSerializationError("decode stored clock "+rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate changes", err)
	}
	return out, nil
}

// GetEntity reads the materialized state of an entity. found is false if the
// entity has never been written on this node.
func (o ops) GetEntity(ctx context.Context, entityType, entityID string) (ent Entity, found bool, err error) {
	var (
		state, raw, updated string
		deleted             int
	)
	err = o.q.QueryRowContext(ctx, `
		SELECT state, vector_clock, deleted, last_change_id, updated_at
		FROM entities
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&state, &raw, &deleted, &ent.LastChangeID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, ir.NewStorageError("read entity", err)
	}

	ent.Type = entityType
	ent.ID = entityID
	ent.Deleted = deleted != 0
	if ent.State, err = ir.ParseObject([]byte(state)); err != nil {
		return Entity{}, false, ir.NewSerializationError("decode entity state", err)
	}
	if ent.Clock, err = vclock.Parse(raw); err != nil {
		return Entity{}, false, ir.NewSerializationError("decode entity clock", err)
	}
	if ent.UpdatedAt, err = parseTime(updated); err != nil {
		return Entity{}, false, ir.NewStorageError("decode entity timestamp", err)
	}
	return ent, true, nil
}

// PutEntity inserts or replaces the materialized state of an entity.
func (o ops) PutEntity(ctx context.Context, ent Entity) error {
	state, err := ir.MarshalCanonical(ent.State)
	if err != nil {
		return ir.NewSerializationError("encode entity state", err)
	}
	updated := ent.UpdatedAt
	if updated.IsZero() {
		updated = o.now()
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, state, vector_clock, deleted, last_change_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			state = excluded.state,
			vector_clock = excluded.vector_clock,
			deleted = excluded.deleted,
			last_change_id = excluded.last_change_id,
			updated_at = excluded.updated_at
	`,
		ent.Type, ent.ID, string(state), ent.Clock.MustJSON(), boolToInt(ent.Deleted), ent.LastChangeID, formatTime(updated),
	)
	if err != nil {
		return ir.NewStorageError("write entity", err)
	}
	return nil
}

// ListEntities returns every entity of a type, including tombstones, ordered by ID.
func (o ops) ListEntities(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT entity_id, state, vector_clock, deleted, last_change_id, updated_at
		FROM entities
		WHERE entity_type = ?
		ORDER BY entity_id ASC
	`, entityType)
	if err != nil {
		return nil, ir.NewStorageError("list entities", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var (
			ent                 Entity
			state, raw, updated string
			deleted             int
		)
		if err := rows.Scan(&ent.ID, &state, &raw, &deleted, &ent.LastChangeID, &updated); err != nil {
			return nil, ir.NewStorageError("scan entity", err)
		}
		ent.Type = entityType
		ent.Deleted = deleted != 0
		if ent.State, err = ir.ParseObject([]byte(state)); err != nil {
			return nil, ir.NewSerializationError("decode entity state", err)
		}
		if ent.Clock, err = vclock.Parse(raw); err != nil {
			return nil, ir.NewSerializationError("decode entity clock", err)
		}
		if ent.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, ir.NewStorageError("decode entity timestamp", err)
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate entities", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MaterializeChange writes a record's post-state into the entities table,
// stamping the entity with clock. Deletes become tombstones.
func (o ops) MaterializeChange(ctx context.Context, rec ir.ChangeRecord, clock vclock.Clock) error {
	return o.PutEntity(ctx, Entity{
		Type:         rec.EntityType,
		ID:           rec.EntityID,
		State:        rec.Payload,
		Clock:        clock,
		Deleted:      rec.Operation == ir.OpDelete,
		LastChangeID: rec.ID,
	})
}
