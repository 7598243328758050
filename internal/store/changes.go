package store

import (
	"context"
	"fmt"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// ChangesSince returns up to limit change records the holder of clock since
// has not seen, in local log order. A record is unseen when its origin
// counter is greater than since's counter for that origin. hasMore reports
// whether further records remain after this batch.
//
// Every node appends a given origin's records in origin-counter order, so a
// requester that applies batches in order and merges clocks never skips one.
func (s *Store) ChangesSince(ctx context.Context, since vclock.Clock, limit int) (records []ir.ChangeRecord, hasMore bool, err error) {
	if limit <= 0 || limit > ir.MaxBatchSize {
		limit = ir.MaxBatchSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.entity_type, c.entity_id, c.operation, c.payload, c.vector_clock,
			c.origin_node, c.checksum, c.sequence_number, c.signature, c.created_at
		FROM change_log c
		LEFT JOIN json_each(?) j ON j.key = c.origin_node
		WHERE c.origin_counter > COALESCE(j.value, 0)
		ORDER BY c.position ASC
		LIMIT ?
	`, since.MustJSON(), limit+1)
	if err != nil {
		return nil, false, ir.NewStorageError("changes since", err)
	}
	records, err = collectChanges(rows)
	if err != nil {
		return nil, false, err
	}

	if len(records) > limit {
		return records[:limit], true, nil
	}
	return records, false, nil
}

// ChangeCount returns the number of records in the change log.
func (s *Store) ChangeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&n); err != nil {
		return 0, ir.NewStorageError("count changes", err)
	}
	return n, nil
}

// RecordPeerAck stores the clock a peer presented when it last pulled.
// Acks only move forward: the stored clock is merged with the new one.
func (s *Store) RecordPeerAck(ctx context.Context, nodeID string, clock vclock.Clock) error {
	if nodeID == "" || nodeID == s.nodeID {
		return nil
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		acks, err := tx.peerAcks(ctx)
		if err != nil {
			return err
		}
		merged := acks[nodeID].Merge(clock)
		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO peer_acks (node_id, vector_clock, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				vector_clock = excluded.vector_clock,
				updated_at = excluded.updated_at
		`, nodeID, merged.MustJSON(), formatTime(tx.now()))
		if err != nil {
			return ir.NewStorageError("record peer ack", err)
		}
		return nil
	})
}

// PeerAcks returns the last acknowledged clock of every known peer.
func (s *Store) PeerAcks(ctx context.Context) (map[string]vclock.Clock, error) {
	return s.peerAcks(ctx)
}

func (o ops) peerAcks(ctx context.Context) (map[string]vclock.Clock, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT node_id, vector_clock FROM peer_acks`)
	if err != nil {
		return nil, ir.NewStorageError("read peer acks", err)
	}
	defer rows.Close()

	acks := make(map[string]vclock.Clock)
	for rows.Next() {
		var node, raw string
		if err := rows.Scan(&node, &raw); err != nil {
			return nil, ir.NewStorageError("scan peer ack", err)
		}
		c, err := vclock.Parse(raw)
		if err != nil {
			return nil, ir.NewSerializationError("decode peer ack", err)
		}
		acks[node] = c
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate peer acks", err)
	}
	return acks, nil
}

// CollectGarbage deletes change records that no peer, present or future,
// needs to reach the current state. Returns the number of deleted records.
//
// An entity's history is collected down to a single record, and only when:
//   - one record in it is causally after every other (the latest);
//   - every known peer has acknowledged that latest record;
//   - this node holds every record its peers held when they acknowledged.
//
// A history with concurrent records and no later record on top keeps its
// state in the entity table only (an auto-resolution writes no record), so
// it is left whole, ancestors included. With no known peers nothing is deleted.
func (s *Store) CollectGarbage(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		acks, err := tx.peerAcks(ctx)
		if err != nil {
			return err
		}
		if len(acks) == 0 {
			return nil
		}

		held, err := tx.heldClock(ctx)
		if err != nil {
			return err
		}
		for _, ack := range acks {
			if !held.Dominates(ack) {
				// A peer has records this node has not pulled yet; one of
				// them may still be concurrent with a latest record.
				return nil
			}
		}
		floor := ackFloor(acks)

		keys, err := tx.entitiesWithHistory(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			history, err := tx.EntityHistory(ctx, k.entityType, k.entityID)
			if err != nil {
				return err
			}
			for _, id := range collectable(history, floor) {
				res, err := tx.q.ExecContext(ctx, `DELETE FROM change_log WHERE id = ?`, id)
				if err != nil {
					return ir.NewStorageError(fmt.Sprintf("collect garbage for %s/%s", k.entityType, k.entityID), err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return ir.NewStorageError("collect garbage: rows affected", err)
				}
				deleted += n
			}
		}
		return nil
	})
	return deleted, err
}

// collectable returns the IDs of every record in history except the latest,
// or nil when history has no single latest record or some peer has not
// acknowledged it.
func collectable(history []ir.ChangeRecord, floor vclock.Clock) []string {
	if len(history) < 2 {
		return nil
	}
	latest := -1
	for i := range history {
		if dominatesOthers(history, i) {
			latest = i
			break
		}
	}
	if latest < 0 || !floor.Dominates(history[latest].VectorTimestamp) {
		return nil
	}

	ids := make([]string, 0, len(history)-1)
	for i := range history {
		if i != latest {
			ids = append(ids, history[i].ID)
		}
	}
	return ids
}

func dominatesOthers(history []ir.ChangeRecord, i int) bool {
	for j := range history {
		if j != i && history[i].VectorTimestamp.Compare(history[j].VectorTimestamp) != vclock.After {
			return false
		}
	}
	return true
}

// ackFloor is the pointwise minimum of every peer's ack: the clock every
// known peer has reached.
func ackFloor(acks map[string]vclock.Clock) vclock.Clock {
	floor := vclock.New()
	first := true
	for _, ack := range acks {
		if first {
			floor = ack.Clone()
			first = false
			continue
		}
		for origin, v := range floor {
			if w := ack.Get(origin); w < v {
				floor[origin] = w
			}
		}
	}
	return floor
}

// heldClock is what this node holds: its clock merged with the highest
// counter of every origin still in the change log.
func (o ops) heldClock(ctx context.Context) (vclock.Clock, error) {
	clock, err := o.NodeClock(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := o.q.QueryContext(ctx, `SELECT origin_node, MAX(origin_counter) FROM change_log GROUP BY origin_node`)
	if err != nil {
		return nil, ir.NewStorageError("read held counters", err)
	}
	defer rows.Close()

	logged := vclock.New()
	for rows.Next() {
		var (
			origin  string
			counter int64
		)
		if err := rows.Scan(&origin, &counter); err != nil {
			return nil, ir.NewStorageError("scan held counter", err)
		}
		logged[origin] = uint64(counter)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate held counters", err)
	}
	return clock.Merge(logged), nil
}

type entityKey struct {
	entityType string
	entityID   string
}

// entitiesWithHistory lists entities with more than one logged record.
func (o ops) entitiesWithHistory(ctx context.Context) ([]entityKey, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT entity_type, entity_id FROM change_log
		GROUP BY entity_type, entity_id
		HAVING COUNT(*) > 1
		ORDER BY entity_type, entity_id
	`)
	if err != nil {
		return nil, ir.NewStorageError("list entity histories", err)
	}
	defer rows.Close()

	var out []entityKey
	for rows.Next() {
		var k entityKey
		if err := rows.Scan(&k.entityType, &k.entityID); err != nil {
			return nil, ir.NewStorageError("scan entity key", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate entity histories", err)
	}
	return out, nil
}
