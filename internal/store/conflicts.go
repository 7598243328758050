package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// InsertConflict persists a conflict and its snapshots.
// Must run in the same transaction as whatever the conflict engine does next,
// so a conflict is never applied without its audit trail.
func (o ops) InsertConflict(ctx context.Context, c ir.SyncConflict) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO sync_conflicts
		(conflict_id, entity_type, entity_id, conflict_kind, detected_at, resolution_status)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.EntityType, c.EntityID, string(c.Kind), formatTime(c.DetectedAt), string(ir.StatusPending),
	)
	if err != nil {
		return ir.NewStorageError("insert conflict", err)
	}

	for _, snap := range c.Snapshots {
		state, err := ir.MarshalCanonical(snap.State)
		if err != nil {
			return ir.NewSerializationError("encode snapshot state", err)
		}
		_, err = o.q.ExecContext(ctx, `
			INSERT INTO conflict_snapshots
			(snapshot_id, conflict_id, side, origin_node, state, deleted, vector_clock)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			snap.ID, c.ID, string(snap.Side), snap.OriginNode, string(state), boolToInt(snap.Deleted), snap.VectorTimestamp.MustJSON(),
		)
		if err != nil {
			return ir.NewStorageError("insert conflict snapshot", err)
		}
	}
	return nil
}

// MarkResolved transitions a Pending conflict to Resolved.
// Returns CONFLICT_NOT_FOUND or CONFLICT_ALREADY_RESOLVED as appropriate.
func (o ops) MarkResolved(ctx context.Context, id string, strategy ir.Strategy, by string, at time.Time) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution_status = ?, resolution_strategy = ?, resolved_by = ?, resolved_at = ?
		WHERE conflict_id = ? AND resolution_status = ?
	`,
		string(ir.StatusResolved), string(strategy), by, formatTime(at), id, string(ir.StatusPending),
	)
	if err != nil {
		return ir.NewStorageError("resolve conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.NewStorageError("resolve conflict: rows affected", err)
	}
	if n == 1 {
		return nil
	}

	c, err := o.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == ir.StatusResolved {
		return ir.NewSyncError(ir.ErrCodeConflictAlreadyResolved,
			fmt.Sprintf("conflict %s was resolved by %s", id, c.ResolvedBy), nil)
	}
	return ir.NewStorageError("resolve conflict", fmt.Errorf("conflict %s not updated", id))
}

// GetConflict reads a conflict with its snapshots.
func (o ops) GetConflict(ctx context.Context, id string) (ir.SyncConflict, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = ?`, id)
	if err != nil {
		return ir.SyncConflict{}, ir.NewStorageError("read conflict", err)
	}
	list, err := scanConflicts(rows)
	if err != nil {
		return ir.SyncConflict{}, err
	}
	if len(list) == 0 {
		return ir.SyncConflict{}, ir.NewSyncError(ir.ErrCodeConflictNotFound, "conflict "+id, nil)
	}
	c := list[0]
	if c.Snapshots, err = o.snapshots(ctx, id); err != nil {
		return ir.SyncConflict{}, err
	}
	return c, nil
}

// ListConflicts returns conflicts ordered by detection time, with snapshots.
// An empty status lists every conflict.
func (o ops) ListConflicts(ctx context.Context, status ir.ResolutionStatus) ([]ir.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	var args []any
	if status != "" {
		query += ` WHERE resolution_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at ASC, conflict_id ASC`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ir.NewStorageError("list conflicts", err)
	}
	list, err := scanConflicts(rows)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Snapshots, err = o.snapshots(ctx, list[i].ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// CountConflicts counts conflicts in a status.
func (o ops) CountConflicts(ctx context.Context, status ir.ResolutionStatus) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts WHERE resolution_status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, ir.NewStorageError("count conflicts", err)
	}
	return n, nil
}

// PendingConflictsFor returns the IDs of Pending conflicts on one entity.
func (o ops) PendingConflictsFor(ctx context.Context, entityType, entityID string) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT conflict_id FROM sync_conflicts
		WHERE entity_type = ? AND entity_id = ? AND resolution_status = ?
		ORDER BY detected_at ASC
	`, entityType, entityID, string(ir.StatusPending))
	if err != nil {
		return nil, ir.NewStorageError("pending conflicts for entity", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ir.NewStorageError("scan conflict id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate conflict ids", err)
	}
	return ids, nil
}

const conflictColumns = `conflict_id, entity_type, entity_id, conflict_kind, detected_at,
	resolution_status, resolved_by, resolved_at, resolution_strategy`

func scanConflicts(rows *sql.Rows) ([]ir.SyncConflict, error) {
	defer rows.Close()

	var out []ir.SyncConflict
	for rows.Next() {
		var (
			c                          ir.SyncConflict
			kind, detected, status     string
			resolvedBy, resolvedAt, st sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &kind, &detected, &status, &resolvedBy, &resolvedAt, &st); err != nil {
			return nil, ir.NewStorageError("scan conflict", err)
		}
		c.Kind = ir.ConflictKind(kind)
		c.Status = ir.ResolutionStatus(status)
		c.ResolvedBy = resolvedBy.String
		c.ResolutionStrategy = ir.Strategy(st.String)

		var err error
		if c.DetectedAt, err = parseTime(detected); err != nil {
			return nil, ir.NewStorageError("decode detected_at", err)
		}
		if resolvedAt.Valid {
			t, err := parseTime(resolvedAt.String)
			if err != nil {
				return nil, ir.NewStorageError("decode resolved_at", err)
			}
			c.ResolvedAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate conflicts", err)
	}
	return out, nil
}

func (o ops) snapshots(ctx context.Context, conflictID string) ([]ir.ConflictSnapshot, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT snapshot_id, side, origin_node, state, deleted, vector_clock
		FROM conflict_snapshots
		WHERE conflict_id = ?
		ORDER BY side ASC
	`, conflictID)
	if err != nil {
		return nil, ir.NewStorageError("read snapshots", err)
	}
	defer rows.Close()

	var out []ir.ConflictSnapshot
	for rows.Next() {
		var (
			snap             ir.ConflictSnapshot
			side, state, raw string
			deleted          int
		)
		if err := rows.Scan(&snap.ID, &side, &snap.OriginNode, &state, &deleted, &raw); err != nil {
			return nil, ir.NewStorageError("scan snapshot", err)
		}
		snap.ConflictID = conflictID
		snap.Side = ir.Side(side)
		snap.Deleted = deleted != 0
		if snap.State, err = ir.ParseObject([]byte(state)); err != nil {
			return nil, ir.NewSerializationError("decode snapshot state", err)
		}
		if snap.VectorTimestamp, err = vclock.Parse(raw); err != nil {
			return nil, ir.NewSerializationError("decode snapshot clock", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.NewStorageError("iterate snapshots", err)
	}
	return out, nil
}
