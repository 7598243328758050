package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/schema"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/vclock"
)

// Outcome is what happened to one incoming record.
type Outcome int

const (
	// Duplicate: the record ID was already in the change log.
	Duplicate Outcome = iota
	// Discarded: the record is causally before (or equal to) the entity.
	Discarded
	// Applied: the record was a causal update and is now the entity state.
	Applied
	// Conflicted: a conflict was recorded and left Pending.
	Conflicted
	// AutoResolved: a conflict was recorded and resolved by policy.
	AutoResolved
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Discarded:
		return "discarded"
	case Applied:
		return "applied"
	case Conflicted:
		return "conflicted"
	case AutoResolved:
		return "auto_resolved"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes the handling of one record.
type Result struct {
	Outcome    Outcome
	ConflictID string
	Kind       ir.ConflictKind
	Strategy   ir.Strategy
	// Superseded lists Pending conflicts closed because this record is
	// causally after both of their sides.
	Superseded []string
}

// PolicySource returns the resolution policy of an entity type.
// *schema.Registry implements it.
type PolicySource interface {
	Policy(entityType string) schema.Policy
}

// Engine classifies, persists, and resolves conflicts.
type Engine struct {
	policies PolicySource
	outbox   *outbox.Outbox
	ids      ir.IDGenerator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator overrides conflict and snapshot ID generation.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithNow overrides the wall clock used for detected_at and resolved_at.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a conflict engine. policies may be nil, in which case every
// entity type is resolved last-writer-wins.
func New(policies PolicySource, ob *outbox.Outbox, opts ...Option) *Engine {
	e := &Engine{
		policies: policies,
		outbox:   ob,
		ids:      ir.UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) policy(entityType string) schema.Policy {
	if e.policies == nil {
		return schema.DefaultPolicy
	}
	return e.policies.Policy(entityType)
}

// Apply processes one verified remote record inside tx.
// Checksums and signatures must already have been checked by the caller.
func (e *Engine) Apply(ctx context.Context, tx *store.Tx, rec ir.ChangeRecord) (Result, error) {
	inserted, err := tx.InsertChange(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
	}
	if !inserted {
		return Result{Outcome: Duplicate}, nil
	}

	nodeClock, err := tx.NodeClock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
	}
	if err := tx.SetNodeClock(ctx, nodeClock.Merge(rec.VectorTimestamp)); err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
	}

	local, found, err := tx.GetEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
	}
	if !found {
		if err := tx.MaterializeChange(ctx, rec, rec.VectorTimestamp); err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
		}
		return Result{Outcome: Applied}, nil
	}

	switch rec.VectorTimestamp.Compare(local.Clock) {
	case vclock.Before, vclock.Equal:
		return Result{Outcome: Discarded}, nil

	case vclock.After:
		if err := tx.MaterializeChange(ctx, rec, rec.VectorTimestamp); err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
		}
		superseded, err := e.closeSuperseded(ctx, tx, rec, ir.RemoteWins, "peer:"+rec.OriginNode)
		if err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
		}
		return Result{Outcome: Applied, Superseded: superseded}, nil

	default:
		res, err := e.handleConcurrent(ctx, tx, local, rec)
		if err != nil {
			return Result{}, fmt.Errorf("apply %s: %w", rec.ID, err)
		}
		return res, nil
	}
}

func (e *Engine) handleConcurrent(ctx context.Context, tx *store.Tx, local store.Entity, rec ir.ChangeRecord) (Result, error) {
	kind := ir.ConcurrentModification
	remoteDeleted := rec.Operation == ir.OpDelete
	if local.Deleted != remoteDeleted {
		kind = ir.DeleteUpdate
	}

	conflictID := e.ids.Generate()
	c := ir.SyncConflict{
		ID:         conflictID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Kind:       kind,
		DetectedAt: e.now().UTC(),
		Status:     ir.StatusPending,
		Snapshots: []ir.ConflictSnapshot{
			{
				ID:              e.ids.Generate(),
				ConflictID:      conflictID,
				Side:            ir.SideLocal,
				OriginNode:      tx.NodeID(),
				State:           local.State,
				Deleted:         local.Deleted,
				VectorTimestamp: local.Clock,
			},
			{
				ID:              e.ids.Generate(),
				ConflictID:      conflictID,
				Side:            ir.SideRemote,
				OriginNode:      rec.OriginNode,
				State:           rec.Payload,
				Deleted:         remoteDeleted,
				VectorTimestamp: rec.VectorTimestamp,
			},
		},
	}

	// The audit trail is written before any resolution is attempted.
	if err := tx.InsertConflict(ctx, c); err != nil {
		return Result{}, err
	}

	e.logger.Info("conflict detected",
		"conflict_id", conflictID,
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
		"kind", string(kind),
		"peer_id", rec.OriginNode)

	res := Result{Outcome: Conflicted, ConflictID: conflictID, Kind: kind}

	policy := e.policy(rec.EntityType)
	var merged store.Entity
	switch policy.Resolution {
	case schema.ResolutionManual:
		return res, nil
	case schema.ResolutionMerge:
		if kind == ir.DeleteUpdate {
			merged, res.Strategy = lastWriterWins(policy, local, rec), ir.LastWriterWins
			break
		}
		base, err := commonAncestor(ctx, tx, rec, local.Clock)
		if err != nil {
			return Result{}, err
		}
		merged, res.Strategy = threeWayMerge(policy, base, local, rec), ir.Merge
	default:
		merged, res.Strategy = lastWriterWins(policy, local, rec), ir.LastWriterWins
	}

	if err := tx.PutEntity(ctx, merged); err != nil {
		return Result{}, err
	}
	if err := tx.MarkResolved(ctx, conflictID, res.Strategy, ir.ResolvedBySystem, e.now().UTC()); err != nil {
		return Result{}, err
	}
	res.Outcome = AutoResolved

	e.logger.Info("conflict auto-resolved",
		"conflict_id", conflictID,
		"strategy", string(res.Strategy))
	return res, nil
}

// closeSuperseded resolves, as strategy by resolvedBy, the Pending conflicts
// on the record's entity whose sides are all causally before rec. This
// happens when a peer's resolution record arrives, or when a local
// resolution settles every other conflict on the same entity.
func (e *Engine) closeSuperseded(ctx context.Context, tx *store.Tx, rec ir.ChangeRecord, strategy ir.Strategy, resolvedBy string) ([]string, error) {
	ids, err := tx.PendingConflictsFor(ctx, rec.EntityType, rec.EntityID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	var closed []string
	for _, id := range ids {
		c, err := tx.GetConflict(ctx, id)
		if err != nil {
			return nil, err
		}
		dominated := len(c.Snapshots) > 0
		for _, snap := range c.Snapshots {
			if rec.VectorTimestamp.Compare(snap.VectorTimestamp) != vclock.After {
				dominated = false
				break
			}
		}
		if !dominated {
			continue
		}
		if err := tx.MarkResolved(ctx, id, strategy, resolvedBy, e.now().UTC()); err != nil {
			return nil, err
		}
		e.logger.Info("conflict superseded", "conflict_id", id, "origin_node", rec.OriginNode, "resolved_by", resolvedBy)
		closed = append(closed, id)
	}
	return closed, nil
}

// Resolve applies a manual resolution inside tx. The chosen snapshot's state
// is written through the outbox as a new record stamped after both sides,
// then the conflict is marked Resolved by resolvedBy. Other Pending conflicts
// on the entity that the new record settles are closed too; their IDs are
// returned as superseded.
func (e *Engine) Resolve(ctx context.Context, tx *store.Tx, conflictID string, strategy ir.Strategy, resolvedBy string) (resolved ir.SyncConflict, superseded []string, err error) {
	if !strategy.Manual() {
		return ir.SyncConflict{}, nil, ir.NewSyncError(ir.ErrCodeInvalidStrategy,
			fmt.Sprintf("%q cannot be chosen manually", strategy), nil)
	}
	if resolvedBy == "" {
		resolvedBy = "unknown"
	}

	c, err := tx.GetConflict(ctx, conflictID)
	if err != nil {
		return ir.SyncConflict{}, nil, err
	}
	if c.Status == ir.StatusResolved {
		return ir.SyncConflict{}, nil, ir.NewSyncError(ir.ErrCodeConflictAlreadyResolved,
			fmt.Sprintf("conflict %s was resolved by %s", conflictID, c.ResolvedBy), nil)
	}

	side := ir.SideLocal
	if strategy == ir.RemoteWins {
		side = ir.SideRemote
	}
	var chosen *ir.ConflictSnapshot
	for i := range c.Snapshots {
		if c.Snapshots[i].Side == side {
			chosen = &c.Snapshots[i]
		}
	}
	if chosen == nil {
		return ir.SyncConflict{}, nil, ir.NewStorageError("resolve conflict",
			fmt.Errorf("conflict %s has no %s snapshot", conflictID, side))
	}

	op := ir.OpUpdate
	if chosen.Deleted {
		op = ir.OpDelete
	}
	rec, err := e.outbox.Write(ctx, tx, c.EntityType, c.EntityID, op, chosen.State)
	if err != nil {
		return ir.SyncConflict{}, nil, err
	}

	at := e.now().UTC()
	if err := tx.MarkResolved(ctx, conflictID, strategy, resolvedBy, at); err != nil {
		return ir.SyncConflict{}, nil, err
	}
	superseded, err = e.closeSuperseded(ctx, tx, rec, strategy, resolvedBy)
	if err != nil {
		return ir.SyncConflict{}, nil, err
	}

	c.Status = ir.StatusResolved
	c.ResolutionStrategy = strategy
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &at

	e.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"strategy", string(strategy),
		"resolved_by", resolvedBy,
		"superseded", len(superseded))
	return c, superseded, nil
}
