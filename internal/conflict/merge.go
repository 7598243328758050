package conflict

import (
	"context"
	"strings"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/schema"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/vclock"
)

// side is one version of an entity taking part in a resolution.
type side struct {
	state    ir.Object
	deleted  bool
	changeID string
}

func localSide(ent store.Entity) side {
	return side{state: ent.State, deleted: ent.Deleted, changeID: ent.LastChangeID}
}

func remoteSide(rec ir.ChangeRecord) side {
	return side{state: rec.Payload, deleted: rec.Operation == ir.OpDelete, changeID: rec.ID}
}

// remoteWinsLWW reports whether the remote side is the last writer.
// Timestamps compare as instants when both parse, otherwise as strings.
// Equal timestamps fall back to the payload checksum so that every
// terminal picks the same winner whichever side it sees as local.
func remoteWinsLWW(field string, local, remote side) bool {
	lt, rt := local.state.GetString(field), remote.state.GetString(field)
	if c := compareTimestamps(lt, rt); c != 0 {
		return c < 0
	}
	lsum, _ := ir.PayloadChecksum(local.state)
	rsum, _ := ir.PayloadChecksum(remote.state)
	if lsum != rsum {
		return lsum < rsum
	}
	// Same state: prefer the tombstone.
	return remote.deleted && !local.deleted
}

func compareTimestamps(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

// lastWriterWins keeps whichever side wrote last and stamps the entity with
// the merge of both clocks.
func lastWriterWins(policy schema.Policy, local store.Entity, rec ir.ChangeRecord) store.Entity {
	l, r := localSide(local), remoteSide(rec)
	winner := l
	if remoteWinsLWW(policy.TimestampField, l, r) {
		winner = r
	}
	return store.Entity{
		Type:         local.Type,
		ID:           local.ID,
		State:        winner.state.Clone(),
		Clock:        local.Clock.Merge(rec.VectorTimestamp),
		Deleted:      winner.deleted,
		LastChangeID: winner.changeID,
	}
}

// threeWayMerge merges the policy's additive fields as
// local + remote - base and takes every other field from the last writer.
// A nil base counts additive fields from zero.
func threeWayMerge(policy schema.Policy, base ir.Object, local store.Entity, rec ir.ChangeRecord) store.Entity {
	merged := lastWriterWins(policy, local, rec)
	if merged.State == nil {
		merged.State = ir.Object{}
	}
	for _, field := range policy.Additive {
		lv, lok := local.State.GetInt(field)
		rv, rok := rec.Payload.GetInt(field)
		if !lok && !rok {
			continue
		}
		bv, _ := base.GetInt(field)
		merged.State[field] = ir.Int(lv + rv - bv)
	}
	return merged
}

// commonAncestor finds the state both sides descend from: the latest record
// in the entity's history whose timestamp is at or before both the local
// clock and the incoming record. Returns nil when the history no longer
// holds one (never shared, or collected).
func commonAncestor(ctx context.Context, tx *store.Tx, rec ir.ChangeRecord, localClock vclock.Clock) (ir.Object, error) {
	history, err := tx.EntityHistory(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return nil, err
	}

	var best *ir.ChangeRecord
	for i := range history {
		h := &history[i]
		if h.ID == rec.ID {
			continue
		}
		if !localClock.Dominates(h.VectorTimestamp) || !rec.VectorTimestamp.Dominates(h.VectorTimestamp) {
			continue
		}
		if best == nil || h.VectorTimestamp.Compare(best.VectorTimestamp) == vclock.After {
			best = h
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Payload, nil
}
