package conflict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/schema"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/testutil"
	"github.com/roach88/vaultsync/internal/vclock"
)

type fixture struct {
	store  *store.Store
	outbox *outbox.Outbox
	engine *Engine
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conflict.db"), store.WithNodeID("node-a"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := schema.Load()
	require.NoError(t, err)

	clock := testutil.NewFakeClock(time.Time{})
	ob := outbox.New(
		outbox.WithValidator(reg),
		outbox.WithNow(clock.Now),
		outbox.WithIDGenerator(testutil.NewSequenceGenerator("local")),
	)
	eng := New(reg, ob,
		WithNow(clock.Now),
		WithIDGenerator(testutil.NewSequenceGenerator("c")),
	)
	return &fixture{store: s, outbox: ob, engine: eng, clock: clock}
}

// remote builds a verified record as another node would have produced it.
func remote(t *testing.T, id, origin, entityType, entityID string, op ir.Operation, vt vclock.Clock, payload ir.Object) ir.ChangeRecord {
	t.Helper()
	sum, err := ir.PayloadChecksum(payload)
	require.NoError(t, err)
	return ir.ChangeRecord{
		ID:              id,
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       op,
		Payload:         payload,
		VectorTimestamp: vt,
		OriginNode:      origin,
		Checksum:        sum,
		SequenceNumber:  int64(vt.Get(origin)),
		CreatedAt:       "2026-01-15T09:00:00Z",
	}
}

func product(price int64, updatedAt string) ir.Object {
	return ir.Object{
		"id":          ir.String("p-1"),
		"sku":         ir.String("ESP-01"),
		"name":        ir.String("Espresso"),
		"price_cents": ir.Int(price),
		"updated_at":  ir.String(updatedAt),
	}
}

func inventory(qty int64, updatedAt string) ir.Object {
	return ir.Object{
		"id":         ir.String("inv-1"),
		"product_id": ir.String("p-1"),
		"location":   ir.String("front"),
		"quantity":   ir.Int(qty),
		"updated_at": ir.String(updatedAt),
	}
}

func (f *fixture) apply(t *testing.T, rec ir.ChangeRecord) Result {
	t.Helper()
	var res Result
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		res, err = f.engine.Apply(context.Background(), tx, rec)
		return err
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) write(t *testing.T, entityType, entityID string, op ir.Operation, payload ir.Object) ir.ChangeRecord {
	t.Helper()
	var rec ir.ChangeRecord
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		rec, err = f.outbox.Write(context.Background(), tx, entityType, entityID, op, payload)
		return err
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) resolve(id string, strategy ir.Strategy, by string) (ir.SyncConflict, error) {
	var c ir.SyncConflict
	err := f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		c, _, err = f.engine.Resolve(context.Background(), tx, id, strategy, by)
		return err
	})
	return c, err
}

func TestApply_NewEntityIsApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(450, "2026-01-15T09:00:00Z"))
	res := f.apply(t, rec)
	assert.Equal(t, Applied, res.Outcome)

	ent, found, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ir.Equal(rec.Payload, ent.State))
	assert.Equal(t, vclock.Clock{"node-b": 1}, ent.Clock)

	nodeClock, err := f.store.NodeClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nodeClock.Get("node-b"))
}

func TestApply_SameRecordTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(450, "2026-01-15T09:00:00Z"))
	assert.Equal(t, Applied, f.apply(t, rec).Outcome)
	before, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)

	assert.Equal(t, Duplicate, f.apply(t, rec).Outcome)
	after, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	n, err := f.store.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_CausalUpdateNeverConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(450, "2026-01-15T09:00:00Z"))
	second := remote(t, "r-2", "node-b", "product", "p-1", ir.OpUpdate, vclock.Clock{"node-b": 2}, product(500, "2026-01-15T09:05:00Z"))

	assert.Equal(t, Applied, f.apply(t, first).Outcome)
	assert.Equal(t, Applied, f.apply(t, second).Outcome)

	ent, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	price, _ := ent.State.GetInt("price_cents")
	assert.Equal(t, int64(500), price)

	n, err := f.store.CountConflicts(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_StaleRecordIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := remote(t, "r-2", "node-b", "product", "p-1", ir.OpUpdate, vclock.Clock{"node-b": 2}, product(500, "2026-01-15T09:05:00Z"))
	older := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(450, "2026-01-15T09:00:00Z"))

	assert.Equal(t, Applied, f.apply(t, newer).Outcome)
	assert.Equal(t, Discarded, f.apply(t, older).Outcome)

	ent, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	price, _ := ent.State.GetInt("price_cents")
	assert.Equal(t, int64(500), price)

	// Discarded records are still logged for relay.
	ok, err := f.store.HasChange(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApply_ConcurrentProductStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := f.write(t, "product", "p-1", ir.OpCreate, product(450, "2026-01-15T09:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z"))

	res := f.apply(t, incoming)
	assert.Equal(t, Conflicted, res.Outcome)
	assert.Equal(t, ir.ConcurrentModification, res.Kind)
	require.NotEmpty(t, res.ConflictID)

	c, err := f.store.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, c.Status)
	require.Len(t, c.Snapshots, 2)
	assert.Equal(t, vclock.Concurrent, c.Snapshots[0].VectorTimestamp.Compare(c.Snapshots[1].VectorTimestamp))

	localSnap, ok := c.Snapshot("node-a")
	require.True(t, ok)
	remoteSnap, ok := c.Snapshot("node-b")
	require.True(t, ok)
	assert.True(t, ir.Equal(local.Payload, localSnap.State))
	assert.True(t, ir.Equal(incoming.Payload, remoteSnap.State))

	// Stored state and its clock are untouched until someone resolves.
	ent, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.True(t, ir.Equal(local.Payload, ent.State))
	assert.Equal(t, local.VectorTimestamp, ent.Clock)

	// The remote record is still known, so it is never requested again.
	nodeClock, err := f.store.NodeClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 1}, nodeClock)
}

func TestApply_DeleteAgainstUpdateIsDeleteUpdate(t *testing.T) {
	f := newFixture(t)

	f.write(t, "product", "p-1", ir.OpDelete, product(450, "2026-01-15T09:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "product", "p-1", ir.OpUpdate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z"))

	res := f.apply(t, incoming)
	assert.Equal(t, Conflicted, res.Outcome)
	assert.Equal(t, ir.DeleteUpdate, res.Kind)
}

func TestApply_LastWriterWinsForUndeclaredTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	note := func(text, at string) ir.Object {
		return ir.Object{"text": ir.String(text), "updated_at": ir.String(at)}
	}
	f.write(t, "note", "n-1", ir.OpCreate, note("local", "2026-01-15T09:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "note", "n-1", ir.OpCreate, vclock.Clock{"node-b": 1}, note("remote", "2026-01-15T09:10:00Z"))

	res := f.apply(t, incoming)
	assert.Equal(t, AutoResolved, res.Outcome)
	assert.Equal(t, ir.LastWriterWins, res.Strategy)

	ent, _, err := f.store.GetEntity(ctx, "note", "n-1")
	require.NoError(t, err)
	assert.Equal(t, "remote", ent.State.GetString("text"))
	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 1}, ent.Clock)

	// Audit trail exists even though nobody has to act on it.
	c, err := f.store.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, c.Status)
	assert.Equal(t, ir.ResolvedBySystem, c.ResolvedBy)
	assert.Len(t, c.Snapshots, 2)
}

func TestApply_LastWriterWinsKeepsNewerLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	note := func(text, at string) ir.Object {
		return ir.Object{"text": ir.String(text), "updated_at": ir.String(at)}
	}
	f.write(t, "note", "n-1", ir.OpCreate, note("local", "2026-01-15T10:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "note", "n-1", ir.OpCreate, vclock.Clock{"node-b": 1}, note("remote", "2026-01-15T09:10:00Z"))

	assert.Equal(t, AutoResolved, f.apply(t, incoming).Outcome)
	ent, _, err := f.store.GetEntity(ctx, "note", "n-1")
	require.NoError(t, err)
	assert.Equal(t, "local", ent.State.GetString("text"))
	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 1}, ent.Clock)
}

func TestRemoteWinsLWW_TieIsSymmetric(t *testing.T) {
	a := side{state: ir.Object{"v": ir.String("a"), "updated_at": ir.String("2026-01-15T09:00:00Z")}}
	b := side{state: ir.Object{"v": ir.String("b"), "updated_at": ir.String("2026-01-15T09:00:00Z")}}

	// Exactly one of the two perspectives sees the remote as the winner.
	assert.NotEqual(t, remoteWinsLWW("updated_at", a, b), remoteWinsLWW("updated_at", b, a))
}

func TestApply_InventoryMergesQuantities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := remote(t, "r-1", "node-b", "inventory_item", "inv-1", ir.OpCreate, vclock.Clock{"node-b": 1}, inventory(10, "2026-01-15T09:00:00Z"))
	assert.Equal(t, Applied, f.apply(t, base).Outcome)

	// Both terminals sell from the same shelf while apart.
	f.write(t, "inventory_item", "inv-1", ir.OpUpdate, inventory(7, "2026-01-15T09:05:00Z"))
	incoming := remote(t, "r-2", "node-b", "inventory_item", "inv-1", ir.OpUpdate, vclock.Clock{"node-b": 2}, inventory(8, "2026-01-15T09:06:00Z"))

	res := f.apply(t, incoming)
	assert.Equal(t, AutoResolved, res.Outcome)
	assert.Equal(t, ir.Merge, res.Strategy)

	ent, _, err := f.store.GetEntity(ctx, "inventory_item", "inv-1")
	require.NoError(t, err)
	qty, _ := ent.State.GetInt("quantity")
	assert.Equal(t, int64(5), qty)
	assert.Equal(t, "2026-01-15T09:06:00Z", ent.State.GetString("updated_at"))
	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 2}, ent.Clock)
}

func TestApply_InventoryWithoutAncestorAddsFromZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "inventory_item", "inv-1", ir.OpCreate, inventory(4, "2026-01-15T09:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "inventory_item", "inv-1", ir.OpCreate, vclock.Clock{"node-b": 1}, inventory(6, "2026-01-15T09:01:00Z"))

	assert.Equal(t, AutoResolved, f.apply(t, incoming).Outcome)
	ent, _, err := f.store.GetEntity(ctx, "inventory_item", "inv-1")
	require.NoError(t, err)
	qty, _ := ent.State.GetInt("quantity")
	assert.Equal(t, int64(10), qty)
}

func TestResolve_RemoteWinsWritesCausallyLaterRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "product", "p-1", ir.OpCreate, product(450, "2026-01-15T09:00:00Z"))
	incoming := remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z"))
	res := f.apply(t, incoming)
	require.Equal(t, Conflicted, res.Outcome)

	f.clock.Advance(time.Hour)
	c, err := f.resolve(res.ConflictID, ir.RemoteWins, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, c.Status)
	assert.Equal(t, "manager-1", c.ResolvedBy)
	require.NotNil(t, c.ResolvedAt)
	assert.True(t, f.clock.Now().Equal(*c.ResolvedAt))

	ent, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	price, _ := ent.State.GetInt("price_cents")
	assert.Equal(t, int64(475), price)
	for _, snap := range c.Snapshots {
		assert.Equal(t, vclock.After, ent.Clock.Compare(snap.VectorTimestamp))
	}

	stored, err := f.store.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, stored.Status)
	assert.Equal(t, ir.RemoteWins, stored.ResolutionStrategy)
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t)

	f.write(t, "product", "p-1", ir.OpCreate, product(450, "2026-01-15T09:00:00Z"))
	res := f.apply(t, remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z")))

	t.Run("system strategy", func(t *testing.T) {
		_, err := f.resolve(res.ConflictID, ir.LastWriterWins, "manager-1")
		assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidStrategy))
	})
	t.Run("unknown conflict", func(t *testing.T) {
		_, err := f.resolve("missing", ir.LocalWins, "manager-1")
		assert.True(t, ir.IsCode(err, ir.ErrCodeConflictNotFound))
	})
	t.Run("twice", func(t *testing.T) {
		_, err := f.resolve(res.ConflictID, ir.LocalWins, "manager-1")
		require.NoError(t, err)
		_, err = f.resolve(res.ConflictID, ir.RemoteWins, "manager-2")
		assert.True(t, ir.IsCode(err, ir.ErrCodeConflictAlreadyResolved))
	})
}

func TestResolve_ClosesOtherConflictsTheResolutionSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "product", "p-1", ir.OpCreate, product(450, "2026-01-15T09:00:00Z"))
	fromB := f.apply(t, remote(t, "r-b", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z")))
	fromC := f.apply(t, remote(t, "r-c", "node-c", "product", "p-1", ir.OpCreate, vclock.Clock{"node-c": 1}, product(500, "2026-01-15T09:02:00Z")))
	require.Equal(t, Conflicted, fromB.Outcome)
	require.Equal(t, Conflicted, fromC.Outcome)

	var superseded []string
	err := f.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		_, superseded, err = f.engine.Resolve(ctx, tx, fromB.ConflictID, ir.RemoteWins, "manager-1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{fromC.ConflictID}, superseded)

	other, err := f.store.GetConflict(ctx, fromC.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, other.Status)
	assert.Equal(t, "manager-1", other.ResolvedBy)

	pending, err := f.store.CountConflicts(ctx, ir.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)

	ent, _, err := f.store.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	price, _ := ent.State.GetInt("price_cents")
	assert.Equal(t, int64(475), price)
}

func TestApply_PeerResolutionSupersedesPendingConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "product", "p-1", ir.OpCreate, product(450, "2026-01-15T09:00:00Z"))
	res := f.apply(t, remote(t, "r-1", "node-b", "product", "p-1", ir.OpCreate, vclock.Clock{"node-b": 1}, product(475, "2026-01-15T09:01:00Z")))
	require.Equal(t, Conflicted, res.Outcome)

	// node-b resolved the same conflict after seeing node-a's write.
	resolution := remote(t, "r-2", "node-b", "product", "p-1", ir.OpUpdate,
		vclock.Clock{"node-a": 1, "node-b": 2}, product(475, "2026-01-15T09:01:00Z"))
	out := f.apply(t, resolution)
	assert.Equal(t, Applied, out.Outcome)
	assert.Equal(t, []string{res.ConflictID}, out.Superseded)

	c, err := f.store.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusResolved, c.Status)
	assert.Equal(t, "peer:node-b", c.ResolvedBy)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "auto_resolved", AutoResolved.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
