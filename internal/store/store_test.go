package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	s := createTestStore(t)

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("foreign_keys", "1"))
	require.NoError(t, s.verifyPragma("user_version", "1"))
	assert.Equal(t, "node-a", s.NodeID())
}

func TestOpen_GeneratesAndPersistsNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")

	s, err := Open(path)
	require.NoError(t, err)
	first := s.NodeID()
	require.NoError(t, s.Close())
	assert.Len(t, first, 36, "UUID string form")

	s, err = Open(path, WithNodeID("ignored-on-reopen"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, first, s.NodeID(), "node ID is never reused or changed")
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
}

func TestNodeClock_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c, err := s.NodeClock(ctx)
	require.NoError(t, err)
	assert.Empty(t, c)

	require.NoError(t, s.SetNodeClock(ctx, vclock.Clock{"node-a": 3, "node-b": 1}))
	c, err = s.NodeClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"node-a": 3, "node-b": 1}, c)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertChange(ctx, createTestChange(t, "node-a", 1, "p-1", ir.Object{})); err != nil {
			return err
		}
		if err := tx.SetNodeClock(ctx, vclock.Clock{"node-a": 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "change record must roll back with the transaction")

	c, err := s.NodeClock(ctx)
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestInsertChange_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := createTestChange(t, "node-b", 1, "p-1", ir.Object{"price_cents": ir.Int(100)})

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.InsertChange(ctx, rec)
		if err != nil {
			return err
		}
		second, err = tx.InsertChange(ctx, rec)
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)

	has, err := s.HasChange(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := s.GetChange(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestGetChange_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetChange(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangesSince_Delta(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertChanges(t, s,
		createTestChange(t, "node-a", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-b", 1, "p-2", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
	)

	all, more, err := s.ChangesSince(ctx, vclock.New(), 100)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"node-a-1", "node-b-1", "node-a-2"}, ids(all))

	delta, _, err := s.ChangesSince(ctx, vclock.Clock{"node-a": 1, "node-b": 1}, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a-2"}, ids(delta))

	none, _, err := s.ChangesSince(ctx, vclock.Clock{"node-a": 2, "node-b": 5}, 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestChangesSince_BoundedBatches(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var recs []ir.ChangeRecord
	for i := uint64(1); i <= 250; i++ {
		recs = append(recs, createTestChange(t, "node-a", i, "p-1", ir.Object{"n": ir.Int(int64(i))}))
	}
	insertChanges(t, s, recs...)

	since := vclock.New()
	var sizes []int
	for {
		batch, more, err := s.ChangesSince(ctx, since, 100)
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		for _, r := range batch {
			since = since.Merge(r.VectorTimestamp)
		}
		if !more {
			break
		}
	}

	assert.Equal(t, []int{100, 100, 50}, sizes)
	assert.Equal(t, uint64(250), since.Get("node-a"))
}

func TestChangesSince_ClampsLimit(t *testing.T) {
	s := createTestStore(t)
	var recs []ir.ChangeRecord
	for i := uint64(1); i <= 101; i++ {
		recs = append(recs, createTestChange(t, "node-a", i, "p-1", ir.Object{}))
	}
	insertChanges(t, s, recs...)

	batch, more, err := s.ChangesSince(context.Background(), nil, 5000)
	require.NoError(t, err)
	assert.Len(t, batch, ir.MaxBatchSize)
	assert.True(t, more)
}

func TestEntity_PutGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	ent := Entity{
		Type:         "product",
		ID:           "p-1",
		State:        ir.Object{"name": ir.String("Tea"), "price_cents": ir.Int(300)},
		Clock:        vclock.Clock{"node-a": 1},
		LastChangeID: "node-a-1",
		UpdatedAt:    at,
	}
	require.NoError(t, s.PutEntity(ctx, ent))

	got, found, err := s.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ent, got)

	ent.Deleted = true
	ent.Clock = vclock.Clock{"node-a": 2}
	require.NoError(t, s.PutEntity(ctx, ent))

	list, err := s.ListEntities(ctx, "product")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Deleted)
	assert.Equal(t, vclock.Clock{"node-a": 2}, list[0].Clock)
}

func TestEntityHistory_InLogOrder(t *testing.T) {
	s := createTestStore(t)
	insertChanges(t, s,
		createTestChange(t, "node-b", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 1, "p-2", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
	)

	hist, err := s.EntityHistory(context.Background(), "product", "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b-1", "node-a-2"}, ids(hist))
}

func ids(recs []ir.ChangeRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
