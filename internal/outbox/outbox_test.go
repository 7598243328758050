package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/testutil"
	"github.com/roach88/vaultsync/internal/vclock"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"), store.WithNodeID("node-a"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOutbox(opts ...Option) *Outbox {
	clock := testutil.NewFakeClock(time.Time{})
	base := []Option{
		WithIDGenerator(testutil.NewSequenceGenerator("rec")),
		WithNow(clock.Now),
	}
	return New(append(base, opts...)...)
}

func TestAppend_StampsAndAdvancesClock(t *testing.T) {
	s := openStore(t)
	ob := newTestOutbox()
	ctx := context.Background()

	var first, second ir.ChangeRecord
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		first, err = ob.Append(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{"name": ir.String("Tea")})
		if err != nil {
			return err
		}
		second, err = ob.Append(ctx, tx, "product", "p-1", ir.OpUpdate, ir.Object{"name": ir.String("Green Tea")})
		return err
	}))

	assert.Equal(t, "rec-1", first.ID)
	assert.Equal(t, vclock.Clock{"node-a": 1}, first.VectorTimestamp)
	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, "node-a", first.OriginNode)
	assert.Equal(t, "2026-01-15T09:00:00Z", first.CreatedAt)
	require.NoError(t, ir.VerifyRecord(first))

	assert.Equal(t, vclock.Clock{"node-a": 2}, second.VectorTimestamp)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, vclock.After, second.VectorTimestamp.Compare(first.VectorTimestamp))

	c, err := s.NodeClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"node-a": 2}, c)
}

func TestAppend_OnlyIncrementsOwnCounter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetNodeClock(ctx, vclock.Clock{"node-b": 7}))

	var rec ir.ChangeRecord
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = newTestOutbox().Append(ctx, tx, "product", "p-1", ir.OpUpdate, ir.Object{})
		return err
	}))

	assert.Equal(t, vclock.Clock{"node-a": 1, "node-b": 7}, rec.VectorTimestamp)
}

func TestAppend_RollsBackWithBusinessWrite(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	failed := errors.New("payment declined")

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := newTestOutbox().Write(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{}); err != nil {
			return err
		}
		return failed
	})
	require.ErrorIs(t, err, failed)

	n, err := s.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, found, err := s.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.False(t, found)

	c, err := s.NodeClock(ctx)
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestAppend_SerializationFailureIsFatal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := newTestOutbox().Append(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{"bad": badValue{}})
		return err
	})
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeSerialization), err.Error())

	n, err := s.ChangeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// badValue satisfies ir.Value without being one of the encodable kinds.
type badValue struct{ ir.Value }

func TestAppend_RejectsInvalidInput(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ob := newTestOutbox()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := ob.Append(ctx, tx, "product", "p-1", ir.Operation("Upsert"), ir.Object{})
		return err
	})
	assert.Error(t, err)

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := ob.Append(ctx, tx, "", "p-1", ir.OpCreate, ir.Object{})
		return err
	})
	assert.Error(t, err)
}

type rejectAll struct{}

func (rejectAll) Validate(entityType string, _ ir.Object) error {
	return ir.NewSyncError(ir.ErrCodeSchemaViolation, entityType, nil)
}

func TestAppend_ValidatesNonDeletes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ob := newTestOutbox(WithValidator(rejectAll{}))

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := ob.Append(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{})
		return err
	})
	assert.True(t, ir.IsCode(err, ir.ErrCodeSchemaViolation))

	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := ob.Append(ctx, tx, "product", "p-1", ir.OpDelete, ir.Object{})
		return err
	})
	assert.NoError(t, err, "deletes carry the last state and are not re-validated")
}

func TestAppend_Signs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	signer := ir.NewSigner("secret")

	var rec ir.ChangeRecord
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = newTestOutbox(WithSigner(signer)).Append(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{})
		return err
	}))

	assert.NotEmpty(t, rec.Signature)
	assert.NoError(t, signer.Verify(rec))
}

func TestWrite_MaterializesEntity(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ob := newTestOutbox()

	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := ob.Write(ctx, tx, "product", "p-1", ir.OpCreate, ir.Object{"name": ir.String("Tea")}); err != nil {
			return err
		}
		_, err := ob.Write(ctx, tx, "product", "p-1", ir.OpDelete, ir.Object{"name": ir.String("Tea")})
		return err
	}))

	ent, found, err := s.GetEntity(ctx, "product", "p-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ent.Deleted)
	assert.Equal(t, vclock.Clock{"node-a": 2}, ent.Clock)
	assert.Equal(t, "rec-2", ent.LastChangeID)
}
