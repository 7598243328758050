package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

func TestRecordPeerAck_MergesForward(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 5}))
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 3, "node-c": 1}))
	require.NoError(t, s.RecordPeerAck(ctx, "node-a", vclock.Clock{"node-a": 9}), "own acks are ignored")

	acks, err := s.PeerAcks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]vclock.Clock{"node-b": {"node-a": 5, "node-c": 1}}, acks)
}

func TestCollectGarbage_NoPeersKeepsEverything(t *testing.T) {
	s := createTestStore(t)
	insertChanges(t, s,
		createTestChange(t, "node-a", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
	)

	n, err := s.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCollectGarbage_DeletesAcknowledgedButKeepsLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertChanges(t, s,
		createTestChange(t, "node-a", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 3, "p-2", ir.Object{}),
		createTestChange(t, "node-a", 4, "p-1", ir.Object{}),
	)
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 4}))
	require.NoError(t, s.RecordPeerAck(ctx, "node-c", vclock.Clock{"node-a": 4}))

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "node-a-1 and node-a-2 precede node-a-4, which every peer holds")

	left, _, err := s.ChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a-3", "node-a-4"}, ids(left))
}

func TestCollectGarbage_KeepsHistoryUntilEveryPeerHoldsLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertChanges(t, s,
		createTestChange(t, "node-a", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 3, "p-1", ir.Object{}),
	)
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 3}))
	require.NoError(t, s.RecordPeerAck(ctx, "node-c", vclock.Clock{"node-a": 2}))

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "node-c may still write concurrently with node-a-3 and need its ancestor")

	left, _, err := s.ChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestCollectGarbage_KeepsConcurrentHistory(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := createTestChange(t, "node-a", 1, "note-x", ir.Object{})
	fromA := createTestChange(t, "node-a", 2, "note-x", ir.Object{})
	fromB := createTestChange(t, "node-b", 1, "note-x", ir.Object{})
	fromB.VectorTimestamp = vclock.Clock{"node-a": 1, "node-b": 1}
	insertChanges(t, s, base, fromA, fromB)

	ack := vclock.Clock{"node-a": 2, "node-b": 1}
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", ack))

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no record is after both concurrent edits, so a joining peer needs all of them")

	left, _, err := s.ChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a-1", "node-a-2", "node-b-1"}, ids(left))

	// A later edit on top of both makes the whole history collectable.
	merged := createTestChange(t, "node-a", 3, "note-x", ir.Object{})
	merged.VectorTimestamp = vclock.Clock{"node-a": 3, "node-b": 1}
	insertChanges(t, s, merged)
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", merged.VectorTimestamp))

	n, err = s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, _, err = s.ChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a-3"}, ids(left))
}

func TestCollectGarbage_WaitsForUnpulledPeerRecords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertChanges(t, s,
		createTestChange(t, "node-a", 1, "p-1", ir.Object{}),
		createTestChange(t, "node-a", 2, "p-1", ir.Object{}),
	)
	// node-b acknowledged with a record of its own this node has not pulled.
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 2, "node-b": 1}))

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAckFloor(t *testing.T) {
	floor := ackFloor(map[string]vclock.Clock{
		"node-b": {"node-a": 4, "node-b": 2},
		"node-c": {"node-a": 2, "node-c": 7},
	})
	assert.Equal(t, uint64(2), floor.Get("node-a"))
	assert.Zero(t, floor.Get("node-b"))
	assert.Zero(t, floor.Get("node-c"))
}
