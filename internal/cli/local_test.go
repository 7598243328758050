package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/vclock"
)

// seedDatabase creates a database with three updates to one product, all
// acknowledged by node-b.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	s, err := store.Open(path, store.WithNodeID("node-a"))
	require.NoError(t, err)

	ctx := context.Background()
	ob := outbox.New()
	for price := int64(100); price <= 300; price += 100 {
		err := s.WithTx(ctx, func(tx *store.Tx) error {
			_, err := ob.Write(ctx, tx, "product", "p-1", ir.OpUpdate, ir.Object{
				"id":          ir.String("p-1"),
				"price_cents": ir.Int(price),
			})
			return err
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordPeerAck(ctx, "node-b", vclock.Clock{"node-a": 3}))
	require.NoError(t, s.Close())
	return path
}

func TestNodeCommand(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "node", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string   `json:"status"`
		Data   NodeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "node-a", resp.Data.NodeID)
	assert.Equal(t, uint64(3), resp.Data.VectorClock.Get("node-a"))
	assert.Equal(t, 3, resp.Data.ChangeLogSize)
	assert.Equal(t, 0, resp.Data.PendingConflicts)
	require.Contains(t, resp.Data.PeerAcks, "node-b")
	assert.Equal(t, uint64(3), resp.Data.PeerAcks["node-b"].Get("node-a"))
}

func TestNodeCommand_Text(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "node", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "node-a")
	assert.Contains(t, out, "3 records")
	assert.Contains(t, out, "Ack node-b:")
}

func TestGCCommand_KeepsLatestRecord(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "gc", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data GCResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(2), resp.Data.Deleted)
	assert.Equal(t, 1, resp.Data.Remaining)
}

func TestNodeCommand_BadDatabase(t *testing.T) {
	_, err := execute(t, "node", "--db", filepath.Join(t.TempDir(), "missing", "dir", "node.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
