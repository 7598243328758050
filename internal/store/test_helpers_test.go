package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// createTestStore opens a fresh store in a temp dir with a fixed node ID.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNodeID("node-a"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChange builds a checksummed record from origin at counter n.
func createTestChange(t *testing.T, origin string, n uint64, entityID string, payload ir.Object) ir.ChangeRecord {
	t.Helper()
	sum, err := ir.PayloadChecksum(payload)
	require.NoError(t, err)
	return ir.ChangeRecord{
		ID:              fmt.Sprintf("%s-%d", origin, n),
		EntityType:      "product",
		EntityID:        entityID,
		Operation:       ir.OpUpdate,
		Payload:         payload,
		VectorTimestamp: vclock.Clock{origin: n},
		OriginNode:      origin,
		Checksum:        sum,
		SequenceNumber:  int64(n),
		CreatedAt:       "2026-01-15T09:30:00Z",
	}
}

func insertChanges(t *testing.T, s *Store, recs ...ir.ChangeRecord) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		for _, r := range recs {
			if _, err := tx.InsertChange(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}
