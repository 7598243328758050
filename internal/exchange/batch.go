package exchange

import (
	"context"
	"fmt"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// Source is the change log a batch is cut from. *store.Store implements it.
type Source interface {
	NodeID() string
	NodeClock(ctx context.Context) (vclock.Clock, error)
	ChangesSince(ctx context.Context, since vclock.Clock, limit int) ([]ir.ChangeRecord, bool, error)
}

// ClampLimit bounds a requested batch size to 1..ir.MaxBatchSize.
// Zero or negative means the maximum.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > ir.MaxBatchSize {
		return ir.MaxBatchSize
	}
	return limit
}

// BuildBatch cuts the next batch of records the holder of since has not seen.
func BuildBatch(ctx context.Context, src Source, since vclock.Clock, limit int) (ir.Batch, error) {
	records, hasMore, err := src.ChangesSince(ctx, since, ClampLimit(limit))
	if err != nil {
		return ir.Batch{}, fmt.Errorf("build batch: %w", err)
	}
	clock, err := src.NodeClock(ctx)
	if err != nil {
		return ir.Batch{}, fmt.Errorf("build batch: %w", err)
	}
	return ir.NewBatch(src.NodeID(), clock, records, hasMore), nil
}

// Verify checks a received batch: size bound, every record checksum, the
// cumulative checksum, and signatures when signer is non-nil.
func Verify(b ir.Batch, signer *ir.Signer) error {
	if err := b.Verify(); err != nil {
		return err
	}
	for i := range b.Records {
		if err := signer.Verify(b.Records[i]); err != nil {
			return err
		}
	}
	return nil
}
