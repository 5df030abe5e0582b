package transfer

import (
	"context"

	"github.com/notargets/meshtransfer/partitions"
)

// Exchanger is the bulk communication substrate supplied by the partitioning
// engine. Every method is collective: all ranks must call the same method in
// the same logical step with compatible arguments, or the exchange blocks
// forever. There is no cancellation of a partially completed exchange.
type Exchanger interface {
	// Rank returns this process's index.
	Rank() partitions.Rank

	// Size returns the number of participating ranks.
	Size() int

	// Agree resolves a small metadata vector collectively. Ranks that could
	// not compute the vector locally (for example because they own no
	// cells) pass nil; all ranks receive the common value. Differing
	// non-nil contributions fail the collective on every rank.
	Agree(ctx context.Context, local []uint32) ([]uint32, error)

	// TransferFixed ships one fixed-size record per cell from the prev
	// ownership layout to the curr layout and returns the records for this
	// rank's cells under curr. Ranks that packed no records pass
	// bytesPerCell 0; ranks with records must pass equal values.
	TransferFixed(ctx context.Context, prev, curr *partitions.OwnershipMap,
		src []byte, bytesPerCell int) ([]byte, error)

	// TransferVariable ships one variable-length record per cell, described
	// by srcSizes (one entry per cell owned under prev). It returns the
	// received buffer together with the per-cell sizes under curr.
	TransferVariable(ctx context.Context, prev, curr *partitions.OwnershipMap,
		src []byte, srcSizes []uint32) ([]byte, []uint32, error)

	// PrefixSum returns the exclusive prefix sum of v over ranks together
	// with the total across all ranks. Used to compute byte offsets into
	// the shared store.
	PrefixSum(ctx context.Context, v int64) (prefix, total int64, err error)
}
