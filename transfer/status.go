// Package transfer implements the cell-data attachment and transfer protocol
// for distributed meshes: application code registers pack callbacks against a
// registry, a refinement/repartition/serialization event packs per-cell
// payloads into contiguous buffers, the buffers are shipped to the new cell
// owners through the partitioning engine's bulk exchange, and unpack
// callbacks receive every logical payload exactly once on the receiving side.
//
// The package is generic over an opaque cell reference type C. Cell
// references are owned by the surrounding mesh structure and are only valid
// on one rank between two transfer events.
package transfer

import "github.com/pkg/errors"

// CellStatus classifies a cell's fate across one transfer cycle.
type CellStatus uint8

const (
	// CellPersist marks a cell that survives unchanged. It may still
	// migrate to a different rank; migration is handled entirely by the
	// transfer machinery and never changes the status.
	CellPersist CellStatus = iota

	// CellRefine marks the first child slot of a cell about to be
	// subdivided. The pack callback runs once on the parent; the siblings
	// carry CellInvalid so the parent's payload moves exactly once.
	CellRefine

	// CellInvalid marks a child slot other than the first during a refine
	// transition. It carries no payload and triggers no callbacks.
	CellInvalid

	// CellCoarsen marks the parent-to-be of a sibling family about to be
	// merged. The children are still readable at pack time and gone at
	// unpack time.
	CellCoarsen
)

func (s CellStatus) String() string {
	switch s {
	case CellPersist:
		return "persist"
	case CellRefine:
		return "refine"
	case CellInvalid:
		return "invalid"
	case CellCoarsen:
		return "coarsen"
	}
	return "unknown"
}

func (s CellStatus) valid() bool {
	return s <= CellCoarsen
}

// Relation ties one slot of the local cell enumeration to a cell reference
// and its status for the current cycle. The slice of relations handed to
// Pack and Unpack must follow the partitioning engine's canonical local
// order exactly, or payloads end up attributed to the wrong cells.
type Relation[C any] struct {
	Cell   C
	Status CellStatus
}

var (
	// ErrConfiguration marks fatal configuration errors: inconsistent
	// callback output sizes, registration count mismatches between save
	// and load, unknown handles. There is no recovery; the cycle must be
	// aborted.
	ErrConfiguration = errors.New("transfer configuration error")

	// ErrProtocol marks fatal protocol violations: registering after a
	// pack cycle started, unpacking before statuses were reconstructed,
	// unpacking the same handle twice.
	ErrProtocol = errors.New("transfer protocol violation")
)
