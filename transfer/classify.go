package transfer

import "github.com/pkg/errors"

// Flag is a pending refinement/coarsening flag on a locally owned cell.
// Flags on remotely owned cells are not authoritative and must not be
// presented to Classify.
type Flag uint8

const (
	FlagNone Flag = iota
	FlagRefine
	FlagCoarsen
)

// CellTopology describes one locally owned cell as seen by the classifier:
// its pending flag and enough ancestry to group sibling families. Parent is
// an arbitrary key that is equal exactly for cells sharing a parent;
// ChildIndex is the cell's position within that parent, in enumeration
// order.
type CellTopology struct {
	Parent     uint64
	ChildIndex int
	Flag       Flag
}

// StatusEntry is one slot of the post-event local enumeration. Source is the
// index of the pre-event cell anchoring the slot: the cell itself for
// persist, the not-yet-subdivided cell for refine and its invalid siblings,
// and the first child of the merged family for coarsen.
type StatusEntry struct {
	Status CellStatus
	Source int
}

// Classify maps the pre-event local cells onto the post-event local
// enumeration. Cells must be given in canonical enumeration order. For every
// refined cell it emits one refine slot followed by childCount-1 invalid
// slots; for every complete coarsen family it emits a single coarsen slot;
// everything else persists. Ownership migration is invisible here.
//
// A coarsen flag on an incomplete or non-adjacent sibling family is a
// configuration error: the surrounding mesh is expected to have resolved
// such conflicts before the event is triggered.
func Classify(cells []CellTopology, childCount int) ([]StatusEntry, error) {
	if childCount < 2 {
		return nil, errors.Wrapf(ErrConfiguration, "childCount %d must be at least 2", childCount)
	}

	entries := make([]StatusEntry, 0, len(cells))
	for i := 0; i < len(cells); {
		switch c := cells[i]; c.Flag {
		case FlagRefine:
			entries = append(entries, StatusEntry{Status: CellRefine, Source: i})
			for k := 1; k < childCount; k++ {
				entries = append(entries, StatusEntry{Status: CellInvalid, Source: i})
			}
			i++

		case FlagCoarsen:
			if c.ChildIndex != 0 {
				return nil, errors.Wrapf(ErrConfiguration,
					"cell %d flagged for coarsening is child %d of its family, expected a complete family starting at child 0",
					i, c.ChildIndex)
			}
			for k := 0; k < childCount; k++ {
				j := i + k
				if j >= len(cells) || cells[j].Parent != c.Parent ||
					cells[j].ChildIndex != k || cells[j].Flag != FlagCoarsen {
					return nil, errors.Wrapf(ErrConfiguration,
						"coarsen family starting at cell %d is incomplete at sibling %d", i, k)
				}
			}
			entries = append(entries, StatusEntry{Status: CellCoarsen, Source: i})
			i += childCount

		default:
			entries = append(entries, StatusEntry{Status: CellPersist, Source: i})
			i++
		}
	}
	return entries, nil
}
