package partitions

import (
	"sort"

	"github.com/pkg/errors"
)

// Rank identifies a process in the distributed set
type Rank int

// OwnershipMap records which contiguous range of the canonical cell
// enumeration belongs to which rank. Cells are enumerated globally in the
// partitioning engine's required local order, rank by rank, so ownership
// is fully described by the first global index held by each rank.
//
// FirstCell has length NumRanks+1; rank r owns the half-open interval
// [FirstCell[r], FirstCell[r+1]). The final entry is the global cell count.
type OwnershipMap struct {
	FirstCell []int64
}

// NewOwnershipMap builds a map from an explicit per-rank first-cell table.
// The table must include the trailing global-count entry.
func NewOwnershipMap(firstCell []int64) (*OwnershipMap, error) {
	m := &OwnershipMap{FirstCell: firstCell}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewBalancedMap splits totalCells across numRanks as evenly as possible,
// giving earlier ranks the remainder cells. This is the post-repartition
// layout produced by the engine's uniform load balancing.
func NewBalancedMap(numRanks int, totalCells int64) *OwnershipMap {
	firstCell := make([]int64, numRanks+1)
	per := totalCells / int64(numRanks)
	rem := totalCells % int64(numRanks)
	for r := 0; r < numRanks; r++ {
		firstCell[r+1] = firstCell[r] + per
		if int64(r) < rem {
			firstCell[r+1]++
		}
	}
	return &OwnershipMap{FirstCell: firstCell}
}

// NumRanks returns the number of ranks covered by the map.
func (m *OwnershipMap) NumRanks() int {
	return len(m.FirstCell) - 1
}

// NumCells returns the global cell count.
func (m *OwnershipMap) NumCells() int64 {
	return m.FirstCell[len(m.FirstCell)-1]
}

// Range returns the half-open global index interval owned by rank r.
func (m *OwnershipMap) Range(r Rank) (lo, hi int64) {
	return m.FirstCell[r], m.FirstCell[r+1]
}

// NumLocalCells returns the number of cells owned by rank r.
func (m *OwnershipMap) NumLocalCells(r Rank) int {
	lo, hi := m.Range(r)
	return int(hi - lo)
}

// Owner returns the rank owning global cell index idx.
func (m *OwnershipMap) Owner(idx int64) Rank {
	// First rank whose range ends beyond idx. Empty ranks are skipped
	// naturally because their ranges are empty intervals.
	r := sort.Search(m.NumRanks(), func(r int) bool {
		return m.FirstCell[r+1] > idx
	})
	return Rank(r)
}

// Validate checks the map is monotone and starts at zero.
func (m *OwnershipMap) Validate() error {
	if len(m.FirstCell) < 2 {
		return errors.New("ownership map needs at least one rank")
	}
	if m.FirstCell[0] != 0 {
		return errors.Errorf("ownership map must start at cell 0, got %d", m.FirstCell[0])
	}
	for r := 1; r < len(m.FirstCell); r++ {
		if m.FirstCell[r] < m.FirstCell[r-1] {
			return errors.Errorf("ownership map not monotone at rank %d: %d < %d",
				r-1, m.FirstCell[r], m.FirstCell[r-1])
		}
	}
	return nil
}

// Stats captures load balance metrics across ranks
type Stats struct {
	NumRanks  int
	MinCells  int
	MaxCells  int
	AvgCells  float64
	Imbalance float64 // MaxCells / AvgCells
}

// Stats computes load balance metrics for the map.
func (m *OwnershipMap) Stats() Stats {
	s := Stats{
		NumRanks: m.NumRanks(),
		MinCells: int(m.NumCells()),
		AvgCells: float64(m.NumCells()) / float64(m.NumRanks()),
	}
	for r := 0; r < m.NumRanks(); r++ {
		n := m.NumLocalCells(Rank(r))
		if n < s.MinCells {
			s.MinCells = n
		}
		if n > s.MaxCells {
			s.MaxCells = n
		}
	}
	if s.AvgCells > 0 {
		s.Imbalance = float64(s.MaxCells) / s.AvgCells
	}
	return s
}
