// Package forest provides the partitioning-engine side of the cell-data
// transfer protocol: a Morton-ordered quadrant forest distributed over a set
// of in-process ranks, the ownership bookkeeping for its canonical
// enumeration, and the bulk collective exchange the transfer machinery runs
// on. It owns the registry and transferer and exposes the application-facing
// attach/unpack surface.
package forest

import "encoding/binary"

// Quadrant identifies one cell of the forest by its refinement level and its
// Morton index within that level. Children of (l, i) are
// (l+1, i*childCount+k) in enumeration order, which keeps the canonical
// local order a simple ascending walk.
type Quadrant struct {
	Level uint8
	Index uint64
}

// Parent returns the quadrant one level up.
func (q Quadrant) Parent(childCount int) Quadrant {
	return Quadrant{Level: q.Level - 1, Index: q.Index / uint64(childCount)}
}

// ChildIndex returns the quadrant's position within its sibling family.
func (q Quadrant) ChildIndex(childCount int) int {
	return int(q.Index % uint64(childCount))
}

// Child returns the k-th child of the quadrant.
func (q Quadrant) Child(childCount, k int) Quadrant {
	return Quadrant{Level: q.Level + 1, Index: q.Index*uint64(childCount) + uint64(k)}
}

// Children returns all children of the quadrant in enumeration order.
func (q Quadrant) Children(childCount int) []Quadrant {
	children := make([]Quadrant, childCount)
	for k := range children {
		children[k] = q.Child(childCount, k)
	}
	return children
}

// familyKey folds the parent quadrant into a single comparable key used to
// group sibling families during classification. The forest's level bound
// keeps indices below 2^55, so the packing is collision free.
func (q Quadrant) familyKey(childCount int) uint64 {
	p := q.Parent(childCount)
	return uint64(p.Level)<<55 | p.Index
}

// quadrantEncodedSize is the wire size of one quadrant record.
const quadrantEncodedSize = 9

func (q Quadrant) encode(dst []byte) {
	dst[0] = q.Level
	binary.LittleEndian.PutUint64(dst[1:], q.Index)
}

func decodeQuadrant(src []byte) Quadrant {
	return Quadrant{Level: src[0], Index: binary.LittleEndian.Uint64(src[1:])}
}
