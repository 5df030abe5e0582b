// Package solution transfers per-cell solution fields across forest
// adaptation, repartitioning, and checkpoints, built entirely on the
// attach/unpack surface of the forest package. It performs the restriction
// of children data onto a coarsened parent at pack time and the prolongation
// of a parent's data onto new children at unpack time; the transfer
// machinery itself never touches the field values.
package solution

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/meshtransfer/forest"
	"github.com/notargets/meshtransfer/transfer"
)

// Transfer moves one solution field with a fixed number of degrees of
// freedom per cell. Values live in a map keyed by quadrant, so parents and
// children are addressable during the asymmetric pack/unpack phases of a
// refine or coarsen transition.
type Transfer struct {
	f          *forest.Forest
	dofs       int
	childCount int

	values map[forest.Quadrant][]float64

	// restriction maps the stacked children values (dofs*childCount) onto
	// the parent (dofs); prolongation is its transpose-like inverse
	// embedding. Plain averaging and injection here; higher-order elements
	// would supply their own operators.
	restriction  *mat.Dense
	prolongation *mat.Dense

	handle     transfer.Handle
	registered bool
}

// New creates a field transfer bound to the forest.
func New(f *forest.Forest, dofsPerCell int) (*Transfer, error) {
	if dofsPerCell < 1 {
		return nil, errors.Errorf("dofs per cell %d must be positive", dofsPerCell)
	}
	k := f.ChildCount()
	restriction := mat.NewDense(dofsPerCell, dofsPerCell*k, nil)
	prolongation := mat.NewDense(dofsPerCell*k, dofsPerCell, nil)
	for c := 0; c < k; c++ {
		for d := 0; d < dofsPerCell; d++ {
			restriction.Set(d, c*dofsPerCell+d, 1/float64(k))
			prolongation.Set(c*dofsPerCell+d, d, 1)
		}
	}
	return &Transfer{
		f:            f,
		dofs:         dofsPerCell,
		childCount:   k,
		values:       make(map[forest.Quadrant][]float64),
		restriction:  restriction,
		prolongation: prolongation,
	}, nil
}

// Set assigns the field values on a cell. The slice is copied.
func (t *Transfer) Set(q forest.Quadrant, vals []float64) error {
	if len(vals) != t.dofs {
		return errors.Errorf("cell carries %d dofs, got %d values", t.dofs, len(vals))
	}
	t.values[q] = append([]float64(nil), vals...)
	return nil
}

// Get returns the field values on a cell, or nil if none are stored.
func (t *Transfer) Get(q forest.Quadrant) []float64 {
	return t.values[q]
}

// floatBytes views a float64 slice as raw bytes without copying. The view
// aliases vals and must be consumed before vals is mutated.
func floatBytes(vals []float64) []byte {
	if len(vals) == 0 {
		return nil
	}
	return photon.SliceFromPointer[byte](unsafe.Pointer(&vals[0]), len(vals)*8)
}

// copyFloats copies a raw byte payload out into a fresh float64 slice; the
// payload view expires when the unpack callback returns.
func copyFloats(data []byte) []float64 {
	if len(data) == 0 {
		return nil
	}
	view := photon.SliceFromPointer[float64](unsafe.Pointer(&data[0]), len(data)/8)
	out := make([]float64, len(view))
	copy(out, view)
	return out
}

// Prepare registers the field for the next forest event. Must be called
// before every Adapt, Repartition, or Save, and again before a Load with
// the same registration order as at save time.
func (t *Transfer) Prepare() error {
	if t.registered {
		return errors.New("field is already prepared for the next event")
	}
	h, err := t.f.RegisterDataAttach(t.pack, false)
	if err != nil {
		return err
	}
	t.handle = h
	t.registered = true
	return nil
}

func (t *Transfer) pack(q forest.Quadrant, status transfer.CellStatus) ([]byte, error) {
	switch status {
	case transfer.CellPersist, transfer.CellRefine:
		// For refine the parent payload moves as is; prolongation happens
		// on the receiving side once the children exist.
		vals, ok := t.values[q]
		if !ok {
			return nil, errors.Errorf("no field values on cell %v", q)
		}
		return floatBytes(vals), nil

	case transfer.CellCoarsen:
		stacked := mat.NewVecDense(t.dofs*t.childCount, nil)
		for c, child := range q.Children(t.childCount) {
			vals, ok := t.values[child]
			if !ok {
				return nil, errors.Errorf("no field values on child %v of coarsened cell %v", child, q)
			}
			for d, v := range vals {
				stacked.SetVec(c*t.dofs+d, v)
			}
		}
		parent := mat.NewVecDense(t.dofs, nil)
		parent.MulVec(t.restriction, stacked)
		return floatBytes(parent.RawVector().Data), nil
	}
	return nil, errors.Errorf("pack callback invoked with status %s", status)
}

// Interpolate receives the transferred field once the forest event has
// completed, prolonging parent data onto newly created children. It replaces
// the stored values wholesale: cells that no longer exist locally are
// forgotten.
func (t *Transfer) Interpolate() error {
	if !t.registered {
		return errors.New("field was not prepared before the event")
	}
	fresh := make(map[forest.Quadrant][]float64, t.f.NumLocalCells())

	err := t.f.NotifyReadyToUnpack(t.handle, func(q forest.Quadrant, status transfer.CellStatus, data []byte) error {
		switch status {
		case transfer.CellPersist, transfer.CellCoarsen:
			fresh[q] = copyFloats(data)
			return nil

		case transfer.CellRefine:
			parent := mat.NewVecDense(t.dofs, copyFloats(data))
			stacked := mat.NewVecDense(t.dofs*t.childCount, nil)
			stacked.MulVec(t.prolongation, parent)
			for c, child := range q.Children(t.childCount) {
				vals := make([]float64, t.dofs)
				for d := range vals {
					vals[d] = stacked.AtVec(c*t.dofs + d)
				}
				fresh[child] = vals
			}
			return nil
		}
		return errors.Errorf("unpack callback invoked with status %s", status)
	})
	if err != nil {
		return err
	}

	t.values = fresh
	t.registered = false
	return nil
}
