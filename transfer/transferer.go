package transfer

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/meshtransfer/partitions"
)

// slot locates one registration within the frozen byte layout of a cycle.
type slot struct {
	variable bool
	pos      int // position among registrations of the same kind
}

// Transferer owns every buffer of one pack/transfer/unpack cycle and is the
// only component allowed to touch them while a cycle is in flight. After the
// cycle completes (all handles unpacked, or Clear called) the buffers are
// released and every byte-range view handed to callbacks becomes invalid.
//
// The fixed-stride record written per enumeration slot is laid out as
//
//	[1B status][fixed payloads in registration order][u32 size per variable registration]
//
// so the status and the variable chunk sizes always travel with the payload.
// Invalid slots keep their record (the receiving rank reads the status from
// it) but carry zeroed payload bytes.
type Transferer[C any] struct {
	log *zap.Logger

	// layout, frozen by Pack for the duration of the cycle
	numFixed    int
	numVariable int
	// cumulative payload offsets within a record: sizesFixedCumulative[0]
	// is 1 (the status byte), entry f+1 is the end of fixed payload f. The
	// u32 variable-size slots follow, so the record stride is
	// sizesFixedCumulative[numFixed] + 4*numVariable.
	sizesFixedCumulative []uint32

	slots   map[Handle]slot
	pending map[Handle]struct{}

	executed       bool
	statusUnpacked bool
	variableStored bool

	srcFixed       []byte
	destFixed      []byte
	srcSizesVar    []uint32
	destSizesVar   []uint32
	srcDataVar     []byte
	destDataVar    []byte
	destVarOffsets []int // per received cell, start of its chunk in destDataVar
}

// NewTransferer creates an idle Transferer. The logger may be nil.
func NewTransferer[C any](log *zap.Logger) *Transferer[C] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transferer[C]{log: log}
}

func (t *Transferer[C]) stride() int {
	if len(t.sizesFixedCumulative) == 0 {
		return 0
	}
	return int(t.sizesFixedCumulative[t.numFixed]) + 4*t.numVariable
}

// Outstanding returns the number of handles from the current cycle that have
// not been unpacked yet.
func (t *Transferer[C]) Outstanding() int {
	return len(t.pending)
}

func (t *Transferer[C]) inFlight() bool {
	return t.srcFixed != nil || t.destFixed != nil || t.executed || len(t.pending) > 0
}

// Clear releases all buffers and resets the layout so the Transferer can be
// reused for an unrelated cycle. Calling it repeatedly is harmless.
func (t *Transferer[C]) Clear() {
	t.numFixed = 0
	t.numVariable = 0
	t.sizesFixedCumulative = nil
	t.slots = nil
	t.pending = nil
	t.executed = false
	t.statusUnpacked = false
	t.variableStored = false
	t.srcFixed = nil
	t.destFixed = nil
	t.srcSizesVar = nil
	t.destSizesVar = nil
	t.srcDataVar = nil
	t.destDataVar = nil
	t.destVarOffsets = nil
}

// Pack consumes the registry and serializes every registration's payload for
// every relation slot. Relations must follow the canonical local enumeration
// of the post-event, pre-repartition layout. Each callback runs exactly once
// per logical unit: invalid slots are skipped entirely, refine slots run the
// callbacks on the parent, coarsen slots on the parent-to-be.
func (t *Transferer[C]) Pack(relations []Relation[C], registry *Registry[C]) error {
	if t.inFlight() {
		return errors.Wrap(ErrProtocol, "pack called while the previous cycle still owns buffers; call Clear first")
	}

	entries := registry.consume()
	var fixed, variable []registration[C]
	t.slots = make(map[Handle]slot, len(entries))
	t.pending = make(map[Handle]struct{}, len(entries))
	for _, e := range entries {
		if e.variable {
			t.slots[e.handle] = slot{variable: true, pos: len(variable)}
			variable = append(variable, e)
		} else {
			t.slots[e.handle] = slot{variable: false, pos: len(fixed)}
			fixed = append(fixed, e)
		}
		t.pending[e.handle] = struct{}{}
	}
	t.numFixed = len(fixed)
	t.numVariable = len(variable)
	t.variableStored = t.numVariable > 0

	for i, rel := range relations {
		if !rel.Status.valid() {
			return errors.Wrapf(ErrConfiguration, "relation %d carries unknown status %d", i, rel.Status)
		}
	}

	// Variable payloads first: their per-cell sizes live in the fixed
	// records, so they must be known before records are assembled.
	perCellVarSizes := make([][]uint32, len(relations))
	if t.variableStored {
		t.srcSizesVar = make([]uint32, len(relations))
		for i, rel := range relations {
			if rel.Status == CellInvalid {
				continue
			}
			sizes := make([]uint32, t.numVariable)
			for v, e := range variable {
				data, err := e.pack(rel.Cell, rel.Status)
				if err != nil {
					return errors.Wrapf(err, "variable-size pack callback %d failed on cell %d", v, i)
				}
				sizes[v] = uint32(len(data))
				t.srcSizesVar[i] += uint32(len(data))
				t.srcDataVar = append(t.srcDataVar, data...)
			}
			perCellVarSizes[i] = sizes
		}
	}

	// Fixed payloads: sizes are discovered from the first slot that
	// invokes the callbacks and must stay constant afterwards.
	fixedSizes := make([]int, t.numFixed)
	for f := range fixedSizes {
		fixedSizes[f] = -1
	}
	fixedOut := make([][][]byte, len(relations))
	for i, rel := range relations {
		if rel.Status == CellInvalid {
			continue
		}
		out := make([][]byte, t.numFixed)
		for f, e := range fixed {
			data, err := e.pack(rel.Cell, rel.Status)
			if err != nil {
				return errors.Wrapf(err, "fixed-size pack callback %d failed on cell %d", f, i)
			}
			if fixedSizes[f] == -1 {
				fixedSizes[f] = len(data)
			} else if fixedSizes[f] != len(data) {
				return errors.Wrapf(ErrConfiguration,
					"fixed-size pack callback %d returned %d bytes on cell %d, expected %d",
					f, len(data), i, fixedSizes[f])
			}
			out[f] = data
		}
		fixedOut[i] = out
	}

	if len(relations) > 0 {
		t.sizesFixedCumulative = make([]uint32, t.numFixed+1)
		t.sizesFixedCumulative[0] = 1
		for f, size := range fixedSizes {
			if size == -1 {
				size = 0
			}
			t.sizesFixedCumulative[f+1] = t.sizesFixedCumulative[f] + uint32(size)
		}

		stride := t.stride()
		t.srcFixed = make([]byte, len(relations)*stride)
		for i, rel := range relations {
			rec := t.srcFixed[i*stride : (i+1)*stride]
			rec[0] = byte(rel.Status)
			if rel.Status == CellInvalid {
				continue
			}
			for f, data := range fixedOut[i] {
				copy(rec[t.sizesFixedCumulative[f]:], data)
			}
			if t.variableStored {
				varBase := int(t.sizesFixedCumulative[t.numFixed])
				for v, size := range perCellVarSizes[i] {
					binary.LittleEndian.PutUint32(rec[varBase+4*v:], size)
				}
			}
		}
	}

	t.log.Debug("packed cell data",
		zap.Int("cells", len(relations)),
		zap.Int("fixedRegistrations", t.numFixed),
		zap.Int("variableRegistrations", t.numVariable),
		zap.Int("fixedBytes", len(t.srcFixed)),
		zap.Int("variableBytes", len(t.srcDataVar)))
	return nil
}

// agreeLayout resolves the record layout collectively so ranks that packed
// no cells still learn the stride and payload offsets.
func (t *Transferer[C]) agreeLayout(ctx context.Context, exch Exchanger) error {
	agreed, err := exch.Agree(ctx, t.sizesFixedCumulative)
	if err != nil {
		return errors.Wrap(err, "agree on record layout")
	}
	if agreed != nil && len(agreed) != t.numFixed+1 {
		return errors.Wrapf(ErrConfiguration,
			"record layout has %d fixed registrations, this rank registered %d; registrations must match on every rank",
			len(agreed)-1, t.numFixed)
	}
	t.sizesFixedCumulative = agreed
	return nil
}

// Execute ships the packed buffers from the prev ownership layout to curr.
// This is a collective, blocking step: every rank must call it in the same
// logical step with the same ownership maps.
func (t *Transferer[C]) Execute(ctx context.Context, exch Exchanger, prev, curr *partitions.OwnershipMap) error {
	if t.slots == nil {
		return errors.Wrap(ErrProtocol, "execute called before pack")
	}
	if t.executed {
		return errors.Wrap(ErrProtocol, "execute called twice in one cycle")
	}
	if prev.NumCells() != curr.NumCells() {
		return errors.Wrapf(ErrConfiguration,
			"ownership maps disagree on cell count: %d before, %d after",
			prev.NumCells(), curr.NumCells())
	}
	if err := t.agreeLayout(ctx, exch); err != nil {
		return err
	}

	stride := t.stride()
	destFixed, err := exch.TransferFixed(ctx, prev, curr, t.srcFixed, stride)
	if err != nil {
		return errors.Wrap(err, "transfer fixed-size buffer")
	}
	t.destFixed = destFixed

	if t.variableStored {
		destVar, destSizes, err := exch.TransferVariable(ctx, prev, curr, t.srcDataVar, t.srcSizesVar)
		if err != nil {
			return errors.Wrap(err, "transfer variable-size buffer")
		}
		t.destDataVar = destVar
		t.destSizesVar = destSizes
		t.rebuildVarOffsets()
	}

	// Source buffers are dead once the exchange completes.
	t.srcFixed = nil
	t.srcSizesVar = nil
	t.srcDataVar = nil
	t.executed = true

	t.log.Debug("transfer executed",
		zap.Int("fixedBytes", len(t.destFixed)),
		zap.Int("variableBytes", len(t.destDataVar)))
	return nil
}

func (t *Transferer[C]) rebuildVarOffsets() {
	t.destVarOffsets = make([]int, len(t.destSizesVar))
	off := 0
	for i, size := range t.destSizesVar {
		t.destVarOffsets[i] = off
		off += int(size)
	}
}

// UnpackCellStatus reconstructs every relation's status from the transferred
// records. It must run once per cycle before any Unpack call: the receiving
// rank may be a brand-new owner that never observed the pre-event state, so
// the status must come off the wire, never from local flags.
func (t *Transferer[C]) UnpackCellStatus(relations []Relation[C]) error {
	if !t.executed {
		return errors.Wrap(ErrProtocol, "unpack of cell statuses called before execute or load")
	}
	stride := t.stride()
	if stride == 0 {
		// No registrations packed anything anywhere; every slot persists.
		for i := range relations {
			relations[i].Status = CellPersist
		}
		t.statusUnpacked = true
		return nil
	}
	if len(t.destFixed) != len(relations)*stride {
		return errors.Wrapf(ErrConfiguration,
			"received %d fixed bytes for %d relations at stride %d",
			len(t.destFixed), len(relations), stride)
	}
	for i := range relations {
		s := CellStatus(t.destFixed[i*stride])
		if !s.valid() {
			return errors.Wrapf(ErrConfiguration, "record %d carries unknown status %d", i, s)
		}
		relations[i].Status = s
	}
	t.statusUnpacked = true
	return nil
}

// Unpack delivers the payload of one registration back to the application.
// The relations must be the same slice annotated by UnpackCellStatus, with
// cell references rewritten by the caller where the status demands it (the
// parent for refine slots). The callback runs exactly once per persist,
// coarsen, and refine slot; invalid slots are skipped symmetrically with the
// pack side. Payload views are valid only during the callback.
func (t *Transferer[C]) Unpack(handle Handle, relations []Relation[C], cb UnpackFunc[C]) error {
	if !t.statusUnpacked {
		return errors.Wrap(ErrProtocol, "unpack called before unpack of cell statuses")
	}
	sl, ok := t.slots[handle]
	if !ok {
		return errors.Wrapf(ErrConfiguration, "handle %d does not belong to this cycle's registrations", handle)
	}
	if _, ok := t.pending[handle]; !ok {
		return errors.Wrapf(ErrProtocol, "handle %d was already unpacked this cycle", handle)
	}
	if len(t.sizesFixedCumulative) == 0 {
		// Registrations exist but no rank packed a single cell.
		delete(t.pending, handle)
		return nil
	}

	stride := t.stride()
	varBase := int(t.sizesFixedCumulative[t.numFixed])
	for i := range relations {
		rel := &relations[i]
		if rel.Status == CellInvalid {
			continue
		}
		rec := t.destFixed[i*stride : (i+1)*stride]
		if got := CellStatus(rec[0]); got != rel.Status {
			return errors.Wrapf(ErrConfiguration,
				"relation %d has status %s but its record says %s; enumeration order diverged",
				i, rel.Status, got)
		}

		var data []byte
		if sl.variable {
			skip := 0
			for v := 0; v < sl.pos; v++ {
				skip += int(binary.LittleEndian.Uint32(rec[varBase+4*v:]))
			}
			length := int(binary.LittleEndian.Uint32(rec[varBase+4*sl.pos:]))
			start := t.destVarOffsets[i] + skip
			data = t.destDataVar[start : start+length : start+length]
		} else {
			begin := int(t.sizesFixedCumulative[sl.pos])
			end := int(t.sizesFixedCumulative[sl.pos+1])
			data = rec[begin:end:end]
		}
		if err := cb(rel.Cell, rel.Status, data); err != nil {
			return errors.Wrapf(err, "unpack callback for handle %d failed on relation %d", handle, i)
		}
	}

	delete(t.pending, handle)
	return nil
}
