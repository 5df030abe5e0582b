package transfer

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap"

	"github.com/notargets/meshtransfer/partitions"
	"github.com/notargets/meshtransfer/store"
)

const saveFormatVersion = 1

// saveHeader describes the layout of a checkpointed fixed-size data file.
// Every rank derives its own read/write offsets from it, so the registration
// counts and cumulative sizes recorded at save time are authoritative at
// load time.
type saveHeader struct {
	Version              uint32
	CellCount            uint64
	NumFixed             uint32
	NumVariable          uint32
	SizesFixedCumulative []uint32
}

// EncodeScale implements scale.Encodable.
func (h *saveHeader) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact32(enc, h.Version)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, h.CellCount)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, h.NumFixed)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, h.NumVariable)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, uint32(len(h.SizesFixedCumulative)))
		if err != nil {
			return total, err
		}
		total += n
	}
	for _, v := range h.SizesFixedCumulative {
		n, err := scale.EncodeCompact32(enc, v)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale.Decodable.
func (h *saveHeader) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.Version = v
	}
	{
		v, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.CellCount = v
	}
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.NumFixed = v
	}
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.NumVariable = v
	}
	var count uint32
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		count = v
	}
	h.SizesFixedCumulative = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.SizesFixedCumulative = append(h.SizesFixedCumulative, v)
	}
	return total, nil
}

func (h *saveHeader) encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.EncodeScale(scale.NewEncoder(&buf)); err != nil {
		return nil, errors.Wrap(err, "encode save header")
	}
	framed := make([]byte, 4+buf.Len())
	binary.LittleEndian.PutUint32(framed, uint32(buf.Len()))
	copy(framed[4:], buf.Bytes())
	return framed, nil
}

func fixedFileName(name string) string    { return name + "-fixed.data" }
func variableFileName(name string) string { return name + "-variable.data" }

// Save writes the packed buffers of the current cycle to the shared store.
// Collective: every rank writes its own ranges, rank 0 additionally writes
// the header. Serialization never represents mid-transition cells, so every
// packed record must carry a persist status.
//
// The fixed file holds a length-framed header followed by the stride records
// in global enumeration order. The variable file holds a table of
// (cellCount+1) u64 byte offsets followed by the concatenated variable
// chunks; offsets are absolute within the data region.
func (t *Transferer[C]) Save(ctx context.Context, exch Exchanger, curr *partitions.OwnershipMap,
	st *store.Store, name string,
) error {
	if t.slots == nil {
		return errors.Wrap(ErrProtocol, "save called before pack")
	}
	if t.executed {
		return errors.Wrap(ErrProtocol, "save called after execute; a cycle feeds either a transfer or a save, not both")
	}
	if err := t.agreeLayout(ctx, exch); err != nil {
		return err
	}

	stride := t.stride()
	lo, hi := curr.Range(exch.Rank())
	if stride > 0 && len(t.srcFixed) != int(hi-lo)*stride {
		return errors.Wrapf(ErrConfiguration,
			"packed %d fixed bytes but this rank owns %d cells at stride %d; the pack enumeration does not match the ownership map",
			len(t.srcFixed), hi-lo, stride)
	}
	if t.variableStored && len(t.srcSizesVar) != int(hi-lo) {
		return errors.Wrapf(ErrConfiguration,
			"packed %d variable size entries but this rank owns %d cells",
			len(t.srcSizesVar), hi-lo)
	}
	for i := 0; i*stride < len(t.srcFixed); i++ {
		if s := CellStatus(t.srcFixed[i*stride]); s != CellPersist {
			return errors.Wrapf(ErrConfiguration,
				"save requires every cell to persist, record %d has status %s", i, s)
		}
	}

	hdr := saveHeader{
		Version:              saveFormatVersion,
		CellCount:            uint64(curr.NumCells()),
		NumFixed:             uint32(t.numFixed),
		NumVariable:          uint32(t.numVariable),
		SizesFixedCumulative: t.sizesFixedCumulative,
	}
	framed, err := hdr.encode()
	if err != nil {
		return err
	}
	base := int64(len(framed))

	if exch.Rank() == 0 {
		if err := st.WriteAt(fixedFileName(name), 0, framed); err != nil {
			return err
		}
	}
	if len(t.srcFixed) > 0 {
		if err := st.WriteAt(fixedFileName(name), base+lo*int64(stride), t.srcFixed); err != nil {
			return err
		}
	}

	if t.variableStored {
		start, total, err := exch.PrefixSum(ctx, int64(len(t.srcDataVar)))
		if err != nil {
			return errors.Wrap(err, "prefix sum of variable byte counts")
		}

		n := int(hi - lo)
		table := make([]byte, 8*n)
		off := start
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(table[8*i:], uint64(off))
			off += int64(t.srcSizesVar[i])
		}
		if n > 0 {
			if err := st.WriteAt(variableFileName(name), 8*lo, table); err != nil {
				return err
			}
		}
		if hi == curr.NumCells() {
			closing := make([]byte, 8)
			binary.LittleEndian.PutUint64(closing, uint64(total))
			if err := st.WriteAt(variableFileName(name), 8*hi, closing); err != nil {
				return err
			}
		}

		dataBase := 8 * (curr.NumCells() + 1)
		if len(t.srcDataVar) > 0 {
			if err := st.WriteAt(variableFileName(name), dataBase+start, t.srcDataVar); err != nil {
				return err
			}
		}
	}

	t.log.Debug("saved cell data",
		zap.String("name", name),
		zap.Int64("cells", curr.NumCells()),
		zap.Int("fixedBytes", len(t.srcFixed)),
		zap.Int("variableBytes", len(t.srcDataVar)))
	return nil
}

// Load reads this rank's ranges of a previously saved checkpoint under the
// given (possibly repartitioned) ownership map. The registry must have been
// refilled with the same registrations, in the same order, as at save time;
// a count mismatch is fatal since buffer offsets cannot be aligned
// otherwise. All statuses are forced to persist. After Load, unpack proceeds
// exactly as after Execute.
func (t *Transferer[C]) Load(ctx context.Context, exch Exchanger, curr *partitions.OwnershipMap,
	st *store.Store, name string, registry *Registry[C],
) error {
	if t.inFlight() {
		return errors.Wrap(ErrProtocol, "load called while a previous cycle still owns buffers; call Clear first")
	}

	frame := make([]byte, 4)
	if err := st.ReadAt(fixedFileName(name), 0, frame); err != nil {
		return err
	}
	headerBytes := make([]byte, binary.LittleEndian.Uint32(frame))
	if err := st.ReadAt(fixedFileName(name), 4, headerBytes); err != nil {
		return err
	}
	var hdr saveHeader
	if _, err := hdr.DecodeScale(scale.NewDecoder(bytes.NewReader(headerBytes))); err != nil {
		return errors.Wrap(err, "decode save header")
	}
	if hdr.Version != saveFormatVersion {
		return errors.Wrapf(ErrConfiguration, "checkpoint format version %d, expected %d", hdr.Version, saveFormatVersion)
	}
	if int64(hdr.CellCount) != curr.NumCells() {
		return errors.Wrapf(ErrConfiguration,
			"checkpoint holds %d cells but the ownership map covers %d", hdr.CellCount, curr.NumCells())
	}

	entries := registry.consume()
	t.slots = make(map[Handle]slot, len(entries))
	t.pending = make(map[Handle]struct{}, len(entries))
	numFixed, numVariable := 0, 0
	for _, e := range entries {
		if e.variable {
			t.slots[e.handle] = slot{variable: true, pos: numVariable}
			numVariable++
		} else {
			t.slots[e.handle] = slot{variable: false, pos: numFixed}
			numFixed++
		}
		t.pending[e.handle] = struct{}{}
	}
	if uint32(numFixed) != hdr.NumFixed || uint32(numVariable) != hdr.NumVariable {
		return errors.Wrapf(ErrConfiguration,
			"checkpoint was saved with %d fixed and %d variable registrations, load declared %d and %d",
			hdr.NumFixed, hdr.NumVariable, numFixed, numVariable)
	}
	t.numFixed = numFixed
	t.numVariable = numVariable
	t.variableStored = numVariable > 0
	if len(hdr.SizesFixedCumulative) > 0 {
		t.sizesFixedCumulative = hdr.SizesFixedCumulative
	}

	stride := t.stride()
	base := int64(4 + len(headerBytes))
	lo, hi := curr.Range(exch.Rank())
	n := int(hi - lo)

	if stride > 0 && n > 0 {
		t.destFixed = make([]byte, n*stride)
		if err := st.ReadAt(fixedFileName(name), base+lo*int64(stride), t.destFixed); err != nil {
			return err
		}
		// Serialization never represents transitions.
		for i := 0; i < n; i++ {
			t.destFixed[i*stride] = byte(CellPersist)
		}
	}

	if t.variableStored && n > 0 {
		table := make([]byte, 8*(n+1))
		if err := st.ReadAt(variableFileName(name), 8*lo, table); err != nil {
			return err
		}
		offs := make([]int64, n+1)
		for i := range offs {
			offs[i] = int64(binary.LittleEndian.Uint64(table[8*i:]))
		}
		t.destSizesVar = make([]uint32, n)
		for i := 0; i < n; i++ {
			t.destSizesVar[i] = uint32(offs[i+1] - offs[i])
		}
		t.rebuildVarOffsets()

		dataBase := 8 * (curr.NumCells() + 1)
		t.destDataVar = make([]byte, offs[n]-offs[0])
		if len(t.destDataVar) > 0 {
			if err := st.ReadAt(variableFileName(name), dataBase+offs[0], t.destDataVar); err != nil {
				return err
			}
		}
	}

	t.executed = true
	t.log.Debug("loaded cell data",
		zap.String("name", name),
		zap.Int("localCells", n),
		zap.Int("fixedBytes", len(t.destFixed)),
		zap.Int("variableBytes", len(t.destDataVar)))
	return nil
}
