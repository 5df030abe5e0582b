package transfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/meshtransfer/partitions"
)

// loopback is a single-rank exchange substrate: everything a cycle packs
// comes straight back. Enough to exercise layout, exactly-once delivery and
// buffer bookkeeping without a cluster.
type loopback struct{}

func (loopback) Rank() partitions.Rank { return 0 }
func (loopback) Size() int             { return 1 }

func (loopback) Agree(_ context.Context, local []uint32) ([]uint32, error) {
	return local, nil
}

func (loopback) TransferFixed(_ context.Context, _, _ *partitions.OwnershipMap,
	src []byte, _ int,
) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (loopback) TransferVariable(_ context.Context, _, _ *partitions.OwnershipMap,
	src []byte, srcSizes []uint32,
) ([]byte, []uint32, error) {
	return append([]byte(nil), src...), append([]uint32(nil), srcSizes...), nil
}

func (loopback) PrefixSum(_ context.Context, v int64) (int64, int64, error) {
	return 0, v, nil
}

func singleRankMap(cells int64) *partitions.OwnershipMap {
	return partitions.NewBalancedMap(1, cells)
}

// persistRelations builds n persist slots over integer cell references.
func persistRelations(n int) []Relation[int] {
	rels := make([]Relation[int], n)
	for i := range rels {
		rels[i] = Relation[int]{Cell: i, Status: CellPersist}
	}
	return rels
}

func cellPayload(cell int, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(cell*31 + i)
	}
	return out
}

func runCycle(t *testing.T, tr *Transferer[int], rels []Relation[int], reg *Registry[int]) []Relation[int] {
	t.Helper()
	require.NoError(t, tr.Pack(rels, reg))
	m := singleRankMap(int64(len(rels)))
	require.NoError(t, tr.Execute(context.Background(), loopback{}, m, m))
	out := make([]Relation[int], len(rels))
	for i := range out {
		out[i] = Relation[int]{Cell: rels[i].Cell}
	}
	require.NoError(t, tr.UnpackCellStatus(out))
	return out
}

func TestRoundTripFixedAndVariable(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](zaptest.NewLogger(t))

	packCalls := map[string]int{}
	hFixed, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
		packCalls["fixed"]++
		return cellPayload(cell, 8), nil
	}, false)
	require.NoError(t, err)
	hVar, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
		packCalls["variable"]++
		return cellPayload(cell, cell+1), nil
	}, true)
	require.NoError(t, err)

	rels := runCycle(t, tr, persistRelations(4), reg)
	for _, rel := range rels {
		require.Equal(t, CellPersist, rel.Status)
	}
	require.Equal(t, 4, packCalls["fixed"])
	require.Equal(t, 4, packCalls["variable"])

	unpacked := 0
	require.NoError(t, tr.Unpack(hFixed, rels, func(cell int, status CellStatus, data []byte) error {
		unpacked++
		assert.Equal(t, cellPayload(cell, 8), data)
		return nil
	}))
	require.Equal(t, 4, unpacked)

	unpacked = 0
	require.NoError(t, tr.Unpack(hVar, rels, func(cell int, status CellStatus, data []byte) error {
		unpacked++
		assert.Equal(t, cellPayload(cell, cell+1), data)
		return nil
	}))
	require.Equal(t, 4, unpacked)
	require.Zero(t, tr.Outstanding())
}

func TestInvalidSlotsAreSkippedOnBothSides(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)

	packCalls := 0
	h, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
		packCalls++
		return cellPayload(cell, 4), nil
	}, false)
	require.NoError(t, err)

	// One cell about to split into four children plus one that persists:
	// the family contributes exactly one pack call and one unpack call.
	rels := []Relation[int]{
		{Cell: 7, Status: CellRefine},
		{Cell: 7, Status: CellInvalid},
		{Cell: 7, Status: CellInvalid},
		{Cell: 7, Status: CellInvalid},
		{Cell: 9, Status: CellPersist},
	}
	out := runCycle(t, tr, rels, reg)
	require.Equal(t, 2, packCalls)
	require.Equal(t,
		[]CellStatus{CellRefine, CellInvalid, CellInvalid, CellInvalid, CellPersist},
		[]CellStatus{out[0].Status, out[1].Status, out[2].Status, out[3].Status, out[4].Status})

	unpackCalls := 0
	require.NoError(t, tr.Unpack(h, out, func(cell int, status CellStatus, data []byte) error {
		unpackCalls++
		switch status {
		case CellRefine:
			assert.Equal(t, cellPayload(7, 4), data)
		case CellPersist:
			assert.Equal(t, cellPayload(9, 4), data)
		default:
			t.Errorf("unexpected status %s", status)
		}
		return nil
	}))
	require.Equal(t, 2, unpackCalls)
}

func TestCoarsenSlotDeliversOnce(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)

	h, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
		require.Equal(t, CellCoarsen, status)
		return []byte{0xaa, 0xbb}, nil
	}, false)
	require.NoError(t, err)

	out := runCycle(t, tr, []Relation[int]{{Cell: 3, Status: CellCoarsen}}, reg)
	calls := 0
	require.NoError(t, tr.Unpack(h, out, func(cell int, status CellStatus, data []byte) error {
		calls++
		assert.Equal(t, CellCoarsen, status)
		assert.Equal(t, []byte{0xaa, 0xbb}, data)
		return nil
	}))
	require.Equal(t, 1, calls)
}

// Handles must address exactly their own bytes no matter how registrations
// interleave fixed and variable kinds or what sizes they produce.
func TestHandleIsolationUnderRandomRegistrationOrders(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		reg := NewRegistry[int]()
		tr := NewTransferer[int](nil)

		nRegs := 2 + rng.Intn(5)
		nCells := 1 + rng.Intn(6)
		type regInfo struct {
			handle   Handle
			variable bool
			seed     byte
			size     int // fixed payload size; variable sizes derive from the cell
		}
		infos := make([]regInfo, nRegs)
		for r := 0; r < nRegs; r++ {
			info := regInfo{
				variable: rng.Intn(2) == 0,
				seed:     byte(rng.Intn(256)),
				size:     1 + rng.Intn(16),
			}
			seed, size, variable := info.seed, info.size, info.variable
			h, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
				n := size
				if variable {
					n = cell + int(seed)%3
				}
				out := make([]byte, n)
				for i := range out {
					out[i] = seed ^ byte(cell*17+i)
				}
				return out, nil
			}, info.variable)
			require.NoError(t, err)
			info.handle = h
			infos[r] = info
		}

		rels := runCycle(t, tr, persistRelations(nCells), reg)
		for _, info := range infos {
			info := info
			require.NoError(t, tr.Unpack(info.handle, rels, func(cell int, status CellStatus, data []byte) error {
				n := info.size
				if info.variable {
					n = cell + int(info.seed)%3
				}
				require.Len(t, data, n, "trial %d", trial)
				for i, b := range data {
					require.Equal(t, info.seed^byte(cell*17+i), b, "trial %d cell %d byte %d", trial, cell, i)
				}
				return nil
			}))
		}
	}
}

func TestFixedCallbackMustReturnConstantSize(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(cell int, status CellStatus) ([]byte, error) {
		return make([]byte, cell+1), nil
	}, false)
	require.NoError(t, err)

	err = tr.Pack(persistRelations(3), reg)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestProtocolViolations(t *testing.T) {
	t.Run("unpack before status reconstruction", func(t *testing.T) {
		reg := NewRegistry[int]()
		tr := NewTransferer[int](nil)
		h, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
		require.NoError(t, err)
		rels := persistRelations(2)
		require.NoError(t, tr.Pack(rels, reg))
		m := singleRankMap(2)
		require.NoError(t, tr.Execute(context.Background(), loopback{}, m, m))
		err = tr.Unpack(h, rels, func(int, CellStatus, []byte) error { return nil })
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("unknown handle", func(t *testing.T) {
		reg := NewRegistry[int]()
		tr := NewTransferer[int](nil)
		_, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
		require.NoError(t, err)
		rels := runCycle(t, tr, persistRelations(1), reg)
		err = tr.Unpack(Handle(41), rels, func(int, CellStatus, []byte) error { return nil })
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("double unpack", func(t *testing.T) {
		reg := NewRegistry[int]()
		tr := NewTransferer[int](nil)
		h, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
		require.NoError(t, err)
		rels := runCycle(t, tr, persistRelations(1), reg)
		require.NoError(t, tr.Unpack(h, rels, func(int, CellStatus, []byte) error { return nil }))
		err = tr.Unpack(h, rels, func(int, CellStatus, []byte) error { return nil })
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("register during cycle", func(t *testing.T) {
		reg := NewRegistry[int]()
		tr := NewTransferer[int](nil)
		_, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
		require.NoError(t, err)
		require.NoError(t, tr.Pack(persistRelations(1), reg))
		_, err = reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{2}, nil }, false)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("execute before pack", func(t *testing.T) {
		tr := NewTransferer[int](nil)
		m := singleRankMap(1)
		err := tr.Execute(context.Background(), loopback{}, m, m)
		require.ErrorIs(t, err, ErrProtocol)
	})
}

// A cleared transferer must behave exactly like a fresh one.
func TestClearAllowsIndependentCycles(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)

	_, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 16), nil
	}, false)
	require.NoError(t, err)
	runCycle(t, tr, persistRelations(5), reg)
	tr.Clear()
	reg.Reset()

	h, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(cell)+100)
		return b, nil
	}, false)
	require.NoError(t, err)
	rels := runCycle(t, tr, persistRelations(3), reg)
	require.NoError(t, tr.Unpack(h, rels, func(cell int, _ CellStatus, data []byte) error {
		assert.Equal(t, uint32(cell)+100, binary.LittleEndian.Uint32(data))
		return nil
	}))
}

// A party that forgets to re-register simply stops participating; the next
// cycle runs with whatever is registered, without erroring.
func TestSecondCycleRequiresReRegistration(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)

	calls := 0
	_, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		calls++
		return []byte{1, 2}, nil
	}, false)
	require.NoError(t, err)
	runCycle(t, tr, persistRelations(2), reg)
	require.Equal(t, 2, calls)
	tr.Clear()
	reg.Reset()

	runCycle(t, tr, persistRelations(2), reg)
	require.Equal(t, 2, calls, "stale registration must not be invoked again")
}

func TestRelationRecordMismatchDetected(t *testing.T) {
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	h, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
	require.NoError(t, err)

	rels := runCycle(t, tr, []Relation[int]{
		{Cell: 0, Status: CellPersist},
		{Cell: 1, Status: CellCoarsen},
	}, reg)

	// Tamper with the annotated statuses to simulate a diverged enumeration.
	rels[0].Status, rels[1].Status = rels[1].Status, rels[0].Status
	err = tr.Unpack(h, rels, func(int, CellStatus, []byte) error { return nil })
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestStatusString(t *testing.T) {
	for want, s := range map[string]CellStatus{
		"persist": CellPersist,
		"refine":  CellRefine,
		"invalid": CellInvalid,
		"coarsen": CellCoarsen,
	} {
		require.Equal(t, want, s.String())
	}
	require.Equal(t, "unknown", CellStatus(99).String())
	require.Equal(t, "persist", fmt.Sprint(CellPersist))
}
