package transfer

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notargets/meshtransfer/store"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	ctx := context.Background()
	m := singleRankMap(3)

	reg := NewRegistry[int]()
	tr := NewTransferer[int](zaptest.NewLogger(t))
	hFixed, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 6), nil
	}, false)
	require.NoError(t, err)
	hVar, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 2*cell+1), nil
	}, true)
	require.NoError(t, err)

	require.NoError(t, tr.Pack(persistRelations(3), reg))
	require.NoError(t, tr.Save(ctx, loopback{}, m, st, "checkpoint"))
	tr.Clear()
	reg.Reset()

	// Re-register in the same order, then restore.
	hFixed2, err := reg.Register(func(int, CellStatus) ([]byte, error) { return nil, nil }, false)
	require.NoError(t, err)
	hVar2, err := reg.Register(func(int, CellStatus) ([]byte, error) { return nil, nil }, true)
	require.NoError(t, err)
	require.Equal(t, hFixed, hFixed2)
	require.Equal(t, hVar, hVar2)

	restored := NewTransferer[int](zaptest.NewLogger(t))
	require.NoError(t, restored.Load(ctx, loopback{}, m, st, "checkpoint", reg))

	rels := make([]Relation[int], 3)
	for i := range rels {
		rels[i].Cell = i
	}
	require.NoError(t, restored.UnpackCellStatus(rels))
	for _, rel := range rels {
		require.Equal(t, CellPersist, rel.Status)
	}

	require.NoError(t, restored.Unpack(hFixed2, rels, func(cell int, _ CellStatus, data []byte) error {
		require.Equal(t, cellPayload(cell, 6), data)
		return nil
	}))
	require.NoError(t, restored.Unpack(hVar2, rels, func(cell int, _ CellStatus, data []byte) error {
		require.Equal(t, cellPayload(cell, 2*cell+1), data)
		return nil
	}))
	require.Zero(t, restored.Outstanding())
}

func TestSaveRejectsTransitioningCells(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
	require.NoError(t, err)

	rels := []Relation[int]{
		{Cell: 0, Status: CellPersist},
		{Cell: 1, Status: CellRefine},
		{Cell: 1, Status: CellInvalid},
	}
	require.NoError(t, tr.Pack(rels, reg))
	err = tr.Save(context.Background(), loopback{}, singleRankMap(3), st, "bad")
	require.ErrorIs(t, err, ErrConfiguration)
}

// The packed enumeration and the ownership map must describe the same local
// cells, or ranks would write misaligned byte ranges.
func TestSaveRejectsMisalignedEnumeration(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 4), nil
	}, false)
	require.NoError(t, err)
	_, err = reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, cell+1), nil
	}, true)
	require.NoError(t, err)

	require.NoError(t, tr.Pack(persistRelations(2), reg))
	err = tr.Save(context.Background(), loopback{}, singleRankMap(3), st, "misaligned")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSaveAfterExecuteFails(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(int, CellStatus) ([]byte, error) { return []byte{1}, nil }, false)
	require.NoError(t, err)

	m := singleRankMap(2)
	require.NoError(t, tr.Pack(persistRelations(2), reg))
	require.NoError(t, tr.Execute(context.Background(), loopback{}, m, m))
	err = tr.Save(context.Background(), loopback{}, m, st, "late")
	require.ErrorIs(t, err, ErrProtocol)
}

func TestLoadRejectsRegistrationMismatch(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	ctx := context.Background()
	m := singleRankMap(2)

	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 4), nil
	}, false)
	require.NoError(t, err)
	_, err = reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, cell), nil
	}, true)
	require.NoError(t, err)
	require.NoError(t, tr.Pack(persistRelations(2), reg))
	require.NoError(t, tr.Save(ctx, loopback{}, m, st, "ckpt"))
	reg.Reset()

	// Only one of the two registrations is restored.
	_, err = reg.Register(func(int, CellStatus) ([]byte, error) { return nil, nil }, false)
	require.NoError(t, err)
	restored := NewTransferer[int](nil)
	err = restored.Load(ctx, loopback{}, m, st, "ckpt", reg)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadRejectsCellCountMismatch(t *testing.T) {
	st := store.New(afero.NewMemMapFs())
	ctx := context.Background()

	reg := NewRegistry[int]()
	tr := NewTransferer[int](nil)
	_, err := reg.Register(func(cell int, _ CellStatus) ([]byte, error) {
		return cellPayload(cell, 4), nil
	}, false)
	require.NoError(t, err)
	require.NoError(t, tr.Pack(persistRelations(4), reg))
	require.NoError(t, tr.Save(ctx, loopback{}, singleRankMap(4), st, "ckpt"))
	reg.Reset()

	_, err = reg.Register(func(int, CellStatus) ([]byte, error) { return nil, nil }, false)
	require.NoError(t, err)
	restored := NewTransferer[int](nil)
	err = restored.Load(ctx, loopback{}, singleRankMap(5), st, "ckpt", reg)
	require.ErrorIs(t, err, ErrConfiguration)
}
