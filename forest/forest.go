package forest

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/notargets/meshtransfer/partitions"
	"github.com/notargets/meshtransfer/store"
	"github.com/notargets/meshtransfer/transfer"
)

// Config configures one rank's view of a distributed forest.
type Config struct {
	// Dim is the spatial dimension; a refined cell is replaced by 2^Dim
	// children.
	Dim int

	// Comm is this rank's cluster endpoint.
	Comm *Comm

	// Log may be nil.
	Log *zap.Logger
}

// Forest is one rank's part of a distributed quadrant forest together with
// the attach/transfer machinery bound to it. Cells are kept in canonical
// Morton order; the global enumeration is the rank-by-rank concatenation of
// the local lists, described by the ownership map.
type Forest struct {
	dim        int
	childCount int
	comm       *Comm
	log        *zap.Logger

	cells     []Quadrant
	flags     []transfer.Flag
	ownership *partitions.OwnershipMap

	registry  *transfer.Registry[Quadrant]
	xfer      *transfer.Transferer[Quadrant]
	relations []transfer.Relation[Quadrant]
}

// NewUniform builds a forest uniformly refined to the given level,
// distributed with balanced ownership. Collective: every rank of the cluster
// must construct its forest with the same arguments.
func NewUniform(cfg Config, level int) (*Forest, error) {
	if cfg.Dim < 1 || cfg.Dim > 3 {
		return nil, errors.Errorf("dimension %d out of range [1,3]", cfg.Dim)
	}
	if cfg.Comm == nil {
		return nil, errors.New("cluster endpoint is required")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	if level < 0 || level > maxLevel(cfg.Dim) {
		return nil, errors.Errorf("level %d out of range [0,%d] for dimension %d", level, maxLevel(cfg.Dim), cfg.Dim)
	}

	childCount := 1 << cfg.Dim
	total := int64(1)
	for l := 0; l < level; l++ {
		total *= int64(childCount)
	}
	ownership := partitions.NewBalancedMap(cfg.Comm.Size(), total)

	lo, hi := ownership.Range(cfg.Comm.Rank())
	cells := make([]Quadrant, 0, hi-lo)
	for idx := lo; idx < hi; idx++ {
		cells = append(cells, Quadrant{Level: uint8(level), Index: uint64(idx)})
	}

	return &Forest{
		dim:        cfg.Dim,
		childCount: childCount,
		comm:       cfg.Comm,
		log:        log,
		cells:      cells,
		flags:      make([]transfer.Flag, len(cells)),
		ownership:  ownership,
		registry:   transfer.NewRegistry[Quadrant](),
		xfer:       transfer.NewTransferer[Quadrant](log),
	}, nil
}

// maxLevel bounds refinement per dimension so cell indices stay below 2^55
// and family keys cannot collide.
func maxLevel(dim int) int { return 55 / dim }

// ChildCount returns the number of children a refined cell produces.
func (f *Forest) ChildCount() int { return f.childCount }

// Rank returns this forest's rank.
func (f *Forest) Rank() partitions.Rank { return f.comm.Rank() }

// NumLocalCells returns the number of locally owned cells.
func (f *Forest) NumLocalCells() int { return len(f.cells) }

// NumGlobalCells returns the global cell count.
func (f *Forest) NumGlobalCells() int64 { return f.ownership.NumCells() }

// Ownership returns the current ownership map.
func (f *Forest) Ownership() *partitions.OwnershipMap { return f.ownership }

// Cell returns the i-th locally owned cell.
func (f *Forest) Cell(i int) Quadrant { return f.cells[i] }

// LocalCells returns the locally owned cells in canonical order. The slice
// is shared; callers must not mutate it.
func (f *Forest) LocalCells() []Quadrant { return f.cells }

// FlagRefine marks the i-th local cell for refinement.
func (f *Forest) FlagRefine(i int) { f.flags[i] = transfer.FlagRefine }

// FlagCoarsen marks the i-th local cell for coarsening. The flag only takes
// effect if the cell's complete sibling family is locally owned and flagged;
// flags on the coarsest level are ignored.
func (f *Forest) FlagCoarsen(i int) { f.flags[i] = transfer.FlagCoarsen }

// ClearFlags resets all pending flags.
func (f *Forest) ClearFlags() {
	for i := range f.flags {
		f.flags[i] = transfer.FlagNone
	}
}

// RegisterDataAttach registers a pack callback for the next adapt,
// repartition, or save event. The returned handle must be presented
// unchanged to NotifyReadyToUnpack after the event. Registrations survive
// exactly one event; re-register for every subsequent one.
func (f *Forest) RegisterDataAttach(pack transfer.PackFunc[Quadrant], variableSize bool) (transfer.Handle, error) {
	return f.registry.Register(pack, variableSize)
}

// NotifyReadyToUnpack delivers the data attached under handle back to the
// application, once it has finished whatever reinitialization it needs after
// the event. For refine slots the callback receives the parent quadrant and
// its children now exist; for coarsen slots it receives the now-childless
// parent. Once every handle of the cycle is consumed, all transfer buffers
// are released and the registry reopens.
func (f *Forest) NotifyReadyToUnpack(handle transfer.Handle, cb transfer.UnpackFunc[Quadrant]) error {
	if err := f.xfer.Unpack(handle, f.relations, cb); err != nil {
		return err
	}
	f.finishCycleIfDone()
	return nil
}

func (f *Forest) finishCycleIfDone() {
	if f.xfer.Outstanding() == 0 {
		f.xfer.Clear()
		f.registry.Reset()
	}
}

// topology builds the classifier's view of the local cells. Coarsening below
// level 1 is impossible, so coarsest cells are keyed uniquely and their
// coarsen flags dropped.
func (f *Forest) topology() []transfer.CellTopology {
	topo := make([]transfer.CellTopology, len(f.cells))
	for i, q := range f.cells {
		if q.Level == 0 {
			flag := f.flags[i]
			if flag == transfer.FlagCoarsen {
				flag = transfer.FlagNone
			}
			topo[i] = transfer.CellTopology{Parent: 1<<63 | uint64(i), Flag: flag}
			continue
		}
		topo[i] = transfer.CellTopology{
			Parent:     q.familyKey(f.childCount),
			ChildIndex: q.ChildIndex(f.childCount),
			Flag:       f.flags[i],
		}
	}
	return topo
}

// packRelations maps classifier entries onto pack-side relations: persist
// slots reference the cell itself, refine and invalid slots the
// not-yet-subdivided cell, coarsen slots the parent-to-be.
func (f *Forest) packRelations(entries []transfer.StatusEntry) []transfer.Relation[Quadrant] {
	rels := make([]transfer.Relation[Quadrant], len(entries))
	for i, e := range entries {
		cell := f.cells[e.Source]
		if e.Status == transfer.CellCoarsen {
			cell = cell.Parent(f.childCount)
		}
		rels[i] = transfer.Relation[Quadrant]{Cell: cell, Status: e.Status}
	}
	return rels
}

// adaptedCells applies the classified transitions to the local cell list.
// The result aligns slot for slot with the classifier entries.
func (f *Forest) adaptedCells(entries []transfer.StatusEntry) []Quadrant {
	cells := make([]Quadrant, len(entries))
	child := 0
	for i, e := range entries {
		switch e.Status {
		case transfer.CellPersist:
			cells[i] = f.cells[e.Source]
		case transfer.CellRefine:
			child = 0
			cells[i] = f.cells[e.Source].Child(f.childCount, child)
		case transfer.CellInvalid:
			child++
			cells[i] = f.cells[e.Source].Child(f.childCount, child)
		case transfer.CellCoarsen:
			cells[i] = f.cells[e.Source].Parent(f.childCount)
		}
	}
	return cells
}

// migrate ships the quadrant list itself from the prev layout to the curr
// layout and installs the received cells.
func (f *Forest) migrate(ctx context.Context, cells []Quadrant, prev, curr *partitions.OwnershipMap) error {
	src := make([]byte, len(cells)*quadrantEncodedSize)
	for i, q := range cells {
		q.encode(src[i*quadrantEncodedSize:])
	}
	dest, err := f.comm.TransferFixed(ctx, prev, curr, src, quadrantEncodedSize)
	if err != nil {
		return errors.Wrap(err, "migrate quadrants")
	}
	f.cells = make([]Quadrant, len(dest)/quadrantEncodedSize)
	for i := range f.cells {
		f.cells[i] = decodeQuadrant(dest[i*quadrantEncodedSize:])
	}
	f.ownership = curr
	f.flags = make([]transfer.Flag, len(f.cells))
	return nil
}

// unpackRelations annotates the migrated cells with their transferred
// statuses and rewrites refine slots to reference the parent quadrant.
func (f *Forest) unpackRelations() error {
	rels := make([]transfer.Relation[Quadrant], len(f.cells))
	for i, q := range f.cells {
		rels[i] = transfer.Relation[Quadrant]{Cell: q}
	}
	if err := f.xfer.UnpackCellStatus(rels); err != nil {
		return err
	}
	for i := range rels {
		if rels[i].Status == transfer.CellRefine {
			rels[i].Cell = rels[i].Cell.Parent(f.childCount)
		}
	}
	f.relations = rels
	return nil
}

// Adapt executes the pending refinement and coarsening flags, rebalances
// ownership, and moves all attached data to the new owners. Collective:
// every rank must call Adapt in the same logical step. After Adapt the
// attached data is ready for NotifyReadyToUnpack.
func (f *Forest) Adapt(ctx context.Context) error {
	for i, q := range f.cells {
		if f.flags[i] == transfer.FlagRefine && int(q.Level) >= maxLevel(f.dim) {
			return errors.Wrapf(transfer.ErrConfiguration,
				"cell %v is already at the maximum refinement level %d", q, maxLevel(f.dim))
		}
	}
	entries, err := transfer.Classify(f.topology(), f.childCount)
	if err != nil {
		return err
	}
	if err := f.xfer.Pack(f.packRelations(entries), f.registry); err != nil {
		return err
	}

	adapted := f.adaptedCells(entries)
	prev, err := f.comm.OwnershipFromCounts(ctx, len(adapted))
	if err != nil {
		return err
	}
	curr, err := f.alignedBalancedMap(ctx, entries, prev)
	if err != nil {
		return err
	}

	if err := f.migrate(ctx, adapted, prev, curr); err != nil {
		return err
	}
	if err := f.xfer.Execute(ctx, f.comm, prev, curr); err != nil {
		return err
	}
	if err := f.unpackRelations(); err != nil {
		return err
	}
	f.finishCycleIfDone()

	f.log.Debug("forest adapted",
		zap.Int64("globalCells", f.ownership.NumCells()),
		zap.Int("localCells", len(f.cells)))
	return nil
}

// alignedBalancedMap draws balanced rank boundaries over the post-event
// enumeration, then moves every boundary that falls inside a newly refined
// family back to the family's first slot. The refine slot and its invalid
// siblings always land on one rank, so the parent payload reaches the rank
// owning all of the new children and prolongation stays local. Collective.
func (f *Forest) alignedBalancedMap(ctx context.Context, entries []transfer.StatusEntry,
	prev *partitions.OwnershipMap,
) (*partitions.OwnershipMap, error) {
	proposed := partitions.NewBalancedMap(f.comm.Size(), prev.NumCells())
	if prev.NumCells() == 0 {
		return proposed, nil
	}

	// Each inner boundary lies in exactly one rank's pre-migration range;
	// that rank resolves it, everyone else contributes the sentinel.
	myLo, myHi := prev.Range(f.comm.Rank())
	local := make([]int64, len(proposed.FirstCell))
	for i := range local {
		local[i] = -1
	}
	for r := 1; r < proposed.NumRanks(); r++ {
		b := proposed.FirstCell[r]
		if b < myLo || b >= myHi {
			continue
		}
		// Families never span pre-migration rank boundaries: the refine
		// slot and its invalid siblings come from a single local cell, so
		// walking back within the local entries finds the family start.
		slot := int(b - myLo)
		for entries[slot].Status == transfer.CellInvalid {
			slot--
		}
		local[r] = myLo + int64(slot)
	}

	merged, err := f.comm.ReduceMax(ctx, local)
	if err != nil {
		return nil, errors.Wrap(err, "resolve family-aligned rank boundaries")
	}
	merged[0] = 0
	merged[len(merged)-1] = prev.NumCells()
	return partitions.NewOwnershipMap(merged)
}

// Repartition rebalances ownership without changing the mesh, migrating
// attached data along. Every slot persists. Collective.
func (f *Forest) Repartition(ctx context.Context) error {
	rels := make([]transfer.Relation[Quadrant], len(f.cells))
	for i, q := range f.cells {
		rels[i] = transfer.Relation[Quadrant]{Cell: q, Status: transfer.CellPersist}
	}
	if err := f.xfer.Pack(rels, f.registry); err != nil {
		return err
	}

	prev := f.ownership
	curr := partitions.NewBalancedMap(f.comm.Size(), prev.NumCells())
	if err := f.migrate(ctx, f.cells, prev, curr); err != nil {
		return err
	}
	if err := f.xfer.Execute(ctx, f.comm, prev, curr); err != nil {
		return err
	}
	if err := f.unpackRelations(); err != nil {
		return err
	}
	f.finishCycleIfDone()
	return nil
}

const meshCountHeaderSize = 8

func meshFileName(name string) string { return name + "-mesh.data" }

// Save checkpoints the forest and all attached data to the shared store.
// Collective. The registered callbacks are consumed: attached data goes to
// the store, not back to the application, and the registry reopens empty.
func (f *Forest) Save(ctx context.Context, st *store.Store, name string) error {
	rels := make([]transfer.Relation[Quadrant], len(f.cells))
	for i, q := range f.cells {
		rels[i] = transfer.Relation[Quadrant]{Cell: q, Status: transfer.CellPersist}
	}
	if err := f.xfer.Pack(rels, f.registry); err != nil {
		return err
	}

	if f.comm.Rank() == 0 {
		count := make([]byte, meshCountHeaderSize)
		binary.LittleEndian.PutUint64(count, uint64(f.ownership.NumCells()))
		if err := st.WriteAt(meshFileName(name), 0, count); err != nil {
			return err
		}
	}
	lo, _ := f.ownership.Range(f.comm.Rank())
	if len(f.cells) > 0 {
		buf := make([]byte, len(f.cells)*quadrantEncodedSize)
		for i, q := range f.cells {
			q.encode(buf[i*quadrantEncodedSize:])
		}
		off := int64(meshCountHeaderSize) + lo*quadrantEncodedSize
		if err := st.WriteAt(meshFileName(name), off, buf); err != nil {
			return err
		}
	}

	if err := f.xfer.Save(ctx, f.comm, f.ownership, st, name); err != nil {
		return err
	}
	f.xfer.Clear()
	f.registry.Reset()
	return nil
}

// Load replaces this forest with a previously saved checkpoint, rebalanced
// over the current cluster size, and stages the attached data for
// NotifyReadyToUnpack. Callbacks must have been re-registered in the same
// order as at save time before calling Load; their count is validated
// against the checkpoint and every status is forced to persist. Collective.
func (f *Forest) Load(ctx context.Context, st *store.Store, name string) error {
	count := make([]byte, meshCountHeaderSize)
	if err := st.ReadAt(meshFileName(name), 0, count); err != nil {
		return err
	}
	total := int64(binary.LittleEndian.Uint64(count))
	curr := partitions.NewBalancedMap(f.comm.Size(), total)

	lo, hi := curr.Range(f.comm.Rank())
	f.cells = make([]Quadrant, hi-lo)
	if len(f.cells) > 0 {
		buf := make([]byte, len(f.cells)*quadrantEncodedSize)
		off := int64(meshCountHeaderSize) + lo*quadrantEncodedSize
		if err := st.ReadAt(meshFileName(name), off, buf); err != nil {
			return err
		}
		for i := range f.cells {
			f.cells[i] = decodeQuadrant(buf[i*quadrantEncodedSize:])
		}
	}
	f.ownership = curr
	f.flags = make([]transfer.Flag, len(f.cells))

	if err := f.xfer.Load(ctx, f.comm, curr, st, name, f.registry); err != nil {
		return err
	}
	if err := f.unpackRelations(); err != nil {
		return err
	}
	f.finishCycleIfDone()
	return nil
}
