package forest

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/notargets/meshtransfer/partitions"
)

// barrier is a reusable rendezvous for a fixed party count. Collectives
// block until every rank arrives; a missing participant hangs the whole
// set, which is the substrate contract, not a handled error state.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   uint64
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}

// Cluster is an in-process set of cooperating ranks sharing memory-backed
// collectives. Each rank runs on its own goroutine and obtains its endpoint
// via Comm. Every collective follows the same two-phase shape: deposit the
// local contribution, rendezvous, compute the local result from all
// contributions, rendezvous again so the scratch slots can be reused.
type Cluster struct {
	size int
	bar  *barrier

	contribBytes [][]byte
	contribSizes [][]uint32
	contribMeta  [][]uint32
	contribInt64 []int64
	contribVec   [][]int64
	strides      []int
}

// NewCluster creates a cluster of the given rank count.
func NewCluster(size int) *Cluster {
	return &Cluster{
		size:         size,
		bar:          newBarrier(size),
		contribBytes: make([][]byte, size),
		contribSizes: make([][]uint32, size),
		contribMeta:  make([][]uint32, size),
		contribInt64: make([]int64, size),
		contribVec:   make([][]int64, size),
		strides:      make([]int, size),
	}
}

// Size returns the number of ranks.
func (c *Cluster) Size() int { return c.size }

// Comm returns rank r's endpoint.
func (c *Cluster) Comm(r partitions.Rank) *Comm {
	return &Comm{cluster: c, rank: r}
}

// Comm is one rank's view of the cluster. It implements the bulk exchange
// interface consumed by the transfer machinery.
type Comm struct {
	cluster *Cluster
	rank    partitions.Rank
}

// Rank returns this endpoint's rank.
func (e *Comm) Rank() partitions.Rank { return e.rank }

// Size returns the number of participating ranks.
func (e *Comm) Size() int { return e.cluster.size }

// Agree resolves a small metadata vector collectively. Nil contributions are
// "no local knowledge"; all non-nil contributions must be identical.
func (e *Comm) Agree(ctx context.Context, local []uint32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := e.cluster
	c.contribMeta[e.rank] = local
	c.bar.wait()

	var agreed []uint32
	conflict := false
	for _, v := range c.contribMeta {
		if v == nil {
			continue
		}
		if agreed == nil {
			agreed = v
		} else if !slices.Equal(agreed, v) {
			conflict = true
		}
	}
	result := slices.Clone(agreed)
	c.bar.wait()

	if conflict {
		return nil, errors.New("ranks disagree on collective metadata; registrations are not symmetric")
	}
	return result, nil
}

// TransferFixed ships stride-sized per-cell records from the prev layout to
// the curr layout. Ranks without records pass bytesPerCell 0; contributing
// ranks must agree on the stride.
func (e *Comm) TransferFixed(ctx context.Context, prev, curr *partitions.OwnershipMap,
	src []byte, bytesPerCell int,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := e.cluster
	c.contribBytes[e.rank] = src
	c.strides[e.rank] = bytesPerCell
	c.bar.wait()

	stride := 0
	conflict := false
	for _, s := range c.strides {
		if s == 0 {
			continue
		}
		if stride == 0 {
			stride = s
		} else if stride != s {
			conflict = true
		}
	}

	var out []byte
	if !conflict && stride > 0 {
		lo, hi := curr.Range(e.rank)
		out = make([]byte, (hi-lo)*int64(stride))
		for idx := lo; idx < hi; idx++ {
			srcRank := prev.Owner(idx)
			srcLo, _ := prev.Range(srcRank)
			from := (idx - srcLo) * int64(stride)
			copy(out[(idx-lo)*int64(stride):], c.contribBytes[srcRank][from:from+int64(stride)])
		}
	}
	c.bar.wait()

	if conflict {
		return nil, errors.New("ranks disagree on the fixed record stride")
	}
	return out, nil
}

// TransferVariable ships variable-length per-cell records, described by one
// size entry per cell owned under prev, and returns the received bytes with
// the per-cell sizes under curr.
func (e *Comm) TransferVariable(ctx context.Context, prev, curr *partitions.OwnershipMap,
	src []byte, srcSizes []uint32,
) ([]byte, []uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	c := e.cluster
	c.contribBytes[e.rank] = src
	c.contribSizes[e.rank] = srcSizes
	c.bar.wait()

	lo, hi := curr.Range(e.rank)
	outSizes := make([]uint32, hi-lo)
	total := 0
	for idx := lo; idx < hi; idx++ {
		srcRank := prev.Owner(idx)
		srcLo, _ := prev.Range(srcRank)
		outSizes[idx-lo] = c.contribSizes[srcRank][idx-srcLo]
		total += int(outSizes[idx-lo])
	}

	// Byte offsets of each cell within its source rank's buffer.
	prefixes := make(map[partitions.Rank][]int64, c.size)
	out := make([]byte, 0, total)
	for idx := lo; idx < hi; idx++ {
		srcRank := prev.Owner(idx)
		srcLo, _ := prev.Range(srcRank)
		pf, ok := prefixes[srcRank]
		if !ok {
			sizes := c.contribSizes[srcRank]
			pf = make([]int64, len(sizes)+1)
			for j, s := range sizes {
				pf[j+1] = pf[j] + int64(s)
			}
			prefixes[srcRank] = pf
		}
		j := idx - srcLo
		out = append(out, c.contribBytes[srcRank][pf[j]:pf[j+1]]...)
	}
	c.bar.wait()

	return out, outSizes, nil
}

// PrefixSum returns the exclusive prefix sum of v over ranks and the total.
func (e *Comm) PrefixSum(ctx context.Context, v int64) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	c := e.cluster
	c.contribInt64[e.rank] = v
	c.bar.wait()

	var prefix, total int64
	for r, rv := range c.contribInt64 {
		if partitions.Rank(r) < e.rank {
			prefix += rv
		}
		total += rv
	}
	c.bar.wait()

	return prefix, total, nil
}

// ReduceMax combines equal-length int64 vectors element-wise by maximum
// across all ranks. Slots a rank has no value for carry a sentinel smaller
// than every real contribution.
func (e *Comm) ReduceMax(ctx context.Context, local []int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := e.cluster
	c.contribVec[e.rank] = local
	c.bar.wait()

	out := make([]int64, len(local))
	copy(out, local)
	for _, v := range c.contribVec {
		for i, x := range v {
			if x > out[i] {
				out[i] = x
			}
		}
	}
	c.bar.wait()

	return out, nil
}

// OwnershipFromCounts gathers every rank's local cell count into an
// ownership map over the concatenated enumeration.
func (e *Comm) OwnershipFromCounts(ctx context.Context, localCells int) (*partitions.OwnershipMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := e.cluster
	c.contribInt64[e.rank] = int64(localCells)
	c.bar.wait()

	firstCell := make([]int64, c.size+1)
	for r, n := range c.contribInt64 {
		firstCell[r+1] = firstCell[r] + n
	}
	c.bar.wait()

	return &partitions.OwnershipMap{FirstCell: firstCell}, nil
}
