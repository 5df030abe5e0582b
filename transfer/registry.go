package transfer

import (
	"sync"

	"github.com/pkg/errors"
)

// Handle identifies one registration for the duration of a single transfer
// cycle. It encodes the registration's position within the serialized byte
// layout, not its size; the value must be handed back unchanged to Unpack.
type Handle int

// PackFunc produces the payload to attach to a cell. For a refine status the
// cell is the not-yet-subdivided parent; for a coarsen status it is the
// parent-to-be whose children are still readable. Fixed-size registrations
// must return the same length for every cell.
type PackFunc[C any] func(cell C, status CellStatus) ([]byte, error)

// UnpackFunc receives a previously packed payload. The data slice is a view
// into the transfer buffers and is only valid until the callback returns.
type UnpackFunc[C any] func(cell C, status CellStatus, data []byte) error

type registration[C any] struct {
	handle   Handle
	pack     PackFunc[C]
	variable bool
}

// Registry collects pack callbacks for exactly one transfer cycle.
// Registration order defines each callback's position in the byte layout, so
// concurrent registrations are serialized. The registry is consumed by the
// pack step and must be refilled before a subsequent cycle; a party that
// forgets to re-register silently stops participating rather than erroring.
type Registry[C any] struct {
	mu       sync.Mutex
	entries  []registration[C]
	next     Handle
	consumed bool
}

func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{}
}

// Register appends a pack callback and returns its handle. Registering after
// the current cycle's pack step has begun is rejected: the byte layout is
// already frozen at that point.
func (r *Registry[C]) Register(pack PackFunc[C], variableSize bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return 0, errors.Wrap(ErrProtocol, "register called after packing began; re-register once the cycle completes")
	}
	h := r.next
	r.next++
	r.entries = append(r.entries, registration[C]{handle: h, pack: pack, variable: variableSize})
	return h, nil
}

// Len returns the number of registrations waiting for the next cycle.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset reopens the registry for a new cycle. Called by the owner once the
// previous cycle's buffers have been released.
func (r *Registry[C]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.next = 0
	r.consumed = false
}

// consume hands the ordered registrations to the pack step and locks the
// registry for the rest of the cycle.
func (r *Registry[C]) consume() []registration[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries
	r.entries = nil
	r.consumed = true
	return entries
}
