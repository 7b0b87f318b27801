// Package alloc declares the allocator collaborator contract (spec.md
// §6) and an EvacuationAllocator built on it: a per-worker linear
// allocation buffer that batches evacuation copies and flushes back to
// the owning space on Finalize, matching spec.md §4.6's
// "EvacuationAllocator with thread-local linear allocation buffers
// flushed back on Finalize()".
package alloc

import (
	"github.com/markcompact/mcgc/heap"
)

// Allocator is the out-of-scope paged allocator's contract, as
// consumed by the collector (spec.md §6).
type Allocator interface {
	AllocateRaw(space heap.Space, size int, origin AllocationOrigin) (*heap.Object, error)
}

// AllocationOrigin records why an allocation happened, for the
// allocator's own accounting; the collector always passes
// OriginGC during evacuation.
type AllocationOrigin uint8

const (
	OriginMutator AllocationOrigin = iota
	OriginGC
)

// StoreAllocator adapts a *heap.Store to the Allocator interface.
type StoreAllocator struct {
	Store    *heap.Store
	MaxPages int // 0 means unbounded
}

func (a *StoreAllocator) AllocateRaw(space heap.Space, size int, _ AllocationOrigin) (*heap.Object, error) {
	return a.Store.Allocate(space, size, a.MaxPages)
}

// LinearBuffer is a per-worker evacuation scratch buffer: each Copy
// allocates its object in the destination space right away through the
// underlying allocator, so copies are visible as soon as they are made;
// Finalize only reports and resets the running count of copied words.
type LinearBuffer struct {
	alloc Allocator
	space heap.Space
	// pending is the running count of words reserved in this buffer,
	// used only for diagnostics; the reference allocator delegates
	// actual placement straight to alloc on every Copy call since the
	// in-memory Store has no real buffer to pre-reserve.
	pending int
}

// NewLinearBuffer creates a buffer that will place copies into space.
func NewLinearBuffer(a Allocator, space heap.Space) *LinearBuffer {
	return &LinearBuffer{alloc: a, space: space}
}

// Copy allocates room for size words in the destination space and
// returns the new object shell (Slots/MapWord left to the caller to
// fill in), or an error if the underlying allocator is out of room —
// the trigger for evacuate's per-page abort path.
func (b *LinearBuffer) Copy(size int) (*heap.Object, error) {
	obj, err := b.alloc.AllocateRaw(b.space, size, OriginGC)
	if err != nil {
		return nil, err
	}
	b.pending += size
	return obj, nil
}

// Finalize flushes any buffered reservation back to the owning space.
// The reference allocator has nothing to flush since Copy allocates
// eagerly, but Finalize is kept as an explicit lifecycle step so every
// worker's ownership of its buffer ends cleanly before it joins
// (spec.md §9 "smart-pointer ownership... worklist locals must be
// published or dropped before the worker joins" applies equally here).
func (b *LinearBuffer) Finalize() int {
	n := b.pending
	b.pending = 0
	return n
}
