// Package worklist implements the multi-producer/multi-consumer grey
// worklist infrastructure of spec.md §4.1: a global pool plus
// per-worker local buffers with publish/drain, generalized with Go
// generics from the teacher's gcWork/workbuf double-buffer design
// (veezhang-go1.12.9-annotated/src/runtime/mgcwork.go). The teacher's
// wbuf1/wbuf2 hysteresis is not reproduced: Local keeps a single
// buffer, published whole once it reaches chunkSize and refilled from
// the global pool once empty. The teacher's lock-free
// workbuf freelist is replaced with a mutex-protected slice-of-chunks
// pool, since no GC-safe lock-free stack primitive exists for code
// running above (not inside) the language runtime. See DESIGN.md.
package worklist

import "sync"

// chunkSize is the number of items buffered in one local chunk before
// it is pushed to/pulled from the global pool, the analogue of the
// teacher's _WorkbufSize.
const chunkSize = 256

// Worklist is the global, thread-safe pool shared by every worker
// marking/clearing/evacuating items of type T.
type Worklist[T any] struct {
	mu     sync.Mutex
	chunks [][]T
}

// New creates an empty global worklist.
func New[T any]() *Worklist[T] {
	return &Worklist[T]{}
}

// publishChunk pushes a full (or partial, on final flush) chunk to the
// global pool.
func (w *Worklist[T]) publishChunk(chunk []T) {
	if len(chunk) == 0 {
		return
	}
	w.mu.Lock()
	w.chunks = append(w.chunks, chunk)
	w.mu.Unlock()
}

// takeChunk pops one chunk from the global pool, or reports false if
// the pool is empty.
func (w *Worklist[T]) takeChunk() ([]T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.chunks)
	if n == 0 {
		return nil, false
	}
	chunk := w.chunks[n-1]
	w.chunks = w.chunks[:n-1]
	return chunk, true
}

// IsEmptyGlobal reports whether the global pool currently holds no
// chunks. Used together with Local.IsEmptyLocal to implement
// IsEmptyLocalAndGlobal at pipeline barriers (spec.md §4.1).
func (w *Worklist[T]) IsEmptyGlobal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks) == 0
}

// Local is a per-worker buffer over a shared Worklist, mirroring the
// teacher's gcWork: a primary buffer currently being pushed to/popped
// from (cur), and an on-hold stash used when a visited object must be
// re-processed after a context switch (spec.md §4.1).
type Local[T any] struct {
	global *Worklist[T]
	cur    []T
	onHold []T
}

// NewLocal creates a worker-local view over the shared global
// worklist.
func NewLocal[T any](global *Worklist[T]) *Local[T] {
	return &Local[T]{global: global}
}

// Push adds an item to the local buffer, publishing a full chunk to
// the global pool when the buffer reaches chunkSize.
func (l *Local[T]) Push(item T) {
	l.cur = append(l.cur, item)
	if len(l.cur) >= chunkSize {
		l.global.publishChunk(l.cur)
		l.cur = nil
	}
}

// Pop removes one item from the local buffer, pulling a chunk from the
// global pool if the local buffer is empty. It returns false if both
// are empty.
func (l *Local[T]) Pop() (T, bool) {
	if len(l.cur) == 0 {
		chunk, ok := l.global.takeChunk()
		if !ok {
			var zero T
			return zero, false
		}
		l.cur = chunk
	}
	n := len(l.cur)
	item := l.cur[n-1]
	l.cur = l.cur[:n-1]
	return item, true
}

// Hold stashes an item for later re-processing without making it
// visible to other workers, used when the marking driver needs to
// revisit an object after a context switch (spec.md §4.1 "on-hold
// stash").
func (l *Local[T]) Hold(item T) {
	l.onHold = append(l.onHold, item)
}

// PopHeld drains the on-hold stash back into the consumable path; the
// caller typically does this right before IsEmptyLocal would otherwise
// report the worker as drained.
func (l *Local[T]) PopHeld() (T, bool) {
	n := len(l.onHold)
	if n == 0 {
		var zero T
		return zero, false
	}
	item := l.onHold[n-1]
	l.onHold = l.onHold[:n-1]
	return item, true
}

// Publish flushes the local buffer to the global pool. Held items are
// NOT published — per spec.md, the on-hold stash is drained by
// re-pushing with Push/re-queuing explicitly, not by Publish, since
// held items are specific to the worker's context.
func (l *Local[T]) Publish() {
	if len(l.cur) > 0 {
		l.global.publishChunk(l.cur)
		l.cur = nil
	}
}

// Swap exchanges this Local's buffer for another's. Only the local
// buffers move; items already published to either global pool stay
// where they are.
func (l *Local[T]) Swap(other *Local[T]) {
	l.cur, other.cur = other.cur, l.cur
}

// IsEmptyLocal reports whether the local buffer (excluding on-hold
// items) is empty.
func (l *Local[T]) IsEmptyLocal() bool { return len(l.cur) == 0 }

// IsEmptyLocalAndGlobal reports whether both the local buffer and the
// shared global pool are empty — the invariant asserted at every
// pipeline barrier (spec.md §4.1).
func (l *Local[T]) IsEmptyLocalAndGlobal() bool {
	return l.IsEmptyLocal() && l.global.IsEmptyGlobal()
}

// Drop discards the local buffer without publishing, used when a
// worker's context is being torn down mid-cycle (e.g. an aborted
// evacuation) and its partial work must not be visible elsewhere.
func (l *Local[T]) Drop() {
	l.cur = nil
	l.onHold = nil
}
