// Package embedder declares the embedder heap tracer collaborator
// contract (spec.md §6): the mechanism by which objects that wrap
// foreign (non-heap) references get their referents traced. The
// embedder-managed foreign-object tracer itself is out of scope
// (spec.md §1); this package carries the interface plus a no-op
// reference implementation for heaps with no wrapped objects.
package embedder

import (
	"time"

	"github.com/markcompact/mcgc/heap"
)

// Tracer is the embedder heap tracer contract consumed by
// mark.Driver's embedder-tracing loop (spec.md §4.2, §4.4 step 2).
type Tracer interface {
	PrepareForTrace()
	TracePrologue()
	EnterFinalPause()
	// Trace hands the tracer a deadline and returns any newly
	// discovered interior roots (wrapped objects that became
	// reachable this round).
	Trace(deadline time.Time) []heap.ObjectID
	IsRemoteTracingDone() bool
}

// None is a Tracer for a heap with no wrapped embedder objects.
type None struct{}

func (None) PrepareForTrace()                      {}
func (None) TracePrologue()                        {}
func (None) EnterFinalPause()                      {}
func (None) Trace(time.Time) []heap.ObjectID        { return nil }
func (None) IsRemoteTracingDone() bool              { return true }
