// Package root declares root enumeration (spec.md §6) and the
// capability-set visitor hierarchy from spec.md §9: rather than a
// virtual ObjectVisitor/RootVisitor class hierarchy, a Go interface
// exposing the eight Visit* capabilities a concrete visitor may
// implement a subset of.
package root

import "github.com/markcompact/mcgc/heap"

// SkipSet names root categories to exclude from a given enumeration
// pass (spec.md §4.7 step 1 excludes the external string table).
// StoreIterator never reports KindExternalStringTable, so ptrupdate
// passes a nil SkipSet.
type SkipSet map[Kind]bool

// Kind classifies a root category.
type Kind uint8

const (
	KindGlobalHandles Kind = iota
	KindStacks
	KindWellKnown
	KindOptimizedFrame
	KindClientHeap
	KindExternalStringTable
)

// Visitor is the capability set a concrete root/object visitor
// implements a subset of (spec.md §9). Object slots are walked
// directly by their users (mark.Driver, ptrupdate, weak) rather than
// through this interface; the only implementation in this module is
// RootPointersFunc, which handles VisitRootPointers alone.
type Visitor interface {
	VisitStrongPointer(loc heap.SlotLocation, target heap.ObjectID)
	VisitWeakPointer(loc heap.SlotLocation, target heap.ObjectID)
	VisitCodeTarget(slot heap.TypedSlot)
	VisitEmbeddedPointer(slot heap.TypedSlot)
	VisitMapPointer(loc heap.SlotLocation, target heap.ObjectID)
	VisitEphemeron(key, value heap.ObjectID)
	VisitRootPointers(kind Kind, ids []heap.ObjectID)
	VisitRunningCode(codeObject heap.ObjectID)
}

// Iterator is the root-enumeration contract (spec.md §6).
type Iterator interface {
	IterateRoots(v Visitor, skip SkipSet)
	IterateRootsIncludingClients(v Visitor, skip SkipSet)
}

// StoreIterator adapts a *heap.Store's flat root list to Iterator. It
// has no separate well-known/stack/global categorization — the
// reference Store models every root the same way — so it reports every
// root as KindGlobalHandles unless skip excludes that kind.
type StoreIterator struct {
	Store   *heap.Store
	Clients []*heap.Store // other isolates' heaps, shared-GC mode (spec.md §4.4 step 4)
}

func (it *StoreIterator) IterateRoots(v Visitor, skip SkipSet) {
	if skip[KindGlobalHandles] {
		return
	}
	v.VisitRootPointers(KindGlobalHandles, it.Store.Roots())
}

func (it *StoreIterator) IterateRootsIncludingClients(v Visitor, skip SkipSet) {
	it.IterateRoots(v, skip)
	if skip[KindClientHeap] {
		return
	}
	for _, client := range it.Clients {
		v.VisitRootPointers(KindClientHeap, client.Roots())
	}
}

// RootPointersFunc adapts a plain function to the Visitor capability set,
// implementing only VisitRootPointers and no-oping the rest. This is the
// shape every caller that only cares about root pointers (mark.Driver's
// grey-the-roots step, ptrupdate.Updater's root rewrite step) actually
// needs, rather than a bespoke struct per caller.
type RootPointersFunc func(kind Kind, ids []heap.ObjectID)

func (f RootPointersFunc) VisitStrongPointer(heap.SlotLocation, heap.ObjectID) {}
func (f RootPointersFunc) VisitWeakPointer(heap.SlotLocation, heap.ObjectID)   {}
func (f RootPointersFunc) VisitCodeTarget(heap.TypedSlot)                     {}
func (f RootPointersFunc) VisitEmbeddedPointer(heap.TypedSlot)                {}
func (f RootPointersFunc) VisitMapPointer(heap.SlotLocation, heap.ObjectID)   {}
func (f RootPointersFunc) VisitEphemeron(key, value heap.ObjectID)            {}
func (f RootPointersFunc) VisitRunningCode(heap.ObjectID)                     {}
func (f RootPointersFunc) VisitRootPointers(kind Kind, ids []heap.ObjectID)   { f(kind, ids) }
