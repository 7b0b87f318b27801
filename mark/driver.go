// Package mark implements the marking driver of spec.md §4.2/§4.4: the
// grey-to-black transitive closure over the strong root set, the
// ephemeron fixpoint (ephemeron.go), and the embedder-tracing loop
// (drainToFixpoint, in this file). The grey-drain shape is grounded on
// Go-zh-go.old/src/runtime/mgcmark.go's markroot/scanobject structure.
package mark

import (
	"time"

	"go.uber.org/zap"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/embedder"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/root"
	"github.com/markcompact/mcgc/worklist"
	"github.com/markcompact/mcgc/writebarrier"
)

// Driver owns every worklist and collaborator the marking phase needs
// and implements the seven-step MarkLiveObjects composition of
// spec.md §4.4.
type Driver struct {
	Store    *heap.Store
	Roots    root.Iterator
	Barrier  writebarrier.Barrier
	Tracer   embedder.Tracer
	Flags    config.Flags
	Log      *zap.Logger

	Main                 *worklist.Worklist[heap.ObjectID]
	Wrapper              *worklist.Worklist[heap.ObjectID]
	CurrentEphemerons    *worklist.Worklist[heap.Ephemeron]
	DiscoveredEphemerons *worklist.Worklist[heap.Ephemeron]
	NextEphemerons       *worklist.Worklist[heap.Ephemeron]

	currentLocal    *worklist.Local[heap.Ephemeron]
	nextLocal       *worklist.Local[heap.Ephemeron]
	discoveredLocal *worklist.Local[heap.Ephemeron]
}

// NewDriver wires a Driver against the given heap and collaborators.
func NewDriver(store *heap.Store, roots root.Iterator, barrier writebarrier.Barrier, tracer embedder.Tracer, flags config.Flags, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		Store:                store,
		Roots:                roots,
		Barrier:              barrier,
		Tracer:               tracer,
		Flags:                flags,
		Log:                  log,
		Main:                 worklist.New[heap.ObjectID](),
		Wrapper:              worklist.New[heap.ObjectID](),
		CurrentEphemerons:    worklist.New[heap.Ephemeron](),
		DiscoveredEphemerons: worklist.New[heap.Ephemeron](),
		NextEphemerons:       worklist.New[heap.Ephemeron](),
	}
}

// colorOf returns the current color of obj, or White if its page/bit
// index cannot be resolved (treated as unreachable metadata, e.g. a
// just-allocated filler).
func (d *Driver) colorOf(obj *heap.Object) heap.Color {
	page := d.Store.Page(obj.PageIndex)
	if page == nil {
		return heap.White
	}
	idx := d.Store.BitIndexOf(obj)
	if idx < 0 {
		return heap.White
	}
	c, err := page.Bitmap.Get(idx)
	if err != nil {
		d.Log.Error("bitmap corruption observed", zap.Error(err))
		return heap.White
	}
	return c
}

func (d *Driver) setColor(obj *heap.Object, c heap.Color) {
	page := d.Store.Page(obj.PageIndex)
	if page == nil {
		return
	}
	idx := d.Store.BitIndexOf(obj)
	if idx < 0 {
		return
	}
	page.Bitmap.Set(idx, c)
}

// greyIfWhite transitions obj from White to Grey with a CAS and, on
// success, pushes it to local for later processing. It returns whether
// the transition happened (false if obj was already Grey or Black).
func (d *Driver) greyIfWhite(obj *heap.Object, local *worklist.Local[heap.ObjectID]) bool {
	page := d.Store.Page(obj.PageIndex)
	if page == nil {
		return false
	}
	idx := d.Store.BitIndexOf(obj)
	if idx < 0 {
		return false
	}
	if !page.Bitmap.CompareAndSwap(idx, heap.White, heap.Grey) {
		return false
	}
	local.Push(obj.ID)
	return true
}

// MarkObjectRoot greys obj (if White) as a root reference, the entry
// point used by RootVisitor-shaped callers.
func (d *Driver) MarkObjectRoot(id heap.ObjectID, local *worklist.Local[heap.ObjectID]) {
	obj := d.Store.Object(id)
	if obj == nil || obj.Filler {
		return
	}
	d.greyIfWhite(obj, local)
}

// ProcessMarkingWorklist pops items from local (and the shared global
// pool behind it) until either it drains or budgetWords is exhausted,
// blackening each visited object and greying any White object it
// points to, recording remembered sets along the way (spec.md §4.2
// "grey drain"). It returns the number of words processed.
func (d *Driver) ProcessMarkingWorklist(local *worklist.Local[heap.ObjectID], budgetWords int) int {
	processed := 0
	for budgetWords <= 0 || processed < budgetWords {
		id, ok := local.Pop()
		if !ok {
			break
		}
		obj := d.Store.Object(id)
		if obj == nil || obj.Filler {
			continue
		}
		d.visitSlots(obj, local)
		d.setColor(obj, heap.Black)
		if page := d.Store.Page(obj.PageIndex); page != nil {
			page.LiveBytes.Add(uint64(obj.Size))
		}
		processed += obj.Size
	}
	return processed
}

// visitSlots walks obj's interior pointers, greying any White target
// and recording a remembered-set slot when the reference crosses a
// generational or evacuation-candidate boundary and the source page is
// not flagged FlagSkipRecording (spec.md §4.2).
func (d *Driver) visitSlots(obj *heap.Object, local *worklist.Local[heap.ObjectID]) {
	srcPage := d.Store.Page(obj.PageIndex)
	for i, slot := range obj.Slots {
		switch slot.Kind {
		case heap.SlotWeak, heap.SlotEphemeronKey, heap.SlotEphemeronValue:
			// Weak edges are not traversed by the marker; they are
			// resolved by the ephemeron fixpoint (ephemeron.go) or the
			// weak-clearing pipeline after fixpoint (package weak).
			continue
		}
		if slot.Target == heap.NilObject {
			continue
		}
		target := d.Store.Object(slot.Target)
		if target == nil || target.Filler {
			continue
		}
		d.greyIfWhite(target, local)
		if srcPage == nil || srcPage.HasFlag(heap.FlagSkipRecording) {
			continue
		}
		d.recordCrossPageSlot(srcPage, heap.SlotLocation{Object: obj.ID, Index: i}, slot, target)
	}
}

// recordCrossPageSlot classifies a (source, target) pair into the
// appropriate remembered-set class and records it, matching spec.md
// §3/§4.2/§4.6's recording rules: into-young -> OLD_TO_NEW; into an
// evacuation candidate -> OLD_TO_OLD, or OLD_TO_CODE when the slot is
// a code-shaped reference.
func (d *Driver) recordCrossPageSlot(srcPage *heap.Page, loc heap.SlotLocation, slot heap.Slot, target *heap.Object) {
	dstPage := d.Store.Page(target.PageIndex)
	if dstPage == nil || dstPage == srcPage {
		return
	}

	isCodeSlot := slot.Kind == heap.SlotCodeTarget || slot.Kind == heap.SlotEmbeddedPointer
	typed := heap.TypedSlot{Object: slotOwner(loc), Offset: loc.Index}
	if isCodeSlot {
		switch {
		case target.Space == heap.SpaceNew:
			typed.Kind = heap.TypedCodeEntry
			srcPage.TypedSlotSet(heap.OldToNew).Insert(typed)
		case dstPage.HasFlag(heap.FlagEvacuationCandidate):
			typed.Kind = heap.TypedEmbeddedObjectFull
			srcPage.TypedSlotSet(heap.OldToCode).Insert(typed)
		}
		return
	}

	switch {
	case target.Space == heap.SpaceNew && srcPage.Space != heap.SpaceNew:
		srcPage.SlotSet(heap.OldToNew).Insert(loc)
	case dstPage.HasFlag(heap.FlagEvacuationCandidate):
		srcPage.SlotSet(heap.OldToOld).Insert(loc)
	}
}

// slotOwner extracts the owning object ID from a SlotLocation; a tiny
// helper kept separate so recordCrossPageSlot reads as classification
// logic rather than struct plumbing.
func slotOwner(loc heap.SlotLocation) heap.ObjectID { return loc.Object }

// VisitClientSharedReferences implements spec.md §4.4 step 4
// (shared-GC mode only): iterate every object of a client isolate's
// heap and record OLD_TO_SHARED slots pointing into the shared heap.
func (d *Driver) VisitClientSharedReferences(client, shared *heap.Store) {
	sharedPages := make(map[int]bool)
	for _, p := range shared.AllPages() {
		sharedPages[p.Index] = true
	}
	_ = sharedPages // reserved for a future cross-store page-identity check

	for _, obj := range client.AllObjects() {
		srcPage := client.Page(obj.PageIndex)
		if srcPage == nil {
			continue
		}
		for i, slot := range obj.Slots {
			if slot.Target == heap.NilObject {
				continue
			}
			if shared.Object(slot.Target) == nil {
				continue
			}
			srcPage.SlotSet(heap.OldToShared).Insert(heap.SlotLocation{Object: obj.ID, Index: i})
		}
	}
}

// MarkLiveObjects composes the seven steps of spec.md §4.4.
func (d *Driver) MarkLiveObjects() error {
	wasMarking := d.Barrier.Stop() // step 1
	d.Barrier.PublishAll()
	_ = wasMarking

	d.Tracer.EnterFinalPause() // step 2

	local := worklist.NewLocal(d.Main)
	d.Roots.IterateRoots(root.RootPointersFunc(func(_ root.Kind, ids []heap.ObjectID) { // step 3
		for _, id := range ids {
			d.MarkObjectRoot(id, local)
		}
	}), nil)
	local.Publish()
	d.SeedEphemerons() // step 4: load every registered ephemeron as pending

	// step 5: ParallelMarking is currently a no-op for the full
	// collector (see DESIGN.md); the grey-drain always settles
	// single-threaded.
	d.drainToFixpoint(local)

	if err := d.VerifyEphemeronWorklistsEmpty(); err != nil { // step 6
		return err
	}

	d.Barrier.DeactivateAll() // step 7
	return nil
}

// drainToFixpoint repeatedly drains the main worklist, the ephemeron
// fixpoint, and the embedder tracer until none of them produce new
// grey work, matching the interplay described across spec.md §4.2.
func (d *Driver) drainToFixpoint(local *worklist.Local[heap.ObjectID]) {
	d.Tracer.PrepareForTrace()
	d.Tracer.TracePrologue()

	for {
		d.ProcessMarkingWorklist(local, 0)
		local.Publish()

		progressed, err := d.RunEphemeronFixpoint(local)
		if err != nil {
			d.Log.Warn("ephemeron fixpoint fell back to linear algorithm", zap.Error(err))
		}

		newRoots := d.Tracer.Trace(time.Now().Add(time.Millisecond))
		for _, id := range newRoots {
			d.MarkObjectRoot(id, local)
		}
		local.Publish()

		if !progressed && len(newRoots) == 0 && local.IsEmptyLocalAndGlobal() && d.Tracer.IsRemoteTracingDone() {
			break
		}
	}
}

// VerifyEphemeronWorklistsEmpty implements testable invariant fidelity
// for spec.md §4.4 step 6.
func (d *Driver) VerifyEphemeronWorklistsEmpty() error {
	if !d.CurrentEphemerons.IsEmptyGlobal() || !d.DiscoveredEphemerons.IsEmptyGlobal() || !d.NextEphemerons.IsEmptyGlobal() {
		return errEphemeronWorklistsNotEmpty
	}
	return nil
}
