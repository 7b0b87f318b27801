// Package mmc implements the young-generation mark-compact variant of
// spec.md §4.8: a specialized pipeline against the nursery only. Live
// objects are driven all the way to Black, the same terminal color the
// full collector uses, since evacuate.Evacuator's per-object copy path
// only ever copies Black objects regardless of which driver marked
// them. No teacher analogue exists (the teacher is non-generational);
// the pipeline is composed directly from spec.md §4.8 against the
// mark/evacuate/weak primitives built for the full collector.
package mmc

import (
	"context"

	"go.uber.org/zap"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/evacuate"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/job"
	"github.com/markcompact/mcgc/ptrupdate"
	"github.com/markcompact/mcgc/root"
	"github.com/markcompact/mcgc/sweep"
	"github.com/markcompact/mcgc/worklist"
)

// maxMinorMarkers is the fixed worker cap spec.md §4.8 specifies for
// the young-gen marker pool.
const maxMinorMarkers = 8

// largeObjectThresholdWords is the size, in tagged words, above which
// a nursery object is promoted eagerly to the old large-object space
// during evacuation rather than waiting on its page's mode (spec.md
// §4.8 "promoting young large objects eagerly to the old large-object
// space").
const largeObjectThresholdWords = 1 << 14

// Collector runs the young-generation collection cycle against the
// nursery of store.
type Collector struct {
	Store     *heap.Store
	Flags     config.Flags
	Evacuator *evacuate.Evacuator
	Sweeper   sweep.Sweeper
	Runner    *job.Runner
	Log       *zap.Logger

	// Roots enumerates the strong root set; defaults to a plain
	// StoreIterator over Store the first time it's needed.
	Roots root.Iterator

	// AgeMarkWords is set by Epilogue to the post-evacuation allocation
	// top of the nursery (spec.md §4.8 Epilogue, "age_mark == top()").
	AgeMarkWords uint64
}

// NewCollector wires an mmc.Collector against its collaborators.
func NewCollector(store *heap.Store, flags config.Flags, evac *evacuate.Evacuator, sweeper sweep.Sweeper, runner *job.Runner, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{Store: store, Flags: flags, Evacuator: evac, Sweeper: sweeper, Runner: runner, Log: log}
}

func (c *Collector) greyIfWhite(obj *heap.Object, local *worklist.Local[heap.ObjectID]) bool {
	page := c.Store.Page(obj.PageIndex)
	if page == nil {
		return false
	}
	idx := c.Store.BitIndexOf(obj)
	if idx < 0 {
		return false
	}
	if !page.Bitmap.CompareAndSwap(idx, heap.White, heap.Grey) {
		return false
	}
	local.Push(obj.ID)
	return true
}

// blacken transitions obj from Grey to Black once its slots have been
// scanned, the same terminal color evacuate.Evacuator's blackOrSkip
// checks for.
func (c *Collector) blacken(obj *heap.Object) {
	page := c.Store.Page(obj.PageIndex)
	if page == nil {
		return
	}
	idx := c.Store.BitIndexOf(obj)
	if idx < 0 {
		return
	}
	page.Bitmap.Set(idx, heap.Black)
}

// MarkYoung implements spec.md §4.8's roots + parallel marking: the
// strong root set restricted to nursery objects, plus the full
// OLD_TO_NEW remembered set (each source page's recorded slots are the
// marking items it contributes). Up to maxMinorMarkers goroutines
// drain the shared worklist, each accumulating per-page live bytes
// locally and flushing once at the end.
func (c *Collector) MarkYoung(ctx context.Context) error {
	if c.Roots == nil {
		c.Roots = &root.StoreIterator{Store: c.Store}
	}

	wl := worklist.New[heap.ObjectID]()
	seed := worklist.NewLocal(wl)

	c.Roots.IterateRoots(root.RootPointersFunc(func(_ root.Kind, ids []heap.ObjectID) {
		for _, id := range ids {
			obj := c.Store.Object(id)
			if obj == nil || obj.Space != heap.SpaceNew {
				continue
			}
			c.greyIfWhite(obj, seed)
		}
	}), nil)

	for _, p := range c.Store.AllPages() {
		if p.Space == heap.SpaceNew {
			continue
		}
		p.SlotSet(heap.OldToNew).Each(func(loc heap.SlotLocation) {
			owner := c.Store.Object(loc.Object)
			if owner == nil || loc.Index >= len(owner.Slots) {
				return
			}
			target := c.Store.Object(owner.Slots[loc.Index].Target)
			if target == nil || target.Space != heap.SpaceNew {
				return
			}
			c.greyIfWhite(target, seed)
		})
	}
	seed.Publish()

	workers := job.MaxConcurrency(maxMinorMarkers)
	liveBytesCh := make(chan map[int]uint64, workers)

	d := job.DelegateFunc(func(_ context.Context, _ int, _ bool) error {
		local := worklist.NewLocal(wl)
		liveBytes := make(map[int]uint64)
		for {
			id, ok := local.Pop()
			if !ok {
				break
			}
			obj := c.Store.Object(id)
			if obj == nil || obj.Filler {
				continue
			}
			liveBytes[obj.PageIndex] += uint64(obj.Size)
			for _, slot := range obj.Slots {
				if slot.Kind == heap.SlotWeak || slot.Kind == heap.SlotEphemeronKey || slot.Kind == heap.SlotEphemeronValue {
					continue
				}
				if slot.Target == heap.NilObject || slot.Target == heap.ClearedWeakSentinel {
					continue
				}
				target := c.Store.Object(slot.Target)
				if target == nil || target.Filler || target.Space != heap.SpaceNew {
					continue
				}
				c.greyIfWhite(target, local)
			}
			c.blacken(obj)
		}
		local.Publish()
		liveBytesCh <- liveBytes
		return nil
	})

	if err := c.Runner.RunAndJoin(ctx, job.PriorityUserBlocking, workers, d); err != nil {
		return err
	}
	close(liveBytesCh)
	for lb := range liveBytesCh {
		for idx, n := range lb {
			if p := c.Store.Page(idx); p != nil {
				p.LiveBytes.Add(n)
			}
		}
	}
	return nil
}

// promoteLargeObjects eagerly promotes any nursery object at or above
// largeObjectThresholdWords into the old large-object space, ahead of
// ordinary page evacuation (spec.md §4.8).
func (c *Collector) promoteLargeObjects() {
	for _, obj := range c.Store.AllObjects() {
		if obj.Space != heap.SpaceNew || obj.Filler {
			continue
		}
		if obj.Size < largeObjectThresholdWords {
			continue
		}
		page := c.Store.Page(obj.PageIndex)
		if page == nil {
			continue
		}
		idx := c.Store.BitIndexOf(obj)
		if idx < 0 {
			continue
		}
		if color, err := page.Bitmap.Get(idx); err != nil || color != heap.Black {
			continue
		}
		obj.Space = heap.SpaceLargeObject
		c.Store.SetObject(obj)
	}
}

// Evacuate implements spec.md §4.8's evacuation step: the full
// collector's PageEvacuationJob over every nursery page, with eager
// large-object promotion run first. Each page's mode comes from
// evacuate.PickMode: a page at or above the promotion threshold is
// promoted whole (ModePageNewToOld), any other page has its live
// objects copied into old space (ModeObjectsNewToOld).
// ModePageNewToNew is not used.
func (c *Collector) Evacuate(ctx context.Context, pageSizeWords int) error {
	c.promoteLargeObjects()

	pages := c.Store.PagesOf(heap.SpaceNew)
	pj := &evacuate.PageEvacuationJob{Evacuator: c.Evacuator, Pages: pages}
	return pj.Run(ctx, c.Runner, pageSizeWords)
}

// ClearYoung implements spec.md §4.8's clearing step: only the
// young-side external string table and a young-weak-retainer traversal
// run; internalized strings are untouched since the internalized
// table lives in old space.
func (c *Collector) ClearYoung() {
	for _, obj := range c.Store.AllObjects() {
		if obj.Role != heap.RoleExternalString || obj.Space != heap.SpaceNew {
			continue
		}
		page := c.Store.Page(obj.PageIndex)
		if page == nil {
			continue
		}
		idx := c.Store.BitIndexOf(obj)
		if idx < 0 {
			continue
		}
		if color, err := page.Bitmap.Get(idx); err == nil && color == heap.White {
			c.Store.AddExternalBytesFreed(uint64(obj.Size))
			c.Store.RemoveObject(obj.ID)
		}
	}

	var newHeads []heap.ObjectID
	for _, head := range c.Store.WeakListHeads() {
		id := head
		for id != heap.NilObject {
			obj := c.Store.Object(id)
			if obj == nil {
				break
			}
			next := heap.NilObject
			if len(obj.Slots) > 0 {
				next = obj.Slots[0].Target
			}
			if obj.Space != heap.SpaceNew {
				newHeads = append(newHeads, id) // old-space entries are the full collector's concern
				break
			}
			page := c.Store.Page(obj.PageIndex)
			idx := c.Store.BitIndexOf(obj)
			if page != nil && idx >= 0 {
				if color, err := page.Bitmap.Get(idx); err == nil && color == heap.Black {
					newHeads = append(newHeads, id)
				}
			}
			id = next
		}
	}
	c.Store.SetWeakListHeads(newHeads)
}

// vacated reports whether p carries no live content of its own anymore:
// every non-filler object resident on it is either dead (White) or has
// already been forwarded elsewhere by Evacuate's per-object copy path,
// which never removes the forwarded original from p.Objects itself
// (spec.md S6 "cold pages' live objects copied; nursery empty"). A page
// satisfying this is safe for Epilogue to release outright, the same as
// one that was already empty.
func (c *Collector) vacated(p *heap.Page) bool {
	for _, id := range p.Objects {
		obj := c.Store.Object(id)
		if obj == nil || obj.Filler {
			continue
		}
		if obj.MapWord.IsForwarded() {
			continue
		}
		idx := c.Store.BitIndexOf(obj)
		if idx < 0 {
			return false
		}
		color, err := p.Bitmap.Get(idx)
		if err != nil || color != heap.White {
			return false
		}
	}
	return true
}

// Epilogue implements spec.md §4.8's epilogue: the nursery's age mark
// is set to the post-evacuation allocation top, and residual
// (now-vacated) from-space pages are relinquished.
func (c *Collector) Epilogue() {
	var top uint64
	for _, p := range c.Store.PagesOf(heap.SpaceNew) {
		if c.vacated(p) {
			c.Store.ReleasePage(p.Index)
			continue
		}
		top += p.AllocatedBytes
	}
	c.AgeMarkWords = top
}

// updatePointers rewrites every root and remembered-set slot that could
// reference an object Evacuate just forwarded, reusing the full
// collector's pointer-update rules (spec.md §4.7) so Epilogue can
// release a fully-forwarded nursery page without leaving a root or an
// OLD_TO_NEW entry pointing at an ID that ReleasePage is about to erase.
func (c *Collector) updatePointers() {
	if c.Roots == nil {
		c.Roots = &root.StoreIterator{Store: c.Store}
	}
	ptrupdate.NewUpdater(c.Store, c.Roots, c.Flags, c.Log).RunAll()
}

// Cycle runs the full minor-GC pipeline: MarkYoung, ClearYoung,
// Evacuate, updatePointers, Epilogue.
func (c *Collector) Cycle(ctx context.Context, pageSizeWords int) error {
	if err := c.MarkYoung(ctx); err != nil {
		return err
	}
	c.ClearYoung()
	if err := c.Evacuate(ctx, pageSizeWords); err != nil {
		return err
	}
	c.updatePointers()
	c.Epilogue()
	return nil
}
