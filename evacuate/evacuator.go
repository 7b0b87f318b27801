// Package evacuate implements the evacuator & migration phase of
// spec.md §4.6: per-page mode selection, parallel copying with
// forwarding-address installation, slot recording on the copied
// destination, and abort recovery when per-thread allocation fails
// mid-page. No teacher analogue exists (the teacher's collector never
// moves objects); the page-mode and abort semantics are built directly
// from spec.md's prose.
package evacuate

import (
	"context"
	stderrors "errors"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/markcompact/mcgc/alloc"
	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/job"
	"github.com/markcompact/mcgc/sweep"
)

// PageMode is the per-page evacuation strategy (spec.md §4.6).
type PageMode uint8

const (
	ModeObjectsOldToOld PageMode = iota
	ModeObjectsNewToOld
	ModePageNewToOld
	ModePageNewToNew
)

// MigrationObserver is notified on every successful object copy
// (spec.md §4.6 "Migration observers (profiling, young-gen color
// transfer)").
type MigrationObserver interface {
	OnCopy(src, dst heap.ObjectID)
}

// AbortError reports that per-thread allocation failed partway through
// copying a page (spec.md §4.6 abort semantics, §7).
type AbortError struct {
	Page          *heap.Page
	FailedObject  heap.ObjectID
	FailedAtIndex int
}

func (e *AbortError) Error() string {
	return "evacuate: allocation failed copying page"
}

// Evacuator copies live objects off evacuation-candidate pages and
// installs forwarding addresses.
type Evacuator struct {
	Store   *heap.Store
	Alloc   alloc.Allocator
	Sweeper sweep.Sweeper
	Flags   config.Flags
	Log     *zap.Logger

	Observers []MigrationObserver
}

// NewEvacuator wires an Evacuator against its collaborators.
func NewEvacuator(store *heap.Store, a alloc.Allocator, sweeper sweep.Sweeper, flags config.Flags, log *zap.Logger) *Evacuator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evacuator{Store: store, Alloc: a, Sweeper: sweeper, Flags: flags, Log: log}
}

// PickMode selects the evacuation strategy for p (spec.md §4.6):
// nursery pages above the page-promotion threshold are promoted
// whole; other nursery pages have their Black objects promoted
// object-by-object into old space; old-space candidates are copied
// within old space.
func (e *Evacuator) PickMode(p *heap.Page) PageMode {
	if p.Space != heap.SpaceNew {
		return ModeObjectsOldToOld
	}
	if e.Flags.PagePromotion && p.AllocatedBytes > 0 {
		threshold := e.Flags.PagePromotionThreshold
		if threshold <= 0 {
			threshold = 0.7
		}
		if float64(p.LiveBytes.Load()) >= threshold*float64(p.AllocatedBytes) {
			return ModePageNewToOld
		}
	}
	return ModeObjectsNewToOld
}

// EvacuatePage evacuates a single page under mode. On an allocation
// failure it returns *AbortError; the caller (EvacuateInParallel, or a
// direct single-threaded call) is responsible for invoking Abort to
// finish recovery.
func (e *Evacuator) EvacuatePage(p *heap.Page, mode PageMode) error {
	switch mode {
	case ModePageNewToOld:
		return e.promoteWholePage(p, heap.SpaceOld, heap.FlagNewToOld)
	case ModePageNewToNew:
		return e.promoteWholePage(p, heap.SpaceNew, heap.FlagNewToNew)
	default:
		return e.copyObjects(p, mode)
	}
}

// promoteWholePage flips page ownership without copying any object:
// only the space tags (of the page and of each non-filler object on
// it) and the page flag change, and every object's interior slots are
// (re-)recorded against the new owning space (spec.md §4.6 "cheap
// whole-page promotion... no object copies happen, only the page
// ownership flips and slots are recorded").
func (e *Evacuator) promoteWholePage(p *heap.Page, dstSpace heap.Space, flag heap.PageFlag) error {
	p.Space = dstSpace
	p.SetFlag(flag)
	for _, id := range p.Objects {
		obj := e.Store.Object(id)
		if obj == nil || obj.Filler {
			continue
		}
		obj.Space = dstSpace
		e.Store.SetObject(obj)
		e.recordSlots(p, obj)
	}
	return nil
}

// copyObjects implements kObjectsOldToOld / kObjectsNewToOld: each
// Black object is copied into a fresh destination allocation, the
// source's map word becomes a forwarding tag, and the destination's
// interior slots are recorded (spec.md §4.6 "Copying").
func (e *Evacuator) copyObjects(p *heap.Page, mode PageMode) error {
	dstSpace := p.Space
	if mode == ModeObjectsNewToOld {
		dstSpace = heap.SpaceOld
	}

	buf := alloc.NewLinearBuffer(e.Alloc, dstSpace)
	defer buf.Finalize()

	for i, id := range p.Objects {
		obj := e.Store.Object(id)
		if obj == nil || obj.Filler {
			continue
		}
		if obj.MapWord.IsForwarded() {
			continue // already migrated by a prior pass over this page
		}
		color, err := e.blackOrSkip(p, obj)
		if err != nil {
			return err
		}
		if !color {
			continue // not Black: dead, left for the sweeper
		}

		dst, err := buf.Copy(obj.Size)
		if err != nil {
			return &AbortError{Page: p, FailedObject: obj.ID, FailedAtIndex: i}
		}

		dst.Slots = append([]heap.Slot(nil), obj.Slots...)
		dst.MapWord = heap.MapWord{Tag: heap.TagMap, Map: dst.ID}
		e.Store.SetObject(dst)

		obj.MapWord = heap.MapWord{Tag: heap.TagForward, Forward: dst.ID}
		e.Store.SetObject(obj)

		for _, ob := range e.Observers {
			ob.OnCopy(obj.ID, dst.ID)
		}

		if dstPage := e.Store.Page(dst.PageIndex); dstPage != nil {
			e.recordSlots(dstPage, dst)
		}
	}
	return nil
}

func (e *Evacuator) blackOrSkip(p *heap.Page, obj *heap.Object) (bool, error) {
	idx := e.Store.BitIndexOf(obj)
	if idx < 0 {
		return false, nil
	}
	c, err := p.Bitmap.Get(idx)
	if err != nil {
		return false, errors.Wrap(err, "evacuate: bitmap corruption reading object color")
	}
	return c == heap.Black, nil
}

// recordSlots classifies and records every cross-page interior
// pointer of obj into the appropriate remembered set, mirroring
// mark.Driver.recordCrossPageSlot's classification rules (spec.md
// §4.6 "Slot recording").
func (e *Evacuator) recordSlots(srcPage *heap.Page, obj *heap.Object) {
	for i, slot := range obj.Slots {
		if slot.Target == heap.NilObject || slot.Target == heap.ClearedWeakSentinel {
			continue
		}
		target := e.Store.Object(slot.Target)
		if target == nil || target.Filler {
			continue
		}
		dstPage := e.Store.Page(target.PageIndex)
		if dstPage == nil || dstPage == srcPage {
			continue
		}
		loc := heap.SlotLocation{Object: obj.ID, Index: i}

		isCode := slot.Kind == heap.SlotCodeTarget || slot.Kind == heap.SlotEmbeddedPointer
		if isCode {
			typed := heap.TypedSlot{Object: obj.ID, Offset: i}
			switch {
			case target.Space == heap.SpaceNew:
				typed.Kind = heap.TypedCodeEntry
				srcPage.TypedSlotSet(heap.OldToNew).Insert(typed)
			case dstPage.HasFlag(heap.FlagEvacuationCandidate):
				typed.Kind = heap.TypedEmbeddedObjectFull
				srcPage.TypedSlotSet(heap.OldToCode).Insert(typed)
			}
			continue
		}

		switch {
		case target.Space == heap.SpaceNew && srcPage.Space != heap.SpaceNew:
			srcPage.SlotSet(heap.OldToNew).Insert(loc)
		case dstPage.HasFlag(heap.FlagEvacuationCandidate):
			srcPage.SlotSet(heap.OldToOld).Insert(loc)
		}
	}
}

// Abort recovers from a partial per-page copy failure (spec.md §4.6
// abort semantics, §9 open question on slot re-recording): every
// remembered set of the page (all classes, untyped and typed) is
// cleared, not only the slots of the successfully-copied prefix, and
// is then re-derived by re-walking every surviving (un-forwarded)
// Black object on the page; live bytes are recomputed from those same
// objects, COMPACTION_WAS_ABORTED is set, and the page is handed to
// the sweeper instead of being released.
func (e *Evacuator) Abort(ae *AbortError) {
	p := ae.Page

	for c := heap.RememberedSetClass(0); int(c) < heap.NumRememberedSetClasses; c++ {
		p.SlotSet(c).Clear()
		p.TypedSlotSet(c).Clear()
	}

	var liveBytes uint64
	for _, id := range p.Objects {
		obj := e.Store.Object(id)
		if obj == nil || obj.Filler || obj.MapWord.IsForwarded() {
			continue
		}
		idx := e.Store.BitIndexOf(obj)
		if idx < 0 {
			continue
		}
		color, err := p.Bitmap.Get(idx)
		if err != nil || color != heap.Black {
			continue
		}
		liveBytes += uint64(obj.Size)
		e.recordSlots(p, obj)
	}
	p.LiveBytes.Store(liveBytes)
	p.SetFlag(heap.FlagCompactionAborted)

	if e.Flags.CrashOnAbortedEvacuation {
		e.Log.Fatal("evacuation aborted and crash_on_aborted_evacuation is set",
			zap.Int("page", p.Index), zap.Uint64("failed_object", uint64(ae.FailedObject)))
	}

	if e.Sweeper != nil {
		e.Sweeper.AddPage(p.Space, p, sweep.ModeAborted)
	}
	e.Log.Warn("evacuation aborted for page", zap.Int("page", p.Index), zap.Uint64("failed_object", uint64(ae.FailedObject)))
}

// oneMiB is the numerator of spec.md §4.6's "⌈1MiB/pageSize⌉" page
// grouping, which Run applies when pageSizeWords is known. The
// reference evacuator claims pages one at a time via an atomic counter
// regardless, so this only bounds the worker count.
const oneMiB = 1 << 20

// PageEvacuationJob partitions pages across up to desiredTasks workers,
// each claiming pages one at a time via an atomic counter so every
// page is processed exactly once (spec.md §4.6 "Parallelism").
type PageEvacuationJob struct {
	Evacuator *Evacuator
	Pages     []*heap.Page
	Modes     map[int]PageMode // page index -> mode

	next    atomic.Int64
	aborted []*AbortError
}

// Run executes the job using runner at up to desiredTasks concurrency,
// joining when complete. Aborted pages are recovered (via
// Evacuator.Abort) after the parallel phase finishes, matching spec.md
// §4.6 "after the parallel phase, each aborted page has its slots
// re-recorded...".
func (j *PageEvacuationJob) Run(ctx context.Context, runner *job.Runner, pageSizeWords int) error {
	if len(j.Pages) == 0 {
		return nil
	}
	groupSize := 1
	if pageSizeWords > 0 {
		groupSize = int(math.Ceil(float64(oneMiB) / float64(pageSizeWords)))
		if groupSize < 1 {
			groupSize = 1
		}
	}
	desiredTasks := int(math.Ceil(float64(len(j.Pages)) / float64(groupSize)))
	if desiredTasks < 1 {
		desiredTasks = 1
	}

	var abortedMu aborts
	d := job.DelegateFunc(func(_ context.Context, _ int, _ bool) error {
		for {
			idx := j.next.Inc() - 1
			if idx >= int64(len(j.Pages)) {
				return nil
			}
			p := j.Pages[idx]
			mode := j.Evacuator.PickMode(p)
			if m, ok := j.Modes[p.Index]; ok {
				mode = m
			}
			if err := j.Evacuator.EvacuatePage(p, mode); err != nil {
				var ae *AbortError
				if stderrors.As(err, &ae) {
					abortedMu.add(ae)
					continue
				}
				return err
			}
		}
	})

	if err := runner.RunAndJoin(ctx, job.PriorityUserBlocking, desiredTasks, d); err != nil {
		return err
	}
	for _, ae := range abortedMu.list() {
		j.Evacuator.Abort(ae)
	}
	j.aborted = abortedMu.list()
	return nil
}

// Aborted returns every AbortError recovered during Run, for callers
// that want to report on aborted pages.
func (j *PageEvacuationJob) Aborted() []*AbortError { return j.aborted }

// aborts is a tiny mutex-guarded collector for concurrently-reported
// AbortErrors; kept separate from PageEvacuationJob's other fields
// since it is the only piece of state workers write concurrently.
type aborts struct {
	mu    sync.Mutex
	list_ []*AbortError
}

func (a *aborts) add(ae *AbortError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list_ = append(a.list_, ae)
}

func (a *aborts) list() []*AbortError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.list_
}
