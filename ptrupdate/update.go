// Package ptrupdate implements the pointer-update phase of spec.md
// §4.7: after evacuation copies complete, every slot that could
// reference a moved object is rewritten via forwarding. No teacher
// analogue exists for the rewrite itself (the teacher never moves
// objects), but the root-visiting shape is grounded on
// Go-zh-go.old/src/runtime/mgcmark.go's markroot switch statement:
// "iterate roots, dispatch by kind".
package ptrupdate

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/job"
	"github.com/markcompact/mcgc/root"
)

// maxPointerUpdateWorkers is the parallelism cap spec.md §4.7
// specifies for PointersUpdatingJob.
const maxPointerUpdateWorkers = 8

// Updater rewrites every strong/weak slot in the heap that could point
// at an object the evacuator moved.
type Updater struct {
	Store   *heap.Store
	Roots   root.Iterator
	Flags   config.Flags
	Log     *zap.Logger
	Clients []*heap.Store // shared-GC mode: client isolates' heaps
}

// NewUpdater wires an Updater against its collaborators.
func NewUpdater(store *heap.Store, roots root.Iterator, flags config.Flags, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{Store: store, Roots: roots, Flags: flags, Log: log}
}

// forwardedTarget follows id's map word if it has been forwarded,
// returning the post-copy address and true, or id unchanged and false
// if the object was never moved.
func (u *Updater) forwardedTarget(store *heap.Store, id heap.ObjectID) (heap.ObjectID, bool) {
	if id == heap.NilObject || id == heap.ClearedWeakSentinel {
		return id, false
	}
	obj := store.Object(id)
	if obj == nil || !obj.MapWord.IsForwarded() {
		return id, false
	}
	return obj.MapWord.Forward, true
}

// UpdateRoots implements step 1: walk strong roots (minus the
// external string table, handled separately in step 5) and rewrite
// any slot whose referent has been forwarded. The "atomically with
// relaxed ordering" requirement of spec.md §4.7 is satisfied here by
// ReplaceRoot's internal locking; the reference store has no raw
// memory words to CAS directly.
func (u *Updater) UpdateRoots() {
	u.Roots.IterateRoots(root.RootPointersFunc(func(_ root.Kind, ids []heap.ObjectID) {
		for _, id := range ids {
			if fwd, ok := u.forwardedTarget(u.Store, id); ok {
				u.Store.ReplaceRoot(id, fwd)
			}
		}
	}), nil)
}

// UpdateRememberedSets implements step 2: for each page with any
// recorded remembered-set class, hold the page's mutex, walk every
// recorded slot, drop it if the owning object no longer exists (the
// "invalidated-slots filter"), and otherwise rewrite the slot per the
// OLD_TO_NEW rules of step 3.
func (u *Updater) UpdateRememberedSets(store *heap.Store) {
	for _, p := range store.AllPages() {
		if !p.HasRememberedSlots() {
			continue
		}
		p.Mu.Lock()
		u.updateChunkLocked(store, p)
		p.Mu.Unlock()
	}
}

func (u *Updater) updateChunkLocked(store *heap.Store, p *heap.Page) {
	for c := heap.RememberedSetClass(0); int(c) < heap.NumRememberedSetClasses; c++ {
		set := p.SlotSet(c)
		set.Each(func(loc heap.SlotLocation) {
			owner := store.Object(loc.Object)
			if owner == nil || loc.Index >= len(owner.Slots) {
				set.Remove(loc) // invalidated: freed since recording
				return
			}
			slot := &owner.Slots[loc.Index]
			if u.rewriteSlot(store, p, c, slot) {
				set.Remove(loc)
			}
		})

		typed := p.TypedSlotSet(c)
		typed.Each(func(ts heap.TypedSlot) {
			owner := store.Object(ts.Object)
			if owner == nil || ts.Offset >= len(owner.Slots) {
				typed.Remove(ts)
				return
			}
			slot := &owner.Slots[ts.Offset]
			if u.rewriteSlot(store, p, c, slot) {
				typed.Remove(ts)
			}
		})
	}
}

// rewriteSlot applies the OLD_TO_NEW keep/follow/drop rules (spec.md
// §4.7 step 3) to a single slot and reports whether the remembered-set
// entry should now be dropped (the referent left the class the set
// tracks, or the slot was cleared).
func (u *Updater) rewriteSlot(store *heap.Store, srcPage *heap.Page, class heap.RememberedSetClass, slot *heap.Slot) bool {
	if slot.Target == heap.NilObject || slot.Target == heap.ClearedWeakSentinel {
		return true
	}
	target := store.Object(slot.Target)
	if target == nil {
		slot.Target = heap.NilObject
		return true
	}

	if target.MapWord.IsForwarded() {
		// Referent lived on a from-page and was copied out: follow.
		slot.Target = target.MapWord.Forward
		target = store.Object(slot.Target)
	} else if dstPage := store.Page(target.PageIndex); dstPage != nil && dstPage.HasFlag(heap.FlagNewToNew) {
		// Referent lives on a to-page that was NEW_TO_NEW promoted:
		// consult mark bits to decide keep/drop.
		idx := store.BitIndexOf(target)
		if idx >= 0 {
			if color, err := dstPage.Bitmap.Get(idx); err == nil && color == heap.White {
				slot.Target = heap.NilObject
				return true
			}
		}
	}

	if class == heap.OldToNew && target != nil && target.Space != heap.SpaceNew {
		return true // referent is no longer in the nursery; drop the entry
	}
	if class == heap.OldToOld {
		dstPage := store.Page(target.PageIndex)
		if dstPage == nil || !dstPage.HasFlag(heap.FlagEvacuationCandidate) {
			return true // referent no longer lives on a candidate page; drop the entry
		}
	}
	return false
}

// UpdateClientHeaps implements step 4: in shared-GC mode, each client
// isolate's OLD_TO_SHARED sets are walked with the same semantics as
// step 2/3.
func (u *Updater) UpdateClientHeaps() {
	for _, client := range u.Clients {
		u.UpdateRememberedSets(client)
	}
}

// UpdateExternalStringTable implements step 5: entries are rewritten
// via forwarding. No backing-store bytes are re-accounted against the
// new page for strings that became external after promotion. The
// reference store has no separate external-string-table structure
// beyond the RoleExternalString tag, so "rewriting via forwarding"
// here means following forwarding on every RoleExternalString object's
// own identity is unnecessary (their ID never changes, only referring
// slots do) — this walks referring slots one more time specifically
// for objects tagged RoleExternalString as both source and target.
func (u *Updater) UpdateExternalStringTable() {
	for _, obj := range u.Store.AllObjects() {
		for i := range obj.Slots {
			s := &obj.Slots[i]
			if s.Target == heap.NilObject || s.Target == heap.ClearedWeakSentinel {
				continue
			}
			target := u.Store.Object(s.Target)
			if target == nil || target.Role != heap.RoleExternalString {
				continue
			}
			if target.MapWord.IsForwarded() {
				s.Target = target.MapWord.Forward
			}
		}
	}
}

// UpdateEphemeronRememberedSet implements step 6: tables whose map
// word is a forwarding tag are re-keyed; for each index the key is
// followed through forwarding; indices whose key left the nursery are
// dropped.
func (u *Updater) UpdateEphemeronRememberedSet() {
	var kept []heap.Ephemeron
	for _, e := range u.Store.Ephemerons() {
		table := e.Table
		if t := u.Store.Object(table); t != nil && t.MapWord.IsForwarded() {
			table = t.MapWord.Forward
		}
		key := e.Key
		if k := u.Store.Object(key); k != nil && k.MapWord.IsForwarded() {
			key = k.MapWord.Forward
		}
		if keyObj := u.Store.Object(key); keyObj != nil && keyObj.Space != heap.SpaceNew {
			continue // key left the nursery: drop the remembered-set index
		}
		value := e.Value
		if v := u.Store.Object(value); v != nil && v.MapWord.IsForwarded() {
			value = v.MapWord.Forward
		}
		kept = append(kept, heap.Ephemeron{Table: table, Key: key, Value: value})
	}
	replaceAllEphemerons(u.Store, kept)
}

// replaceAllEphemerons overwrites the store's ephemeron list wholesale;
// kept as a small helper so UpdateEphemeronRememberedSet reads as
// "rebuild then install" rather than needing a bespoke Store method.
func replaceAllEphemerons(store *heap.Store, kept []heap.Ephemeron) {
	dead := make(map[heap.ObjectID]bool)
	for _, e := range store.Ephemerons() {
		dead[e.Key] = true
	}
	store.RemoveEphemeronsWithKey(dead)
	for _, e := range kept {
		store.AddEphemeron(e)
	}
}

// RunAll executes steps 1-6 in order, single-threaded. Parallel
// remembered-set draining is available via PointersUpdatingJob for the
// primary heap's pages.
func (u *Updater) RunAll() {
	u.UpdateRoots()
	u.UpdateRememberedSets(u.Store)
	u.UpdateClientHeaps()
	u.UpdateExternalStringTable()
	u.UpdateEphemeronRememberedSet()
}

// PointersUpdatingJob parallelizes step 2 (UpdateRememberedSets) over
// the primary heap's pages, claiming pages one at a time via an atomic
// counter, up to maxPointerUpdateWorkers concurrency (spec.md §4.7
// "Parallelism mirrors the evacuator... up to 8 workers").
type PointersUpdatingJob struct {
	Updater *Updater
	Pages   []*heap.Page

	next atomic.Int64
}

// Run drains j.Pages across up to maxPointerUpdateWorkers goroutines.
func (j *PointersUpdatingJob) Run(ctx context.Context, runner *job.Runner) error {
	if len(j.Pages) == 0 {
		return nil
	}
	d := job.DelegateFunc(func(_ context.Context, _ int, _ bool) error {
		for {
			idx := j.next.Inc() - 1
			if idx >= int64(len(j.Pages)) {
				return nil
			}
			p := j.Pages[idx]
			if !p.HasRememberedSlots() {
				continue
			}
			p.Mu.Lock()
			j.Updater.updateChunkLocked(j.Updater.Store, p)
			p.Mu.Unlock()
		}
	})
	return runner.RunAndJoin(ctx, job.PriorityUserBlocking, job.MaxConcurrency(maxPointerUpdateWorkers), d)
}
