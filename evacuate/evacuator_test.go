package evacuate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/alloc"
	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/job"
	"github.com/markcompact/mcgc/sweep"
)

func blacken(t *testing.T, store *heap.Store, obj *heap.Object) {
	t.Helper()
	page := store.Page(obj.PageIndex)
	require.NotNil(t, page)
	idx := store.BitIndexOf(obj)
	require.GreaterOrEqual(t, idx, 0)
	page.Bitmap.Set(idx, heap.Black)
	page.LiveBytes.Add(uint64(obj.Size))
}

// TestEvacuatePageCopiesLiveObjectsAndInstallsForwarding covers
// scenario S2: a fragmented candidate page's live objects are copied
// to a fresh page, forwarding addresses are installed on the
// originals, and the destination carries an identical slot shape.
func TestEvacuatePageCopiesLiveObjectsAndInstallsForwarding(t *testing.T) {
	// A 4-word page capacity holds exactly a and b, so the copy
	// destination is forced onto a fresh page rather than looping back
	// onto the (full) candidate page.
	store := heap.NewStore(4)
	a, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	b, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	a.Slots = []heap.Slot{{Kind: heap.SlotStrong, Target: b.ID}}
	store.SetObject(a)

	candidatePage := store.Page(a.PageIndex)
	candidatePage.SetFlag(heap.FlagEvacuationCandidate)
	blacken(t, store, a)
	blacken(t, store, b)

	e := NewEvacuator(store, &alloc.StoreAllocator{Store: store}, sweep.NewInline(store), config.Default(), nil)
	err = e.EvacuatePage(candidatePage, ModeObjectsOldToOld)
	require.NoError(t, err)

	movedA := store.Object(a.ID)
	require.True(t, movedA.MapWord.IsForwarded())
	newA := store.Object(movedA.MapWord.Forward)
	require.NotNil(t, newA)
	assert.NotEqual(t, a.PageIndex, newA.PageIndex)
	require.Len(t, newA.Slots, 1)
	assert.Equal(t, b.ID, newA.Slots[0].Target)

	movedB := store.Object(b.ID)
	require.True(t, movedB.MapWord.IsForwarded())
}

// TestEvacuatePageSkipsWhiteObjects covers that dead (White) objects on
// a candidate page are left for the sweeper rather than copied.
func TestEvacuatePageSkipsWhiteObjects(t *testing.T) {
	store := heap.NewStore(64)
	dead, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	page := store.Page(dead.PageIndex)
	page.SetFlag(heap.FlagEvacuationCandidate)
	// dead stays White (bitmap starts all-White).

	e := NewEvacuator(store, &alloc.StoreAllocator{Store: store}, sweep.NewInline(store), config.Default(), nil)
	require.NoError(t, e.EvacuatePage(page, ModeObjectsOldToOld))

	got := store.Object(dead.ID)
	assert.False(t, got.MapWord.IsForwarded())
}

// TestEvacuatePageAbortsOnAllocationFailure covers scenario S5: a page
// whose objects cannot be copied (the very first copy already fails)
// because the destination space is capped returns an AbortError, and
// Abort flags the page
// COMPACTION_WAS_ABORTED without leaving a forwarding address on the
// object that failed to copy.
func TestEvacuatePageAbortsOnAllocationFailure(t *testing.T) {
	store := heap.NewStore(4)
	a, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	b, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	page := store.Page(a.PageIndex)
	page.SetFlag(heap.FlagEvacuationCandidate)
	blacken(t, store, a)
	blacken(t, store, b)

	// MaxPages: 1 means the destination allocator can never grow past
	// the one page it starts with, and that one page is the (full)
	// candidate page itself in this tiny store, so every copy attempt
	// fails immediately.
	capped := &alloc.StoreAllocator{Store: store, MaxPages: 1}
	e := NewEvacuator(store, capped, sweep.NewInline(store), config.Default(), nil)

	err = e.EvacuatePage(page, ModeObjectsOldToOld)
	require.Error(t, err)
	var ae *AbortError
	require.ErrorAs(t, err, &ae)

	e.Abort(ae)
	assert.True(t, page.HasFlag(heap.FlagCompactionAborted))
	assert.False(t, store.Object(ae.FailedObject).MapWord.IsForwarded())
}

// TestPageEvacuationJobRunsAllPagesConcurrently covers the parallel
// entry point: every supplied page gets evacuated exactly once.
func TestPageEvacuationJobRunsAllPagesConcurrently(t *testing.T) {
	store := heap.NewStore(2) // forces one object per page below
	var pages []*heap.Page
	for i := 0; i < 4; i++ {
		obj, err := store.Allocate(heap.SpaceOld, 2, 0)
		require.NoError(t, err)
		p := store.Page(obj.PageIndex)
		p.SetFlag(heap.FlagEvacuationCandidate)
		blacken(t, store, obj)
		pages = append(pages, p)
	}

	e := NewEvacuator(store, &alloc.StoreAllocator{Store: store}, sweep.NewInline(store), config.Default(), nil)
	ej := &PageEvacuationJob{Evacuator: e, Pages: pages}
	runner := &job.Runner{DefaultConcurrency: 4}

	require.NoError(t, ej.Run(context.Background(), runner, 0))
	assert.Empty(t, ej.Aborted())

	for _, p := range pages {
		for _, id := range p.Objects {
			obj := store.Object(id)
			if obj.Filler {
				continue
			}
			assert.True(t, obj.MapWord.IsForwarded())
		}
	}
}
