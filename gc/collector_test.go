package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
)

func resolve(store *heap.Store, id heap.ObjectID) *heap.Object {
	obj := store.Object(id)
	for obj != nil && obj.MapWord.IsForwarded() {
		obj = store.Object(obj.MapWord.Forward)
	}
	return obj
}

func colorOf(t *testing.T, store *heap.Store, obj *heap.Object) heap.Color {
	t.Helper()
	page := store.Page(obj.PageIndex)
	require.NotNil(t, page)
	idx := store.BitIndexOf(obj)
	require.GreaterOrEqual(t, idx, 0)
	c, err := page.Bitmap.Get(idx)
	require.NoError(t, err)
	return c
}

// TestCycleS1BlackensRootClosure covers scenario S1 end to end: A -> B,
// A -> C, root set {A}, no fragmentation. Every reachable object ends
// Black, no forwarding occurs, and the collector returns to IDLE.
func TestCycleS1BlackensRootClosure(t *testing.T) {
	store := heap.NewStore(64)
	b, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	c, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	a, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	a.Slots = []heap.Slot{
		{Kind: heap.SlotStrong, Target: b.ID},
		{Kind: heap.SlotStrong, Target: c.ID},
	}
	store.SetObject(a)
	store.AddRoot(a.ID)

	col := &Collector{Store: store, Flags: config.Default(), PageCapacityBytes: 4096}
	col.SetUp()
	defer col.TearDown()

	require.NoError(t, col.Cycle(context.Background()))
	assert.Equal(t, StateIdle, col.State())

	resolvedA := resolve(store, a.ID)
	require.NotNil(t, resolvedA)
	assert.Equal(t, a.ID, resolvedA.ID, "an uncompacted page must never forward its objects")
	assert.Equal(t, heap.Black, colorOf(t, store, resolvedA))
}

// TestCycleS2CompactsFragmentedPage covers scenario S2: a page with
// mostly-dead objects and high fragmentation is selected for
// compaction and its live object is evacuated to a new location. The
// page's dead objects are never forwarded, so the source page is not
// released in this cycle.
func TestCycleS2CompactsFragmentedPage(t *testing.T) {
	store := heap.NewStore(48)
	var survivor *heap.Object
	for i := 0; i < 6; i++ {
		obj, err := store.Allocate(heap.SpaceOld, 8, 0)
		require.NoError(t, err)
		if i == 0 {
			survivor = obj
		}
	}
	store.AddRoot(survivor.ID)
	fragmentedPage := survivor.PageIndex

	// A second, unrelated page becomes the active linear-allocation
	// page so fragmentedPage is eligible for selection.
	other, err := store.Allocate(heap.SpaceOld, 8, 0)
	require.NoError(t, err)
	store.AddRoot(other.ID)

	col := &Collector{Store: store, Flags: config.Default(), PageCapacityBytes: 48}
	col.SetUp()
	defer col.TearDown()

	require.NoError(t, col.Cycle(context.Background()))
	assert.Equal(t, StateIdle, col.State())

	resolvedSurvivor := resolve(store, survivor.ID)
	require.NotNil(t, resolvedSurvivor)
	assert.NotEqual(t, fragmentedPage, resolvedSurvivor.PageIndex,
		"the survivor must have been evacuated off its fragmented source page")
}

// TestCycleS4WeakReferenceClearingSurvivesFullCycle covers scenario
// S4: an object holding a weak pointer to a dead object has that slot
// replaced with the cleared sentinel by the time the cycle finishes.
func TestCycleS4WeakReferenceClearingSurvivesFullCycle(t *testing.T) {
	store := heap.NewStore(64)
	dead, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	holder, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	holder.Role = heap.RoleWeakReference
	holder.Slots = []heap.Slot{{Kind: heap.SlotWeak, Target: dead.ID}}
	store.SetObject(holder)
	store.AddRoot(holder.ID)

	col := &Collector{Store: store, Flags: config.Default(), PageCapacityBytes: 4096}
	col.SetUp()
	defer col.TearDown()

	require.NoError(t, col.Cycle(context.Background()))

	got := resolve(store, holder.ID)
	require.NotNil(t, got)
	assert.Equal(t, heap.ClearedWeakSentinel, got.Slots[0].Target)
}

// TestAbortCompactionClearsCandidateList covers testable property 7's
// core mechanism: calling AbortCompaction after Prepare discards the
// selected candidate list without touching the state machine.
func TestAbortCompactionClearsCandidateList(t *testing.T) {
	store := heap.NewStore(48)
	for i := 0; i < 6; i++ {
		_, err := store.Allocate(heap.SpaceOld, 8, 0)
		require.NoError(t, err)
	}
	_, err := store.Allocate(heap.SpaceOld, 8, 0) // new linear-alloc page
	require.NoError(t, err)

	col := &Collector{Store: store, Flags: config.Default(), PageCapacityBytes: 48}
	col.SetUp()
	defer col.TearDown()

	require.NoError(t, col.Prepare())
	require.NotEmpty(t, col.candidates)

	col.AbortCompaction()
	assert.Empty(t, col.candidates)
	assert.Equal(t, StatePrepareGC, col.State())
}

// TestCycleRunsMinorCycleWhenMinorMCEnabled covers that Cycle actually
// reaches mmc: with Flags.MinorMC set, a nursery object reachable only
// from a root is promoted into old space by the young-gen scavenge that
// runs ahead of the full collector's own mark-compact pass.
func TestCycleRunsMinorCycleWhenMinorMCEnabled(t *testing.T) {
	store := heap.NewStore(64)
	young, err := store.Allocate(heap.SpaceNew, 2, 0)
	require.NoError(t, err)
	store.AddRoot(young.ID)

	flags := config.Default()
	flags.MinorMC = true
	flags.MinorMCSweeping = true
	flags.PagePromotion = true

	col := &Collector{Store: store, Flags: flags, PageCapacityBytes: 4096}
	col.SetUp()
	defer col.TearDown()

	require.NoError(t, col.Cycle(context.Background()))

	resolved := resolve(store, young.ID)
	require.NotNil(t, resolved)
	assert.Equal(t, heap.SpaceOld, resolved.Space, "MinorCycle's whole-page promotion moves the rooted nursery object into old space")
	assert.Empty(t, store.PagesOf(heap.SpaceNew))
}

// TestMinorCycleNoOpWhenFlagUnset covers that MinorCycle does nothing
// (and SetUp never builds the young-gen collector) when Flags.MinorMC
// is left at its zero value, the current production default.
func TestMinorCycleNoOpWhenFlagUnset(t *testing.T) {
	store := heap.NewStore(64)
	young, err := store.Allocate(heap.SpaceNew, 2, 0)
	require.NoError(t, err)
	store.AddRoot(young.ID)

	col := &Collector{Store: store, Flags: config.Default(), PageCapacityBytes: 4096}
	col.SetUp()
	defer col.TearDown()

	require.Nil(t, col.minor)
	require.NoError(t, col.MinorCycle(context.Background()))

	got := store.Object(young.ID)
	require.NotNil(t, got)
	assert.Equal(t, heap.SpaceNew, got.Space, "MinorCycle must not touch the nursery when MinorMC is unset")
}
