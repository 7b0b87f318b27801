package weak

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
)

func setColor(t *testing.T, store *heap.Store, obj *heap.Object, c heap.Color) {
	t.Helper()
	page := store.Page(obj.PageIndex)
	require.NotNil(t, page)
	idx := store.BitIndexOf(obj)
	require.GreaterOrEqual(t, idx, 0)
	page.Bitmap.Set(idx, c)
}

// TestClearWeakReferencesClearsDeadSlot covers scenario S4: object X
// holds a weak pointer to a dead object Y. After Run, X's slot holds
// the cleared sentinel rather than Y's id.
func TestClearWeakReferencesClearsDeadSlot(t *testing.T) {
	store := heap.NewStore(64)
	y, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	x, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	x.Role = heap.RoleWeakReference
	x.Slots = []heap.Slot{{Kind: heap.SlotWeak, Target: y.ID}}
	store.SetObject(x)

	setColor(t, store, x, heap.Black)
	setColor(t, store, y, heap.White)

	p := NewPipeline(store, config.Default(), nil)
	p.Run()

	got := store.Object(x.ID)
	assert.Equal(t, heap.ClearedWeakSentinel, got.Slots[0].Target)
}

// TestClearWeakReferencesLeavesLiveSlot covers the converse: a live
// referent is left untouched.
func TestClearWeakReferencesLeavesLiveSlot(t *testing.T) {
	store := heap.NewStore(64)
	y, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	x, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	x.Role = heap.RoleWeakReference
	x.Slots = []heap.Slot{{Kind: heap.SlotWeak, Target: y.ID}}
	store.SetObject(x)

	setColor(t, store, x, heap.Black)
	setColor(t, store, y, heap.Black)

	p := NewPipeline(store, config.Default(), nil)
	p.Run()

	got := store.Object(x.ID)
	assert.Equal(t, y.ID, got.Slots[0].Target)
}

// TestAllocationSiteZombieReprieveIsOneTime covers the step-6 rule: a
// White allocation site is retained (colored Black, Zombie set) once,
// but a subsequent cycle that finds it White again lets it die.
func TestAllocationSiteZombieReprieveIsOneTime(t *testing.T) {
	store := heap.NewStore(64)
	site, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	site.Role = heap.RoleAllocationSite
	store.SetObject(site)
	setColor(t, store, site, heap.White)

	p := NewPipeline(store, config.Default(), nil)
	p.Run()

	got := store.Object(site.ID)
	assert.True(t, got.Zombie, "first pass should grant the one-time reprieve")
	page := store.Page(got.PageIndex)
	idx := store.BitIndexOf(got)
	c, err := page.Bitmap.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, heap.Black, c, "reprieved site should be forced Black")

	// Simulate a subsequent cycle: the bitmap resets to White for the
	// new mark phase, but Zombie persists.
	page.Bitmap.Set(idx, heap.White)
	p.Run()

	c, err = page.Bitmap.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, heap.White, c, "a second White observation must not be reprieved again")
}

// TestCompactTransitionArraysDropsDeadEntries covers step 7: dead
// transition targets are removed from the array's slots.
func TestCompactTransitionArraysDropsDeadEntries(t *testing.T) {
	store := heap.NewStore(64)
	live, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	dead, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	arr, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	arr.Role = heap.RoleTransitionArray
	arr.Slots = []heap.Slot{
		{Kind: heap.SlotStrong, Target: live.ID},
		{Kind: heap.SlotStrong, Target: dead.ID},
	}
	store.SetObject(arr)

	setColor(t, store, live, heap.Black)
	setColor(t, store, dead, heap.White)
	setColor(t, store, arr, heap.Black)

	p := NewPipeline(store, config.Default(), nil)
	p.Run()

	got := store.Object(arr.ID)
	require.Len(t, got.Slots, 1)
	assert.Equal(t, live.ID, got.Slots[0].Target)
}

// TestClearInternalizedStringTableRemovesDeadEntries covers step 2:
// White internalized-string objects are removed from the store
// entirely.
func TestClearInternalizedStringTableRemovesDeadEntries(t *testing.T) {
	store := heap.NewStore(64)
	str, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	str.Role = heap.RoleInternalizedString
	store.SetObject(str)
	setColor(t, store, str, heap.White)

	p := NewPipeline(store, config.Default(), nil)
	p.Run()

	assert.Nil(t, store.Object(str.ID))
}
