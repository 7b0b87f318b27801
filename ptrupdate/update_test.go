package ptrupdate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/root"
)

func forward(store *heap.Store, from, to *heap.Object) {
	from.MapWord = heap.MapWord{Tag: heap.TagForward, Forward: to.ID}
	store.SetObject(from)
}

// TestUpdateRootsFollowsForwarding covers step 1: a root pointing at a
// forwarded (moved) object is rewritten to the destination's id.
func TestUpdateRootsFollowsForwarding(t *testing.T) {
	store := heap.NewStore(64)
	oldObj, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	newObj, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	forward(store, oldObj, newObj)
	store.AddRoot(oldObj.ID)

	u := NewUpdater(store, &root.StoreIterator{Store: store}, config.Default(), nil)
	u.UpdateRoots()

	assert.ElementsMatch(t, []heap.ObjectID{newObj.ID}, store.Roots())
}

// TestUpdateRememberedSetsRewritesOldToOldSlotAndDropsEntry covers
// steps 2-3: a slot recorded in OLD_TO_OLD because it once pointed at
// an evacuation candidate is rewritten to follow the forwarding
// address, and the entry is dropped once the destination is no longer
// itself a candidate page (testable property 6).
func TestUpdateRememberedSetsRewritesOldToOldSlotAndDropsEntry(t *testing.T) {
	store := heap.NewStore(64)
	oldTarget, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	newTarget, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	forward(store, oldTarget, newTarget)

	src, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	src.Slots = []heap.Slot{{Kind: heap.SlotStrong, Target: oldTarget.ID}}
	store.SetObject(src)

	srcPage := store.Page(src.PageIndex)
	srcPage.SlotSet(heap.OldToOld).Insert(heap.SlotLocation{Object: src.ID, Index: 0})

	u := NewUpdater(store, &root.StoreIterator{Store: store}, config.Default(), nil)
	u.UpdateRememberedSets(store)

	got := store.Object(src.ID)
	assert.Equal(t, newTarget.ID, got.Slots[0].Target)
	assert.True(t, srcPage.SlotSet(heap.OldToOld).Empty())
}

// TestUpdateRememberedSetsDropsInvalidatedSlot covers the
// invalidated-slots filter: a recorded slot whose owning object no
// longer exists is simply dropped from the set.
func TestUpdateRememberedSetsDropsInvalidatedSlot(t *testing.T) {
	store := heap.NewStore(64)
	src, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	srcPage := store.Page(src.PageIndex)
	srcPage.SlotSet(heap.OldToNew).Insert(heap.SlotLocation{Object: 999, Index: 0})

	u := NewUpdater(store, &root.StoreIterator{Store: store}, config.Default(), nil)
	u.UpdateRememberedSets(store)

	assert.True(t, srcPage.SlotSet(heap.OldToNew).Empty())
}

// TestUpdateEphemeronRememberedSetDropsKeyThatLeftNursery covers step
// 6: an ephemeron whose key was promoted out of the nursery (no longer
// SpaceNew) is dropped from the remembered set.
func TestUpdateEphemeronRememberedSetDropsKeyThatLeftNursery(t *testing.T) {
	store := heap.NewStore(64)
	table, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	key, err := store.Allocate(heap.SpaceOld, 2, 0) // already old, not nursery
	require.NoError(t, err)
	value, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: key.ID, Value: value.ID})

	u := NewUpdater(store, &root.StoreIterator{Store: store}, config.Default(), nil)
	u.UpdateEphemeronRememberedSet()

	assert.Empty(t, store.Ephemerons())
}

// TestUpdateEphemeronRememberedSetKeepsNurseryKeyAndFollowsForwarding
// covers the keep path: a nursery key is retained, and a forwarded
// value is rewritten to its new id.
func TestUpdateEphemeronRememberedSetKeepsNurseryKeyAndFollowsForwarding(t *testing.T) {
	store := heap.NewStore(64)
	table, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	key, err := store.Allocate(heap.SpaceNew, 2, 0)
	require.NoError(t, err)
	oldValue, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	newValue, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	forward(store, oldValue, newValue)

	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: key.ID, Value: oldValue.ID})

	u := NewUpdater(store, &root.StoreIterator{Store: store}, config.Default(), nil)
	u.UpdateEphemeronRememberedSet()

	kept := store.Ephemerons()
	require.Len(t, kept, 1)
	assert.Equal(t, key.ID, kept[0].Key)
	assert.Equal(t, newValue.ID, kept[0].Value)
}
