package mark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/embedder"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/root"
	"github.com/markcompact/mcgc/writebarrier"
)

func newTestDriver(store *heap.Store) *Driver {
	roots := &root.StoreIterator{Store: store}
	return NewDriver(store, roots, &writebarrier.None{}, embedder.None{}, config.Default(), nil)
}

func colorOfID(t *testing.T, store *heap.Store, id heap.ObjectID) heap.Color {
	t.Helper()
	obj := store.Object(id)
	require.NotNil(t, obj)
	page := store.Page(obj.PageIndex)
	require.NotNil(t, page)
	idx := store.BitIndexOf(obj)
	require.GreaterOrEqual(t, idx, 0)
	c, err := page.Bitmap.Get(idx)
	require.NoError(t, err)
	return c
}

// TestMarkLiveObjectsBlackensRootClosure covers scenario S1: A -> B,
// A -> C, root set = {A}. Every reachable object ends Black and no
// object is left White or Grey.
func TestMarkLiveObjectsBlackensRootClosure(t *testing.T) {
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

	d := newTestDriver(store)
	require.NoError(t, d.MarkLiveObjects())

	assert.Equal(t, heap.Black, colorOfID(t, store, a.ID))
	assert.Equal(t, heap.Black, colorOfID(t, store, b.ID))
	assert.Equal(t, heap.Black, colorOfID(t, store, c.ID))
}

// TestMarkLiveObjectsLeavesUnreachableWhite covers an object with no
// path from any root: it must stay White.
func TestMarkLiveObjectsLeavesUnreachableWhite(t *testing.T) {
	store := heap.NewStore(64)
	orphan, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	root, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	store.AddRoot(root.ID)

	d := newTestDriver(store)
	require.NoError(t, d.MarkLiveObjects())

	assert.Equal(t, heap.Black, colorOfID(t, store, root.ID))
	assert.Equal(t, heap.White, colorOfID(t, store, orphan.ID))
}

// TestMarkLiveObjectsRecordsOldToNewSlot covers the cross-space
// recording rule of recordCrossPageSlot: a strong reference from an old
// object into the new (nursery) space is recorded in OLD_TO_NEW.
func TestMarkLiveObjectsRecordsOldToNewSlot(t *testing.T) {
	store := heap.NewStore(64)
	young, err := store.Allocate(heap.SpaceNew, 2, 0)
	require.NoError(t, err)
	old, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	old.Slots = []heap.Slot{{Kind: heap.SlotStrong, Target: young.ID}}
	store.SetObject(old)
	store.AddRoot(old.ID)

	d := newTestDriver(store)
	require.NoError(t, d.MarkLiveObjects())

	page := store.Page(old.PageIndex)
	require.NotNil(t, page)
	assert.Equal(t, 1, page.SlotSet(heap.OldToNew).Len())
}
