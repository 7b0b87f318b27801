package compact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
)

// seedPage allocates one page of space with allocatedBytes of total
// allocation and liveBytes marked live, returning the page.
func seedPage(t *testing.T, store *heap.Store, space heap.Space, allocatedBytes, liveBytes uint64) *heap.Page {
	t.Helper()
	obj, err := store.Allocate(space, int(allocatedBytes), 0)
	require.NoError(t, err)
	page := store.Page(obj.PageIndex)
	page.AllocatedBytes = allocatedBytes
	page.LiveBytes.Store(liveBytes)
	return page
}

func TestSelectCandidatesMemoryReducingModePicksFragmentedPage(t *testing.T) {
	store := heap.NewStore(1)
	// 75% fragmented: well above the 20% floor.
	page := seedPage(t, store, heap.SpaceOld, 1000, 250)
	// A second, unrelated page becomes the new linear-allocation page
	// for SpaceOld so the fragmented page above is eligible.
	seedPage(t, store, heap.SpaceOld, 500, 500)

	sel := &Selector{
		Store:             store,
		Flags:             config.Flags{Compact: true, MemoryReducing: true},
		PageCapacityBytes: 4096,
	}
	got := sel.SelectCandidates(heap.SpaceOld)
	require.Len(t, got, 1)
	assert.Equal(t, page.Index, got[0].Index)
}

func TestSelectCandidatesSkipsBelowFragmentationFloor(t *testing.T) {
	store := heap.NewStore(1)
	// 10% fragmented: below the 20% floor in both modes.
	seedPage(t, store, heap.SpaceOld, 1000, 900)

	sel := &Selector{
		Store:             store,
		Flags:             config.Flags{Compact: true},
		PageCapacityBytes: 4096,
	}
	assert.Nil(t, sel.SelectCandidates(heap.SpaceOld))
}

func TestSelectCandidatesSkipsPinnedAndNeverEvacuate(t *testing.T) {
	store := heap.NewStore(1)
	pinned := seedPage(t, store, heap.SpaceOld, 1000, 100)
	pinned.SetFlag(heap.FlagPinned)
	never := seedPage(t, store, heap.SpaceOld, 1000, 100)
	never.SetFlag(heap.FlagNeverEvacuate)

	sel := &Selector{
		Store:             store,
		Flags:             config.Flags{Compact: true, MemoryReducing: true},
		PageCapacityBytes: 4096,
	}
	assert.Nil(t, sel.SelectCandidates(heap.SpaceOld))
}

func TestSelectCandidatesSkipsLinearAllocationPage(t *testing.T) {
	store := heap.NewStore(1)
	// The page created by the most recent Allocate call in a space is
	// always its current linear-allocation page.
	seedPage(t, store, heap.SpaceOld, 1000, 100)

	sel := &Selector{
		Store:             store,
		Flags:             config.Flags{Compact: true, MemoryReducing: true},
		PageCapacityBytes: 4096,
	}
	assert.Nil(t, sel.SelectCandidates(heap.SpaceOld))
}

func TestSelectCandidatesRespectsSpaceGates(t *testing.T) {
	store := heap.NewStore(1)
	seedPage(t, store, heap.SpaceCode, 1000, 100)

	sel := &Selector{
		Store:             store,
		Flags:             config.Flags{Compact: true, MemoryReducing: true, CompactCodeSpace: false},
		PageCapacityBytes: 4096,
	}
	assert.Nil(t, sel.SelectCandidates(heap.SpaceCode))
}

func TestSelectCandidatesForcedFixedSetIgnoresFragmentation(t *testing.T) {
	store := heap.NewStore(1)
	page := seedPage(t, store, heap.SpaceOld, 1000, 999) // 0.1% fragmented

	sel := &Selector{
		Store:       store,
		Flags:       config.Default(),
		Forced:      ForcedModeFixedSet,
		ForcedPages: []int{page.Index},
	}
	got := sel.SelectCandidates(heap.SpaceOld)
	require.Len(t, got, 1)
	assert.Equal(t, page.Index, got[0].Index)
}
