package mark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/worklist"
)

// TestEphemeronFixpointPropagatesOnlyReachableKeys covers scenario S3:
// a table holds (k1,v1) and (k2,v2). Only k1 is reachable from a root.
// k1 and v1 both end Black; k2 and v2 stay White and the dead entry is
// removed from the table once the caller applies
// RemoveEphemeronsWithKey.
func TestEphemeronFixpointPropagatesOnlyReachableKeys(t *testing.T) {
	store := heap.NewStore(64)
	k1, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	v1, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	k2, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	v2, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	table, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)

	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: k1.ID, Value: v1.ID})
	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: k2.ID, Value: v2.ID})

	// Only k1 is root-reachable; k2/v2/table have no path from a root.
	store.AddRoot(k1.ID)

	d := newTestDriver(store)
	require.NoError(t, d.MarkLiveObjects())

	assert.Equal(t, heap.Black, colorOfID(t, store, k1.ID))
	assert.Equal(t, heap.Black, colorOfID(t, store, v1.ID))
	assert.Equal(t, heap.White, colorOfID(t, store, k2.ID))
	assert.Equal(t, heap.White, colorOfID(t, store, v2.ID))

	dead := map[heap.ObjectID]bool{k2.ID: true}
	store.RemoveEphemeronsWithKey(dead)

	remaining := store.Ephemerons()
	require.Len(t, remaining, 1)
	assert.Equal(t, k1.ID, remaining[0].Key)
	assert.Equal(t, v1.ID, remaining[0].Value)
}

// TestEphemeronFixpointConvergesOverMultipleRounds covers a chain of
// ephemerons where each key is only discovered reachable via the
// previous round's value (k1 root-reachable; v1 is itself the key for
// a second entry whose value is v2): the fixpoint must iterate until
// both entries resolve rather than stopping after one pass.
func TestEphemeronFixpointConvergesOverMultipleRounds(t *testing.T) {
	store := heap.NewStore(64)
	k1, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	v1, err := store.Allocate(heap.SpaceOld, 2, 0) // also acts as k2
	require.NoError(t, err)
	v2, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	table, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)

	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: v1.ID, Value: v2.ID})
	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: k1.ID, Value: v1.ID})
	store.AddRoot(k1.ID)

	d := newTestDriver(store)
	require.NoError(t, d.MarkLiveObjects())

	assert.Equal(t, heap.Black, colorOfID(t, store, k1.ID))
	assert.Equal(t, heap.Black, colorOfID(t, store, v1.ID))
	assert.Equal(t, heap.Black, colorOfID(t, store, v2.ID))
}

// TestRunEphemeronFixpointOverflowFallsBackToLinear forces
// maxIter down to 1 so the fixpoint cannot converge within its bounded
// rounds and must fall back to the linear algorithm, which still
// greys every reachable value and reports ErrFixpointOverflow.
func TestRunEphemeronFixpointOverflowFallsBackToLinear(t *testing.T) {
	store := heap.NewStore(64)
	k1, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	v1, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	table, err := store.Allocate(heap.SpaceOld, 2, 0)
	require.NoError(t, err)
	store.AddEphemeron(heap.Ephemeron{Table: table.ID, Key: k1.ID, Value: v1.ID})
	store.AddRoot(k1.ID)

	d := newTestDriver(store)
	d.Flags.EphemeronFixpointIterations = 1

	local := worklist.NewLocal(d.Main)
	for _, id := range store.Roots() {
		d.MarkObjectRoot(id, local)
	}
	local.Publish()
	d.SeedEphemerons()
	d.ProcessMarkingWorklist(local, 0)

	_, err = d.RunEphemeronFixpoint(local)
	assert.ErrorIs(t, err, ErrFixpointOverflow)
	d.ProcessMarkingWorklist(local, 0)

	assert.Equal(t, heap.Black, colorOfID(t, store, v1.ID))
}
