package mark

import (
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/worklist"
)

// SeedEphemerons loads every ephemeron currently registered on the
// heap into the "next" worklist, so the first fixpoint round's step 1
// (spec.md §4.2) moves them into "current".
func (d *Driver) SeedEphemerons() {
	for _, e := range d.Store.Ephemerons() {
		d.nextEphLocal().Push(e)
	}
	d.nextEphLocal().Publish()
}

// lazily-initialized per-Driver locals for the three ephemeron
// worklists; kept as Driver fields so state persists across the
// repeated RunEphemeronFixpoint calls drainToFixpoint makes.
func (d *Driver) currentEphLocal() *worklist.Local[heap.Ephemeron] {
	if d.currentLocal == nil {
		d.currentLocal = worklist.NewLocal(d.CurrentEphemerons)
	}
	return d.currentLocal
}

func (d *Driver) nextEphLocal() *worklist.Local[heap.Ephemeron] {
	if d.nextLocal == nil {
		d.nextLocal = worklist.NewLocal(d.NextEphemerons)
	}
	return d.nextLocal
}

func (d *Driver) discoveredEphLocal() *worklist.Local[heap.Ephemeron] {
	if d.discoveredLocal == nil {
		d.discoveredLocal = worklist.NewLocal(d.DiscoveredEphemerons)
	}
	return d.discoveredLocal
}

// RunEphemeronFixpoint runs the five-step fixpoint iteration of
// spec.md §4.2 up to Flags.EphemeronFixpointIterations rounds. It
// returns whether any object was (re)marked this call, and a non-nil
// error (ErrFixpointOverflow) if it had to fall back to the linear
// algorithm.
func (d *Driver) RunEphemeronFixpoint(local *worklist.Local[heap.ObjectID]) (bool, error) {
	maxIter := d.Flags.EphemeronFixpointIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	anyMarked := false
	for iter := 0; iter < maxIter; iter++ {
		// Step 1: move everything pending in next (its local buffer
		// and its global pool) into current.
		for {
			e, ok := d.nextEphLocal().Pop()
			if !ok {
				break
			}
			d.currentEphLocal().Push(e)
		}

		progressed := d.drainEphemeronRound(d.currentEphLocal(), local)

		// Step 3: drain the main marking worklist.
		if d.ProcessMarkingWorklist(local, 0) > 0 {
			progressed = true
		}

		// Step 4: drain discovered ephemerons with the same rule.
		if d.drainEphemeronRound(d.discoveredEphLocal(), local) {
			progressed = true
		}

		if progressed {
			anyMarked = true
			continue
		}
		return anyMarked, nil
	}

	// Bounded iteration exhausted with outstanding work: fall back to
	// the linear algorithm (spec.md §4.2, §7).
	d.linearEphemeronFallback(local)
	return true, ErrFixpointOverflow
}

// drainEphemeronRound applies the fixpoint rule to every entry in src:
// if the key is Black or Grey, grey the value; otherwise, if the value
// is still White, requeue the entry into NextEphemerons for the next
// round. It returns whether any value was newly greyed.
func (d *Driver) drainEphemeronRound(src *worklist.Local[heap.Ephemeron], local *worklist.Local[heap.ObjectID]) bool {
	progressed := false
	for {
		e, ok := src.Pop()
		if !ok {
			break
		}
		keyObj := d.Store.Object(e.Key)
		valueObj := d.Store.Object(e.Value)
		if keyObj == nil || valueObj == nil {
			continue
		}
		switch d.colorOf(keyObj) {
		case heap.Black, heap.Grey:
			if d.greyIfWhite(valueObj, local) {
				progressed = true
			}
		default:
			if d.colorOf(valueObj) == heap.White {
				d.nextEphLocal().Push(e)
			}
		}
	}
	return progressed
}

// linearEphemeronFallback implements spec.md §4.2's cancellation path:
// build a key->values multimap, then eagerly mark every value of a key
// the moment that key is discovered, bounded by a fixed buffer of
// newly-discovered keys; on overflow, conservatively visit every
// pending ephemeron once rather than tracking discovery order further.
func (d *Driver) linearEphemeronFallback(local *worklist.Local[heap.ObjectID]) {
	const newlyDiscoveredCap = 4096

	byKey := make(map[heap.ObjectID][]heap.ObjectID)
	for _, e := range d.Store.Ephemerons() {
		byKey[e.Key] = append(byKey[e.Key], e.Value)
	}

	var discovered []heap.ObjectID
	overflowed := false
	for key, values := range byKey {
		keyObj := d.Store.Object(key)
		if keyObj == nil || d.colorOf(keyObj) == heap.White {
			continue
		}
		if len(discovered) >= newlyDiscoveredCap {
			overflowed = true
			break
		}
		discovered = append(discovered, key)
		for _, v := range values {
			if obj := d.Store.Object(v); obj != nil {
				d.greyIfWhite(obj, local)
			}
		}
	}

	if overflowed {
		// Newly-discovered buffer overflowed: conservatively visit
		// every pending ephemeron once (spec.md §7).
		for _, values := range byKey {
			for _, v := range values {
				if obj := d.Store.Object(v); obj != nil {
					d.greyIfWhite(obj, local)
				}
			}
		}
	}

	d.ProcessMarkingWorklist(local, 0)
}
