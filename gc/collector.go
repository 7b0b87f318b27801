package gc

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/markcompact/mcgc/alloc"
	"github.com/markcompact/mcgc/compact"
	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/embedder"
	"github.com/markcompact/mcgc/evacuate"
	"github.com/markcompact/mcgc/heap"
	"github.com/markcompact/mcgc/job"
	"github.com/markcompact/mcgc/mark"
	"github.com/markcompact/mcgc/mmc"
	"github.com/markcompact/mcgc/ptrupdate"
	"github.com/markcompact/mcgc/root"
	"github.com/markcompact/mcgc/sweep"
	"github.com/markcompact/mcgc/weak"
	"github.com/markcompact/mcgc/writebarrier"
)

// Collector is the long-lived, per-isolate collector service (spec.md
// §9 "Global mutable collector state": instantiate once, pass by
// non-owning reference to all workers for the duration of a cycle).
// It owns the Sweeper and the marking driver exclusively, per §9's
// ownership note.
type Collector struct {
	Store   *heap.Store
	Flags   config.Flags
	Log     *zap.Logger
	Runner  *job.Runner

	Barrier writebarrier.Barrier
	Tracer  embedder.Tracer
	Roots   root.Iterator
	Alloc   alloc.Allocator
	Sweeper sweep.Sweeper

	// Clients lists other isolates' heaps when this Collector runs in
	// shared-GC mode (spec.md §4.4 step 4, §4.7 step 4).
	Clients []*heap.Store

	PageSizeWords     int
	PageCapacityBytes uint64

	driver    *mark.Driver
	evacuator *evacuate.Evacuator
	selector  *compact.Selector
	minor     *mmc.Collector

	state      State
	epoch      uint64
	candidates []*heap.Page
}

// SetUp wires a fresh Collector's collaborators and sub-drivers
// (spec.md §9's set_up()/tear_down() lifecycle). Callers configure the
// struct's public fields first, then call SetUp once before any Cycle.
func (c *Collector) SetUp() {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.Barrier == nil {
		c.Barrier = &writebarrier.None{}
	}
	if c.Tracer == nil {
		c.Tracer = embedder.None{}
	}
	if c.Roots == nil {
		c.Roots = &root.StoreIterator{Store: c.Store, Clients: c.Clients}
	}
	if c.Alloc == nil {
		c.Alloc = &alloc.StoreAllocator{Store: c.Store}
	}
	if c.Sweeper == nil {
		c.Sweeper = sweep.NewInline(c.Store)
	}
	if c.Runner == nil {
		c.Runner = &job.Runner{DefaultConcurrency: job.MaxConcurrency(0)}
	}

	c.driver = mark.NewDriver(c.Store, c.Roots, c.Barrier, c.Tracer, c.Flags, c.Log)
	c.evacuator = evacuate.NewEvacuator(c.Store, c.Alloc, c.Sweeper, c.Flags, c.Log)
	c.selector = &compact.Selector{
		Store:             c.Store,
		Flags:             c.Flags,
		PageCapacityBytes: c.PageCapacityBytes,
	}
	switch {
	case c.Flags.ManualEvacuationCandidatesSelection:
		c.selector.Forced = compact.ForcedModeFixedSet
		c.selector.ForcedPages = c.Flags.ManualCandidates
	case c.Flags.StressCompactionRandom:
		c.selector.Forced = compact.ForcedModeRandomSample
		c.selector.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	case c.Flags.StressCompaction:
		c.selector.Forced = compact.ForcedModeEveryOtherPage
	}

	if c.Flags.MinorMC {
		minorSweeper := sweep.Sweeper(nil)
		if c.Flags.MinorMCSweeping {
			minorSweeper = c.Sweeper
		}
		minorEvac := evacuate.NewEvacuator(c.Store, c.Alloc, minorSweeper, c.Flags, c.Log)
		c.minor = mmc.NewCollector(c.Store, c.Flags, minorEvac, minorSweeper, c.Runner, c.Log)
		c.minor.Roots = c.Roots
	} else {
		c.minor = nil
	}

	c.state = StateIdle
}

// TearDown releases the Collector's sub-drivers, symmetric with
// SetUp (spec.md §9).
func (c *Collector) TearDown() {
	c.driver = nil
	c.evacuator = nil
	c.selector = nil
	c.minor = nil
}

// Prepare implements the first pipeline step: selects compaction
// candidates for every gated space using each page's live-byte count
// from the prior cycle, flags them, resets every page's mark bitmap to
// White, and finally zeroes the live-byte counter ready for this
// cycle's own tally (spec.md §4.3, §4.9). The live-byte reset matters
// whenever a page enters this cycle already carrying a count from a
// prior pass — MinorCycle's promoted pages in particular — since
// ProcessMarkingWorklist only ever adds to the counter, never
// overwrites it; it must run after candidate selection, which still
// needs last cycle's counts to score fragmentation.
func (c *Collector) Prepare() error {
	if err := c.transition(StateIdle, StatePrepareGC); err != nil {
		return err
	}

	for _, p := range c.Store.AllPages() {
		p.Bitmap.Reset()
	}

	c.candidates = nil
	if c.Flags.Compact {
		spaces := []heap.Space{heap.SpaceOld}
		if c.Flags.CompactMaps {
			spaces = append(spaces, heap.SpaceMap)
		}
		if c.Flags.CompactCodeSpace && c.Flags.CompactCodeSpaceWithStack {
			spaces = append(spaces, heap.SpaceCode)
		}
		for _, sp := range spaces {
			for _, p := range c.selector.SelectCandidates(sp) {
				p.SetFlag(heap.FlagEvacuationCandidate)
				c.candidates = append(c.candidates, p)
			}
		}
	}

	for _, p := range c.Store.AllPages() {
		p.LiveBytes.Store(0)
	}
	return nil
}

// MarkLiveObjects implements the second pipeline step: the marking
// driver's seven-step closure, followed by incrementing the collector
// epoch (spec.md §4.4 step 7's "increment the epoch counter").
func (c *Collector) MarkLiveObjects() error {
	if err := c.transition(StatePrepareGC, StateMarkLiveObjects); err != nil {
		return err
	}
	return c.logPhase("mark", func() error {
		if err := c.driver.MarkLiveObjects(); err != nil {
			return err
		}
		for _, client := range c.Clients {
			c.driver.VisitClientSharedReferences(client, c.Store)
		}
		c.epoch++
		return nil
	})
}

// ClearNonLiveReferences implements the third pipeline step: the
// ten-step weak-reference & clearing pipeline (spec.md §4.5).
func (c *Collector) ClearNonLiveReferences() error {
	return c.logPhase("clear", func() error {
		weak.NewPipeline(c.Store, c.Flags, c.Log).Run()
		return nil
	})
}

// VerifyMarking implements testable properties 1-3 of spec.md §8: no
// object left Grey (White objects are not re-checked for
// reachability), per-page live-byte accounting
// matches the sum of Black object sizes, and no bitmap holds the
// impossible 01 pattern.
func (c *Collector) VerifyMarking() error {
	return c.logPhase("verify", func() error {
		for _, p := range c.Store.AllPages() {
			if err := p.Bitmap.Verify(); err != nil {
				return wrapFatal(err, "gc: bitmap corruption detected during VerifyMarking")
			}
			var liveBytes uint64
			for _, id := range p.Objects {
				obj := c.Store.Object(id)
				if obj == nil || obj.Filler {
					continue
				}
				idx := c.Store.BitIndexOf(obj)
				if idx < 0 {
					continue
				}
				color, err := p.Bitmap.Get(idx)
				if err != nil {
					return wrapFatal(err, "gc: bitmap corruption detected during VerifyMarking")
				}
				if color == heap.Grey {
					return errorf("gc: object %d left Grey after marking on page %d", obj.ID, p.Index)
				}
				if color == heap.Black {
					liveBytes += uint64(obj.Size)
				}
			}
			if got := p.LiveBytes.Load(); got != liveBytes {
				return errorf("gc: page %d live-byte mismatch: recorded %d, computed %d", p.Index, got, liveBytes)
			}
		}
		return nil
	})
}

// StartSweepSpaces implements the fifth pipeline step: non-candidate
// pages are handed to the sweeper, which runs concurrently with
// subsequent mutator execution (spec.md §2).
func (c *Collector) StartSweepSpaces() error {
	if err := c.transition(StateMarkLiveObjects, StateSweepSpaces); err != nil {
		return err
	}
	for _, p := range c.Store.AllPages() {
		if p.HasFlag(heap.FlagEvacuationCandidate) {
			continue
		}
		c.Sweeper.AddPage(p.Space, p, sweep.ModeNormal)
	}
	c.Sweeper.StartSweeping()
	return nil
}

// Evacuate implements the sixth pipeline step's four sub-phases:
// Prologue (none needed beyond what Prepare already did), parallel
// copying, parallel pointer updates, and an Epilogue that clears the
// candidate list and releases each non-aborted candidate page that is
// empty or whose every remaining object was forwarded (spec.md §2,
// §4.6, §4.7). Dead objects are never forwarded, so a candidate page
// that still holds dead objects is not released here.
func (c *Collector) Evacuate(ctx context.Context) error {
	if err := c.transition(StateSweepSpaces, StateRelocateObjects); err != nil {
		return err
	}
	if len(c.candidates) == 0 {
		return nil
	}

	return c.logPhase("evacuate", func() error {
		ej := &evacuate.PageEvacuationJob{Evacuator: c.evacuator, Pages: c.candidates}
		if err := ej.Run(ctx, c.Runner, c.PageSizeWords); err != nil {
			return err
		}

		updater := ptrupdate.NewUpdater(c.Store, c.Roots, c.Flags, c.Log)
		updater.Clients = c.Clients
		if c.Flags.ParallelPointerUpdate {
			pj := &ptrupdate.PointersUpdatingJob{Updater: updater, Pages: c.Store.AllPages()}
			if err := pj.Run(ctx, c.Runner); err != nil {
				return err
			}
			updater.UpdateRoots()
			updater.UpdateClientHeaps()
			updater.UpdateExternalStringTable()
			updater.UpdateEphemeronRememberedSet()
		} else {
			updater.RunAll()
		}

		for _, p := range c.candidates {
			if p.HasFlag(heap.FlagCompactionAborted) {
				continue
			}
			if len(p.Objects) == 0 || allForwarded(c.Store, p) {
				c.Store.ReleasePage(p.Index)
			}
		}
		c.candidates = nil
		return nil
	})
}

// allForwarded reports whether every non-filler object still resident
// on p has been forwarded, the condition under which Evacuate's
// epilogue releases it. Dead (White) objects stay on the page without
// a forwarding address, so a page holding any of them reports false.
func allForwarded(store *heap.Store, p *heap.Page) bool {
	for _, id := range p.Objects {
		obj := store.Object(id)
		if obj == nil || obj.Filler {
			continue
		}
		if !obj.MapWord.IsForwarded() {
			return false
		}
	}
	return true
}

// Finish implements the final pipeline step: clears per-page
// evacuation-candidate flags and returns the state machine to IDLE
// (spec.md §2, §4.9).
func (c *Collector) Finish() error {
	if err := c.transition(StateRelocateObjects, StateIdle); err != nil {
		return err
	}
	for _, p := range c.Store.AllPages() {
		p.ClearFlag(heap.FlagEvacuationCandidate)
		p.ClearFlag(heap.FlagCompactionAborted)
	}
	return nil
}

// MinorCycle runs the young-generation collector in isolation, gated on
// Flags.MinorMC (spec.md §4.8). It is a no-op when the flag is unset or
// SetUp was never called with it (§2 "gc.Collector.Cycle ... delegating
// to ... mmc"). Flags.MinorMCSweeping decides whether aborted nursery
// pages are handed to the shared Sweeper during recovery (wired into the
// young evacuator in SetUp) or simply left flagged; MinorMCTraceFragmentation
// logs each nursery page's fragmentation ahead of the cycle.
func (c *Collector) MinorCycle(ctx context.Context) error {
	if !c.Flags.MinorMC || c.minor == nil {
		return nil
	}
	if c.Flags.MinorMCTraceFragmentation {
		for _, p := range c.Store.PagesOf(heap.SpaceNew) {
			c.Log.Info("nursery page fragmentation",
				zap.Int("page", p.Index),
				zap.Float64("fragmentation_percent", p.FragmentationPercent()))
		}
	}
	return c.logPhase("minor", func() error {
		return c.minor.Cycle(ctx, c.PageSizeWords)
	})
}

// Cycle runs one full collection cycle end to end (spec.md §2's data
// flow): MinorCycle (if Flags.MinorMC) -> Prepare -> MarkLiveObjects ->
// ClearNonLiveReferences -> VerifyMarking -> StartSweepSpaces ->
// Evacuate -> Finish.
func (c *Collector) Cycle(ctx context.Context) error {
	if err := c.MinorCycle(ctx); err != nil {
		return err
	}
	if err := c.Prepare(); err != nil {
		return err
	}
	if err := c.MarkLiveObjects(); err != nil {
		return err
	}
	if err := c.ClearNonLiveReferences(); err != nil {
		return err
	}
	if err := c.VerifyMarking(); err != nil {
		return err
	}
	if err := c.StartSweepSpaces(); err != nil {
		return err
	}
	if err := c.Evacuate(ctx); err != nil {
		return err
	}
	return c.Finish()
}

// Epoch reports the number of completed MarkLiveObjects passes.
func (c *Collector) Epoch() uint64 { return c.epoch }
