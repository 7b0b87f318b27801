// Package compact implements compaction-candidate selection (spec.md
// §4.3): per-space fragmentation-driven page scoring with
// memory-reducing and adaptive modes, skip rules, and test-only forced
// modes. No teacher analogue exists (the teacher's GC is non-compacting
// and never selects evacuation candidates); the selection rules are
// built directly from spec.md's formulas.
package compact

import (
	"math/rand"
	"sort"

	"github.com/markcompact/mcgc/config"
	"github.com/markcompact/mcgc/heap"
)

const (
	// minMemoryReducingFragmentationPercent is the fixed fragmentation
	// floor in memory-reducing mode (spec.md §4.3).
	minMemoryReducingFragmentationPercent = 20.0
	// minAdaptiveFragmentationPercent is the floor adaptive mode is
	// clamped to, regardless of measured compaction speed.
	minAdaptiveFragmentationPercent = 20.0

	defaultMemoryReducingQuotaBytes = 6 << 20  // 6 MiB
	defaultAdaptiveQuotaBytes       = 4 << 20  // 4 MiB
	targetPageCompactionMillis      = 0.5
)

// Mode selects how candidates are scored (spec.md §4.3).
type Mode uint8

const (
	ModeAdaptive Mode = iota
	ModeMemoryReducing
)

// ForcedMode names a test/fuzzer-only selection strategy (spec.md §4.3
// "Test-only modes").
type ForcedMode uint8

const (
	ForcedModeNone ForcedMode = iota
	ForcedModeFixedSet
	ForcedModeRandomSample
	ForcedModeEveryOtherPage
)

// Selector scores and selects evacuation candidates for one space.
type Selector struct {
	Store *heap.Store
	Flags config.Flags

	// PageCapacityBytes is the nominal capacity of a page, used to
	// derive free-byte and fragmentation skip rules.
	PageCapacityBytes uint64

	// CompactionSpeedBytesPerMillis informs the adaptive-mode target
	// fragmentation; 0 falls back to the floor.
	CompactionSpeedBytesPerMillis float64

	Forced         ForcedMode
	ForcedPages    []int // used iff Forced == ForcedModeFixedSet
	Rand           *rand.Rand
}

// SelectCandidates scores pages of space and returns the accepted
// evacuation-candidate list, sorted ascending by allocated bytes with
// greedy acceptance up to the byte quota (spec.md §4.3). If the
// predicted number of released pages would be zero, it returns nil —
// the caller (gc.Collector) interprets that as "clear the candidate
// list".
func (s *Selector) SelectCandidates(space heap.Space) []*heap.Page {
	switch s.Forced {
	case ForcedModeFixedSet:
		return s.forcedFixedSet(space)
	case ForcedModeRandomSample:
		return s.forcedRandomSample(space)
	case ForcedModeEveryOtherPage:
		return s.forcedEveryOtherPage(space)
	}

	if !s.spaceGateOpen(space) {
		return nil
	}

	mode := ModeAdaptive
	if s.Flags.MemoryReducing {
		mode = ModeMemoryReducing
	}
	if s.Flags.GCExperimentLessCompaction && mode == ModeMemoryReducing {
		return nil
	}

	minFrag, quota := s.thresholds(mode)

	var eligible []*heap.Page
	for _, p := range s.Store.PagesOf(space) {
		if s.skip(p) {
			continue
		}
		if p.FragmentationPercent() < minFrag {
			continue
		}
		eligible = append(eligible, p)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].AllocatedBytes < eligible[j].AllocatedBytes
	})

	var accepted []*heap.Page
	var total uint64
	for _, p := range eligible {
		if total >= quota {
			break
		}
		accepted = append(accepted, p)
		total += p.AllocatedBytes
	}

	if predictedReleasedPages(accepted) == 0 {
		return nil
	}
	return accepted
}

// spaceGateOpen checks the per-space compaction gates (spec.md §4.3
// "OLD, MAP if compacting maps, CODE if compacting code...").
func (s *Selector) spaceGateOpen(space heap.Space) bool {
	if !s.Flags.Compact {
		return false
	}
	switch space {
	case heap.SpaceOld:
		return true
	case heap.SpaceMap:
		return s.Flags.CompactMaps
	case heap.SpaceCode:
		return s.Flags.CompactCodeSpace && s.Flags.CompactCodeSpaceWithStack
	default:
		return false
	}
}

// thresholds returns the fragmentation floor and byte quota for mode.
func (s *Selector) thresholds(mode Mode) (minFrag float64, quotaBytes uint64) {
	if mode == ModeMemoryReducing {
		return minMemoryReducingFragmentationPercent, defaultMemoryReducingQuotaBytes
	}

	target := minAdaptiveFragmentationPercent
	if s.CompactionSpeedBytesPerMillis > 0 {
		// Derive the fragmentation target so evacuating one page's
		// worth of bytes takes ~targetPageCompactionMillis at the
		// measured speed (spec.md §4.3 adaptive mode).
		bytesPerTarget := s.CompactionSpeedBytesPerMillis * targetPageCompactionMillis
		if s.PageCapacityBytes > 0 {
			derived := bytesPerTarget / float64(s.PageCapacityBytes) * 100
			if derived > target {
				target = derived
			}
		}
	}
	return target, defaultAdaptiveQuotaBytes
}

// minReclaimableBytes floors the "insufficient free bytes" skip rule
// (spec.md §4.3): a page whose allocated-but-dead bytes wouldn't even
// cover this floor isn't worth the overhead of an evacuation pass,
// independent of its fragmentation percentage.
const minReclaimableBytes = 4

// skip reports whether p must never be selected (spec.md §4.3: pinned,
// never-evacuate, the linear allocation area, or insufficient free
// bytes).
func (s *Selector) skip(p *heap.Page) bool {
	if p.HasFlag(heap.FlagPinned) || p.HasFlag(heap.FlagNeverEvacuate) {
		return true
	}
	if s.Store.IsLinearAllocationPage(p) {
		return true
	}
	live := p.LiveBytes.Load()
	if p.AllocatedBytes <= live || p.AllocatedBytes-live < minReclaimableBytes {
		return true
	}
	return false
}

// predictedReleasedPages estimates how many pages compaction would
// free: one page is released per full page's worth of fragmentation
// recovered. A predicted value of 0 means evacuation would not
// actually compact anything, so the caller clears the list entirely
// (spec.md §4.3).
func predictedReleasedPages(pages []*heap.Page) int {
	var freedBytes float64
	for _, p := range pages {
		freedBytes += float64(p.AllocatedBytes) - float64(p.LiveBytes.Load())
	}
	if len(pages) == 0 {
		return 0
	}
	avgPageBytes := pages[0].AllocatedBytes
	if avgPageBytes == 0 {
		return 0
	}
	return int(freedBytes / float64(avgPageBytes))
}

// forcedFixedSet implements the test-only "force a fixed set" mode.
func (s *Selector) forcedFixedSet(space heap.Space) []*heap.Page {
	var out []*heap.Page
	for _, idx := range s.ForcedPages {
		if p := s.Store.Page(idx); p != nil && p.Space == space {
			out = append(out, p)
		}
	}
	return out
}

// forcedRandomSample implements the test-only "random sample" mode.
func (s *Selector) forcedRandomSample(space heap.Space) []*heap.Page {
	pages := s.Store.PagesOf(space)
	if len(pages) == 0 {
		return nil
	}
	r := s.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	n := len(pages)/2 + 1
	perm := r.Perm(len(pages))
	var out []*heap.Page
	for _, i := range perm[:n] {
		if !s.skip(pages[i]) {
			out = append(out, pages[i])
		}
	}
	return out
}

// forcedEveryOtherPage implements the test-only "every other page"
// mode.
func (s *Selector) forcedEveryOtherPage(space heap.Space) []*heap.Page {
	var out []*heap.Page
	for i, p := range s.Store.PagesOf(space) {
		if i%2 == 0 && !s.skip(p) {
			out = append(out, p)
		}
	}
	return out
}
