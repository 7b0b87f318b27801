package heap

import (
	"sync"

	"go.uber.org/atomic"
)

// PageFlag is a bitmask of boolean page properties, matching spec.md §3
// ("a set of boolean flags"). Stored in an atomic.Uint32 so concurrent
// workers (the evacuator, the sweeper handoff) can set/clear individual
// flags with CAS without a page-wide lock, mirroring the teacher's
// per-mspan atomic flag fields in mcache.go.
type PageFlag uint32

const (
	FlagEvacuationCandidate PageFlag = 1 << iota
	FlagNeverEvacuate
	FlagPinned
	FlagNewToOld // promoted nursery page, now owned by old space
	FlagNewToNew // promoted nursery page, stays in new space
	FlagCompactionAborted
	FlagExecutable
	FlagSkipRecording // "no-record list", spec.md §4.2 grey-drain
)

// RememberedSetClass names a source->target slot-recording category
// (spec.md §3).
type RememberedSetClass uint8

const (
	OldToNew RememberedSetClass = iota
	OldToOld
	OldToCode
	OldToShared
	numRememberedSetClasses
)

// NumRememberedSetClasses is the exported count of RememberedSetClass
// values, for callers outside this package that need to range over
// every class (evacuate, ptrupdate).
const NumRememberedSetClasses = int(numRememberedSetClasses)

func (c RememberedSetClass) String() string {
	switch c {
	case OldToNew:
		return "OLD_TO_NEW"
	case OldToOld:
		return "OLD_TO_OLD"
	case OldToCode:
		return "OLD_TO_CODE"
	case OldToShared:
		return "OLD_TO_SHARED"
	default:
		return "UNKNOWN_RSET"
	}
}

// Page is a fixed-size, page-aligned region holding objects of one
// space (spec.md §3). The reference Store allocates these directly
// rather than backing them with real mmap'd memory — the paged
// allocator is an out-of-scope collaborator (spec.md §1).
type Page struct {
	Index int
	Space Space

	Bitmap *Bitmap

	// LiveBytes is the per-page live-byte counter, invariant 4 in
	// spec.md §3: it must equal the sum of sizes of Black objects on
	// the page at the end of marking.
	LiveBytes atomic.Uint64

	// AllocatedBytes is the total bytes the page has handed out,
	// used by compact.SelectCandidates' fragmentation scoring.
	AllocatedBytes uint64

	flags atomic.Uint32

	// Mu guards the remembered sets below during the pointer-update
	// phase (spec.md §5, "per-chunk mutex"). Insertion outside that
	// phase does not take Mu; each SlotSet/TypedSlotSet serializes its
	// own operations with its own mutex.
	Mu sync.Mutex

	slotSets      [numRememberedSetClasses]*SlotSet
	typedSlotSets [numRememberedSetClasses]*TypedSlotSet

	// Objects lists every object the page currently hosts, in
	// allocation order. The reference Store uses this slice as its
	// "area" rather than modeling area_start/area_end as raw addresses.
	Objects []ObjectID
}

// NewPage allocates an empty page of the given space with room for n
// mark-bitmap slots.
func NewPage(index int, space Space, n int) *Page {
	p := &Page{
		Index:  index,
		Space:  space,
		Bitmap: NewBitmap(n),
	}
	for c := RememberedSetClass(0); c < numRememberedSetClasses; c++ {
		p.slotSets[c] = NewSlotSet()
		p.typedSlotSets[c] = NewTypedSlotSet()
	}
	return p
}

// Flags returns the current flag bitmask.
func (p *Page) Flags() PageFlag { return PageFlag(p.flags.Load()) }

// HasFlag reports whether every bit in f is set.
func (p *Page) HasFlag(f PageFlag) bool { return PageFlag(p.flags.Load())&f == f }

// SetFlag atomically ORs f into the flag word.
func (p *Page) SetFlag(f PageFlag) { p.flags.Or(uint32(f)) }

// ClearFlag atomically clears f from the flag word.
func (p *Page) ClearFlag(f PageFlag) { p.flags.And(^uint32(f)) }

// SlotSet returns the untyped remembered set of the given class.
func (p *Page) SlotSet(class RememberedSetClass) *SlotSet { return p.slotSets[class] }

// TypedSlotSet returns the typed (code-relocation) remembered set of
// the given class.
func (p *Page) TypedSlotSet(class RememberedSetClass) *TypedSlotSet {
	return p.typedSlotSets[class]
}

// HasRememberedSlots reports whether any remembered-set class on this
// page currently has recorded slots, used by ptrupdate to decide
// whether a chunk needs visiting at all (spec.md §4.7 step 2).
func (p *Page) HasRememberedSlots() bool {
	for c := RememberedSetClass(0); c < numRememberedSetClasses; c++ {
		if !p.slotSets[c].Empty() || !p.typedSlotSets[c].Empty() {
			return true
		}
	}
	return false
}

// FragmentationPercent is allocated-but-not-live bytes over allocated
// bytes, the score compact.SelectCandidates ranks pages by.
func (p *Page) FragmentationPercent() float64 {
	if p.AllocatedBytes == 0 {
		return 0
	}
	live := p.LiveBytes.Load()
	if live >= p.AllocatedBytes {
		return 0
	}
	return float64(p.AllocatedBytes-live) / float64(p.AllocatedBytes) * 100
}
