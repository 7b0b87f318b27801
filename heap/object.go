package heap

// ObjectID addresses a heap object. The reference implementation uses a
// dense integer in place of a raw memory address; every other package
// treats ObjectID as opaque.
type ObjectID uint64

// NilObject is the zero value, meaning "no object" (e.g. an empty slot,
// or a code-target slot reset after its code was flushed). Cleared weak
// slots hold ClearedWeakSentinel instead.
const NilObject ObjectID = 0

// SlotKind classifies a pointer-shaped field for the marking visitor
// (spec.md §4.2 "visitor descriptor", §9 "capability set"). Only a
// subset of Object/RootVisitor methods apply to a given kind.
type SlotKind uint8

const (
	SlotStrong SlotKind = iota
	SlotWeak
	SlotCodeTarget
	SlotEmbeddedPointer
	SlotMapPointer
	SlotEphemeronKey
	SlotEphemeronValue
)

// Slot is one pointer-shaped field of an Object. Target holds the
// current ObjectID the slot refers to (NilObject if empty or reset,
// ClearedWeakSentinel once a dead weak referent has been cleared).
type Slot struct {
	Kind   SlotKind
	Target ObjectID
}

// MapWordTag discriminates the two things a header word can hold,
// following spec.md §9's "mark-word overloading" design note: a
// discriminated union with explicit tag inspection, rather than the
// teacher's bit-packed single word (the teacher never moves objects, so
// it has no forwarding tag at all).
type MapWordTag uint8

const (
	TagMap MapWordTag = iota
	TagForward
)

// MapWord is an object's header word: either its map (layout
// descriptor) pointer, or — once the object has been evacuated — a
// forwarding address. Invariant 2 (spec.md §3): no slot holds a
// forwarding address when marking begins, i.e. every object's MapWord
// has Tag == TagMap at the start of MarkLiveObjects.
type MapWord struct {
	Tag     MapWordTag
	Map     ObjectID // meaningful iff Tag == TagMap
	Forward ObjectID // meaningful iff Tag == TagForward
}

// IsForwarded reports whether this header currently holds a forwarding
// address (used pervasively by evacuate and ptrupdate).
func (m MapWord) IsForwarded() bool { return m.Tag == TagForward }

// Object is a tagged heap cell. Size is expressed in abstract "tagged
// words"; per spec.md §3 the minimum is 2 so a Black mark-bit pattern at
// one object cannot collide with the leading bit of the next.
const MinObjectWords = 2

// Space classifies which logical space an object/page belongs to.
type Space uint8

const (
	SpaceOld Space = iota
	SpaceNew       // the nursery
	SpaceCode
	SpaceMap
	SpaceLargeObject
)

func (s Space) String() string {
	switch s {
	case SpaceOld:
		return "old"
	case SpaceNew:
		return "new"
	case SpaceCode:
		return "code"
	case SpaceMap:
		return "map"
	case SpaceLargeObject:
		return "large-object"
	default:
		return "unknown-space"
	}
}

// Role tags an object for the weak-reference & clearing pipeline
// (spec.md §4.5): most objects carry RoleNone and are only ever seen by
// the marker, but the ten clearing steps each operate on a specific
// role so package weak can find its candidates with a single
// Store.AllObjects scan rather than ten separate registries.
type Role uint8

const (
	RoleNone Role = iota
	RoleStringForwardingEntry
	RoleInternalizedString
	RoleExternalString
	RoleCodeFlushCandidate
	RoleBaselineCode
	RoleAllocationSite
	RoleTransitionArray
	RoleDescriptorArray
	RoleWeakReference
	RoleWeakCollectionEntry
	RoleJSWeakRef
	RoleWeakCell
	RoleDependentCode
)

// ClearedWeakSentinel is the value a weak slot is set to once its
// referent has been found dead (spec.md §4.5 step 8, testable property
// 4: "dead weak slots hold the cleared sentinel"). It is distinct from
// NilObject so clearing is observable even for a slot that started out
// NilObject.
const ClearedWeakSentinel ObjectID = ^ObjectID(0)

// Object is a heap object: header word, size, and the interior slots
// the marking visitor must walk.
type Object struct {
	ID      ObjectID
	Size    int // in tagged words, >= MinObjectWords
	Space   Space
	MapWord MapWord
	Slots   []Slot

	// Filler marks a pseudo-object left by left-trimming an array tail
	// (spec.md §4.2 "skip fillers"); the marker skips it entirely.
	Filler bool

	// PageIndex is the index of the owning Page within Store.Pages,
	// used by the evacuator/ptrupdate to find the object's current
	// page without a separate reverse index.
	PageIndex int

	// Role is RoleNone for ordinary objects; package weak's clearing
	// steps look for the other values (spec.md §4.5).
	Role Role

	// Zombie records that an allocation site (RoleAllocationSite) has
	// already spent its one-time reprieve (spec.md §4.5 step 6); a
	// zombie found White a second time is allowed to die normally.
	Zombie bool

	// Deoptimized records that a dependent-code object
	// (RoleDependentCode) had a weak embedded object die and was
	// marked for deoptimization (spec.md §4.5 step 9).
	Deoptimized bool

	// Bytecode names the bytecode object a RoleCodeFlushCandidate or
	// RoleBaselineCode object refers to, kept out of Slots because
	// flushing rewrites it independently of ordinary slot visiting.
	Bytecode ObjectID

	// BytecodeFallback is the bytecode a RoleBaselineCode object falls
	// back to when its baseline code is flushed (spec.md §4.5 step 5).
	BytecodeFallback ObjectID

	// UncompiledSize is the size (in tagged words) a
	// RoleCodeFlushCandidate shrinks to when its bytecode is replaced
	// in place by an uncompiled-data object (spec.md §4.5 step 5); the
	// difference from Size becomes implicit filler.
	UncompiledSize int

	// DescriptorArray names the descriptor array a RoleTransitionArray
	// owns, right-trimmed once no live map references it any more
	// (spec.md §4.5 step 7).
	DescriptorArray ObjectID

	// ReferencedByLiveMap is maintained by callers (there is no map
	// concept in this reference heap) to drive the DescriptorArray
	// right-trim decision for a RoleTransitionArray object.
	ReferencedByLiveMap bool
}
