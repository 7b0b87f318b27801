// Package gc composes the full-heap mark-compact collector's top-level
// pipeline (spec.md §4.9, §2): the state machine and the Cycle method
// that drives Prepare -> MarkLiveObjects -> ClearNonLiveReferences ->
// VerifyMarking -> StartSweepSpaces -> Evacuate -> Finish. Grounded on
// Go-zh-go.old/src/runtime/mgc.go's gcphase transitions
// (GCoff -> GCscan -> GCmark -> GCmarktermination -> GCsweep), adapted
// to the spec's five named states.
package gc

// State is one of the five full-collector states (spec.md §4.9).
type State uint8

const (
	StateIdle State = iota
	StatePrepareGC
	StateMarkLiveObjects
	StateSweepSpaces
	StateRelocateObjects
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePrepareGC:
		return "PREPARE_GC"
	case StateMarkLiveObjects:
		return "MARK_LIVE_OBJECTS"
	case StateSweepSpaces:
		return "SWEEP_SPACES"
	case StateRelocateObjects:
		return "RELOCATE_OBJECTS"
	default:
		return "UNKNOWN_STATE"
	}
}

// transition advances the state machine, asserting that the previous
// state is the one the named phase requires (spec.md §4.9: "Only
// Prepare may transition from IDLE; each subsequent phase asserts the
// previous").
func (c *Collector) transition(from, to State) error {
	if c.state != from {
		return errorf("gc: cannot enter %s from %s (expected %s)", to, c.state, from)
	}
	c.state = to
	return nil
}

// AbortCompaction may run from any state (spec.md §4.9): it resets the
// evacuation-candidate list without advancing the state machine,
// matching testable property 7 ("running AbortCompaction then Prepare
// is equivalent to running Prepare from IDLE").
func (c *Collector) AbortCompaction() {
	c.candidates = nil
	c.Log.Debug("compaction aborted; candidate list cleared")
}

// State reports the collector's current state.
func (c *Collector) State() State { return c.state }
