// Package config enumerates the collector's recognized configuration
// flags (spec.md §6) as a plain struct, the explicit-struct replacement
// for the teacher's GODEBUG-style global tunables in mgc.go.
package config

// Flags holds every recognized collector option. Zero-value Flags has
// every option off, compaction and all parallel paths included;
// Default() below returns the collector's production-shaped defaults.
type Flags struct {
	// Compact is the master switch for compaction.
	Compact bool

	// Per-space gates.
	CompactCodeSpace         bool
	CompactMaps              bool
	CompactWithStack         bool
	CompactCodeSpaceWithStack bool

	// Test/fuzzer modes.
	CompactOnEveryFullGC                 bool
	StressCompaction                     bool
	StressCompactionRandom               bool
	ManualEvacuationCandidatesSelection  bool
	ManualCandidates                     []int // used iff ManualEvacuationCandidatesSelection

	// GCExperimentLessCompaction disables compaction when memory
	// reduction is desired, overriding Compact.
	GCExperimentLessCompaction bool

	// Parallelism toggles.
	ParallelCompaction    bool
	ParallelMarking       bool
	ConcurrentMarking     bool
	ConcurrentSweeping    bool
	ConcurrentSparkplug   bool
	ParallelPointerUpdate bool

	// EphemeronFixpointIterations caps fixpoint rounds before falling
	// back to the linear algorithm (spec.md §4.2).
	EphemeronFixpointIterations int

	// Young-gen variant.
	MinorMC                 bool
	MinorMCSweeping         bool
	MinorMCTraceFragmentation bool

	// Code-flushing gates.
	FlushBytecode     bool
	FlushBaselineCode bool

	// Whole-page promotion.
	PagePromotion          bool
	PagePromotionThreshold float64 // fraction of page live bytes, e.g. 0.7

	// CrashOnAbortedEvacuation escalates a recoverable evacuation abort
	// to a fatal error (spec.md §7).
	CrashOnAbortedEvacuation bool

	// Trace* are diagnostic-only switches feeding gc/log.go's zap
	// fields; none change collection semantics.
	TraceGC           bool
	TraceCompaction   bool
	TraceEvacuation   bool
	TraceFragmentation bool

	// MemoryReducing selects compact's memory-reducing candidate-
	// selection mode (spec.md §4.3) over the adaptive mode.
	MemoryReducing bool

	// SandboxedExternalPointers gates the external pointer table sweep
	// (spec.md §4.5 step 10, "sandboxed builds only").
	SandboxedExternalPointers bool
}

// Default returns the collector's production-shaped defaults.
func Default() Flags {
	return Flags{
		Compact:                     true,
		CompactCodeSpace:            false,
		CompactMaps:                 false,
		CompactWithStack:            false,
		CompactCodeSpaceWithStack:   false,
		ParallelCompaction:          true,
		ParallelMarking:             true,
		ParallelPointerUpdate:       true,
		EphemeronFixpointIterations: 10,
		PagePromotion:               true,
		PagePromotionThreshold:      0.7,
	}
}
