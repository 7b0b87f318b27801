// Package writebarrier declares the incremental-marker/write-barrier
// collaborator contract (spec.md §6). Both the incremental and
// concurrent markers are out of scope (spec.md §1); this package only
// models the handful of calls MarkLiveObjects makes against them
// (stop/publish/deactivate) plus a no-op reference implementation for
// a collector run from IDLE with no incremental marking active.
package writebarrier

// Barrier is the write-barrier / incremental-marker contract consumed
// by mark.Driver.MarkLiveObjects step 1 and step 7 (spec.md §4.4).
type Barrier interface {
	// Stop halts incremental marking if it was running, returning
	// whether it had been active (wasMarking).
	Stop() (wasMarking bool)
	IsMarking() bool
	// TransferColor propagates a mark-color decision made by one
	// collector onto another object, used when MMC and the full
	// collector's metadata coexist on a page (spec.md §4.8).
	TransferColor(src, dst uint64)
	DeactivateAll()
	PublishAll()
}

// None is a Barrier for a heap with no incremental marker attached.
type None struct{ marking bool }

func (n *None) Stop() bool {
	was := n.marking
	n.marking = false
	return was
}
func (n *None) IsMarking() bool             { return n.marking }
func (n *None) TransferColor(_, _ uint64)   {}
func (n *None) DeactivateAll()              {}
func (n *None) PublishAll()                 {}
