// Package sweep declares the lazy-sweeper collaborator contract
// (spec.md §6). The real sweeper is explicitly out of scope (spec.md
// §1) — it is invoked as a black box — so this package only carries
// the interface and a minimal synchronous reference implementation
// good enough for gc.Collector's tests and cmd/mcgcdemo.
package sweep

import (
	"sync"

	"github.com/markcompact/mcgc/heap"
)

// Mode distinguishes why a page was handed to the sweeper: ordinary
// non-evacuated pages versus pages whose compaction was aborted
// (spec.md §4.6 "It is subsequently swept rather than released").
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeAborted
)

// Sweeper is the out-of-scope lazy sweeper's contract.
type Sweeper interface {
	AddPage(space heap.Space, page *heap.Page, mode Mode)
	StartSweeping()
	EnsureCompleted()
	EnsurePageSwept(page *heap.Page)
	SweepingInProgress() bool
}

// Inline is a synchronous reference Sweeper: AddPage only queues a
// page, and StartSweeping then reclaims the dead (White) objects of
// every queued page on the calling goroutine rather than deferring to
// a background goroutine, since a fully concurrent sweeper is
// explicitly out of scope. EnsureCompleted runs StartSweeping over
// whatever is still queued, and EnsurePageSwept does nothing; the
// in-progress flag is kept for the open-question note in DESIGN.md
// about FinishSweepingIfOutOfWork/EnsurePageIsSwept.
type Inline struct {
	mu        sync.Mutex
	store     *heap.Store
	inProgress bool
	queued    []queuedPage
}

type queuedPage struct {
	space heap.Space
	page  *heap.Page
	mode  Mode
}

func NewInline(store *heap.Store) *Inline {
	return &Inline{store: store}
}

func (s *Inline) AddPage(space heap.Space, page *heap.Page, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, queuedPage{space, page, mode})
}

func (s *Inline) StartSweeping() {
	s.mu.Lock()
	s.inProgress = true
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	for _, q := range queued {
		s.sweepOne(q.page, q.mode)
	}

	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

func (s *Inline) sweepOne(page *heap.Page, mode Mode) {
	// The in-memory reference store has no real free list to thread
	// dead objects onto, so sweeping here means "drop from
	// page.Objects" for anything the marker left White; the page's
	// byte counters are left unchanged.
	var kept []heap.ObjectID
	for _, id := range page.Objects {
		obj := s.store.Object(id)
		if obj == nil {
			continue
		}
		idx := s.store.BitIndexOf(obj)
		if idx < 0 {
			kept = append(kept, id)
			continue
		}
		color, err := page.Bitmap.Get(idx)
		if err == nil && color == heap.White && !obj.Filler {
			continue // reclaimed
		}
		kept = append(kept, id)
	}
	page.Objects = kept
	if mode == ModeAborted {
		page.SetFlag(heap.FlagCompactionAborted)
	}
}

func (s *Inline) EnsureCompleted() {
	s.StartSweeping()
}

func (s *Inline) EnsurePageSwept(page *heap.Page) {
	// The inline sweeper has already swept eagerly in StartSweeping;
	// nothing further is required. See DESIGN.md's open question on
	// whether EnsurePageIsSwept is load-bearing for correctness or a
	// pure latency optimization in the source design — this reference
	// sweeper sidesteps the question by never deferring in the first
	// place.
}

func (s *Inline) SweepingInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}
