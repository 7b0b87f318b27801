package heap

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned by Store.Allocate when a space has no
// room left, the trigger for the evacuator's local-abort path
// (spec.md §4.6, §7).
var ErrOutOfMemory = errors.New("heap: allocation failed")

// Store is the in-memory reference implementation of the §6 Page/Chunk
// service collaborator: page iteration, mark-bitmap storage,
// area bounds, free lists, and atomic flag bits. It intentionally does
// not model a real paged allocator (out of scope per spec.md §1) — it
// exists so the collector packages have something concrete to run
// against in tests and in cmd/mcgcdemo.
type Store struct {
	mu sync.RWMutex

	pages   []*Page
	objects map[ObjectID]*Object
	nextID  ObjectID

	// roots holds the strong root set (spec.md §4.2 "global handles,
	// thread stacks, ..."). The reference Store models every root as a
	// flat object-ID list; root.Iterator wraps this.
	roots []ObjectID

	// linearAllocationPage names, per space, the page currently backing
	// the linear allocation area — compact.SelectCandidates must never
	// pick it (spec.md §4.3).
	linearAllocationPage map[Space]int

	pageCapacityWords int

	ephMu      sync.Mutex
	ephemerons []Ephemeron

	weak weakState
}

// NewStore creates an empty heap with the given per-page capacity (in
// tagged words).
func NewStore(pageCapacityWords int) *Store {
	return &Store{
		objects:               make(map[ObjectID]*Object),
		linearAllocationPage:  make(map[Space]int),
		pageCapacityWords:     pageCapacityWords,
		nextID:                1,
	}
}

// AddPage appends a freshly allocated page of the given space and
// returns it. It becomes the new linear-allocation page for that space.
func (s *Store) AddPage(space Space) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := NewPage(len(s.pages), space, s.pageCapacityWords)
	s.pages = append(s.pages, p)
	s.linearAllocationPage[space] = p.Index
	return p
}

// PagesOf returns every page belonging to the given space, in
// allocation order.
func (s *Store) PagesOf(space Space) []*Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Page
	for _, p := range s.pages {
		if p.Space == space {
			out = append(out, p)
		}
	}
	return out
}

// AllPages returns every page in the heap.
func (s *Store) AllPages() []*Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Page, len(s.pages))
	copy(out, s.pages)
	return out
}

// Page looks up a page by index.
func (s *Store) Page(index int) *Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.pages) {
		return nil
	}
	return s.pages[index]
}

// IsLinearAllocationPage reports whether p currently backs the linear
// allocation area of its space (compact.SelectCandidates must skip it).
func (s *Store) IsLinearAllocationPage(p *Page) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linearAllocationPage[p.Space] == p.Index
}

// ReleasePage removes a page from the heap entirely, used once its
// live objects have all been evacuated out and the sweeper has nothing
// left to reclaim on it (spec.md S2 "original page is released").
func (s *Store) ReleasePage(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pages {
		if p.Index == index {
			for _, id := range p.Objects {
				delete(s.objects, id)
			}
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

// Allocate places a new object of the given size on the current linear
// allocation page of space, growing the heap with a fresh page if
// necessary. It returns ErrOutOfMemory if maxPages is reached (used to
// simulate the evacuator's local-abort path deterministically in
// tests).
func (s *Store) Allocate(space Space, size int, maxPages int) (*Object, error) {
	if size < MinObjectWords {
		size = MinObjectWords
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.linearAllocationPage[space]
	var page *Page
	if ok {
		page = s.findPageLocked(idx)
	}
	if page == nil || page.AllocatedBytes+uint64(size) > uint64(s.pageCapacityWords) {
		if len(s.PagesOfLocked(space)) >= maxPages && maxPages > 0 {
			return nil, ErrOutOfMemory
		}
		page = NewPage(len(s.pages), space, s.pageCapacityWords)
		s.pages = append(s.pages, page)
		s.linearAllocationPage[space] = page.Index
	}

	id := s.nextID
	s.nextID++
	obj := &Object{
		ID:        id,
		Size:      size,
		Space:     space,
		MapWord:   MapWord{Tag: TagMap, Map: id},
		PageIndex: page.Index,
	}
	s.objects[id] = obj
	page.Objects = append(page.Objects, id)
	page.AllocatedBytes += uint64(size)
	if need := len(page.Objects); page.Bitmap.Len() < need {
		// Grow the bitmap lazily; the reference store does not
		// pre-size it to pageCapacityWords/MinObjectWords.
		grown := NewBitmap(need)
		copy(grown.bits, page.Bitmap.bits)
		page.Bitmap = grown
	}
	return obj, nil
}

// PagesOfLocked is PagesOf without taking the lock, for callers that
// already hold s.mu.
func (s *Store) PagesOfLocked(space Space) []*Page {
	var out []*Page
	for _, p := range s.pages {
		if p.Space == space {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) findPageLocked(index int) *Page {
	for _, p := range s.pages {
		if p.Index == index {
			return p
		}
	}
	return nil
}

// Object looks up an object by ID.
func (s *Store) Object(id ObjectID) *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[id]
}

// SetObject installs or replaces an object record (used by evacuate
// when migrating an object to a new ID-bearing location and by weak's
// bytecode-flushing step, which replaces an object in place).
func (s *Store) SetObject(o *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[o.ID] = o
}

// AddRoot marks id as a strong root.
func (s *Store) AddRoot(id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = append(s.roots, id)
}

// Roots returns the current strong root set.
func (s *Store) Roots() []ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectID, len(s.roots))
	copy(out, s.roots)
	return out
}

// ReplaceRoot rewrites every occurrence of old in the root set to new,
// used by the pointer-update phase (spec.md §4.7 step 1).
func (s *Store) ReplaceRoot(old, new ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.roots {
		if r == old {
			s.roots[i] = new
		}
	}
}

// AllObjects returns a snapshot slice of every live-or-not object
// record currently in the heap, in no particular order.
func (s *Store) AllObjects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	return out
}

// BitIndexOf returns the bitmap slot index of o within its page, for
// mark bit access. The reference store indexes by allocation order
// within the page rather than by byte offset.
func (s *Store) BitIndexOf(o *Object) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := s.findPageLocked(o.PageIndex)
	if page == nil {
		return -1
	}
	for i, id := range page.Objects {
		if id == o.ID {
			return i
		}
	}
	return -1
}
