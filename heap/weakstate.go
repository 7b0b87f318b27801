package heap

import "sync"

// StringForwardingEntry records that Key was forwarded to Canonical
// during interning (spec.md §4.5 step 1). Dead entries (Key unreachable)
// are dropped by package weak.
type StringForwardingEntry struct {
	Key       ObjectID
	Canonical ObjectID
}

// PhantomHandle pairs a dead-object callback with the handle's target,
// invoked once the target is found unreachable (spec.md §4.5 step 4).
type PhantomHandle struct {
	Target   ObjectID
	Callback func(ObjectID)
}

// weakState groups the registries the weak-clearing pipeline consumes,
// kept in their own mutex-guarded block (mirroring heap/ephemeron.go's
// ephMu) rather than folded into Store's main lock, since clearing runs
// strictly after marking with no contention from marking-time code.
type weakState struct {
	mu sync.Mutex

	forwarding         []StringForwardingEntry
	phantomHandles     []PhantomHandle
	finalizationQueue  []ObjectID
	weakListHeads      []ObjectID
	externalBytesFreed uint64
}

// AddStringForwardingEntry registers a forwarding entry (spec.md §4.5
// step 1).
func (s *Store) AddStringForwardingEntry(e StringForwardingEntry) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.forwarding = append(s.weak.forwarding, e)
}

// StringForwardingEntries returns a snapshot of the registered
// forwarding entries.
func (s *Store) StringForwardingEntries() []StringForwardingEntry {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	out := make([]StringForwardingEntry, len(s.weak.forwarding))
	copy(out, s.weak.forwarding)
	return out
}

// DropStringForwardingEntries removes every entry whose key is dead.
func (s *Store) DropStringForwardingEntries(dead map[ObjectID]bool) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	kept := s.weak.forwarding[:0:0]
	for _, e := range s.weak.forwarding {
		if dead[e.Key] {
			continue
		}
		kept = append(kept, e)
	}
	s.weak.forwarding = kept
}

// RegisterPhantomHandle registers a callback to invoke once target is
// found unreachable (spec.md §4.5 step 4).
func (s *Store) RegisterPhantomHandle(target ObjectID, cb func(ObjectID)) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.phantomHandles = append(s.weak.phantomHandles, PhantomHandle{Target: target, Callback: cb})
}

// PhantomHandles returns a snapshot of registered phantom handles.
func (s *Store) PhantomHandles() []PhantomHandle {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	out := make([]PhantomHandle, len(s.weak.phantomHandles))
	copy(out, s.weak.phantomHandles)
	return out
}

// RemovePhantomHandles drops every handle whose target is in fired.
func (s *Store) RemovePhantomHandles(fired map[ObjectID]bool) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	kept := s.weak.phantomHandles[:0:0]
	for _, h := range s.weak.phantomHandles {
		if fired[h.Target] {
			continue
		}
		kept = append(kept, h)
	}
	s.weak.phantomHandles = kept
}

// QueueFinalization appends id to the finalization-registry cleanup
// queue (spec.md §4.5 step 8, "queued for cleanup").
func (s *Store) QueueFinalization(id ObjectID) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.finalizationQueue = append(s.weak.finalizationQueue, id)
}

// DrainFinalizationQueue returns and clears the queued finalization
// cells.
func (s *Store) DrainFinalizationQueue() []ObjectID {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	out := s.weak.finalizationQueue
	s.weak.finalizationQueue = nil
	return out
}

// AddWeakListHead registers the head of a weak list threaded through
// RoleNone-or-other objects' Slots[0] (spec.md §4.5 step 6).
func (s *Store) AddWeakListHead(head ObjectID) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.weakListHeads = append(s.weak.weakListHeads, head)
}

// WeakListHeads returns every registered weak-list head.
func (s *Store) WeakListHeads() []ObjectID {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	out := make([]ObjectID, len(s.weak.weakListHeads))
	copy(out, s.weak.weakListHeads)
	return out
}

// SetWeakListHeads overwrites the registered heads, used after a
// retainer pass rewrites the chain starts.
func (s *Store) SetWeakListHeads(heads []ObjectID) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.weakListHeads = heads
}

// AddExternalBytesFreed accounts bytes reclaimed by the external
// string table step (spec.md §4.5 step 3).
func (s *Store) AddExternalBytesFreed(n uint64) {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	s.weak.externalBytesFreed += n
}

// ExternalBytesFreed reports the running total freed by external
// string finalization.
func (s *Store) ExternalBytesFreed() uint64 {
	s.weak.mu.Lock()
	defer s.weak.mu.Unlock()
	return s.weak.externalBytesFreed
}

// RemoveObject deletes id from the heap entirely: the object record
// and its entry in its page's Objects list. Used by clearing steps
// that finalize dead table entries (internalized/external strings)
// rather than leaving them for the sweeper, since those tables are not
// modeled as ordinary page-resident allocations in this reference
// store.
func (s *Store) RemoveObject(id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return
	}
	delete(s.objects, id)
	page := s.findPageLocked(obj.PageIndex)
	if page == nil {
		return
	}
	for i, oid := range page.Objects {
		if oid == id {
			page.Objects = append(page.Objects[:i], page.Objects[i+1:]...)
			break
		}
	}
}
