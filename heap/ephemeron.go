package heap

// Ephemeron is a (key, value) pair whose value is reachable iff the
// key is independently reachable (spec.md §3, §4.2). Table identifies
// the owning ephemeron hash table object; entries whose key died are
// removed by the weak-reference step (step 8) of weak.Pipeline.
type Ephemeron struct {
	Table ObjectID
	Key   ObjectID
	Value ObjectID
}

// AddEphemeron registers a (table, key, value) entry. Ephemerons are
// kept separate from the plain slot-based object graph (rather than as
// a generic Object slot kind) since they are table entries consumed by
// a dedicated ephemeron worklist, matching spec.md §3/§4.2.
func (s *Store) AddEphemeron(e Ephemeron) {
	s.ephMu.Lock()
	defer s.ephMu.Unlock()
	s.ephemerons = append(s.ephemerons, e)
}

// Ephemerons returns a snapshot of every registered ephemeron entry.
func (s *Store) Ephemerons() []Ephemeron {
	s.ephMu.Lock()
	defer s.ephMu.Unlock()
	out := make([]Ephemeron, len(s.ephemerons))
	copy(out, s.ephemerons)
	return out
}

// RemoveEphemeronsWithKey drops every entry whose key is in dead,
// implementing the "table entry removed" step of spec.md S3 and §4.5
// step 8.
func (s *Store) RemoveEphemeronsWithKey(dead map[ObjectID]bool) {
	s.ephMu.Lock()
	defer s.ephMu.Unlock()
	kept := s.ephemerons[:0:0]
	for _, e := range s.ephemerons {
		if dead[e.Key] {
			continue
		}
		kept = append(kept, e)
	}
	s.ephemerons = kept
}
