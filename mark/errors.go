package mark

import "github.com/pkg/errors"

// errEphemeronWorklistsNotEmpty signals that MarkLiveObjects reached
// its step-6 verification with outstanding ephemeron work, which
// should be unreachable given a correctly terminating fixpoint
// (spec.md §4.4 step 6); surfaced as a recoverable error rather than a
// panic so callers can decide how to react.
var errEphemeronWorklistsNotEmpty = errors.New("mark: ephemeron worklists not empty at fixpoint verification")

// ErrFixpointOverflow is returned by RunEphemeronFixpoint when its
// bounded rounds are exhausted and it has fallen back to the linear
// algorithm (spec.md §4.2, §7). The fallback has already run (including
// its conservative visit of every pending ephemeron when its
// newly-discovered buffer overflows) by the time this is returned.
var ErrFixpointOverflow = errors.New("mark: ephemeron fixpoint iteration cap reached; fell back to linear algorithm")
