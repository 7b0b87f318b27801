package gc

import (
	"fmt"

	"github.com/pkg/errors"
)

// FatalError wraps an unrecoverable condition from spec.md §7; in this
// module it is produced for structural bitmap corruption found by
// VerifyMarking. Grounded on the teacher's throw() vs. ordinary
// control-flow split in mgc.go/mgcmark.go — where throw() panics the
// whole runtime, a FatalError is returned from Collector.Cycle as an
// ordinary error (nothing panics), and cmd/mcgcdemo prints it and
// exits with a non-zero status.
type FatalError struct {
	cause error
}

func newFatal(msg string, args ...interface{}) *FatalError {
	return &FatalError{cause: errors.Errorf(msg, args...)}
}

func wrapFatal(err error, msg string) *FatalError {
	return &FatalError{cause: errors.Wrap(err, msg)}
}

func (e *FatalError) Error() string { return "gc: fatal: " + e.cause.Error() }
func (e *FatalError) Unwrap() error { return e.cause }

func errorf(format string, args ...interface{}) error {
	return errors.New(fmt.Sprintf(format, args...))
}
