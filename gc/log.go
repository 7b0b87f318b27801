package gc

import (
	"time"

	"go.uber.org/zap"
)

// logPhase emits a structured phase-entry/exit pair, the restructured
// replacement for the teacher's free-form gctrace print statements in
// mgc.go (spec.md §1a).
func (c *Collector) logPhase(phase string, fn func() error) error {
	start := c.now()
	c.Log.Debug("phase start", zap.String("phase", phase), zap.Uint64("cycle", c.epoch))
	err := fn()
	c.Log.Info("phase done",
		zap.String("phase", phase),
		zap.Uint64("cycle", c.epoch),
		zap.Duration("duration", c.now().Sub(start)),
		zap.Error(err),
	)
	return err
}

// now is overridable by tests; production code always uses time.Now.
var nowFunc = time.Now

func (c *Collector) now() time.Time { return nowFunc() }
