// Package job implements the job-runner abstraction of spec.md §6
// (post_job/join/cooperative-yield) on top of golang.org/x/sync/errgroup,
// the idiomatic out-of-runtime replacement for the teacher's internal
// parfor/systemstack scheduling. It backs evacuate.PageEvacuationJob,
// ptrupdate.PointersUpdatingJob, and mmc's fixed-size marker pool.
package job

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Priority mirrors spec.md §6's post_job(priority, task) signature;
// the reference Runner does not actually schedule by priority since it
// always runs every worker immediately, but the type is kept so
// callers can express intent.
type Priority uint8

const (
	PriorityUserBlocking Priority = iota
	PriorityUserVisible
	PriorityBackground
)

// Delegate is the per-worker callback contract: Run's taskID and
// isJoiningThread arguments tell a delegate which worker slot it is
// running as (0 is always the joining/main thread when the main thread
// joins). Delegate has no cooperative yield hook; the only way to stop
// a running delegate early is cancellation of ctx.
type Delegate interface {
	// Run performs this worker's share of the work. taskID is in
	// [0, concurrency). isJoiningThread is true for exactly one
	// worker when Handle.Join is used.
	Run(ctx context.Context, taskID int, isJoiningThread bool) error
}

// DelegateFunc adapts a plain function to Delegate.
type DelegateFunc func(ctx context.Context, taskID int, isJoiningThread bool) error

func (f DelegateFunc) Run(ctx context.Context, taskID int, isJoiningThread bool) error {
	return f(ctx, taskID, isJoiningThread)
}

// MaxConcurrency caps concurrency at runtime.GOMAXPROCS(0) (at least
// 1; no slot is held back for the joining thread), matching the
// teacher's GOMAXPROCS-bound parallelism without hardcoding a worker
// count. A non-positive desired value yields the cap itself.
func MaxConcurrency(desired int) int {
	cap := runtime.GOMAXPROCS(0)
	if cap < 1 {
		cap = 1
	}
	if desired <= 0 || desired > cap {
		return cap
	}
	return desired
}

// Handle represents an in-flight job.
type Handle struct {
	group *errgroup.Group
	ctx   context.Context
}

// Join waits for the job to finish, returning the first error any
// worker reported (errgroup's standard fail-fast semantics).
func (h *Handle) Join() error {
	return h.group.Wait()
}

// Runner posts jobs at a given concurrency level (spec.md §6's
// post_job/handle.join, §5's "pool of worker threads via a job API").
type Runner struct {
	// DefaultConcurrency is used when PostJob's concurrency argument is
	// <= 0.
	DefaultConcurrency int
}

// PostJob runs concurrency independent copies of d.Run, one per
// goroutine, returning a Handle the caller can Join. priority is
// accepted for interface fidelity with spec.md §6 but does not change
// scheduling behavior in this reference runner.
func (r *Runner) PostJob(ctx context.Context, _ Priority, concurrency int, d Delegate) *Handle {
	if concurrency <= 0 {
		concurrency = r.DefaultConcurrency
	}
	concurrency = MaxConcurrency(concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		taskID := i
		g.Go(func() error {
			return d.Run(gctx, taskID, taskID == 0)
		})
	}
	return &Handle{group: g, ctx: gctx}
}

// RunAndJoin is a convenience wrapper equivalent to
// r.PostJob(ctx, p, concurrency, d).Join().
func (r *Runner) RunAndJoin(ctx context.Context, p Priority, concurrency int, d Delegate) error {
	return r.PostJob(ctx, p, concurrency, d).Join()
}
