// Package schedule implements MergeScheduler (component C9): a bounded
// top-level pool of merge tasks, each with access to a shared, bounded
// sub-worker pool.
package schedule

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrPoolSaturated is returned by Submit when the top-level task pool is
// already running mergeThreadNum tasks.
var ErrPoolSaturated = errors.New("schedule: merge task pool saturated")

// Config is MergeScheduler's tunables.
type Config struct {
	MergeThreadNum         int
	MergeChunkSubThreadNum int
}

// Task is one unit of scheduled work: a merge task that may use the shared
// sub-pool for its chunk-merge fan-out.
type Task func(ctx context.Context, subPool *SubPool) error

// Scheduler runs merge tasks against a fixed-size pool, propagating
// cooperative cancellation to every running task through a shared context.
type Scheduler struct {
	sem     chan struct{}
	subPool *SubPool
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a Scheduler. parent is the root context; Cancel derives from
// it, and a task failure also cancels every other running task (the
// group's context is what Task implementations should select on).
func New(parent context.Context, cfg Config) *Scheduler {
	n := cfg.MergeThreadNum
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(parent)
	ctx, cancel := context.WithCancel(gctx)
	return &Scheduler{
		sem:     make(chan struct{}, n),
		subPool: NewSubPool(cfg.MergeChunkSubThreadNum),
		group:   g,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit schedules task if the top-level pool has a free slot, returning
// ErrPoolSaturated immediately otherwise rather than blocking the caller
// (callers such as level.Compactor treat this as "retry the promotion
// later" and release the task's file reservation).
func (s *Scheduler) Submit(task Task) error {
	select {
	case s.sem <- struct{}{}:
	default:
		return ErrPoolSaturated
	}

	s.group.Go(func() error {
		defer func() { <-s.sem }()
		return task(s.ctx, s.subPool)
	})
	return nil
}

// Wait blocks until every submitted task has returned, yielding the first
// non-nil error seen (errgroup's fail-fast semantics).
func (s *Scheduler) Wait() error { return s.group.Wait() }

// Cancel cooperatively cancels every running and future task.
func (s *Scheduler) Cancel() { s.cancel() }

// Context is the cancellation context every Task is launched with.
func (s *Scheduler) Context() context.Context { return s.ctx }
