package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCancelTimeout bounds the aggregate cleanup fan-out of a bulk cancel.
// It is a wall-clock budget for all subagents together, not per task.
const DefaultCancelTimeout = 5 * time.Second

// CancelAllSubagentsAndResumeParent aborts every registered subagent and
// resumes the parent task. It never returns an error: task corruption, cleanup
// failure, and timeout all degrade to log records plus forced state
// convergence, so an unresponsive subagent can never block the user-facing
// cancel action.
//
// Phase 1 sets the abort and abandoned flags on every subagent before any
// cleanup is issued. Phase 2 runs each subagent's cleanup concurrently, each
// branch independently recovered, and races the combined completion against
// the configured timeout. On timeout the registry and parallel state are
// force-cleared and the parent resumed regardless of stragglers; their
// background work is abandoned, not awaited.
func (c *Coordinator) CancelAllSubagentsAndResumeParent(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	targets := c.parallelSnapshot()
	if len(targets) == 0 {
		c.log.Debug("cancel all: no active subagents")
		return
	}
	c.log.Info("cancelling all subagents", slog.Int("targets", len(targets)))
	c.record("cancel_all_begin", "", map[string]any{"targets": len(targets)})

	for _, t := range targets {
		c.guardedFlag(t)
	}

	var succeeded, failed atomic.Int64
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					c.log.Error("subagent cleanup panicked", "panic", fmt.Sprint(r))
				}
			}()
			if err := c.finish("", t, true); err != nil {
				failed.Add(1)
				c.log.Warn("subagent cleanup failed", "task_id", guardedTaskID(t), "error", err)
				return
			}
			succeeded.Add(1)
		}(t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cancelTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.log.Info("subagent cancellation complete",
			slog.Int64("succeeded", succeeded.Load()),
			slog.Int64("failed", failed.Load()))
	case <-timer.C:
		c.log.Warn("subagent cancellation timed out; forcing state clear",
			slog.Duration("timeout", c.cancelTimeout),
			slog.Int64("succeeded", succeeded.Load()),
			slog.Int64("failed", failed.Load()))
		c.forceClear()
	case <-ctx.Done():
		c.log.Warn("subagent cancellation interrupted; forcing state clear", "cause", ctx.Err())
		c.forceClear()
	}
	c.record("cancel_all_end", "", map[string]any{
		"succeeded": succeeded.Load(),
		"failed":    failed.Load(),
	})
}

func (c *Coordinator) parallelSnapshot() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.parallelOrder))
	for _, id := range c.parallelOrder {
		if t := c.tasks[id]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

// forceClear evicts every remaining subagent from the registry without running
// its cleanup path, clears the parallel projection, and resumes the parent.
// The stragglers' eventual finish calls become no-ops.
func (c *Coordinator) forceClear() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tasks))
	for id, t := range c.tasks {
		if t != nil && guardedIsParallel(t) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(c.tasks, id)
	}
	c.parallelOrder = nil
	resume := c.maybeResumeLocked(true)
	c.mu.Unlock()

	for _, id := range ids {
		c.ask.remove(id)
	}
	if resume != nil {
		resume()
	}
	c.record("cancel_all_forced", "", map[string]any{"evicted": len(ids)})
}
