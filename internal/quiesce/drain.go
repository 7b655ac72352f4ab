package quiesce

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/quiesce/internal/sched"
)

// drainLocked migrates every migratable runnable task off cpu. It runs
// the migration under the scheduler's stop-one-CPU primitive so nothing
// schedules on cpu concurrently. Offline CPUs trivially succeed:
// nothing can be running there.
//
// Requires Controller.mu; the stop primitive may block waiting for the
// target CPU, which is why mu is a sleeping lock.
func (c *Controller) drainLocked(ctx context.Context, cpu int) error {
	if !c.sched.Online().Contains(cpu) {
		return nil
	}
	return c.sched.StopOneCPU(ctx, cpu, func() error {
		c.migrateTasks(ctx, cpu)
		return nil
	})
}

// migrateTasks empties cpu's run queue. CPU-pinned kernel helpers (and
// tasks the scheduler has nowhere else to put) are detached to a side
// list and reattached once the queue is drained, so they are never
// migrated but also never picked while draining.
//
// Runs inside stop-one-CPU, so no other code is scheduling on cpu; the
// run-queue and task locks are still taken because tasks remain visible
// to other CPUs' wakeup and balance paths.
func (c *Controller) migrateTasks(ctx context.Context, cpu int) {
	rq := c.sched.Runqueue(cpu)
	rq.Lock()
	defer rq.Unlock()

	var kept []sched.Task
	migrated := 0
	for {
		next := rq.NextRunnable()
		if next == nil {
			break
		}

		if next.PinnedHelper() {
			rq.Deactivate(next)
			kept = append(kept, next)
			continue
		}

		// The task lock nests outside the run-queue lock: drop the
		// queue lock, take the task lock, retake the queue lock, then
		// re-validate placement. The task may have moved while the
		// queue was unlocked; if so, skip it.
		rq.Unlock()
		next.Lock()
		rq.Lock()
		if next.Queue() != rq || !next.Queued() {
			next.Unlock()
			continue
		}

		dest := c.sched.SelectFallback(cpu, next)
		if dest == cpu {
			// No other CPU can take it; park it with the pinned
			// helpers so the loop terminates.
			rq.Deactivate(next)
			kept = append(kept, next)
			next.Unlock()
			continue
		}

		rq.Deactivate(next)
		rq.Unlock()
		drq := c.sched.Runqueue(dest)
		drq.Lock()
		drq.Activate(next)
		drq.Unlock()
		rq.Lock()
		next.Unlock()
		migrated++
	}

	for _, t := range kept {
		rq.Activate(t)
	}

	log.G(ctx).WithFields(log.Fields{
		"cpu":      cpu,
		"migrated": migrated,
		"kept":     len(kept),
	}).Debug("quiesce: drained runqueue")
}
