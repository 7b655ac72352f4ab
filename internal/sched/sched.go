// Package sched defines the collaborator interfaces the quiescence core
// is built against: the host scheduler's run-queue primitives and the
// CPU-hotplug notifier. Production hosts implement these over real
// machinery (see internal/host); tests implement them with a simulated
// scheduler (see internal/sched/schedtest).
package sched

import (
	"context"

	"github.com/spin-stack/quiesce/internal/cpuset"
)

// Task is a runnable entity known to the scheduler. The quiescence core
// never inspects a task beyond the operations below; everything else
// about it is opaque scheduler state.
type Task interface {
	// Lock acquires the task's own lock. Lock ordering: a run-queue
	// lock must not be held when Lock is called; callers drop the
	// queue lock, take the task lock, reacquire the queue lock and
	// re-validate placement.
	Lock()
	Unlock()

	// Queue returns the run queue the task is currently assigned to,
	// or nil if it has none. Requires the task lock.
	Queue() Runqueue

	// Queued reports whether the task is attached to its queue's
	// runnable set. Requires the task lock.
	Queued() bool

	// PinnedHelper reports whether the task is a CPU-pinned kernel
	// helper that must never be migrated off its CPU.
	PinnedHelper() bool
}

// Runqueue is one CPU's queue of runnable tasks. Implementations must
// return a stable handle per CPU so that queue identity can be checked
// with ==.
type Runqueue interface {
	// CPU returns the CPU index this queue belongs to.
	CPU() int

	// Lock acquires the run-queue lock. All mutations below require it.
	Lock()
	Unlock()

	// NextRunnable returns some runnable task on the queue, excluding
	// the CPU's stop placeholder, or nil when only the placeholder
	// remains. Tasks detached with Deactivate are not returned again
	// until re-activated.
	NextRunnable() Task

	// Deactivate detaches t from the queue's runnable set.
	Deactivate(t Task)

	// Activate attaches t to the queue's runnable set and reassigns
	// the task to this queue.
	Activate(t Task)
}

// Scheduler exposes the host scheduler primitives the drain engine
// consumes. All methods may be called concurrently.
type Scheduler interface {
	// NumCPU returns the number of logical CPUs, online or not.
	// CPU indices are [0, NumCPU).
	NumCPU() int

	// Online returns a snapshot of the currently-online CPU set.
	Online() cpuset.Set

	// Runqueue returns the run queue of cpu. The handle is stable for
	// the life of the scheduler.
	Runqueue(cpu int) Runqueue

	// StopOneCPU runs fn with scheduling frozen on cpu, so that no
	// other code schedules there for the duration. It fails (for
	// example when cpu races offline) without running fn, or returns
	// fn's error.
	StopOneCPU(ctx context.Context, cpu int, fn func() error) error

	// SelectFallback picks a destination CPU for a task migrating off
	// leaving. The choice is scheduler policy and is treated as opaque.
	// Requires the task lock.
	SelectFallback(leaving int, t Task) int
}

// Registration is a handle for an installed hotplug callback.
type Registration interface {
	// Close deregisters the callback.
	Close() error
}

// Hotplug is the CPU-hotplug notifier collaborator.
type Hotplug interface {
	// RegisterOnline installs fn to be invoked once per CPU coming
	// online. fn runs in notifier context and must not block; in
	// particular it must not call back into operations that take the
	// quiesce lock or drain CPUs.
	RegisterOnline(name string, fn func(cpu int)) (Registration, error)
}
