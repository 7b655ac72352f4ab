package host

import (
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/sched"
)

// task is one managed process in the run queue model. The model is a
// frozen snapshot: lastCPU and allowed are read while the cgroup is
// frozen and only mutated through Deactivate/Activate.
type task struct {
	pid   int
	sched *Scheduler

	mu sync.Mutex

	lastCPU int
	allowed cpuset.Set

	rq      *runqueue
	queued  bool
	leaving int // CPU being vacated, set by Deactivate
}

func (t *task) Lock()   { t.mu.Lock() }
func (t *task) Unlock() { t.mu.Unlock() }

func (t *task) Queue() sched.Runqueue {
	if t.rq == nil {
		return nil
	}
	return t.rq
}

func (t *task) Queued() bool { return t.queued }

// PinnedHelper reports whether the process is affined to a single CPU.
// Such processes chose their CPU on purpose and are left in place.
func (t *task) PinnedHelper() bool {
	return t.allowed.Count() == 1
}

// runqueue is the per-CPU queue of managed processes. Handles are
// created once in New and never replaced, so identity can be checked
// with ==.
type runqueue struct {
	cpu   int
	sched *Scheduler

	mu    sync.Mutex
	tasks []*task
}

func (r *runqueue) CPU() int { return r.cpu }
func (r *runqueue) Lock()    { r.mu.Lock() }
func (r *runqueue) Unlock()  { r.mu.Unlock() }

func (r *runqueue) NextRunnable() sched.Task {
	for _, t := range r.tasks {
		if t.queued {
			return t
		}
	}
	return nil
}

func (r *runqueue) Deactivate(st sched.Task) {
	t := st.(*task)
	t.queued = false
	t.leaving = r.cpu
}

// Activate attaches t to this queue and pushes the new placement into
// the kernel: the vacated CPU leaves the affinity mask and this queue's
// CPU joins it. Re-activating on the vacated queue itself restores the
// original mask, which parks the task in place.
func (r *runqueue) Activate(st sched.Task) {
	t := st.(*task)

	mask := t.allowed.Clone()
	if r.cpu != t.leaving {
		mask.Remove(t.leaving)
	}
	mask.Add(r.cpu)

	if !mask.Equal(t.allowed) {
		if err := unix.SchedSetaffinity(t.pid, toUnixSet(mask)); err != nil {
			// The process likely exited; keep the model's mask.
			log.L.WithError(err).WithField("pid", t.pid).Debug("cpu-host: setaffinity failed")
		} else {
			t.allowed = mask
		}
	}

	t.rq = r
	t.queued = true
	t.lastCPU = r.cpu
	r.tasks = append(r.tasks, t)
}

// add seeds the snapshot. Caller holds the scheduler lock during
// refresh; no drain runs concurrently because refresh happens inside
// StopOneCPU.
func (r *runqueue) add(t *task) {
	t.rq = r
	t.queued = true
	t.leaving = r.cpu
	r.tasks = append(r.tasks, t)
}

func (r *runqueue) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = nil
}
