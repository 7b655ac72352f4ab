// Package schedtest provides a simulated scheduler collaborator for
// testing the quiescence core without a real multiprocessor host. It
// implements sched.Scheduler and sched.Hotplug over in-memory run
// queues, supports taking CPUs online/offline, and can inject
// stop-one-CPU failures.
package schedtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/sched"
)

// Task is a simulated runnable task.
type Task struct {
	ID     int
	pinned bool

	mu sync.Mutex
	// rq and queued are guarded by the owning queue's lock, matching
	// the collaborator contract.
	rq     *Runqueue
	queued bool
}

// Lock acquires the task lock.
func (t *Task) Lock() { t.mu.Lock() }

// Unlock releases the task lock.
func (t *Task) Unlock() { t.mu.Unlock() }

// Queue returns the task's current run queue.
func (t *Task) Queue() sched.Runqueue {
	if t.rq == nil {
		return nil
	}
	return t.rq
}

// Queued reports whether the task is attached to its queue.
func (t *Task) Queued() bool { return t.queued }

// PinnedHelper reports whether the task is pinned to its CPU.
func (t *Task) PinnedHelper() bool { return t.pinned }

// Runqueue is a simulated per-CPU run queue.
type Runqueue struct {
	cpu int

	mu    sync.Mutex
	tasks []*Task
}

// CPU returns the queue's CPU index.
func (rq *Runqueue) CPU() int { return rq.cpu }

// Lock acquires the run-queue lock.
func (rq *Runqueue) Lock() { rq.mu.Lock() }

// Unlock releases the run-queue lock.
func (rq *Runqueue) Unlock() { rq.mu.Unlock() }

// NextRunnable returns the first attached task, or nil.
func (rq *Runqueue) NextRunnable() sched.Task {
	if len(rq.tasks) == 0 {
		return nil
	}
	return rq.tasks[0]
}

// Deactivate detaches t from the queue.
func (rq *Runqueue) Deactivate(t sched.Task) {
	task := t.(*Task)
	for i, cand := range rq.tasks {
		if cand == task {
			rq.tasks = append(rq.tasks[:i], rq.tasks[i+1:]...)
			break
		}
	}
	task.queued = false
}

// Activate attaches t to the queue and reassigns the task to it.
func (rq *Runqueue) Activate(t sched.Task) {
	task := t.(*Task)
	rq.tasks = append(rq.tasks, task)
	task.rq = rq
	task.queued = true
}

// Scheduler simulates the host scheduler. The zero value is not usable;
// construct with New.
type Scheduler struct {
	queues []*Runqueue

	mu        sync.Mutex
	online    cpuset.Set
	callbacks []onlineCallback
	nextTask  int
	stopErr   map[int]error
	fallback  func(leaving int, t sched.Task) int

	stopCalls []atomic.Int32
}

type onlineCallback struct {
	name   string
	fn     func(cpu int)
	closed *atomic.Bool
}

// New returns a simulated scheduler with ncpu CPUs, all online.
func New(ncpu int) *Scheduler {
	s := &Scheduler{
		queues:    make([]*Runqueue, ncpu),
		stopErr:   make(map[int]error),
		stopCalls: make([]atomic.Int32, ncpu),
	}
	for i := range s.queues {
		s.queues[i] = &Runqueue{cpu: i}
		s.online.Add(i)
	}
	return s
}

// NumCPU returns the number of simulated CPUs.
func (s *Scheduler) NumCPU() int { return len(s.queues) }

// Online returns a snapshot of the online set.
func (s *Scheduler) Online() cpuset.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online.Clone()
}

// Runqueue returns the stable queue handle for cpu.
func (s *Scheduler) Runqueue(cpu int) sched.Runqueue { return s.queues[cpu] }

// StopOneCPU simulates freezing cpu: it fails when the CPU is offline
// or when a failure has been injected with SetStopError, and otherwise
// runs fn. Calls are counted per CPU.
func (s *Scheduler) StopOneCPU(ctx context.Context, cpu int, fn func() error) error {
	s.stopCalls[cpu].Add(1)

	s.mu.Lock()
	injected := s.stopErr[cpu]
	onl := s.online.Contains(cpu)
	s.mu.Unlock()

	if injected != nil {
		return injected
	}
	if !onl {
		return fmt.Errorf("stop cpu %d: raced offline: %w", cpu, errdefs.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// SelectFallback picks the lowest online CPU other than leaving, or
// leaving itself when it is the only online CPU.
func (s *Scheduler) SelectFallback(leaving int, t sched.Task) int {
	s.mu.Lock()
	fb := s.fallback
	online := s.online.Clone()
	s.mu.Unlock()

	if fb != nil {
		return fb(leaving, t)
	}
	for _, cpu := range online.List() {
		if cpu != leaving {
			return cpu
		}
	}
	return leaving
}

// RegisterOnline installs a hotplug callback; it is invoked
// synchronously from SetOnline for each CPU transitioning online.
func (s *Scheduler) RegisterOnline(name string, fn func(cpu int)) (sched.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := &atomic.Bool{}
	s.callbacks = append(s.callbacks, onlineCallback{name: name, fn: fn, closed: closed})
	return registration{closed: closed}, nil
}

type registration struct {
	closed *atomic.Bool
}

func (r registration) Close() error {
	r.closed.Store(true)
	return nil
}

// SetOnline flips cpu's online state. Transitions to online invoke the
// registered hotplug callbacks in notifier context, i.e. on the calling
// goroutine.
func (s *Scheduler) SetOnline(cpu int, online bool) {
	s.mu.Lock()
	was := s.online.Contains(cpu)
	if online {
		s.online.Add(cpu)
	} else {
		s.online.Remove(cpu)
	}
	callbacks := append([]onlineCallback(nil), s.callbacks...)
	s.mu.Unlock()

	if online && !was {
		for _, cb := range callbacks {
			if !cb.closed.Load() {
				cb.fn(cpu)
			}
		}
	}
}

// SetStopError injects err into every subsequent StopOneCPU call for
// cpu; pass nil to clear.
func (s *Scheduler) SetStopError(cpu int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.stopErr, cpu)
		return
	}
	s.stopErr[cpu] = err
}

// SetFallback overrides the destination-selection policy.
func (s *Scheduler) SetFallback(fn func(leaving int, t sched.Task) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// StopCalls returns how many times StopOneCPU has been invoked for cpu,
// including failed invocations.
func (s *Scheduler) StopCalls(cpu int) int {
	return int(s.stopCalls[cpu].Load())
}

// AddTask creates a runnable task on cpu's queue and returns it.
func (s *Scheduler) AddTask(cpu int, pinned bool) *Task {
	s.mu.Lock()
	id := s.nextTask
	s.nextTask++
	s.mu.Unlock()

	t := &Task{ID: id, pinned: pinned}
	rq := s.queues[cpu]
	rq.Lock()
	rq.Activate(t)
	rq.Unlock()
	return t
}

// TasksOn returns the tasks currently attached to cpu's queue.
func (s *Scheduler) TasksOn(cpu int) []*Task {
	rq := s.queues[cpu]
	rq.Lock()
	defer rq.Unlock()
	return append([]*Task(nil), rq.tasks...)
}
