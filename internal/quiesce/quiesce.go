// Package quiesce implements ref-counted CPU quiescence control: any
// number of independent holders may request that a set of CPUs be
// drained of runnable work and excluded from task placement, and later
// release that exclusion, concurrently with CPUs going offline and
// online.
//
// A CPU is halted while its reference count is above zero. Only the
// 0->1 transition drains the CPU and only the 1->0 transition releases
// it; intermediate requests just move the count. All ref-count and
// halt-mask mutation is serialized by one controller mutex; the mutex
// is a sleeping lock because draining blocks.
package quiesce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/sched"
)

// DefaultRecentHaltWindow bounds how long after a halt the CPU still
// reports as recently halted. It covers enqueue operations that race
// with a halt in progress.
const DefaultRecentHaltWindow = 400 * time.Microsecond

// Config holds controller settings.
type Config struct {
	// RecentHaltWindow is the WasRecentlyHalted threshold.
	RecentHaltWindow time.Duration

	// Debug makes programming-contract violations (resuming a CPU with
	// a zero ref count) panic instead of returning an error.
	Debug bool

	// Clock returns monotonic nanoseconds. Nil selects the process
	// monotonic clock. Tests override it to control the halt window.
	Clock func() int64
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		RecentHaltWindow: DefaultRecentHaltWindow,
	}
}

// cpuState is the per-CPU record. Entries live for the life of the
// controller and are only ever reset, never replaced.
//
// refCount is mutated only under Controller.mu but read lock-free by
// the hotplug fast trigger, hence the atomic. lastHalt and halted are
// read lock-free from latency-sensitive paths; the store ordering
// below makes those reads at worst benignly stale:
//
//   - halt marks the CPU halted before publishing lastHalt
//   - resume zeroes lastHalt before clearing the halted bit
type cpuState struct {
	refCount atomic.Int32
	lastHalt atomic.Int64
	halted   atomic.Bool
}

// Controller owns the per-CPU halt state for one host.
type Controller struct {
	sched   sched.Scheduler
	hotplug sched.Hotplug
	config  Config
	now     func() int64

	// mu serializes all ref-count and halt-mask mutation, and is held
	// across draining. Lock ordering: mu is acquired before any
	// run-queue lock and never the other way around.
	mu     sync.Mutex
	state  []cpuState
	halted cpuset.Set

	// Reconciliation worker lifecycle.
	lifecycle sync.Mutex
	reg       sched.Registration
	kickCh    chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

var clockBase = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(clockBase))
}

// New returns a controller for the CPUs managed by s. The hotplug
// notifier is used once Start is called; a nil hp is allowed for hosts
// without hotplug, in which case Start only runs the worker loop for
// explicit Kick calls.
func New(s sched.Scheduler, hp sched.Hotplug, cfg Config) (*Controller, error) {
	ncpu := s.NumCPU()
	if ncpu <= 0 {
		return nil, fmt.Errorf("scheduler reports %d cpus: %w", ncpu, errdefs.ErrInvalidArgument)
	}
	if cfg.RecentHaltWindow <= 0 {
		cfg.RecentHaltWindow = DefaultRecentHaltWindow
	}
	now := cfg.Clock
	if now == nil {
		now = monotonicNow
	}
	return &Controller{
		sched:   s,
		hotplug: hp,
		config:  cfg,
		now:     now,
		state:   make([]cpuState, ncpu),
	}, nil
}

// Result reports the per-CPU outcome of a Halt or Resume call. The
// three sets are disjoint; CPUs from the request that appear in none of
// them were not reached because the call failed fast on an earlier CPU.
type Result struct {
	// Transitioned holds the CPUs that actually changed state: drained
	// and marked halted on the halt path, released on the resume path.
	Transitioned cpuset.Set

	// RefOnly holds the CPUs covered by moving the ref count alone:
	// free rides on already-halted CPUs, pre-halts of offline CPUs,
	// and resumes that left the count above zero.
	RefOnly cpuset.Set

	// Failed holds the CPU the call failed on.
	Failed cpuset.Set
}

// Halt excludes the given CPUs from scheduling. Already-halted CPUs
// ride for free on the existing halt; offline CPUs are pre-halted (ref
// counted now, drained by the reconciliation worker once they come
// online); the rest are marked halted and synchronously drained.
//
// On a drain failure the call stops at the failing CPU: it is rolled
// back and reported in Result.Failed, CPUs already halted by this call
// keep their new state, and the remaining CPUs are untouched. This
// partial-failure policy is deliberate; callers retry with the same
// set, which is safe because ref counts are exact.
func (c *Controller) Halt(ctx context.Context, cpus cpuset.Set) (Result, error) {
	res := Result{}
	if err := c.checkRange(cpus); err != nil {
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.stamp()
	log.G(ctx).WithFields(log.Fields{
		"cpus": cpus.String(),
		"halt": true,
	}).Debug("quiesce: halt start")

	work := cpus.Clone()

	// Free rides: CPUs some other holder already has halted only need
	// the ref count moved.
	for _, cpu := range work.List() {
		if c.state[cpu].refCount.Load() > 0 {
			c.state[cpu].refCount.Add(1)
			res.RefOnly.Add(cpu)
			work.Remove(cpu)
		}
	}

	// Offline CPUs are pre-halted: the count is taken now and the
	// reconciliation worker drains them when they come online.
	online := c.sched.Online()
	for _, cpu := range work.Diff(online).List() {
		c.state[cpu].refCount.Add(1)
		res.RefOnly.Add(cpu)
	}
	work = work.Intersect(online)

	for _, cpu := range work.List() {
		c.markHaltedLocked(cpu, start)
		if err := c.drainLocked(ctx, cpu); err != nil {
			// The failed CPU reverts to exactly its prior state; the
			// ref count was never taken.
			c.unmarkHaltedLocked(cpu)
			res.Failed.Add(cpu)
			err = fmt.Errorf("halt cpu %d: %w", cpu, err)
			log.G(ctx).WithError(err).WithField("cpus", cpus.String()).Warn("quiesce: halt failed")
			return res, err
		}
		c.state[cpu].refCount.Add(1)
		res.Transitioned.Add(cpu)
	}

	log.G(ctx).WithFields(log.Fields{
		"cpus":     cpus.String(),
		"drained":  res.Transitioned.String(),
		"ref_only": res.RefOnly.String(),
		"elapsed":  time.Duration(c.stamp() - start),
	}).Debug("quiesce: halt done")
	return res, nil
}

// Pause is an alias for Halt, kept for callers that use the
// pause/unpause naming for the same mechanism.
func (c *Controller) Pause(ctx context.Context, cpus cpuset.Set) (Result, error) {
	return c.Halt(ctx, cpus)
}

// Unpause is an alias for Resume.
func (c *Controller) Unpause(ctx context.Context, cpus cpuset.Set) (Result, error) {
	return c.Resume(ctx, cpus)
}

// Resume drops one halt reference from each of the given CPUs and
// releases the CPUs whose count reaches zero. Resuming a CPU with a
// zero ref count is a contract violation: the whole set is checked up
// front and the call fails (or panics with Config.Debug) before any
// count is touched, so the other CPUs in the batch keep a coherent
// count/mask pairing.
func (c *Controller) Resume(ctx context.Context, cpus cpuset.Set) (Result, error) {
	res := Result{}
	if err := c.checkRange(cpus); err != nil {
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.stamp()
	log.G(ctx).WithFields(log.Fields{
		"cpus": cpus.String(),
		"halt": false,
	}).Debug("quiesce: resume start")

	// Validate the whole batch before touching any count: a zero-ref
	// CPU anywhere in the set must not leave the CPUs before it
	// decremented but still in the halt mask.
	for _, cpu := range cpus.List() {
		if c.state[cpu].refCount.Load() == 0 {
			if c.config.Debug {
				panic(fmt.Sprintf("quiesce: resume of cpu %d with zero ref count", cpu))
			}
			res.Failed.Add(cpu)
			err := fmt.Errorf("resume cpu %d: ref count already zero: %w", cpu, errdefs.ErrFailedPrecondition)
			log.G(ctx).WithError(err).WithField("cpus", cpus.String()).Warn("quiesce: resume failed")
			return res, err
		}
	}

	// Drop the references first so a concurrent reconciliation scan
	// (serialized behind mu) sees the updated counts.
	work := cpus.Clone()
	for _, cpu := range cpus.List() {
		n := c.state[cpu].refCount.Add(-1)
		if n > 0 {
			// Other holders still want this CPU halted.
			res.RefOnly.Add(cpu)
			work.Remove(cpu)
		}
	}

	// Clear halt state for every CPU whose count reached zero. This
	// covers offline CPUs too: a pre-halted CPU has no mask state to
	// clear, but a CPU that was halted and then went offline does.
	if err := c.releaseLocked(work); err != nil {
		// Roll the references back so the halted state stays owned.
		for _, cpu := range work.List() {
			c.state[cpu].refCount.Add(1)
			res.Failed.Add(cpu)
		}
		err = fmt.Errorf("resume cpus %s: %w", work.String(), err)
		log.G(ctx).WithError(err).Warn("quiesce: resume failed")
		return res, err
	}
	for _, cpu := range work.List() {
		res.Transitioned.Add(cpu)
	}

	log.G(ctx).WithFields(log.Fields{
		"cpus":     cpus.String(),
		"released": res.Transitioned.String(),
		"ref_only": res.RefOnly.String(),
		"elapsed":  time.Duration(c.stamp() - start),
	}).Debug("quiesce: resume done")
	return res, nil
}

// markHaltedLocked puts cpu in the halt mask and publishes the halt
// timestamp, in that order: a racing lock-free reader that observes the
// timestamp also observes the mask bit.
func (c *Controller) markHaltedLocked(cpu int, stamp int64) {
	c.halted.Add(cpu)
	c.state[cpu].halted.Store(true)
	c.state[cpu].lastHalt.Store(stamp)
}

// unmarkHaltedLocked is the halt-failure rollback; ordering mirrors
// releaseLocked.
func (c *Controller) unmarkHaltedLocked(cpu int) {
	c.state[cpu].lastHalt.Store(0)
	c.state[cpu].halted.Store(false)
	c.halted.Remove(cpu)
}

// releaseLocked clears halt state for every CPU in cpus, zeroing the
// timestamp before clearing the mask bit so lock-free readers never see
// a stale "recently halted" stamp on a running CPU.
func (c *Controller) releaseLocked(cpus cpuset.Set) error {
	for _, cpu := range cpus.List() {
		c.state[cpu].lastHalt.Store(0)
		c.state[cpu].halted.Store(false)
		c.halted.Remove(cpu)
	}
	return nil
}

// stamp returns a non-zero monotonic timestamp; zero is reserved as the
// "not halted" sentinel.
func (c *Controller) stamp() int64 {
	if now := c.now(); now != 0 {
		return now
	}
	return 1
}

func (c *Controller) checkRange(cpus cpuset.Set) error {
	for _, cpu := range cpus.List() {
		if cpu >= len(c.state) {
			return fmt.Errorf("no such cpu %d: %w", cpu, errdefs.ErrNotFound)
		}
	}
	return nil
}

// IsHalted reports whether cpu is currently excluded from scheduling.
// It does not take the controller lock and may race with an in-flight
// halt or resume; callers on hot paths accept the staleness.
func (c *Controller) IsHalted(cpu int) bool {
	if cpu < 0 || cpu >= len(c.state) {
		return false
	}
	return c.state[cpu].halted.Load()
}

// WasRecentlyHalted reports whether cpu entered the halt mask within
// the configured window. Lock-free; safe from contexts that cannot
// block.
func (c *Controller) WasRecentlyHalted(cpu int) bool {
	if cpu < 0 || cpu >= len(c.state) {
		return false
	}
	last := c.state[cpu].lastHalt.Load()
	return last != 0 && c.now()-last <= int64(c.config.RecentHaltWindow)
}

// HaltedSet returns a copy of the halt mask.
func (c *Controller) HaltedSet() cpuset.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted.Clone()
}

// RefCount returns cpu's current reference count. Intended for status
// reporting and tests.
func (c *Controller) RefCount(cpu int) int {
	if cpu < 0 || cpu >= len(c.state) {
		return 0
	}
	return int(c.state[cpu].refCount.Load())
}

// CPUStatus is one CPU's externally-visible quiesce state.
type CPUStatus struct {
	CPU            int  `json:"cpu"`
	Online         bool `json:"online"`
	Halted         bool `json:"halted"`
	RefCount       int  `json:"ref_count"`
	RecentlyHalted bool `json:"recently_halted,omitempty"`
}

// Status returns a consistent snapshot of every CPU's state.
func (c *Controller) Status() []CPUStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	online := c.sched.Online()
	out := make([]CPUStatus, len(c.state))
	for cpu := range c.state {
		out[cpu] = CPUStatus{
			CPU:            cpu,
			Online:         online.Contains(cpu),
			Halted:         c.halted.Contains(cpu),
			RefCount:       int(c.state[cpu].refCount.Load()),
			RecentlyHalted: c.WasRecentlyHalted(cpu),
		}
	}
	return out
}
