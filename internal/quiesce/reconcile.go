package quiesce

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"

	"github.com/spin-stack/quiesce/internal/cpuset"
)

// Reconciliation closes the race between a CPU coming online and a
// concurrent resume of the same CPU. The hotplug notifier cannot take
// the controller mutex (the drain primitive can recurse into hotplug
// machinery), so the online callback only checks the ref count and
// kicks a worker goroutine; the worker re-derives the set of CPUs that
// should be halted from current global state, under the same mutex as
// the halt/resume paths.

// Start registers the hotplug online callback and starts the
// reconciliation worker. It is safe to call Start multiple times;
// subsequent calls are no-ops.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopCh != nil {
		return nil
	}

	// The kick channel must exist before the callback can fire: an
	// online event delivered during registration would otherwise send on
	// a nil channel and coalesce into nothing.
	c.kickCh = make(chan struct{}, 1)

	if c.hotplug != nil {
		reg, err := c.hotplug.RegisterOnline("quiesce", c.cpuOnlined)
		if err != nil {
			return fmt.Errorf("register online callback: %w", err)
		}
		c.reg = reg
	}

	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	go c.reconcileLoop(ctx)

	log.G(ctx).WithField("cpus", len(c.state)).Info("quiesce: reconciliation worker started")
	return nil
}

// Stop deregisters the hotplug callback and waits for the worker to
// finish. Halt and Resume remain usable after Stop; only online-event
// reconciliation stops.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopCh == nil {
		return
	}
	if c.reg != nil {
		c.reg.Close()
		c.reg = nil
	}
	close(c.stopCh)
	<-c.stoppedCh
	c.stopCh = nil
	c.stoppedCh = nil
}

// cpuOnlined is the fast trigger. It runs in hotplug-notifier context
// and must not block, so it reads the ref count without the controller
// mutex; the worker re-checks under the lock.
func (c *Controller) cpuOnlined(cpu int) {
	if cpu < 0 || cpu >= len(c.state) {
		return
	}
	if c.state[cpu].refCount.Load() > 0 {
		c.Kick()
	}
}

// Kick schedules a reconciliation pass. Redundant kicks coalesce.
func (c *Controller) Kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *Controller) reconcileLoop(ctx context.Context) {
	defer close(c.stoppedCh)
	for {
		select {
		case <-c.stopCh:
			log.G(ctx).Info("quiesce: reconciliation worker stopped")
			return
		case <-ctx.Done():
			return
		case <-c.kickCh:
			if err := c.Reconcile(ctx); err != nil {
				// Nobody to report to; state stays consistent and the
				// next online event or client call retries.
				log.G(ctx).WithError(err).Warn("quiesce: reconciliation failed")
			}
		}
	}
}

// Reconcile scans every online CPU and re-applies halting to those
// whose ref count says they should be halted. It scans all CPUs rather
// than a specific one because multiple online events may have raced and
// coalesced into a single kick. Idempotent: with nothing to do it is a
// no-op.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	online := c.sched.Online()
	rehalt := cpuset.New(len(c.state))
	for cpu := range c.state {
		if online.Contains(cpu) && c.state[cpu].refCount.Load() > 0 {
			rehalt.Add(cpu)
		}
	}
	if rehalt.Empty() {
		return nil
	}

	log.G(ctx).WithField("cpus", rehalt.String()).Debug("quiesce: re-halting after online")

	// Drain every referenced online CPU, including ones already in
	// the mask: their queues are empty and the drain is a no-op, but a
	// pre-halted CPU that just onlined must not run foreign work even
	// transiently. Failures are logged per CPU and do not stop the
	// scan; the pass will be retried.
	stamp := c.stamp()
	var errs []error
	for _, cpu := range rehalt.List() {
		already := c.halted.Contains(cpu)
		if !already {
			c.markHaltedLocked(cpu, stamp)
		}
		if err := c.drainLocked(ctx, cpu); err != nil {
			if !already {
				c.unmarkHaltedLocked(cpu)
			}
			errs = append(errs, fmt.Errorf("re-halt cpu %d: %w", cpu, err))
		}
	}
	return errors.Join(errs...)
}
