package quiesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/sched"
	"github.com/spin-stack/quiesce/internal/sched/schedtest"
)

func newTestController(t *testing.T, ncpu int, cfg Config) (*Controller, *schedtest.Scheduler) {
	t.Helper()
	fake := schedtest.New(ncpu)
	ctrl, err := New(fake, fake, cfg)
	require.NoError(t, err)
	return ctrl, fake
}

func TestNewRejectsEmptyScheduler(t *testing.T) {
	_, err := New(schedtest.New(0), nil, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestHaltUnknownCPU(t *testing.T) {
	ctrl, _ := newTestController(t, 4, DefaultConfig())

	_, err := ctrl.Halt(context.Background(), cpuset.Of(7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	// Nothing was touched.
	for cpu := 0; cpu < 4; cpu++ {
		assert.Zero(t, ctrl.RefCount(cpu))
	}
}

func TestHaltDrainsAndMarks(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	t0 := fake.AddTask(1, false)
	t1 := fake.AddTask(1, false)
	pinned := fake.AddTask(1, true)

	res, err := ctrl.Halt(ctx, cpuset.Of(1))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Transitioned.String())
	assert.True(t, res.RefOnly.Empty())
	assert.True(t, res.Failed.Empty())

	assert.True(t, ctrl.IsHalted(1))
	assert.Equal(t, 1, ctrl.RefCount(1))
	assert.Equal(t, 1, fake.StopCalls(1))

	// Migratable tasks moved to the fallback CPU (lowest online, 0);
	// the pinned helper stayed behind.
	left := fake.TasksOn(1)
	require.Len(t, left, 1)
	assert.Same(t, pinned, left[0])

	moved := fake.TasksOn(0)
	assert.Contains(t, moved, t0)
	assert.Contains(t, moved, t1)
}

func TestDrainParksTaskWithNoDestination(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	// Every destination is refused: the fallback points back at the
	// CPU being drained.
	fake.SetFallback(func(leaving int, _ sched.Task) int { return leaving })
	parked := fake.AddTask(1, false)

	res, err := ctrl.Halt(ctx, cpuset.Of(1))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Transitioned.String())

	// With nowhere to go the task is parked alongside the pinned
	// helpers instead of spinning the drain loop; the halt completes.
	left := fake.TasksOn(1)
	require.Len(t, left, 1)
	assert.Same(t, parked, left[0])
	assert.True(t, ctrl.IsHalted(1))
	assert.Equal(t, 1, fake.StopCalls(1))
	assert.Equal(t, 1, ctrl.RefCount(1))
}

func TestDrainSkipsTaskMovedWhileUnlocked(t *testing.T) {
	ctrl, fake := newTestController(t, 2, DefaultConfig())
	ctx := context.Background()

	moved := fake.AddTask(1, false)

	// Hold the task lock so the drain, which must release the queue
	// lock before taking the task lock, parks with the queue unlocked.
	moved.Lock()

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Halt(ctx, cpuset.Of(1))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return fake.StopCalls(1) == 1
	}, 2*time.Second, time.Millisecond)
	// Give the drain time to block on the held task lock.
	time.Sleep(10 * time.Millisecond)

	// Move the task to another queue, as a concurrent wakeup would,
	// then let the drain continue.
	src := fake.Runqueue(1)
	dst := fake.Runqueue(0)
	src.Lock()
	src.Deactivate(moved)
	src.Unlock()
	dst.Lock()
	dst.Activate(moved)
	dst.Unlock()
	moved.Unlock()

	require.NoError(t, <-errCh)

	// The drain re-validated placement after retaking the queue lock
	// and left the departed task alone.
	assert.True(t, ctrl.IsHalted(1))
	assert.Empty(t, fake.TasksOn(1))
	on0 := fake.TasksOn(0)
	require.Len(t, on0, 1)
	assert.Same(t, moved, on0[0])
	assert.True(t, moved.Queued())
}

func TestFreeRideAndRelease(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	_, err := ctrl.Halt(ctx, cpuset.Of(2))
	require.NoError(t, err)

	// Second halt is a free ride: ref count moves, no second drain.
	res, err := ctrl.Halt(ctx, cpuset.Of(2))
	require.NoError(t, err)
	assert.Equal(t, "2", res.RefOnly.String())
	assert.True(t, res.Transitioned.Empty())
	assert.Equal(t, 2, ctrl.RefCount(2))
	assert.Equal(t, 1, fake.StopCalls(2))

	// First resume drops the count but the CPU stays halted.
	res, err = ctrl.Resume(ctx, cpuset.Of(2))
	require.NoError(t, err)
	assert.Equal(t, "2", res.RefOnly.String())
	assert.True(t, ctrl.IsHalted(2))
	assert.Equal(t, 1, ctrl.RefCount(2))

	// Second resume releases it.
	res, err = ctrl.Resume(ctx, cpuset.Of(2))
	require.NoError(t, err)
	assert.Equal(t, "2", res.Transitioned.String())
	assert.False(t, ctrl.IsHalted(2))
	assert.Zero(t, ctrl.RefCount(2))
}

func TestResumeWithZeroRefCount(t *testing.T) {
	ctrl, _ := newTestController(t, 2, DefaultConfig())

	res, err := ctrl.Resume(context.Background(), cpuset.Of(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrFailedPrecondition))
	assert.Equal(t, "1", res.Failed.String())
	assert.Zero(t, ctrl.RefCount(1))
}

func TestResumeWithZeroRefCountPanicsInDebug(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug = true
	ctrl, _ := newTestController(t, 2, cfg)

	assert.Panics(t, func() {
		ctrl.Resume(context.Background(), cpuset.Of(0)) //nolint:errcheck
	})
}

func TestResumeZeroRefMidBatchTouchesNothing(t *testing.T) {
	ctrl, _ := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	_, err := ctrl.Halt(ctx, cpuset.Of(0, 1))
	require.NoError(t, err)

	// CPU 2 carries no reference, so the batch fails before any count
	// moves: CPUs 0 and 1 keep their reference and stay in the mask.
	res, err := ctrl.Resume(ctx, cpuset.Of(0, 1, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrFailedPrecondition))
	assert.Equal(t, "2", res.Failed.String())
	assert.True(t, res.Transitioned.Empty())
	assert.True(t, res.RefOnly.Empty())
	for _, cpu := range []int{0, 1} {
		assert.Equal(t, 1, ctrl.RefCount(cpu), "cpu %d", cpu)
		assert.True(t, ctrl.IsHalted(cpu), "cpu %d", cpu)
	}

	// A corrected retry releases them normally.
	res, err = ctrl.Resume(ctx, cpuset.Of(0, 1))
	require.NoError(t, err)
	assert.Equal(t, "0-1", res.Transitioned.String())
}

func TestConcurrentHaltDrainsOnce(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	const holders = 8
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctrl.Halt(ctx, cpuset.Of(3))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one 0->1 transition, so exactly one drain.
	assert.Equal(t, 1, fake.StopCalls(3))
	assert.Equal(t, holders, ctrl.RefCount(3))
	assert.True(t, ctrl.IsHalted(3))
}

func TestOfflinePreHaltThenOnlineDrains(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	fake.SetOnline(2, false)

	// Halting an offline CPU takes the reference without draining.
	res, err := ctrl.Halt(ctx, cpuset.Of(2))
	require.NoError(t, err)
	assert.Equal(t, "2", res.RefOnly.String())
	assert.Equal(t, 1, ctrl.RefCount(2))
	assert.False(t, ctrl.IsHalted(2))
	assert.Zero(t, fake.StopCalls(2))

	// Once the CPU onlines, the reconciliation worker drains it before
	// it may run anything.
	fake.SetOnline(2, true)
	require.Eventually(t, func() bool {
		return ctrl.IsHalted(2) && fake.StopCalls(2) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, ctrl.RefCount(2))
}

// onlineAtRegister is a hotplug notifier that delivers an online event
// for its CPU from inside RegisterOnline, modelling an event that lands
// while the callback is being installed.
type onlineAtRegister struct {
	cpu int
}

func (h *onlineAtRegister) RegisterOnline(name string, fn func(cpu int)) (sched.Registration, error) {
	fn(h.cpu)
	return nopRegistration{}, nil
}

type nopRegistration struct{}

func (nopRegistration) Close() error { return nil }

func TestStartKeepsOnlineEventDuringRegistration(t *testing.T) {
	fake := schedtest.New(4)
	fake.SetOnline(2, false)
	ctrl, err := New(fake, &onlineAtRegister{cpu: 2}, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	// Pre-halt the offline CPU so it carries a reference.
	res, err := ctrl.Halt(ctx, cpuset.Of(2))
	require.NoError(t, err)
	assert.Equal(t, "2", res.RefOnly.String())
	fake.SetOnline(2, true)

	// The online event arrives during callback registration, before the
	// worker loop runs. It must still trigger a reconciliation pass.
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	require.Eventually(t, func() bool {
		return ctrl.IsHalted(2) && fake.StopCalls(2) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, ctrl.RefCount(2))
}

func TestPartialBatchFailure(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	fake.SetStopError(2, errdefs.ErrUnavailable)

	res, err := ctrl.Halt(ctx, cpuset.Of(1, 2, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrUnavailable))

	// CPU 1 succeeded and stays halted; CPU 2 reverted exactly to its
	// prior state; CPU 3 was never attempted.
	assert.Equal(t, "1", res.Transitioned.String())
	assert.Equal(t, "2", res.Failed.String())
	assert.Equal(t, 1, ctrl.RefCount(1))
	assert.True(t, ctrl.IsHalted(1))
	assert.Zero(t, ctrl.RefCount(2))
	assert.False(t, ctrl.IsHalted(2))
	assert.Zero(t, ctrl.RefCount(3))
	assert.False(t, ctrl.IsHalted(3))

	// A retry after the transient failure clears picks up where the
	// batch stopped; CPU 1's extra reference rides for free.
	fake.SetStopError(2, nil)
	res, err = ctrl.Halt(ctx, cpuset.Of(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, "2-3", res.Transitioned.String())
	assert.Equal(t, "1", res.RefOnly.String())
}

func TestHaltFailureSkipsRemaining(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())

	fake.SetStopError(0, errdefs.ErrUnavailable)
	_, err := ctrl.Halt(context.Background(), cpuset.Of(0, 1, 2, 3))
	require.Error(t, err)

	// Fail-fast: the CPUs after the failing one were not stopped.
	for cpu := 1; cpu < 4; cpu++ {
		assert.Zero(t, fake.StopCalls(cpu), "cpu %d", cpu)
	}
}

func TestWasRecentlyHalted(t *testing.T) {
	var now atomic.Int64
	now.Store(int64(time.Millisecond))

	cfg := DefaultConfig()
	cfg.Clock = now.Load
	ctrl, _ := newTestController(t, 2, cfg)
	ctx := context.Background()

	assert.False(t, ctrl.WasRecentlyHalted(1))

	_, err := ctrl.Halt(ctx, cpuset.Of(1))
	require.NoError(t, err)
	assert.True(t, ctrl.WasRecentlyHalted(1))

	// Still halted, but the halt is no longer recent once the window
	// passes.
	now.Add(int64(DefaultRecentHaltWindow) + 1)
	assert.True(t, ctrl.IsHalted(1))
	assert.False(t, ctrl.WasRecentlyHalted(1))

	_, err = ctrl.Resume(ctx, cpuset.Of(1))
	require.NoError(t, err)
	assert.False(t, ctrl.WasRecentlyHalted(1))
}

func TestPauseIsHalt(t *testing.T) {
	ctrl, _ := newTestController(t, 2, DefaultConfig())
	ctx := context.Background()

	_, err := ctrl.Pause(ctx, cpuset.Of(0))
	require.NoError(t, err)
	assert.True(t, ctrl.IsHalted(0))
	assert.Equal(t, 1, ctrl.RefCount(0))

	_, err = ctrl.Unpause(ctx, cpuset.Of(0))
	require.NoError(t, err)
	assert.False(t, ctrl.IsHalted(0))
	assert.Equal(t, 0, ctrl.RefCount(0))
}

func TestStatus(t *testing.T) {
	ctrl, fake := newTestController(t, 3, DefaultConfig())
	ctx := context.Background()

	fake.SetOnline(2, false)
	_, err := ctrl.Halt(ctx, cpuset.Of(1, 2))
	require.NoError(t, err)

	st := ctrl.Status()
	require.Len(t, st, 3)

	assert.Equal(t, CPUStatus{CPU: 0, Online: true}, st[0])

	assert.True(t, st[1].Halted)
	assert.True(t, st[1].Online)
	assert.Equal(t, 1, st[1].RefCount)

	// CPU 2 is pre-halted: referenced but offline and not in the mask.
	assert.False(t, st[2].Halted)
	assert.False(t, st[2].Online)
	assert.Equal(t, 1, st[2].RefCount)
}

func TestStartStopIdempotent(t *testing.T) {
	ctrl, _ := newTestController(t, 2, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.Start(ctx))
	ctrl.Stop()
	ctrl.Stop()

	// A full restart works too.
	require.NoError(t, ctrl.Start(ctx))
	ctrl.Stop()
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, ctrl.Reconcile(ctx))
	for cpu := 0; cpu < 4; cpu++ {
		assert.Zero(t, fake.StopCalls(cpu))
		assert.False(t, ctrl.IsHalted(cpu))
	}

	_, err := ctrl.Halt(ctx, cpuset.Of(1))
	require.NoError(t, err)

	// A redundant pass re-drains the already-halted CPU (a no-op on an
	// empty queue) without disturbing its state.
	require.NoError(t, ctrl.Reconcile(ctx))
	assert.True(t, ctrl.IsHalted(1))
	assert.Equal(t, 1, ctrl.RefCount(1))
}

func TestReconcileFailureKeepsStateConsistent(t *testing.T) {
	ctrl, fake := newTestController(t, 4, DefaultConfig())
	ctx := context.Background()

	fake.SetOnline(2, false)
	_, err := ctrl.Halt(ctx, cpuset.Of(2))
	require.NoError(t, err)

	fake.SetStopError(2, errdefs.ErrUnavailable)
	fake.SetOnline(2, true)
	require.Error(t, ctrl.Reconcile(ctx))

	// The reference survives the failed re-halt; the mask was rolled
	// back, so a later pass can retry from scratch.
	assert.Equal(t, 1, ctrl.RefCount(2))
	assert.False(t, ctrl.IsHalted(2))

	fake.SetStopError(2, nil)
	require.NoError(t, ctrl.Reconcile(ctx))
	assert.True(t, ctrl.IsHalted(2))
}

// TestResumeReconcileRace stresses the race the reconciliation lock is
// for: resumes of a CPU concurrent with online events re-halting it
// must never leave the CPU resumed yet re-drained, or halted with a
// zero ref count.
func TestResumeReconcileRace(t *testing.T) {
	const (
		ncpu    = 8
		holders = 8
		rounds  = 200
	)
	ctrl, fake := newTestController(t, ncpu, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	for cpu := 0; cpu < ncpu; cpu++ {
		fake.AddTask(cpu, false)
	}

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				cpus := cpuset.Of((seed+r)%ncpu, (seed+2*r+1)%ncpu)
				res, err := ctrl.Halt(ctx, cpus)
				if err != nil {
					// Partial failure: release whatever the call did
					// acquire, as a real caller would.
					acquired := res.Transitioned.Union(res.RefOnly)
					if !acquired.Empty() {
						_, rerr := ctrl.Resume(ctx, acquired)
						assert.NoError(t, rerr)
					}
					continue
				}
				// While this holder's references are outstanding the
				// CPUs must be halted or offline. CPUs under hotplug
				// churn are skipped: between an online event and the
				// reconciliation pass they are legitimately pending.
				for _, cpu := range cpus.List() {
					if cpu >= ncpu-2 {
						continue
					}
					if !ctrl.IsHalted(cpu) && fake.Online().Contains(cpu) {
						t.Errorf("cpu %d schedulable while held", cpu)
					}
				}
				_, err = ctrl.Resume(ctx, cpus)
				assert.NoError(t, err)
			}
		}(i)
	}

	// Hotplug churn on two CPUs while holds come and go.
	churnDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(churnDone)
		for r := 0; r < rounds; r++ {
			fake.SetOnline(ncpu-1, false)
			fake.SetOnline(ncpu-2, false)
			fake.SetOnline(ncpu-1, true)
			fake.SetOnline(ncpu-2, true)
		}
	}()
	wg.Wait()

	// Quiescent point: every halt was matched by a resume, so all
	// counts must be zero and, after a final reconciliation pass, no
	// CPU may remain halted.
	require.NoError(t, ctrl.Reconcile(ctx))
	for cpu := 0; cpu < ncpu; cpu++ {
		assert.Zero(t, ctrl.RefCount(cpu), "cpu %d ref count", cpu)
		assert.False(t, ctrl.IsHalted(cpu), "cpu %d still halted", cpu)
	}
}

// TestRefCountMaskCoherence exercises overlapping batches and verifies
// the count equals halts minus resumes per CPU, with mask membership
// matching a nonzero count.
func TestRefCountMaskCoherence(t *testing.T) {
	ctrl, _ := newTestController(t, 6, DefaultConfig())
	ctx := context.Background()

	batches := []cpuset.Set{
		cpuset.Of(0, 1, 2),
		cpuset.Of(1, 2, 3),
		cpuset.Of(2, 4),
	}
	counts := make([]int, 6)
	for _, b := range batches {
		_, err := ctrl.Halt(ctx, b)
		require.NoError(t, err)
		for _, cpu := range b.List() {
			counts[cpu]++
		}
	}
	for cpu, want := range counts {
		assert.Equal(t, want, ctrl.RefCount(cpu), "cpu %d", cpu)
		assert.Equal(t, want > 0, ctrl.IsHalted(cpu), "cpu %d", cpu)
	}

	for _, b := range batches {
		_, err := ctrl.Resume(ctx, b)
		require.NoError(t, err)
		for _, cpu := range b.List() {
			counts[cpu]--
		}
		for cpu, want := range counts {
			assert.Equal(t, want, ctrl.RefCount(cpu), "cpu %d", cpu)
			assert.Equal(t, want > 0, ctrl.IsHalted(cpu), "cpu %d", cpu)
		}
	}
}

var _ sched.Scheduler = (*schedtest.Scheduler)(nil)
var _ sched.Hotplug = (*schedtest.Scheduler)(nil)
