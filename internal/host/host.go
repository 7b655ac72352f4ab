// Package host adapts a Linux machine to the scheduler interfaces the
// quiesce controller drives. Managed tasks are the member processes of
// a cgroup2 group; a CPU's run queue is the set of managed processes
// last scheduled there, and migrating a task means rewriting its
// affinity mask so the kernel moves it off the halted CPU. CPU
// topology comes from sysfs.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/quiesce/internal/cpuset"
	"github.com/spin-stack/quiesce/internal/sched"
)

// Config configures the host adapter.
type Config struct {
	// Cgroup is the cgroup2 group (e.g. "/quiesce.slice") whose member
	// processes are managed.
	Cgroup string

	// PollInterval is how often the sysfs online mask is polled for
	// hotplug events.
	PollInterval time.Duration

	// SysfsRoot and ProcRoot override /sys and /proc for tests.
	SysfsRoot string
	ProcRoot  string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Cgroup:       "/quiesce.slice",
		PollInterval: 250 * time.Millisecond,
		SysfsRoot:    "/sys",
		ProcRoot:     "/proc",
	}
}

// Scheduler implements sched.Scheduler and sched.Hotplug against a live
// host.
type Scheduler struct {
	cfg  Config
	ncpu int
	cg   *cgroup2.Manager

	mu  sync.Mutex
	rqs []*runqueue

	hotplug hotplugPoller
}

// New probes the CPU topology and attaches to the managed cgroup.
func New(cfg Config) (*Scheduler, error) {
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys"
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	ncpu, err := possibleCPUs(cfg.SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("probe cpu topology: %w", err)
	}

	var cg *cgroup2.Manager
	if cfg.Cgroup != "" {
		cg, err = cgroup2.Load(cfg.Cgroup)
		if err != nil {
			return nil, fmt.Errorf("load cgroup %s: %w", cfg.Cgroup, err)
		}
	}

	s := &Scheduler{
		cfg:  cfg,
		ncpu: ncpu,
		cg:   cg,
		rqs:  make([]*runqueue, ncpu),
	}
	for cpu := range s.rqs {
		s.rqs[cpu] = &runqueue{cpu: cpu, sched: s}
	}
	s.hotplug.init(s)
	return s, nil
}

// NumCPU returns the number of possible CPUs, online or not.
func (s *Scheduler) NumCPU() int {
	return s.ncpu
}

// Online returns the currently online CPUs from sysfs.
func (s *Scheduler) Online() cpuset.Set {
	set, err := readCPUList(filepath.Join(s.cfg.SysfsRoot, "devices/system/cpu/online"))
	if err != nil {
		// Losing sight of the online mask must not fake CPUs offline;
		// report everything online and let per-CPU operations fail.
		log.L.WithError(err).Warn("cpu-host: reading online mask failed")
		all := cpuset.New(s.ncpu)
		for cpu := 0; cpu < s.ncpu; cpu++ {
			all.Add(cpu)
		}
		return all
	}
	return set
}

// Runqueue returns the stable run queue handle for cpu.
func (s *Scheduler) Runqueue(cpu int) sched.Runqueue {
	return s.rqs[cpu]
}

// StopOneCPU freezes the managed cgroup, snapshots its processes onto
// the run queue model, runs fn, and thaws. Freezing stands in for the
// stopper: no managed task makes progress while fn rewrites affinities,
// so none can re-enter the halted CPU mid-drain.
func (s *Scheduler) StopOneCPU(ctx context.Context, cpu int, fn func() error) error {
	if !s.Online().Contains(cpu) {
		return fmt.Errorf("stop cpu %d: raced offline: %w", cpu, errdefs.ErrUnavailable)
	}
	if s.cg != nil {
		if err := s.cg.Freeze(); err != nil {
			return fmt.Errorf("freeze cgroup: %w", err)
		}
		defer func() {
			if err := s.cg.Thaw(); err != nil {
				log.G(ctx).WithError(err).Error("cpu-host: thawing cgroup failed")
			}
		}()
	}
	if err := s.refresh(); err != nil {
		return fmt.Errorf("snapshot tasks: %w", err)
	}
	return fn()
}

// SelectFallback picks the destination CPU for a task leaving cpu:
// the lowest online CPU the task's affinity already allows, else the
// lowest online CPU. Returning the leaving CPU itself tells the caller
// there is nowhere to go.
func (s *Scheduler) SelectFallback(leaving int, t sched.Task) int {
	online := s.Online()
	online.Remove(leaving)
	if ht, ok := t.(*task); ok {
		if allowed := ht.allowed.Intersect(online); !allowed.Empty() {
			return allowed.List()[0]
		}
	}
	if online.Empty() {
		return leaving
	}
	return online.List()[0]
}

// RegisterOnline registers fn to run when a CPU comes online. The
// poller must be started with Start for callbacks to fire.
func (s *Scheduler) RegisterOnline(name string, fn func(cpu int)) (sched.Registration, error) {
	return s.hotplug.register(name, fn)
}

// Start launches the hotplug poller.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.hotplug.start(ctx)
}

// Stop stops the hotplug poller.
func (s *Scheduler) Stop() {
	s.hotplug.stop()
}

// refresh rebuilds the run queue model from the cgroup's current
// processes. Caller must hold the cgroup frozen; the snapshot is only
// coherent while nothing runs.
func (s *Scheduler) refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rq := range s.rqs {
		rq.reset()
	}
	if s.cg == nil {
		return nil
	}

	procs, err := s.cg.Procs(true)
	if err != nil {
		return fmt.Errorf("list cgroup procs: %w", err)
	}
	for _, pid := range procs {
		t, err := s.loadTask(int(pid))
		if err != nil {
			// Processes exit at will; a vanished pid is not an error.
			log.L.WithError(err).WithField("pid", pid).Debug("cpu-host: skipping task")
			continue
		}
		if t.lastCPU >= 0 && t.lastCPU < s.ncpu {
			s.rqs[t.lastCPU].add(t)
		}
	}
	return nil
}

func (s *Scheduler) loadTask(pid int) (*task, error) {
	lastCPU, err := lastRanCPU(s.cfg.ProcRoot, pid)
	if err != nil {
		return nil, err
	}
	var cs unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &cs); err != nil {
		return nil, fmt.Errorf("getaffinity pid %d: %w", pid, err)
	}
	return &task{
		pid:     pid,
		sched:   s,
		lastCPU: lastCPU,
		allowed: fromUnixSet(&cs, s.ncpu),
	}, nil
}

// possibleCPUs reads the machine's possible CPU range from sysfs.
func possibleCPUs(sysfsRoot string) (int, error) {
	set, err := readCPUList(filepath.Join(sysfsRoot, "devices/system/cpu/possible"))
	if err != nil {
		return 0, err
	}
	cpus := set.List()
	if len(cpus) == 0 {
		return 0, fmt.Errorf("empty possible cpu mask")
	}
	return cpus[len(cpus)-1] + 1, nil
}

// readCPUList reads a sysfs cpulist file such as online or possible.
func readCPUList(path string) (cpuset.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuset.Set{}, err
	}
	return cpuset.Parse(strings.TrimSpace(string(data)))
}

// lastRanCPU parses the processor field of /proc/<pid>/stat.
func lastRanCPU(procRoot string, pid int) (int, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	// The comm field may contain spaces and parentheses; fields are
	// only well-defined after the last ')'.
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(stat[idx+1:])
	// Field 39 of stat overall; fields here start at field 3 (state).
	const processorIdx = 39 - 3
	if len(fields) <= processorIdx {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	cpu, err := strconv.Atoi(fields[processorIdx])
	if err != nil {
		return 0, fmt.Errorf("bad processor field for pid %d: %w", pid, err)
	}
	return cpu, nil
}

func toUnixSet(s cpuset.Set) *unix.CPUSet {
	var cs unix.CPUSet
	for _, cpu := range s.List() {
		cs.Set(cpu)
	}
	return &cs
}

func fromUnixSet(cs *unix.CPUSet, ncpu int) cpuset.Set {
	s := cpuset.New(ncpu)
	for cpu := 0; cpu < ncpu; cpu++ {
		if cs.IsSet(cpu) {
			s.Add(cpu)
		}
	}
	return s
}
