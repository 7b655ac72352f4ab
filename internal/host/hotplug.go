package host

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/quiesce/internal/cpuset"
)

// hotplugPoller turns the sysfs online mask into online callbacks.
// Linux offers no portable userspace notification for CPU hotplug, so
// the mask is polled and diffed against the previous snapshot.
type hotplugPoller struct {
	s *Scheduler

	mu         sync.Mutex
	regs       map[*registration]struct{}
	lastOnline cpuset.Set

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type registration struct {
	name string
	fn   func(cpu int)
	p    *hotplugPoller
}

func (r *registration) Close() error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	delete(r.p.regs, r)
	return nil
}

func (p *hotplugPoller) init(s *Scheduler) {
	p.s = s
	p.regs = make(map[*registration]struct{})
}

func (p *hotplugPoller) register(name string, fn func(cpu int)) (*registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &registration{name: name, fn: fn, p: p}
	p.regs[r] = struct{}{}
	return r, nil
}

// start launches the poll loop. Safe to call more than once; extra
// calls are no-ops.
func (p *hotplugPoller) start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return nil
	}
	p.lastOnline = p.s.Online()
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	go p.loop(ctx, p.stopCh, p.stoppedCh)

	log.G(ctx).WithFields(log.Fields{
		"interval": p.s.cfg.PollInterval,
		"online":   p.lastOnline.String(),
	}).Info("cpu-host: hotplug poller started")
	return nil
}

func (p *hotplugPoller) stop() {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.stopCh = nil
	p.stoppedCh = nil
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (p *hotplugPoller) loop(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)
	ticker := time.NewTicker(p.s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

// scan diffs the online mask and fires callbacks for newly online CPUs.
func (p *hotplugPoller) scan(ctx context.Context) {
	online := p.s.Online()

	p.mu.Lock()
	cameOnline := online.Diff(p.lastOnline)
	wentOffline := p.lastOnline.Diff(online)
	p.lastOnline = online
	regs := make([]*registration, 0, len(p.regs))
	for r := range p.regs {
		regs = append(regs, r)
	}
	p.mu.Unlock()

	if !wentOffline.Empty() {
		log.G(ctx).WithField("cpus", wentOffline.String()).Info("cpu-host: cpus went offline")
	}
	if cameOnline.Empty() {
		return
	}
	log.G(ctx).WithField("cpus", cameOnline.String()).Info("cpu-host: cpus came online")

	for _, cpu := range cameOnline.List() {
		for _, r := range regs {
			r.fn(cpu)
		}
	}
}
