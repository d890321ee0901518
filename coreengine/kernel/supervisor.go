package kernel

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// =============================================================================
// Supervisor Configuration
// =============================================================================

// SupervisorConfig holds the defaults every supervisor starts with.
type SupervisorConfig struct {
	// MaxRestarts within Window before the supervisor gives up and escalates.
	MaxRestarts int           `json:"max_restarts" yaml:"max_restarts"`
	Window      time.Duration `json:"window" yaml:"window"`
	// BackoffInitial doubles per consecutive restart of a child up to BackoffMax.
	BackoffInitial time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		MaxRestarts:    5,
		Window:         time.Minute,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     time.Second,
	}
}

// SupervisionOptions turns a spawned process into a supervisor. Zero fields
// take the kernel defaults.
type SupervisionOptions struct {
	Strategy    RestartStrategy `json:"strategy" yaml:"strategy"`
	MaxRestarts int             `json:"max_restarts" yaml:"max_restarts"`
	Window      time.Duration   `json:"window" yaml:"window"`
}

// ChildSpec is how a supervisor brings a child back.
type ChildSpec struct {
	Unit    *CompiledUnit
	Options SpawnOptions
}

type supervisedChild struct {
	spec    ChildSpec
	group   *supervisorGroup
	pid     PID
	backoff *backoff.ExponentialBackOff
	// pending is set while a restart for this child is scheduled.
	pending bool
}

type supervisorGroup struct {
	pid       PID
	opts      SupervisionOptions
	window    *SlidingWindow
	children  []*supervisedChild
	escalated bool
}

func (g *supervisorGroup) remove(c *supervisedChild) {
	for i, ch := range g.children {
		if ch == c {
			g.children = append(g.children[:i], g.children[i+1:]...)
			return
		}
	}
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor keeps the supervision tree and restarts children when they exit.
// Any process can supervise; one with no explicit SupervisionOptions gets the
// defaults and one_for_one.
type Supervisor struct {
	k      *Kernel
	config *SupervisorConfig

	mu      sync.Mutex
	groups  map[PID]*supervisorGroup
	byChild map[PID]*supervisedChild
	// orphans are the specs of a supervisor that is being restarted, keyed
	// by its old PID; they are spawned again under its new PID.
	orphans map[PID][]ChildSpec
}

func newSupervisor(k *Kernel, config *SupervisorConfig) *Supervisor {
	if config == nil {
		config = DefaultSupervisorConfig()
	}
	return &Supervisor{
		k:       k,
		config:  config,
		groups:  make(map[PID]*supervisorGroup),
		byChild: make(map[PID]*supervisedChild),
		orphans: make(map[PID][]ChildSpec),
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.BackoffInitial
	b.MaxInterval = s.config.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = s.k.clock
	b.Reset()
	return b
}

// groupLocked returns the group of pid, creating a default one. Caller holds mu.
func (s *Supervisor) groupLocked(pid PID) *supervisorGroup {
	if g, ok := s.groups[pid]; ok {
		return g
	}
	return s.configureLocked(pid, SupervisionOptions{})
}

func (s *Supervisor) configureLocked(pid PID, opts SupervisionOptions) *supervisorGroup {
	if opts.Strategy == "" {
		opts.Strategy = StrategyOneForOne
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = s.config.MaxRestarts
	}
	if opts.Window <= 0 {
		opts.Window = s.config.Window
	}
	g, ok := s.groups[pid]
	if !ok {
		g = &supervisorGroup{pid: pid}
		s.groups[pid] = g
	}
	g.opts = opts
	g.window = NewSlidingWindow(opts.Window)
	return g
}

// configure makes pid a supervisor with opts.
func (s *Supervisor) configure(pid PID, opts SupervisionOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configureLocked(pid, opts)
}

// adopt records child as supervised by sup.
func (s *Supervisor) adopt(sup, child PID, spec ChildSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groupLocked(sup)
	spec.Options.Supervisor = sup
	spec.Options.LinkTo = nil
	c := &supervisedChild{spec: spec, group: g, pid: child, backoff: s.newBackoff()}
	g.children = append(g.children, c)
	s.byChild[child] = c
}

// rebind points a restarted child's entry at its new PID.
func (s *Supervisor) rebind(c *supervisedChild, pid PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[c.group.pid] != c.group {
		return false
	}
	c.pid = pid
	c.pending = false
	s.byChild[pid] = c
	return true
}

// Children returns the current PIDs supervised by sup, in start order.
func (s *Supervisor) Children(sup PID) []PID {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[sup]
	if !ok {
		return nil
	}
	out := make([]PID, 0, len(g.children))
	for _, c := range g.children {
		out = append(out, c.pid)
	}
	return out
}

// IsSupervisor reports whether pid has a supervision group.
func (s *Supervisor) IsSupervisor(pid PID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[pid]
	return ok
}

// RestartCount returns the restarts sup made within its window.
func (s *Supervisor) RestartCount(sup PID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[sup]
	if !ok {
		return 0
	}
	return g.window.Count(s.k.clock.Now())
}

// supervisorActions is the work handleExit does once mu is released.
type supervisorActions struct {
	kills    []PID
	escalate *supervisorGroup
	schedule []scheduledRestart
}

type scheduledRestart struct {
	group *supervisorGroup
	set   []*supervisedChild
	delay time.Duration
}

// handleExit runs once per terminated process, after its notifications.
func (s *Supervisor) handleExit(pid PID, reason ExitReason) {
	var acts supervisorActions

	s.mu.Lock()
	restarting := false
	if c, ok := s.byChild[pid]; ok {
		delete(s.byChild, pid)
		if c.pending || c.pid != pid {
			// Shut down as part of a sibling's restart.
			restarting = true
		} else {
			restarting = s.childExitedLocked(c, reason, &acts)
		}
	}
	if g, ok := s.groups[pid]; ok {
		delete(s.groups, pid)
		var specs []ChildSpec
		for _, c := range g.children {
			if !c.pending {
				acts.kills = append(acts.kills, c.pid)
			}
			delete(s.byChild, c.pid)
			if c.spec.Options.RestartPolicy != RestartTemporary {
				specs = append(specs, c.spec)
			}
		}
		if restarting && len(specs) > 0 {
			s.orphans[pid] = specs
		}
	}
	s.mu.Unlock()

	s.apply(acts)
}

// childExitedLocked decides what a child exit means for its group and
// reports whether the child will be restarted. Caller holds mu.
func (s *Supervisor) childExitedLocked(c *supervisedChild, reason ExitReason, acts *supervisorActions) bool {
	g := c.group
	if s.groups[g.pid] != g || g.escalated || c.pending || s.k.stopping.Load() {
		return false
	}

	policy := c.spec.Options.RestartPolicy
	if policy == "" {
		policy = RestartPermanent
	}
	if !policy.ShouldRestart(reason) {
		g.remove(c)
		return false
	}

	now := s.k.clock.Now()
	if g.window.IsEmpty(now) {
		c.backoff.Reset()
	}
	if res := g.window.Check(now, g.opts.MaxRestarts); !res.Allowed {
		g.escalated = true
		acts.escalate = g
		return false
	}

	set := []*supervisedChild{c}
	switch g.opts.Strategy {
	case StrategyOneForAll:
		set = s.siblingsLocked(g, c, 0, acts)
	case StrategyRestForOne:
		for i, ch := range g.children {
			if ch == c {
				set = s.siblingsLocked(g, c, i, acts)
				break
			}
		}
	}
	for _, ch := range set {
		ch.pending = true
	}
	acts.schedule = append(acts.schedule, scheduledRestart{group: g, set: set, delay: c.backoff.NextBackOff()})
	return true
}

// siblingsLocked collects the children from index from on that restart with
// c, queueing the live ones to be shut down first. Temporary siblings are
// dropped instead. Caller holds mu.
func (s *Supervisor) siblingsLocked(g *supervisorGroup, c *supervisedChild, from int, acts *supervisorActions) []*supervisedChild {
	var set []*supervisedChild
	var keep []*supervisedChild
	for i, ch := range g.children {
		if i < from || ch == c || ch.pending {
			keep = append(keep, ch)
			if ch == c {
				set = append(set, ch)
			}
			continue
		}
		acts.kills = append(acts.kills, ch.pid)
		if ch.spec.Options.RestartPolicy == RestartTemporary {
			delete(s.byChild, ch.pid)
			continue
		}
		keep = append(keep, ch)
		set = append(set, ch)
	}
	g.children = keep
	return set
}

func (s *Supervisor) apply(acts supervisorActions) {
	k := s.k
	for _, pid := range acts.kills {
		_ = k.Exit(pid, ExitShutdown)
	}
	if g := acts.escalate; g != nil {
		k.metrics.escalations.Add(1)
		evt := NewKernelEvent(KernelEventSupervisorEscalated, g.pid, k.clock.Now())
		evt.Data = map[string]any{
			"max_restarts": g.opts.MaxRestarts,
			"window_ms":    g.opts.Window.Milliseconds(),
		}
		k.emitEvent(evt)
		if k.logger != nil {
			k.logger.Error("supervisor_escalated",
				"supervisor", uint64(g.pid),
				"max_restarts", g.opts.MaxRestarts,
				"window", g.opts.Window.String(),
			)
		}
		_ = k.Exit(g.pid, ExitRestartIntensity)
	}
	for _, r := range acts.schedule {
		r := r
		// Timer callbacks may run under the clock's lock; restart elsewhere.
		k.clock.AfterFunc(r.delay, func() {
			SafeGo(k.logger, "supervisor_restart", func() { s.restart(r.group, r.set) }, nil)
		})
	}
}

// restart spawns every child in set again, in order.
func (s *Supervisor) restart(g *supervisorGroup, set []*supervisedChild) {
	k := s.k
	s.mu.Lock()
	live := s.groups[g.pid] == g && !g.escalated
	s.mu.Unlock()
	if !live || k.stopping.Load() {
		return
	}

	for _, c := range set {
		old := c.pid
		if st, err := k.Status(old); err == nil && st.State != ProcessStateTerminated {
			_ = k.Exit(old, ExitShutdown)
		}

		opts := c.spec.Options
		opts.Supervisor = g.pid
		opts.restartOf = c
		pid, err := k.spawn(g.pid, -1, c.spec.Unit, opts)
		if err != nil {
			if k.logger != nil {
				k.logger.Warn("supervisor_restart_failed",
					"supervisor", uint64(g.pid),
					"old_pid", uint64(old),
					"error", err.Error(),
				)
			}
			var acts supervisorActions
			s.mu.Lock()
			c.pending = false
			if !s.childExitedLocked(c, CrashReason(err.Error()), &acts) {
				delete(s.orphans, old)
			}
			s.mu.Unlock()
			s.apply(acts)
			continue
		}

		k.metrics.restarts.Add(1)
		evt := NewKernelEvent(KernelEventProcessRestarted, pid, k.clock.Now())
		evt.Data = map[string]any{
			"old_pid":    uint64(old),
			"supervisor": uint64(g.pid),
		}
		k.emitEvent(evt)
		if k.logger != nil {
			k.logger.Info("process_restarted",
				"pid", uint64(pid),
				"old_pid", uint64(old),
				"supervisor", uint64(g.pid),
			)
		}

		s.mu.Lock()
		specs := s.orphans[old]
		delete(s.orphans, old)
		s.mu.Unlock()
		for _, spec := range specs {
			spec.Options.Supervisor = pid
			spec.Options.restartOf = nil
			if _, err := k.spawn(pid, -1, spec.Unit, spec.Options); err != nil && k.logger != nil {
				k.logger.Warn("supervisor_child_respawn_failed",
					"supervisor", uint64(pid),
					"error", err.Error(),
				)
			}
		}
	}
}
