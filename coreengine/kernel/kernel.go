// Package kernel is the actor execution engine: it schedules isolated
// processes over a fixed worker pool, supervises their failures, and moves
// idle ones to compressed snapshots until a message or wake request arrives.
//
// The Kernel composes:
//   - ProcessTable and Scheduler (work-stealing run queues)
//   - SecurityMonitor (capability tiers)
//   - ResourcePool and PriorityManager
//   - Supervisor (links, monitors, restart strategies)
//   - HibernationManager and ColdStartOptimizer
//   - MetricsCollector
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
)

// =============================================================================
// Kernel Configuration
// =============================================================================

// KernelConfig configures the kernel.
type KernelConfig struct {
	// Workers is the size of the worker pool (default: logical CPUs).
	Workers int `json:"workers" yaml:"workers"`
	// MaxProcesses and MaxMemoryBytes are the process-wide ceilings; zero disables.
	MaxProcesses   int   `json:"max_processes" yaml:"max_processes"`
	MaxMemoryBytes int64 `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	// DefaultQuota fills the fields a spawn leaves unset.
	DefaultQuota *ResourceQuota     `json:"default_quota" yaml:"default_quota"`
	Scheduler    *SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Security     *SecurityConfig    `json:"security" yaml:"security"`
	Supervisor   *SupervisorConfig  `json:"supervisor" yaml:"supervisor"`
	Hibernation  *HibernationConfig `json:"hibernation" yaml:"hibernation"`
	ColdStart    ColdStartConfig    `json:"cold_start" yaml:"cold_start"`
	Arena        ArenaConfig        `json:"arena" yaml:"arena"`
	Cleanup      CleanupConfig      `json:"cleanup" yaml:"cleanup"`
}

// DefaultKernelConfig returns default kernel configuration.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		Workers:        runtime.NumCPU(),
		MaxProcesses:   100_000,
		MaxMemoryBytes: 4 << 30,
		DefaultQuota:   DefaultQuota(),
		Scheduler:      DefaultSchedulerConfig(),
		Security:       DefaultSecurityConfig(),
		Supervisor:     DefaultSupervisorConfig(),
		Hibernation:    DefaultHibernationConfig(),
		ColdStart:      DefaultColdStartConfig(),
		Arena:          DefaultArenaConfig(),
		Cleanup:        DefaultCleanupConfig(),
	}
}

// withDefaults fills nil sections so callers may pass a partial config.
func (c *KernelConfig) withDefaults() *KernelConfig {
	def := DefaultKernelConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Workers <= 0 {
		out.Workers = def.Workers
	}
	out.DefaultQuota = out.DefaultQuota.WithDefaults(def.DefaultQuota)
	if out.Scheduler == nil {
		out.Scheduler = def.Scheduler
	}
	if out.Security == nil {
		out.Security = def.Security
	}
	if out.Supervisor == nil {
		out.Supervisor = def.Supervisor
	}
	if out.Hibernation == nil {
		out.Hibernation = def.Hibernation
	}
	if len(out.ColdStart.SizeClasses) == 0 {
		out.ColdStart = def.ColdStart
	}
	if out.Arena.ChunkSize <= 0 {
		out.Arena = def.Arena
	}
	if out.Cleanup.Interval <= 0 {
		out.Cleanup.Interval = def.Cleanup.Interval
	}
	if out.Cleanup.ProcessRetention <= 0 {
		out.Cleanup.ProcessRetention = def.Cleanup.ProcessRetention
	}
	if out.Cleanup.WakeInterval <= 0 {
		out.Cleanup.WakeInterval = def.Cleanup.WakeInterval
	}
	return &out
}

// Option customizes a kernel at construction.
type Option func(*Kernel)

// WithClock replaces the wall clock, typically with a fake clock in tests.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithSnapshotStore replaces the in-memory snapshot store.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(k *Kernel) { k.store = s }
}

// WithUnitRegistry shares a unit registry with the kernel, so an engine can
// resolve the units its processes spawn.
func WithUnitRegistry(r *UnitRegistry) Option {
	return func(k *Kernel) {
		if r != nil {
			k.units = r
		}
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// =============================================================================
// Kernel
// =============================================================================

// KernelEventHandler handles kernel events.
type KernelEventHandler func(*KernelEvent)

// SpawnOptions describe a new process. Zero values take kernel defaults.
type SpawnOptions struct {
	Priority Priority
	Tier     SecurityTier
	Quota    *ResourceQuota
	// Supervisor, when set, restarts the process per RestartPolicy.
	Supervisor    PID
	RestartPolicy RestartPolicy
	TrapExit      bool
	LinkTo        []PID
	// Supervision makes the new process a supervisor itself.
	Supervision *SupervisionOptions

	restartOf *supervisedChild
}

// Kernel is the central coordinator for process lifecycle, scheduling,
// supervision and hibernation.
//
// Usage:
//
//	k, err := kernel.NewKernel(logger, engine, nil)
//	pid, err := k.Spawn(unit, kernel.SpawnOptions{Priority: kernel.PriorityNormal})
//	err = k.Send(pid, payload)
//	_ = k.Start(ctx)
//	defer k.Shutdown(context.Background())
type Kernel struct {
	config *KernelConfig
	logger Logger
	engine Engine
	clock  clock.WithTickerAndDelayedExecution
	tracer trace.Tracer

	// Subsystems
	table       *ProcessTable
	units       *UnitRegistry
	resources   *ResourcePool
	security    *SecurityMonitor
	priorities  *PriorityManager
	scheduler   *Scheduler
	supervisor  *Supervisor
	hibernation *HibernationManager
	coldStart   *ColdStartOptimizer
	metrics     *MetricsCollector
	store       snapshot.Store
	sealer      *snapshot.Sealer

	hot  atomic.Int64
	cold atomic.Int64

	// Event listeners
	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	// Kernel state
	startedAt time.Time
	stopping  atomic.Bool
	mu        sync.Mutex
	running   bool
	closed    bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewKernel creates a kernel that runs processes on engine.
func NewKernel(logger Logger, engine Engine, config *KernelConfig, opts ...Option) (*Kernel, error) {
	if engine == nil {
		return nil, errors.New("kernel requires an engine")
	}
	config = config.withDefaults()

	k := &Kernel{
		config: config,
		logger: logger,
		engine: engine,
		clock:  clock.RealClock{},
		tracer: otel.Tracer("github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"),
		table:  NewProcessTable(),
		units:  NewUnitRegistry(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.store == nil {
		k.store = snapshot.NewMemoryStore()
	}

	arena, err := NewSnapshotArena(config.Arena)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot arena: %w", err)
	}
	sealer, err := snapshot.NewSealer(config.Hibernation.MaxSnapshotBytes)
	if err != nil {
		_ = arena.Close()
		return nil, fmt.Errorf("failed to create snapshot sealer: %w", err)
	}
	k.sealer = sealer

	k.metrics = NewMetricsCollector()
	k.resources = NewResourcePool(config.MaxProcesses, config.MaxMemoryBytes, arena, logger)
	k.security = NewSecurityMonitor(config.Security, k.table, k.metrics, logger)
	k.security.onDeny = func(pid PID, op Operation, reason string) {
		evt := NewKernelEvent(KernelEventSecurityDenied, pid, k.clock.Now())
		evt.Data = map[string]any{"operation": string(op), "reason": reason}
		k.emitEvent(evt)
	}
	k.priorities = NewPriorityManager(k.table, logger)
	k.priorities.onRaise = k.requeueBoosted
	k.scheduler = newScheduler(k, config.Scheduler, config.Workers)
	k.supervisor = newSupervisor(k, config.Supervisor)
	k.hibernation = newHibernationManager(k, config.Hibernation)
	k.coldStart = newColdStartOptimizer(k, config.ColdStart)
	k.startedAt = k.clock.Now()
	k.registerGauges()

	if logger != nil {
		logger.Info("kernel_initialized",
			"instance_id", k.table.InstanceID(),
			"workers", k.scheduler.Workers(),
			"max_processes", config.MaxProcesses,
			"max_memory_bytes", config.MaxMemoryBytes,
			"hibernation_enabled", config.Hibernation.Enabled,
		)
	}
	return k, nil
}

func (k *Kernel) registerGauges() {
	m := k.metrics
	rq := k.scheduler.rq
	m.RegisterGauge("processes_live", func() float64 { return float64(k.resources.LiveProcesses()) })
	m.RegisterGauge("processes_hot", func() float64 { return float64(k.hot.Load()) })
	m.RegisterGauge("processes_hibernated", func() float64 { return float64(k.cold.Load()) })
	m.RegisterGauge("run_queue_depth", func() float64 { return float64(rq.TotalLen()) })
	m.RegisterGauge("realtime_queue_depth", func() float64 { return float64(rq.RealtimeLen()) })
	m.RegisterGauge("injector_queue_depth", func() float64 { return float64(rq.InjectorLen()) })
	m.RegisterGauge("load_imbalance", func() float64 { return float64(rq.Imbalance()) })
	m.RegisterGauge("memory_in_use_bytes", func() float64 { return float64(k.resources.MemoryInUse()) })
	m.RegisterGauge("memory_pressure_ratio", k.resources.PressureRatio)
	m.RegisterGauge("arena_in_use_bytes", func() float64 { return float64(k.resources.Arena().InUse()) })
	m.RegisterGauge("arena_capacity_bytes", func() float64 { return float64(k.resources.Arena().Capacity()) })
	m.RegisterGauge("context_pool_available", func() float64 { return float64(k.coldStart.Available()) })
	m.RegisterGauge("pending_wakes", func() float64 { return float64(k.hibernation.PendingWakes()) })
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Config returns the effective configuration.
func (k *Kernel) Config() *KernelConfig { return k.config }

// Table returns the process table.
func (k *Kernel) Table() *ProcessTable { return k.table }

// Units returns the compiled unit registry.
func (k *Kernel) Units() *UnitRegistry { return k.units }

// Resources returns the resource pool.
func (k *Kernel) Resources() *ResourcePool { return k.resources }

// Security returns the security monitor.
func (k *Kernel) Security() *SecurityMonitor { return k.security }

// Priorities returns the priority inheritance manager.
func (k *Kernel) Priorities() *PriorityManager { return k.priorities }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *Scheduler { return k.scheduler }

// Supervisor returns the supervision tree.
func (k *Kernel) Supervisor() *Supervisor { return k.supervisor }

// Hibernation returns the hibernation manager.
func (k *Kernel) Hibernation() *HibernationManager { return k.hibernation }

// ColdStart returns the cold start optimizer.
func (k *Kernel) ColdStart() *ColdStartOptimizer { return k.coldStart }

// Metrics returns the metrics collector.
func (k *Kernel) Metrics() *MetricsCollector { return k.metrics }

// Store returns the snapshot store.
func (k *Kernel) Store() snapshot.Store { return k.store }

// Clock returns the kernel time source.
func (k *Kernel) Clock() clock.PassiveClock { return k.clock }

// =============================================================================
// Process Lifecycle
// =============================================================================

// Spawn starts a process running unit. It fails with ErrResourceExhausted
// when a process-wide ceiling is already reached.
func (k *Kernel) Spawn(unit *CompiledUnit, opts SpawnOptions) (PID, error) {
	return k.spawn(NoPID, -1, unit, opts)
}

// SpawnUnit spawns a process from a unit registered by ID.
func (k *Kernel) SpawnUnit(unitID string, opts SpawnOptions) (PID, error) {
	unit, ok := k.units.Lookup(unitID)
	if !ok {
		return NoPID, fmt.Errorf("unit %q: %w", unitID, ErrNotFound)
	}
	return k.spawn(NoPID, -1, unit, opts)
}

// spawn creates, registers and queues a process. worker is the worker the
// caller runs on, or -1 outside the scheduler.
func (k *Kernel) spawn(parent PID, worker int, unit *CompiledUnit, opts SpawnOptions) (PID, error) {
	if k.stopping.Load() {
		return NoPID, ErrKernelStopped
	}
	if unit == nil {
		return NoPID, errors.New("spawn requires a compiled unit")
	}
	now := k.clock.Now()

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	tier := opts.Tier
	if tier == "" {
		tier = k.security.DefaultTier()
	}
	if parent != NoPID {
		ppcb, err := k.table.Lookup(parent)
		if err != nil {
			return NoPID, err
		}
		if opts.Tier == "" && ppcb.tier.rank() > tier.rank() {
			tier = ppcb.tier
		}
		if err := k.security.AuthorizeSpawn(parent, ppcb.tier, tier); err != nil {
			return NoPID, err
		}
	}
	if opts.Supervisor != NoPID {
		if st, err := k.Status(opts.Supervisor); err != nil || st.State == ProcessStateTerminated {
			return NoPID, fmt.Errorf("supervisor %s: %w", opts.Supervisor, ErrNotFound)
		}
	}

	quota := k.security.QuotaFor(tier, opts.Quota.WithDefaults(k.config.DefaultQuota))
	canonical, err := k.units.acquire(unit)
	if err != nil {
		return NoPID, err
	}

	pid := k.table.NextPID()
	if err := k.resources.Admit(pid, quota, now); err != nil {
		k.units.release(canonical.ID)
		var re *ResourceError
		if errors.As(err, &re) {
			k.emitEvent(ResourceExhaustedEvent(pid, re.Resource, re.Requested, re.Limit, now))
		}
		if k.logger != nil {
			k.logger.Warn("spawn_rejected", "unit_id", canonical.ID, "error", err.Error())
		}
		return NoPID, fmt.Errorf("failed to spawn %q: %w", canonical.ID, err)
	}

	if opts.restartOf != nil && !k.supervisor.rebind(opts.restartOf, pid) {
		k.resources.Release(pid)
		k.units.release(canonical.ID)
		return NoPID, fmt.Errorf("supervisor %s: %w", opts.Supervisor, ErrNotFound)
	}

	pcb := newPCB(pid, parent, canonical, priority, tier, quota, now)
	pcb.trapExit = opts.TrapExit
	pcb.supervisor = opts.Supervisor
	if opts.Supervisor != NoPID {
		pcb.restartPolicy = opts.RestartPolicy
		if pcb.restartPolicy == "" {
			pcb.restartPolicy = RestartPermanent
		}
	}
	region, _ := k.coldStart.AcquireContext(k.config.ColdStart.InitialContextSize)
	pcb.exec = &ExecContext{
		Region:   region,
		pid:      pid,
		unit:     canonical,
		mailbox:  pcb.mailbox,
		maxDepth: quota.MaxRecursionDepth,
		worker:   -1,
		backing:  region,
		k:        k,
	}
	k.table.Register(pcb)
	k.hot.Add(1)

	if opts.Supervision != nil {
		k.supervisor.configure(pid, *opts.Supervision)
	}
	if opts.Supervisor != NoPID && opts.restartOf == nil {
		k.supervisor.adopt(opts.Supervisor, pid, ChildSpec{Unit: canonical, Options: opts})
	}
	for _, peer := range opts.LinkTo {
		if err := k.Link(pid, peer); err != nil && k.logger != nil {
			k.logger.Warn("spawn_link_failed", "pid", uint64(pid), "peer", uint64(peer), "error", err.Error())
		}
	}

	pcb.mu.Lock()
	_ = pcb.transitionLocked(ProcessStateReady)
	k.enqueueLocked(pcb, worker, true)
	pcb.mu.Unlock()

	k.metrics.spawns.Add(1)
	k.emitEvent(ProcessSpawnedEvent(pid, parent, canonical.ID, priority, tier, now))
	if k.logger != nil {
		k.logger.Debug("process_spawned",
			"pid", uint64(pid),
			"parent", uint64(parent),
			"unit_id", canonical.ID,
			"priority", string(priority),
			"tier", string(tier),
		)
	}
	return pid, nil
}

// enqueueLocked queues a Ready process at its effective priority. Any entry
// queued earlier for the same process is superseded. Caller holds pcb.mu.
func (k *Kernel) enqueueLocked(pcb *ProcessControlBlock, worker int, front bool) {
	pcb.runSeq++
	pcb.runBand = pcb.EffectivePriority().Band()
	k.scheduler.rq.Push(worker, runEntry{
		pid:        pcb.pid,
		band:       pcb.runBand,
		seq:        pcb.runSeq,
		enqueuedAt: k.clock.Now(),
	}, front)
}

// requeueBoosted moves a queued process whose inherited priority now
// outranks the band it was queued at.
func (k *Kernel) requeueBoosted(pid PID) {
	pcb, ok := k.table.Get(pid)
	if !ok {
		return
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	if pcb.state != ProcessStateReady {
		return
	}
	band := pcb.EffectivePriority().Band()
	if band >= pcb.runBand {
		return
	}
	k.enqueueLocked(pcb, pcb.lastWorker, true)
	if k.logger != nil {
		k.logger.Debug("priority_requeued", "pid", uint64(pid), "band", band)
	}
}

// Exit terminates pid with reason. A process in the middle of a step, a
// capture or a restore finishes that first and then exits.
func (k *Kernel) Exit(pid PID, reason ExitReason) error {
	if reason == "" {
		reason = ExitKilled
	}
	pcb, err := k.table.Lookup(pid)
	if err != nil {
		return err
	}
	pcb.mu.Lock()
	switch pcb.state {
	case ProcessStateTerminated:
		pcb.mu.Unlock()
		return nil
	case ProcessStateRunning, ProcessStateHibernating, ProcessStateResuming:
		pcb.requestExitLocked(reason)
		pcb.mu.Unlock()
		return nil
	}
	notice := k.terminateLocked(pcb, reason)
	pcb.mu.Unlock()
	k.finishExit(notice)
	return nil
}

// exitNotice carries what finishExit needs once the PCB lock is released.
type exitNotice struct {
	pcb      *ProcessControlBlock
	reason   ExitReason
	from     ProcessState
	links    []PID
	watchers []PID
	exec     *ExecContext
	cold     *coldHandle
	at       time.Time
}

// terminateLocked moves pcb to Terminated and detaches everything it holds.
// Caller holds pcb.mu and must call finishExit after releasing it.
func (k *Kernel) terminateLocked(pcb *ProcessControlBlock, reason ExitReason) exitNotice {
	n := exitNotice{
		pcb:      pcb,
		reason:   reason,
		from:     pcb.state,
		links:    pidSet(pcb.links),
		watchers: pidSet(pcb.watchers),
		exec:     pcb.exec,
		cold:     pcb.cold,
		at:       k.clock.Now(),
	}
	_ = pcb.transitionLocked(ProcessStateTerminated)
	pcb.exitReason = reason
	pcb.exitPending = ""
	pcb.terminatedAt = n.at
	pcb.links = make(map[PID]struct{})
	pcb.watchers = make(map[PID]struct{})
	pcb.exec = nil
	pcb.cold = nil
	pcb.mailbox.Close()
	if n.exec != nil {
		k.hot.Add(-1)
	}
	if n.cold != nil {
		k.cold.Add(-1)
	}
	return n
}

// finishExit releases a terminated process's resources and notifies its
// links, monitors and supervisor.
func (k *Kernel) finishExit(n exitNotice) {
	pcb := n.pcb
	pid := pcb.pid

	if n.exec != nil {
		k.coldStart.ReleaseContext(n.exec.backing)
	}
	if n.cold != nil {
		k.hibernation.discard(context.Background(), n.cold.key)
	}
	k.resources.Release(pid)
	k.priorities.ReleaseAll(pid)
	if pcb.unit != nil {
		k.units.release(pcb.unit.ID)
	}

	k.metrics.exits.Add(1)
	if n.reason.IsAbnormal() && n.reason != ExitKilled {
		k.metrics.crashes.Add(1)
	}
	k.emitEvent(ProcessStateChangedEvent(pid, n.from, ProcessStateTerminated, n.at))
	k.emitEvent(ProcessExitedEvent(pid, n.reason, n.at))
	if k.logger != nil {
		if n.reason.IsAbnormal() {
			k.logger.Warn("process_exited", "pid", uint64(pid), "reason", string(n.reason), "from", string(n.from))
		} else {
			k.logger.Debug("process_exited", "pid", uint64(pid), "reason", string(n.reason), "from", string(n.from))
		}
	}

	for _, peer := range n.links {
		k.signalLinked(pid, peer, n.reason)
	}
	for _, w := range n.watchers {
		k.deliverSignal(w, signalMessage(MessageDown, pid, n.reason, n.at))
	}
	k.supervisor.handleExit(pid, n.reason)

	pcb.mu.Lock()
	pcb.released = true
	pcb.mu.Unlock()
}

// signalLinked delivers an exit signal from a dead process to peer. A
// trapping peer gets a MessageExit; any other peer dies with the same
// reason unless the exit was normal.
func (k *Kernel) signalLinked(from, peer PID, reason ExitReason) {
	pcb, ok := k.table.Get(peer)
	if !ok {
		return
	}
	pcb.mu.Lock()
	delete(pcb.links, from)
	if pcb.state == ProcessStateTerminated {
		pcb.mu.Unlock()
		return
	}
	trap := pcb.trapExit
	pcb.mu.Unlock()

	switch {
	case trap:
		k.deliverSignal(peer, signalMessage(MessageExit, from, reason, k.clock.Now()))
	case reason.IsAbnormal():
		_ = k.Exit(peer, reason)
	}
}

// deliverSignal hands an exit or down signal to to. Signals bypass the
// mailbox capacity, so only a recipient that is already gone can refuse one.
func (k *Kernel) deliverSignal(to PID, msg Message) {
	err := k.deliver(msg.From, to, msg, -1)
	if err != nil && !errors.Is(err, ErrNotFound) && k.logger != nil {
		k.logger.Warn("signal_dropped", "pid", uint64(to), "from", uint64(msg.From), "kind", msg.Kind.String(), "error", err.Error())
	}
}

// =============================================================================
// Messaging
// =============================================================================

func userMessage(from PID, payload []byte, at time.Time) Message {
	return Message{ID: uuid.NewString(), Kind: MessageUser, From: from, Payload: payload, SentAt: at}
}

func signalMessage(kind MessageKind, from PID, reason ExitReason, at time.Time) Message {
	return Message{ID: uuid.NewString(), Kind: kind, From: from, Reason: reason, SentAt: at}
}

// Send delivers payload to pid from outside any process. A hibernated
// recipient is resumed before Send returns.
func (k *Kernel) Send(to PID, payload []byte) error {
	return k.deliver(NoPID, to, userMessage(NoPID, payload, k.clock.Now()), -1)
}

// SendFrom delivers payload on behalf of from, typically a port.
func (k *Kernel) SendFrom(from, to PID, payload []byte) error {
	if err := k.authorize(from, OpSend); err != nil {
		return err
	}
	return k.deliver(from, to, userMessage(from, payload, k.clock.Now()), -1)
}

// deliver enqueues msg and makes the recipient runnable. worker is the
// sending worker, or -1 outside the scheduler.
func (k *Kernel) deliver(from, to PID, msg Message, worker int) error {
	pcb, ok := k.table.Get(to)
	if !ok {
		k.metrics.messagesRejected.Add(1)
		return notFound(to)
	}

	pcb.mu.Lock()
	if pcb.state == ProcessStateTerminated {
		pcb.mu.Unlock()
		k.metrics.messagesRejected.Add(1)
		return notFound(to)
	}
	if err := pcb.mailbox.Enqueue(msg); err != nil {
		pcb.mu.Unlock()
		k.metrics.messagesRejected.Add(1)
		if errors.Is(err, ErrMailboxClosed) {
			return notFound(to)
		}
		return fmt.Errorf("failed to deliver to %s: %w", to, err)
	}
	k.metrics.messagesSent.Add(1)

	resume := false
	switch pcb.state {
	case ProcessStateWaiting:
		if !pcb.port {
			_ = pcb.transitionLocked(ProcessStateReady)
			k.enqueueLocked(pcb, worker, false)
		}
	case ProcessStateHibernated:
		resume = true
	}
	pcb.mu.Unlock()

	if !resume {
		return nil
	}
	if worker >= 0 {
		// A worker must not block on snapshot I/O.
		SafeGo(k.logger, "resume_on_message", func() {
			k.resumeOnMessage(to)
		}, nil)
		return nil
	}
	k.resumeOnMessage(to)
	return nil
}

func (k *Kernel) resumeOnMessage(pid PID) {
	if err := k.coldStart.Resume(context.Background(), pid); err != nil && k.logger != nil {
		k.logger.Warn("resume_on_message_failed", "pid", uint64(pid), "error", err.Error())
	}
}

// authorize checks op for pid. The kernel itself (NoPID) may do anything.
func (k *Kernel) authorize(pid PID, op Operation) error {
	if pid == NoPID {
		return nil
	}
	return k.security.Authorize(pid, op)
}

// =============================================================================
// Links and Monitors
// =============================================================================

// lockPair locks two PCBs in PID order.
func lockPair(a, b *ProcessControlBlock) func() {
	if b.pid < a.pid {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Link joins a and b so that an abnormal exit of either signals the other.
func (k *Kernel) Link(a, b PID) error {
	if a == b {
		return nil
	}
	pa, err := k.table.Lookup(a)
	if err != nil {
		return err
	}
	pb, err := k.table.Lookup(b)
	if err != nil {
		return err
	}
	unlock := lockPair(pa, pb)
	defer unlock()
	if pa.state == ProcessStateTerminated {
		return notFound(a)
	}
	if pb.state == ProcessStateTerminated {
		return notFound(b)
	}
	pa.links[b] = struct{}{}
	pb.links[a] = struct{}{}
	return nil
}

// Unlink removes the link between a and b.
func (k *Kernel) Unlink(a, b PID) error {
	pa, err := k.table.Lookup(a)
	if err != nil {
		return err
	}
	pb, err := k.table.Lookup(b)
	if err != nil {
		return err
	}
	unlock := lockPair(pa, pb)
	defer unlock()
	delete(pa.links, b)
	delete(pb.links, a)
	return nil
}

// Monitor makes watcher receive a MessageDown when target exits. Monitoring a
// process that is already gone delivers the down message immediately with
// reason noproc.
func (k *Kernel) Monitor(watcher, target PID) error {
	if _, err := k.table.Lookup(watcher); err != nil {
		return err
	}
	if pcb, ok := k.table.Get(target); ok {
		pcb.mu.Lock()
		if pcb.state != ProcessStateTerminated {
			pcb.watchers[watcher] = struct{}{}
			pcb.mu.Unlock()
			return nil
		}
		pcb.mu.Unlock()
	}
	return k.deliver(target, watcher, signalMessage(MessageDown, target, ExitNoProc, k.clock.Now()), -1)
}

// Demonitor cancels a monitor.
func (k *Kernel) Demonitor(watcher, target PID) error {
	pcb, err := k.table.Lookup(target)
	if err != nil {
		return err
	}
	pcb.mu.Lock()
	delete(pcb.watchers, watcher)
	pcb.mu.Unlock()
	return nil
}

// SetTrapExit turns exit signals from links into MessageExit messages.
func (k *Kernel) SetTrapExit(pid PID, trap bool) error {
	pcb, err := k.table.Lookup(pid)
	if err != nil {
		return err
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	if pcb.state == ProcessStateTerminated {
		return notFound(pid)
	}
	pcb.trapExit = trap
	return nil
}

// =============================================================================
// Status, Hibernation and Wake
// =============================================================================

// Status returns a view of pid. Terminated processes are reported with
// their reason until they are reaped.
func (k *Kernel) Status(pid PID) (ProcessStatus, error) {
	pcb, err := k.table.Lookup(pid)
	if err != nil {
		return ProcessStatus{}, err
	}
	pcb.mu.Lock()
	st := pcb.statusLocked()
	pcb.mu.Unlock()
	if usage, ok := k.resources.Usage(pid); ok {
		st.Usage = usage
	}
	return st, nil
}

// Hibernate captures a Waiting process into a snapshot now.
func (k *Kernel) Hibernate(ctx context.Context, pid PID) error {
	return k.hibernation.Hibernate(ctx, pid)
}

// Wake resumes a hibernated process without waiting for a message.
func (k *Kernel) Wake(ctx context.Context, pid PID) error {
	return k.coldStart.Resume(ctx, pid)
}

// ScheduleWake resumes pid at or after at.
func (k *Kernel) ScheduleWake(pid PID, at time.Time) error {
	if _, err := k.table.Lookup(pid); err != nil {
		return err
	}
	k.hibernation.ScheduleWake(pid, at)
	return nil
}

// Sweep runs one hibernation sweep.
func (k *Kernel) Sweep(ctx context.Context) (SweepResult, error) {
	return k.hibernation.Sweep(ctx)
}

// MetricsSnapshot returns every counter and gauge by name.
func (k *Kernel) MetricsSnapshot() map[string]float64 {
	return k.metrics.Snapshot()
}

// =============================================================================
// Running
// =============================================================================

// Tick runs one scheduling turn on worker synchronously.
func (k *Kernel) Tick(worker int) (bool, error) {
	if worker < 0 || worker >= k.scheduler.Workers() {
		return false, fmt.Errorf("worker %d out of range [0, %d)", worker, k.scheduler.Workers())
	}
	return k.scheduler.Tick(worker)
}

// RunUntilIdle ticks every worker round-robin until no worker finds work or
// maxTicks turns have run. It returns the number of quanta executed.
func (k *Kernel) RunUntilIdle(maxTicks int) (int, error) {
	ran := 0
	for ran < maxTicks {
		progress := false
		for w := 0; w < k.scheduler.Workers() && ran < maxTicks; w++ {
			ok, err := k.scheduler.Tick(w)
			if err != nil {
				return ran, err
			}
			if ok {
				ran++
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	return ran, nil
}

// Start runs the worker pool and the maintenance loop until Shutdown.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopping.Load() {
		return ErrKernelStopped
	}
	if k.running {
		return errors.New("kernel already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.running = true
	// Not WithContext: one worker stopping on an invariant violation must not
	// take the others down; the error is reported by Shutdown.
	k.group = &errgroup.Group{}
	for w := 0; w < k.scheduler.Workers(); w++ {
		w := w
		k.group.Go(func() error { return k.scheduler.run(ctx, w) })
	}
	k.group.Go(func() error { return k.runMaintenance(ctx) })

	if k.logger != nil {
		k.logger.Info("kernel_started", "workers", k.scheduler.Workers())
	}
	return nil
}

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the collected errors for errors.Is/As.
func (e *ShutdownError) Unwrap() []error {
	return e.Errors
}

// Shutdown stops the workers, terminates every remaining process with
// reason shutdown and releases the snapshot arena. Returns a ShutdownError
// if anything failed.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}
	k.stopping.Store(true)

	k.mu.Lock()
	cancel, group := k.cancel, k.group
	k.running = false
	alreadyClosed := k.closed
	k.closed = true
	k.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	var errs error
	if cancel != nil {
		cancel()
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err := <-done:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
		}
	}

	for _, pcb := range k.table.List(nil) {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			break
		}
		if err := k.Exit(pcb.pid, ExitShutdown); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to terminate %s: %w", pcb.pid, err))
		}
	}

	k.sealer.Close()
	if err := k.resources.Arena().Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to release snapshot arena: %w", err))
	}

	all := multierr.Errors(errs)
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(all))
	}
	if len(all) > 0 {
		return &ShutdownError{Errors: all}
	}
	return nil
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers an event handler.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// SystemStatus is an overview of the kernel.
type SystemStatus struct {
	InstanceID  string               `json:"instance_id"`
	StartedAt   time.Time            `json:"started_at"`
	Uptime      time.Duration        `json:"uptime"`
	Running     bool                 `json:"running"`
	Workers     int                  `json:"workers"`
	Processes   map[ProcessState]int `json:"processes"`
	Resources   SystemUsage          `json:"resources"`
	QueueDepth  int                  `json:"queue_depth"`
	Hibernated  int64                `json:"hibernated"`
	PendingWake int                  `json:"pending_wake"`
}

// GetSystemStatus returns overall system status.
func (k *Kernel) GetSystemStatus() SystemStatus {
	k.mu.Lock()
	running := k.running
	k.mu.Unlock()
	return SystemStatus{
		InstanceID:  k.table.InstanceID(),
		StartedAt:   k.startedAt,
		Uptime:      k.clock.Since(k.startedAt),
		Running:     running,
		Workers:     k.scheduler.Workers(),
		Processes:   k.table.CountByState(),
		Resources:   k.resources.GetSystemUsage(),
		QueueDepth:  k.scheduler.rq.TotalLen(),
		Hibernated:  k.cold.Load(),
		PendingWake: k.hibernation.PendingWakes(),
	}
}
