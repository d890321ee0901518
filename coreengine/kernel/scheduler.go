package kernel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// =============================================================================
// Scheduler Configuration
// =============================================================================

// SchedulerConfig tunes the worker loops.
type SchedulerConfig struct {
	// StealAttempts is how many random victims an idle worker tries.
	StealAttempts int `json:"steal_attempts" yaml:"steal_attempts"`
	// IdleBackoffInitial and IdleBackoffMax bound how long an idle worker parks.
	IdleBackoffInitial time.Duration `json:"idle_backoff_initial" yaml:"idle_backoff_initial"`
	IdleBackoffMax     time.Duration `json:"idle_backoff_max" yaml:"idle_backoff_max"`
	// StarvationAge is how long an entry may wait before it is promoted one band.
	StarvationAge time.Duration `json:"starvation_age" yaml:"starvation_age"`
	// GlobalQueueInterval is how many ticks pass between forced injector checks.
	GlobalQueueInterval int `json:"global_queue_interval" yaml:"global_queue_interval"`
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		StealAttempts:       4,
		IdleBackoffInitial:  50 * time.Microsecond,
		IdleBackoffMax:      10 * time.Millisecond,
		StarvationAge:       250 * time.Millisecond,
		GlobalQueueInterval: 61,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

const maxRefillBatch = 32

type worker struct {
	id      int
	rng     *rand.Rand
	ticks   uint64
	current atomic.Uint64
}

// Scheduler runs processes on a fixed set of workers. Every Ready process is
// in exactly one queue and every Running process is owned by exactly one
// worker; the owner CAS on the PCB enforces the latter.
type Scheduler struct {
	k       *Kernel
	config  *SchedulerConfig
	rq      *RunQueue
	workers []*worker
}

func newScheduler(k *Kernel, config *SchedulerConfig, workers int) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.GlobalQueueInterval <= 0 {
		config.GlobalQueueInterval = 61
	}
	s := &Scheduler{k: k, config: config, rq: NewRunQueue(workers)}
	for i := 0; i < s.rq.Workers(); i++ {
		s.workers = append(s.workers, &worker{
			id:  i,
			rng: rand.New(rand.NewPCG(uint64(i)+1, uint64(time.Now().UnixNano()))),
		})
	}
	return s
}

// Workers returns the number of workers.
func (s *Scheduler) Workers() int {
	return len(s.workers)
}

// RunQueue exposes the queues for inspection.
func (s *Scheduler) RunQueue() *RunQueue {
	return s.rq
}

// Running returns the process worker w is stepping, or NoPID.
func (s *Scheduler) Running(w int) PID {
	return PID(s.workers[w].current.Load())
}

// next picks the entry worker wk runs next.
func (s *Scheduler) next(wk *worker) (runEntry, bool) {
	k := s.k
	wk.ticks++

	for _, pid := range s.rq.Promote(wk.id, k.clock.Now(), s.config.StarvationAge) {
		if pcb, ok := k.table.Get(pid); ok {
			pcb.aged.Store(true)
		}
		k.metrics.agingPromotions.Add(1)
	}

	if e, ok := s.rq.PopRealtime(); ok {
		return e, true
	}
	if wk.ticks%uint64(s.config.GlobalQueueInterval) == 0 {
		if e, ok := s.rq.PopInjector(); ok {
			return e, true
		}
	}
	if e, ok := s.rq.PopLocal(wk.id); ok {
		return e, true
	}
	if s.rq.Refill(wk.id, s.refillBatch()) > 0 {
		if e, ok := s.rq.PopLocal(wk.id); ok {
			return e, true
		}
	}
	e, ok, tried := s.rq.Steal(wk.id, wk.rng, s.config.StealAttempts)
	k.metrics.stealAttempts.Add(uint64(tried))
	if ok {
		k.metrics.steals.Add(1)
	}
	return e, ok
}

// refillBatch is the share of the injector one idle worker takes at once.
func (s *Scheduler) refillBatch() int {
	n := s.rq.InjectorLen()/len(s.workers) + 1
	if n > maxRefillBatch {
		n = maxRefillBatch
	}
	return n
}

// Tick runs at most one quantum on worker w. It reports whether any queue
// entry was consumed. A non-nil error is an invariant violation and means the
// worker loop must stop.
func (s *Scheduler) Tick(w int) (bool, error) {
	wk := s.workers[w]
	e, ok := s.next(wk)
	if !ok {
		return false, nil
	}
	return true, s.execute(wk, e)
}

// execute runs one quantum of the process behind e.
func (s *Scheduler) execute(wk *worker, e runEntry) error {
	k := s.k
	pcb, ok := k.table.Get(e.pid)
	if !ok {
		return nil
	}

	pcb.mu.Lock()
	if pcb.state != ProcessStateReady || e.seq != pcb.runSeq {
		// Killed while queued, or requeued at a higher band.
		pcb.mu.Unlock()
		return nil
	}
	if !pcb.claim(wk.id) {
		owner := pcb.owner.Load()
		pcb.mu.Unlock()
		return &InvariantError{
			Worker: wk.id,
			PID:    pcb.pid,
			Detail: "process already owned by another worker",
			Diagnostics: map[string]any{
				"owner": owner,
				"state": string(ProcessStateReady),
			},
		}
	}
	exec := pcb.exec
	if exec == nil {
		pcb.unclaim(wk.id)
		pcb.mu.Unlock()
		return &InvariantError{Worker: wk.id, PID: pcb.pid, Detail: "ready process has no execution context"}
	}
	_ = pcb.transitionLocked(ProcessStateRunning)
	pcb.lastWorker = wk.id
	pcb.mu.Unlock()

	exec.worker = wk.id
	wk.current.Store(uint64(pcb.pid))
	outcome, reason, preempted := s.runQuantum(wk, pcb, exec)
	wk.current.Store(0)
	pcb.aged.Store(false)

	pcb.mu.Lock()
	if !pcb.unclaim(wk.id) {
		owner := pcb.owner.Load()
		pcb.mu.Unlock()
		return &InvariantError{
			Worker:      wk.id,
			PID:         pcb.pid,
			Detail:      "ownership changed during quantum",
			Diagnostics: map[string]any{"owner": owner},
		}
	}
	pcb.lastActivity = k.clock.Now()
	if pcb.exitPending != "" {
		reason = pcb.exitPending
		outcome = OutcomeCrashed
	}

	switch outcome {
	case OutcomeCompleted, OutcomeCrashed:
		notice := k.terminateLocked(pcb, reason)
		pcb.mu.Unlock()
		k.finishExit(notice)
		return nil

	case OutcomeWaitingOnMailbox:
		// Re-check under the lock: a sender that saw Running only enqueued.
		if pcb.mailbox.IsEmpty() {
			_ = pcb.transitionLocked(ProcessStateWaiting)
			pcb.mu.Unlock()
			return nil
		}
		_ = pcb.transitionLocked(ProcessStateReady)
		k.enqueueLocked(pcb, wk.id, false)

	default:
		if preempted {
			k.metrics.preemptions.Add(1)
		}
		_ = pcb.transitionLocked(ProcessStateReady)
		k.enqueueLocked(pcb, wk.id, false)
	}
	pcb.mu.Unlock()
	return nil
}

// runQuantum steps the process until it stops, its budget is spent, or a
// more urgent process is waiting.
func (s *Scheduler) runQuantum(wk *worker, pcb *ProcessControlBlock, exec *ExecContext) (Outcome, ExitReason, bool) {
	k := s.k
	budget := pcb.quota.Quantum()

	for {
		if pcb.killFlag.Load() {
			return OutcomeCrashed, "", false
		}

		res := s.step(pcb, exec, budget)

		var overrun bool
		budget, overrun = budget.Consume(res.Instructions, res.CPU)
		pcb.quantum = budget
		if overrun {
			k.metrics.quantumOverruns.Add(1)
			if k.logger != nil {
				k.logger.Warn("quantum_overrun",
					"pid", uint64(pcb.pid),
					"instructions", res.Instructions,
					"cpu_us", res.CPU.Microseconds(),
				)
			}
		}
		k.resources.RecordStep(pcb.pid, res.CPU, res.Instructions)

		if err := k.resources.Charge(pcb.pid, res.MemoryDelta, k.clock.Now()); err != nil {
			k.emitEvent(ResourceExhaustedEvent(pcb.pid, "memory", res.MemoryDelta, pcb.quota.MaxMemoryBytes, k.clock.Now()))
			return OutcomeCrashed, ExitOutOfMemory, false
		}
		if exec.maxDepth > 0 && exec.depth > exec.maxDepth {
			return OutcomeCrashed, ExitStackOverflow, false
		}

		switch res.Outcome {
		case OutcomeContinue:
		case OutcomeCompleted:
			return OutcomeCompleted, ExitNormal, false
		case OutcomeCrashed:
			reason := res.Reason
			if reason == "" {
				reason = CrashReason("step failed")
			}
			return OutcomeCrashed, reason, false
		default:
			return res.Outcome, "", false
		}

		if budget.Exhausted() {
			return OutcomeContinue, "", true
		}
		if res.Instructions == 0 && res.CPU == 0 {
			// No progress; treat as a yield.
			return OutcomeYielded, "", false
		}
		// Inheritance can raise the band mid-quantum.
		if pcb.EffectivePriority().Band() > bandRealtime && s.rq.RealtimeLen() > 0 {
			k.metrics.realtimePreemptions.Add(1)
			return OutcomeContinue, "", true
		}
	}
}

// step calls the engine, converting a panic into a crash.
func (s *Scheduler) step(pcb *ProcessControlBlock, exec *ExecContext, budget Budget) StepResult {
	k := s.k
	before := len(exec.Region)
	res, err := SafeExecuteWithResult(k.logger, "engine_step", func() (StepResult, error) {
		return k.engine.Step(exec, budget), nil
	})
	if err != nil {
		reason := CrashReason(err.Error())
		var pe *PanicError
		if errors.As(err, &pe) {
			reason = CrashReason(fmt.Sprintf("panic: %v", pe.Value))
		}
		return StepResult{
			Outcome:     OutcomeCrashed,
			Reason:      reason,
			MemoryDelta: int64(len(exec.Region) - before),
		}
	}
	return res
}

// run is the worker loop.
func (s *Scheduler) run(ctx context.Context, w int) error {
	k := s.k
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = s.config.IdleBackoffInitial
	idle.MaxInterval = s.config.IdleBackoffMax
	idle.MaxElapsedTime = 0
	idle.Multiplier = 2
	idle.RandomizationFactor = 0.2
	idle.Clock = k.clock
	idle.Reset()

	if k.logger != nil {
		k.logger.Debug("worker_started", "worker", w)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		ran, err := s.Tick(w)
		if err != nil {
			if k.logger != nil {
				k.logger.Error("scheduler_invariant_violated", "worker", w, "error", err.Error())
			}
			return fmt.Errorf("worker %d stopped: %w", w, err)
		}
		if ran {
			idle.Reset()
			continue
		}

		timer := k.clock.NewTimer(idle.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.rq.Wake(w):
			timer.Stop()
			idle.Reset()
		case <-timer.C():
		}
	}
}
