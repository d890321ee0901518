package kernel

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
)

// =============================================================================
// Hibernation Policy
// =============================================================================

// UnitHibernationPolicy overrides the global policy for one compiled unit.
type UnitHibernationPolicy struct {
	IdleThreshold time.Duration `json:"idle_threshold" yaml:"idle_threshold"`
	Never         bool          `json:"never" yaml:"never"`
}

// HibernationConfig decides when idle processes move to cold storage.
type HibernationConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	IdleThreshold time.Duration `json:"idle_threshold" yaml:"idle_threshold"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	MaxPerSweep   int           `json:"max_per_sweep" yaml:"max_per_sweep"`
	// Above MemoryPressureRatio of the memory ceiling, sweeps use
	// PressureIdleThreshold and may hibernate twice as many processes.
	MemoryPressureRatio   float64        `json:"memory_pressure_ratio" yaml:"memory_pressure_ratio"`
	PressureIdleThreshold time.Duration  `json:"pressure_idle_threshold" yaml:"pressure_idle_threshold"`
	Codec                 snapshot.Codec `json:"codec" yaml:"codec"`
	// MaxSnapshotBytes bounds the inflated size of any snapshot. Zero means unbounded.
	MaxSnapshotBytes uint64                           `json:"max_snapshot_bytes" yaml:"max_snapshot_bytes"`
	Overrides        map[string]UnitHibernationPolicy `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultHibernationConfig returns default hibernation configuration.
func DefaultHibernationConfig() *HibernationConfig {
	return &HibernationConfig{
		Enabled:               true,
		IdleThreshold:         30 * time.Second,
		SweepInterval:         5 * time.Second,
		MaxPerSweep:           64,
		MemoryPressureRatio:   0.85,
		PressureIdleThreshold: 5 * time.Second,
		Codec:                 snapshot.CodecZstd,
		MaxSnapshotBytes:      256 << 20,
	}
}

// SweepTrigger names why a sweep ran.
type SweepTrigger string

const (
	TriggerIdle     SweepTrigger = "idle"
	TriggerPressure SweepTrigger = "memory_pressure"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Trigger    SweepTrigger `json:"trigger"`
	Considered int          `json:"considered"`
	Hibernated int          `json:"hibernated"`
	Aborted    int          `json:"aborted"`
	Failed     int          `json:"failed"`
}

// =============================================================================
// Candidate selection
// =============================================================================

type hibernationCandidate struct {
	pid   PID
	score float64
}

// candidateHeap is a min-heap on score; it keeps the best N seen so far.
type candidateHeap []hibernationCandidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(hibernationCandidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// =============================================================================
// Wake triggers
// =============================================================================

type wakeItem struct {
	pid PID
	at  time.Time
}

type wakeQueue []wakeItem

func (q wakeQueue) Len() int           { return len(q) }
func (q wakeQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q wakeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *wakeQueue) Push(x any)        { *q = append(*q, x.(wakeItem)) }
func (q *wakeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// =============================================================================
// Hibernation Manager
// =============================================================================

// HibernationManager moves idle Waiting processes to snapshots and keeps the
// scheduled wake triggers.
type HibernationManager struct {
	k      *Kernel
	config *HibernationConfig

	wakeMu sync.Mutex
	wakes  wakeQueue
}

func newHibernationManager(k *Kernel, config *HibernationConfig) *HibernationManager {
	if config == nil {
		config = DefaultHibernationConfig()
	}
	return &HibernationManager{k: k, config: config}
}

// Config returns the active policy.
func (h *HibernationManager) Config() *HibernationConfig {
	return h.config
}

func (h *HibernationManager) idleThreshold(unit *CompiledUnit, pressure bool) (time.Duration, bool) {
	threshold := h.config.IdleThreshold
	if pressure && h.config.PressureIdleThreshold > 0 {
		threshold = h.config.PressureIdleThreshold
	}
	if unit != nil {
		if o, ok := h.config.Overrides[unit.ID]; ok {
			if o.Never {
				return 0, false
			}
			if o.IdleThreshold > 0 {
				threshold = o.IdleThreshold
			}
		}
	}
	return threshold, true
}

// hibernatableLocked reports whether pcb can be captured at all. Caller holds mu.
func hibernatableLocked(pcb *ProcessControlBlock) bool {
	return pcb.state == ProcessStateWaiting &&
		!pcb.port &&
		pcb.exec != nil &&
		pcb.exitPending == "" &&
		pcb.mailbox.IsEmpty()
}

// scoreLocked returns the eviction score of an idle process: the longer idle
// and the larger, the better a candidate. Real-time processes never qualify.
// Caller holds mu.
func (h *HibernationManager) scoreLocked(pcb *ProcessControlBlock, now time.Time, pressure bool) (float64, bool) {
	if !hibernatableLocked(pcb) || pcb.base == PriorityRealtime {
		return 0, false
	}
	threshold, ok := h.idleThreshold(pcb.unit, pressure)
	if !ok {
		return 0, false
	}
	idle := now.Sub(pcb.lastActivity)
	if idle < threshold {
		return 0, false
	}
	footprint := int64(len(pcb.exec.Region)) + 1
	if usage, ok := h.k.resources.Usage(pcb.pid); ok && usage.MemoryBytes > footprint {
		footprint = usage.MemoryBytes
	}
	return idle.Seconds() * float64(footprint), true
}

// Candidates returns up to limit eligible processes, best first.
func (h *HibernationManager) Candidates(now time.Time, pressure bool, limit int) []PID {
	if limit <= 0 {
		return nil
	}
	waiting := ProcessStateWaiting
	best := make(candidateHeap, 0, limit)
	for _, pcb := range h.k.table.List(&waiting) {
		pcb.mu.Lock()
		score, ok := h.scoreLocked(pcb, now, pressure)
		pcb.mu.Unlock()
		if !ok {
			continue
		}
		if best.Len() < limit {
			heap.Push(&best, hibernationCandidate{pid: pcb.pid, score: score})
		} else if score > best[0].score {
			best[0] = hibernationCandidate{pid: pcb.pid, score: score}
			heap.Fix(&best, 0)
		}
	}
	out := make([]PID, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&best).(hibernationCandidate).pid
	}
	return out
}

// Sweep hibernates the best idle candidates.
func (h *HibernationManager) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Trigger: TriggerIdle}
	if !h.config.Enabled {
		return res, nil
	}
	limit := h.config.MaxPerSweep
	pressure := h.config.MemoryPressureRatio > 0 && h.k.resources.PressureRatio() >= h.config.MemoryPressureRatio
	if pressure {
		res.Trigger = TriggerPressure
		limit *= 2
	}

	var errs error
	for _, pid := range h.Candidates(h.k.clock.Now(), pressure, limit) {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		res.Considered++
		switch err := h.Hibernate(ctx, pid); {
		case err == nil:
			res.Hibernated++
		case errors.Is(err, ErrNotEligible):
			res.Aborted++
		default:
			res.Failed++
			errs = multierr.Append(errs, err)
		}
	}

	if h.k.logger != nil && res.Considered > 0 {
		h.k.logger.Info("hibernation_sweep_completed",
			"trigger", string(res.Trigger),
			"considered", res.Considered,
			"hibernated", res.Hibernated,
			"aborted", res.Aborted,
			"failed", res.Failed,
		)
	}
	return res, errs
}

var errHibernationAborted = fmt.Errorf("hibernation aborted: %w", ErrNotEligible)

// Hibernate captures a Waiting process into a sealed snapshot and frees its
// hot context. A message or kill that races the capture aborts it.
func (h *HibernationManager) Hibernate(ctx context.Context, pid PID) error {
	k := h.k
	pcb, err := k.table.Lookup(pid)
	if err != nil {
		return err
	}

	pcb.mu.Lock()
	if !hibernatableLocked(pcb) {
		pcb.mu.Unlock()
		return ErrNotEligible
	}
	_ = pcb.transitionLocked(ProcessStateHibernating)
	exec := pcb.exec
	msgs := pcb.mailbox.Snapshot()
	quantum := pcb.quantum
	pcb.mu.Unlock()

	ctx, span := k.tracer.Start(ctx, "kernel.hibernate", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()

	key, header, err := h.capture(ctx, pcb, exec, msgs, quantum)

	pcb.mu.Lock()
	switch {
	case err != nil:
		k.metrics.hibernationFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.abortLocked(pcb)
		pcb.mu.Unlock()
		if k.logger != nil {
			k.logger.Warn("hibernation_failed", "pid", uint64(pid), "error", err.Error())
		}
		return fmt.Errorf("failed to hibernate %s: %w", pid, err)

	case pcb.exitPending != "":
		notice := k.terminateLocked(pcb, pcb.exitPending)
		pcb.mu.Unlock()
		k.finishExit(notice)
		h.discard(ctx, key)
		return errHibernationAborted

	case pcb.mailbox.Len() > len(msgs):
		k.metrics.hibernationAborts.Add(1)
		h.abortLocked(pcb)
		pcb.mu.Unlock()
		h.discard(ctx, key)
		return errHibernationAborted
	}

	now := k.clock.Now()
	pcb.mailbox.Drain(len(msgs))
	pcb.exec = nil
	pcb.cold = &coldHandle{key: key, header: header, hibernatedAt: now}
	_ = pcb.transitionLocked(ProcessStateHibernated)
	freed := k.resources.Park(pid)
	k.hot.Add(-1)
	k.cold.Add(1)
	pcb.mu.Unlock()

	k.coldStart.ReleaseContext(exec.backing)
	k.metrics.hibernations.Add(1)
	k.metrics.snapshotRawBytes.Add(header.UncompressedSize)
	k.metrics.snapshotSealedBytes.Add(header.CompressedSize)

	evt := NewKernelEvent(KernelEventProcessHibernated, pid, now)
	evt.Data = map[string]any{
		"raw_bytes":    header.UncompressedSize,
		"sealed_bytes": header.CompressedSize,
		"freed_bytes":  freed,
	}
	k.emitEvent(evt)

	if k.logger != nil {
		k.logger.Debug("process_hibernated",
			"pid", uint64(pid),
			"raw_bytes", header.UncompressedSize,
			"sealed_bytes", header.CompressedSize,
			"codec", h.config.Codec.String(),
		)
	}
	return nil
}

// capture encodes, seals and stores the process image.
func (h *HibernationManager) capture(ctx context.Context, pcb *ProcessControlBlock, exec *ExecContext, msgs []Message, quantum Budget) (string, snapshot.Header, error) {
	k := h.k
	img := &processImage{
		UnitID:         pcb.unit.ID,
		RecursionDepth: exec.depth,
		Quantum:        quantum,
		Messages:       msgs,
		Region:         exec.Region,
	}
	if usage, ok := k.resources.Usage(pcb.pid); ok {
		img.MemoryBytes = usage.MemoryBytes
	}

	arena := k.resources.Arena()
	buf, err := arena.Acquire(img.size())
	if err != nil {
		return "", snapshot.Header{}, err
	}
	sealed, header, err := k.sealer.Seal(uint64(pcb.pid), h.config.Codec, img.encode(buf))
	arena.Release(buf)
	if err != nil {
		return "", header, err
	}

	key := fmt.Sprintf("%s-%d", k.table.InstanceID(), uint64(pcb.pid))
	if err := k.store.Put(ctx, key, sealed); err != nil {
		return "", header, err
	}
	return key, header, nil
}

// abortLocked returns a Hibernating process to where it was. Caller holds mu.
func (h *HibernationManager) abortLocked(pcb *ProcessControlBlock) {
	_ = pcb.transitionLocked(ProcessStateWaiting)
	if !pcb.mailbox.IsEmpty() {
		_ = pcb.transitionLocked(ProcessStateReady)
		h.k.enqueueLocked(pcb, pcb.lastWorker, true)
	}
}

func (h *HibernationManager) discard(ctx context.Context, key string) {
	if err := h.k.store.Delete(ctx, key); err != nil && h.k.logger != nil {
		h.k.logger.Warn("snapshot_delete_failed", "key", key, "error", err.Error())
	}
}

// ScheduleWake arranges for pid to be resumed at or after at.
func (h *HibernationManager) ScheduleWake(pid PID, at time.Time) {
	h.wakeMu.Lock()
	defer h.wakeMu.Unlock()
	heap.Push(&h.wakes, wakeItem{pid: pid, at: at})
}

// PendingWakes returns the number of scheduled wake triggers.
func (h *HibernationManager) PendingWakes() int {
	h.wakeMu.Lock()
	defer h.wakeMu.Unlock()
	return h.wakes.Len()
}

// FireDue resumes every process whose wake time has passed.
func (h *HibernationManager) FireDue(ctx context.Context, now time.Time) int {
	var due []PID
	h.wakeMu.Lock()
	for h.wakes.Len() > 0 && !h.wakes[0].at.After(now) {
		due = append(due, heap.Pop(&h.wakes).(wakeItem).pid)
	}
	h.wakeMu.Unlock()

	for _, pid := range due {
		if err := h.k.coldStart.Resume(ctx, pid); err != nil && h.k.logger != nil {
			h.k.logger.Warn("scheduled_wake_failed", "pid", uint64(pid), "error", err.Error())
		}
	}
	return len(due)
}
