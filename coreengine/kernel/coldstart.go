package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
)

// ColdStartConfig sizes the execution context pool.
type ColdStartConfig struct {
	// SizeClasses are the region buffer sizes kept warm, ascending.
	SizeClasses []int `json:"size_classes" yaml:"size_classes"`
	// PrewarmPerClass is how many buffers each class holds after a refill.
	PrewarmPerClass int `json:"prewarm_per_class" yaml:"prewarm_per_class"`
	// MaxPerClass caps how many released buffers each class keeps.
	MaxPerClass int `json:"max_per_class" yaml:"max_per_class"`
	// InitialContextSize is the region capacity a fresh process starts with.
	InitialContextSize int `json:"initial_context_size" yaml:"initial_context_size"`
}

// DefaultColdStartConfig returns default pool configuration.
func DefaultColdStartConfig() ColdStartConfig {
	return ColdStartConfig{
		SizeClasses:        []int{4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20},
		PrewarmPerClass:    8,
		MaxPerClass:        256,
		InitialContextSize: 4 << 10,
	}
}

type contextClass struct {
	size int
	free chan []byte
}

// ColdStartOptimizer keeps pre-allocated region buffers so spawning and
// resuming rarely touch the allocator, and restores hibernated processes.
type ColdStartOptimizer struct {
	k       *Kernel
	config  ColdStartConfig
	classes []*contextClass
}

func newColdStartOptimizer(k *Kernel, config ColdStartConfig) *ColdStartOptimizer {
	sizes := append([]int(nil), config.SizeClasses...)
	sort.Ints(sizes)
	if config.MaxPerClass <= 0 {
		config.MaxPerClass = DefaultColdStartConfig().MaxPerClass
	}
	c := &ColdStartOptimizer{k: k, config: config}
	for _, size := range sizes {
		if size <= 0 {
			continue
		}
		c.classes = append(c.classes, &contextClass{size: size, free: make(chan []byte, config.MaxPerClass)})
	}
	c.Replenish()
	return c
}

func (c *ColdStartOptimizer) classFor(n int) *contextClass {
	for _, cl := range c.classes {
		if cl.size >= n {
			return cl
		}
	}
	return nil
}

// AcquireContext returns an empty buffer with capacity for at least n bytes.
// hit reports whether it came from the pool.
func (c *ColdStartOptimizer) AcquireContext(n int) (buf []byte, hit bool) {
	cl := c.classFor(n)
	if cl == nil {
		return make([]byte, 0, n), false
	}
	select {
	case b := <-cl.free:
		return b[:0], true
	default:
		return make([]byte, 0, cl.size), false
	}
}

// ReleaseContext zeroes buf and returns it to its class. Buffers that match
// no class are left to the garbage collector.
func (c *ColdStartOptimizer) ReleaseContext(buf []byte) {
	if buf == nil {
		return
	}
	for _, cl := range c.classes {
		if cl.size != cap(buf) {
			continue
		}
		full := buf[:cap(buf)]
		clear(full)
		select {
		case cl.free <- full[:0]:
		default:
		}
		return
	}
}

// Prewarm adds up to n buffers to the class serving size and returns how
// many were added.
func (c *ColdStartOptimizer) Prewarm(size, n int) int {
	cl := c.classFor(size)
	if cl == nil {
		return 0
	}
	added := 0
	for ; added < n; added++ {
		select {
		case cl.free <- make([]byte, 0, cl.size):
		default:
			return added
		}
	}
	return added
}

// Replenish tops every class back up to PrewarmPerClass.
func (c *ColdStartOptimizer) Replenish() int {
	added := 0
	for _, cl := range c.classes {
		if missing := c.config.PrewarmPerClass - len(cl.free); missing > 0 {
			added += c.Prewarm(cl.size, missing)
		}
	}
	return added
}

// Available returns the number of pooled buffers across all classes.
func (c *ColdStartOptimizer) Available() int {
	total := 0
	for _, cl := range c.classes {
		total += len(cl.free)
	}
	return total
}

// =============================================================================
// Resume
// =============================================================================

// restoreExit maps a restore failure to the exit reason it forces. Failures
// that leave the snapshot intact map to "".
func restoreExit(err error) ExitReason {
	switch {
	case errors.Is(err, snapshot.ErrUnsupportedVersion):
		return ExitUnsupportedSnapshot
	case errors.Is(err, snapshot.ErrCorrupted), errors.Is(err, snapshot.ErrNotFound):
		return ExitCorruptedSnapshot
	default:
		return ""
	}
}

// Resume restores a hibernated process and queues it. Processes that are not
// hibernated are left alone. A snapshot that fails integrity checks
// terminates the process with a corruption reason; it is never run.
func (c *ColdStartOptimizer) Resume(ctx context.Context, pid PID) error {
	k := c.k
	start := k.clock.Now()
	ctx, span := k.tracer.Start(ctx, "kernel.resume", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()

	pcb, err := k.table.Lookup(pid)
	if err != nil {
		return err
	}
	pcb.mu.Lock()
	if pcb.state != ProcessStateHibernated {
		state := pcb.state
		pcb.mu.Unlock()
		if state == ProcessStateTerminated {
			return notFound(pid)
		}
		return nil
	}
	_ = pcb.transitionLocked(ProcessStateResuming)
	handle := pcb.cold
	pcb.mu.Unlock()

	img, err := c.restore(ctx, pcb, handle)
	if err != nil {
		k.metrics.resumeFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := restoreExit(err)

		pcb.mu.Lock()
		if pcb.exitPending != "" {
			reason = pcb.exitPending
		}
		if reason == "" {
			_ = pcb.transitionLocked(ProcessStateHibernated)
			pcb.mu.Unlock()
			if k.logger != nil {
				k.logger.Warn("resume_deferred", "pid", uint64(pid), "error", err.Error())
			}
			return fmt.Errorf("failed to resume %s: %w", pid, err)
		}
		notice := k.terminateLocked(pcb, reason)
		pcb.mu.Unlock()
		k.finishExit(notice)

		if k.logger != nil {
			k.logger.Error("resume_failed", "pid", uint64(pid), "reason", string(reason), "error", err.Error())
		}
		return fmt.Errorf("failed to resume %s: %w", pid, err)
	}

	pcb.mu.Lock()
	if _, err := k.resources.Unpark(pid); err != nil && pcb.exitPending == "" {
		// Stay hibernated until memory frees up; the snapshot is untouched.
		_ = pcb.transitionLocked(ProcessStateHibernated)
		pcb.mu.Unlock()
		c.ReleaseContext(img.exec.backing)
		k.metrics.resumeFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if k.logger != nil {
			k.logger.Warn("resume_deferred", "pid", uint64(pid), "error", err.Error())
		}
		return fmt.Errorf("failed to resume %s: %w", pid, err)
	}
	if img.warm {
		k.metrics.warmStarts.Add(1)
	} else {
		k.metrics.coldStarts.Add(1)
	}
	pcb.exec = img.exec
	pcb.quantum = img.quantum
	pcb.cold = nil
	k.hot.Add(1)
	k.cold.Add(-1)
	pcb.mailbox.Restore(img.msgs)
	if pcb.exitPending != "" {
		notice := k.terminateLocked(pcb, pcb.exitPending)
		pcb.mu.Unlock()
		k.finishExit(notice)
		k.hibernation.discard(ctx, handle.key)
		return nil
	}
	now := k.clock.Now()
	pcb.lastActivity = now
	_ = pcb.transitionLocked(ProcessStateReady)
	k.enqueueLocked(pcb, k.scheduler.rq.LeastLoaded(), true)
	pcb.mu.Unlock()

	if err := k.store.Delete(ctx, handle.key); err != nil && k.logger != nil {
		k.logger.Warn("snapshot_delete_failed", "pid", uint64(pid), "key", handle.key, "error", err.Error())
	}

	latency := k.clock.Since(start)
	k.metrics.resumes.Add(1)
	k.metrics.resumeLatency.observe(latency)
	span.SetAttributes(attribute.Int64("latency_us", latency.Microseconds()))

	evt := NewKernelEvent(KernelEventProcessResumed, pid, now)
	evt.Data = map[string]any{"latency_us": latency.Microseconds(), "warm": img.warm}
	k.emitEvent(evt)

	if k.logger != nil {
		k.logger.Debug("process_resumed",
			"pid", uint64(pid),
			"latency_us", latency.Microseconds(),
			"warm", img.warm,
		)
	}
	return nil
}

// restoredImage is a decoded snapshot ready to be installed on its PCB.
type restoredImage struct {
	exec    *ExecContext
	msgs    []Message
	quantum Budget
	warm    bool
}

// restore loads, verifies and decodes the snapshot behind handle into a
// fresh execution context. It does not touch fields guarded by pcb.mu.
func (c *ColdStartOptimizer) restore(ctx context.Context, pcb *ProcessControlBlock, handle *coldHandle) (*restoredImage, error) {
	k := c.k
	if handle == nil {
		return nil, fmt.Errorf("%w: no snapshot recorded", snapshot.ErrCorrupted)
	}
	data, err := k.store.Get(ctx, handle.key)
	if err != nil {
		return nil, err
	}
	h, payload, err := snapshot.Verify(data)
	if err != nil {
		return nil, err
	}
	if h.PID != uint64(pcb.pid) {
		return nil, fmt.Errorf("%w: snapshot belongs to %d", snapshot.ErrCorrupted, h.PID)
	}

	buf, hit := c.AcquireContext(int(h.UncompressedSize))
	raw, err := k.sealer.Inflate(h, payload, buf)
	if err != nil {
		c.ReleaseContext(buf)
		return nil, err
	}
	img, err := decodeImage(raw)
	if err != nil {
		c.ReleaseContext(buf)
		return nil, err
	}
	if pcb.unit == nil || img.UnitID != pcb.unit.ID {
		c.ReleaseContext(buf)
		return nil, fmt.Errorf("%w: snapshot was taken from unit %q", snapshot.ErrCorrupted, img.UnitID)
	}

	exec := &ExecContext{
		Region:   img.Region,
		pid:      pcb.pid,
		unit:     pcb.unit,
		mailbox:  pcb.mailbox,
		depth:    img.RecursionDepth,
		maxDepth: pcb.quota.MaxRecursionDepth,
		worker:   -1,
		backing:  buf,
		k:        k,
	}
	return &restoredImage{exec: exec, msgs: img.Messages, quantum: img.Quantum, warm: hit}, nil
}
