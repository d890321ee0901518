package kernel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the structured logging interface the kernel writes to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Process Accounts (internal)
// =============================================================================

// processAccount tracks resources for a single process.
type processAccount struct {
	quota        *ResourceQuota
	usage        ResourceUsage
	parked       int64
	warned       bool
	admittedAt   time.Time
	lastChargeAt time.Time
}

// =============================================================================
// System Usage Statistics
// =============================================================================

// SystemUsage represents pool-wide resource usage.
type SystemUsage struct {
	LiveProcesses  int64 `json:"live_processes"`
	MaxProcesses   int64 `json:"max_processes"`
	MemoryBytes    int64 `json:"memory_bytes"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
	ParkedBytes    int64 `json:"parked_bytes"`
	ArenaInUse     int64 `json:"arena_in_use"`
	ArenaCapacity  int64 `json:"arena_capacity"`
}

// =============================================================================
// Resource Pool
// =============================================================================

// ResourcePool is the kernel's accounting of memory and process slots.
// Admission refuses new processes once a global ceiling is reached; charges
// refuse growth past a process's own ceiling. Hibernated processes are parked:
// their memory no longer counts against the global ceiling.
type ResourcePool struct {
	logger       Logger
	maxProcesses int64
	maxMemory    int64

	accounts map[PID]*processAccount
	mu       sync.RWMutex

	live   atomic.Int64
	memory atomic.Int64
	parked atomic.Int64

	arena *SnapshotArena
}

// NewResourcePool creates a pool with the given global ceilings. A zero
// ceiling disables that check.
func NewResourcePool(maxProcesses int, maxMemory int64, arena *SnapshotArena, logger Logger) *ResourcePool {
	return &ResourcePool{
		logger:       logger,
		maxProcesses: int64(maxProcesses),
		maxMemory:    maxMemory,
		accounts:     make(map[PID]*processAccount),
		arena:        arena,
	}
}

// Admit reserves a process slot for pid.
func (rp *ResourcePool) Admit(pid PID, quota *ResourceQuota, now time.Time) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.maxProcesses > 0 && rp.live.Load() >= rp.maxProcesses {
		return &ResourceError{Resource: "processes", Limit: rp.maxProcesses, Requested: rp.live.Load() + 1, Err: ErrResourceExhausted}
	}
	if rp.maxMemory > 0 && rp.memory.Load() >= rp.maxMemory {
		return &ResourceError{Resource: "memory", Limit: rp.maxMemory, Requested: rp.memory.Load(), Err: ErrResourceExhausted}
	}

	rp.accounts[pid] = &processAccount{quota: quota, admittedAt: now, lastChargeAt: now}
	rp.live.Add(1)

	if rp.logger != nil {
		rp.logger.Debug("resources_allocated",
			"pid", uint64(pid),
			"max_memory_bytes", quota.MaxMemoryBytes,
			"max_recursion_depth", quota.MaxRecursionDepth,
		)
	}
	return nil
}

// Charge applies a memory delta. Growth past the process ceiling or the
// global ceiling is refused with ErrOutOfMemory and not applied.
func (rp *ResourcePool) Charge(pid PID, delta int64, now time.Time) error {
	if delta == 0 {
		return nil
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()

	acct, ok := rp.accounts[pid]
	if !ok {
		return notFound(pid)
	}
	next := acct.usage.MemoryBytes + delta
	if next < 0 {
		delta = -acct.usage.MemoryBytes
		next = 0
	}
	if delta > 0 {
		if limit := acct.quota.MaxMemoryBytes; limit > 0 && next > limit {
			return &ResourceError{Resource: "process_memory", Limit: limit, Requested: next, Err: ErrOutOfMemory}
		}
		if rp.maxMemory > 0 && rp.memory.Load()+delta > rp.maxMemory {
			return &ResourceError{Resource: "memory", Limit: rp.maxMemory, Requested: rp.memory.Load() + delta, Err: ErrOutOfMemory}
		}
	}

	acct.usage.MemoryBytes = next
	if next > acct.usage.PeakMemoryBytes {
		acct.usage.PeakMemoryBytes = next
	}
	acct.lastChargeAt = now
	rp.memory.Add(delta)

	// Warn once at 80% of the process ceiling
	if rp.logger != nil && !acct.warned && acct.quota.MaxMemoryBytes > 0 &&
		next >= acct.quota.MaxMemoryBytes*8/10 {
		acct.warned = true
		rp.logger.Warn("approaching_memory_limit",
			"pid", uint64(pid),
			"usage", next,
			"quota", acct.quota.MaxMemoryBytes,
		)
	}
	return nil
}

// RecordStep adds the CPU time and instructions a step consumed.
func (rp *ResourcePool) RecordStep(pid PID, cpu time.Duration, instructions int) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if acct, ok := rp.accounts[pid]; ok {
		acct.usage.CPUTime += cpu
		if instructions > 0 {
			acct.usage.Instructions += uint64(instructions)
		}
		acct.usage.Steps++
	}
}

// Park takes a hibernating process's memory off the global books. The amount
// is remembered so Unpark can put it back.
func (rp *ResourcePool) Park(pid PID) int64 {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	acct, ok := rp.accounts[pid]
	if !ok {
		return 0
	}
	freed := acct.usage.MemoryBytes
	acct.parked = freed
	acct.usage.MemoryBytes = 0
	rp.memory.Add(-freed)
	rp.parked.Add(freed)
	return freed
}

// Unpark returns a resumed process's memory to the global books. It fails
// with ErrOutOfMemory, leaving the bytes parked, when they no longer fit
// under the kernel ceiling.
func (rp *ResourcePool) Unpark(pid PID) (int64, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	acct, ok := rp.accounts[pid]
	if !ok {
		return 0, nil
	}
	restored := acct.parked
	if rp.maxMemory > 0 && restored > 0 && rp.memory.Load()+restored > rp.maxMemory {
		return 0, &ResourceError{Resource: "memory", Limit: rp.maxMemory, Requested: rp.memory.Load() + restored, Err: ErrOutOfMemory}
	}
	acct.parked = 0
	acct.usage.MemoryBytes = restored
	rp.parked.Add(-restored)
	rp.memory.Add(restored)
	return restored, nil
}

// Release frees the slot and every byte held by pid.
func (rp *ResourcePool) Release(pid PID) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	acct, ok := rp.accounts[pid]
	if !ok {
		return false
	}
	delete(rp.accounts, pid)
	rp.live.Add(-1)
	rp.memory.Add(-acct.usage.MemoryBytes)
	rp.parked.Add(-acct.parked)

	if rp.logger != nil {
		rp.logger.Debug("resources_released", "pid", uint64(pid), "memory_bytes", acct.usage.MemoryBytes)
	}
	return true
}

// Usage returns a copy of pid's usage.
func (rp *ResourcePool) Usage(pid PID) (ResourceUsage, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	acct, ok := rp.accounts[pid]
	if !ok {
		return ResourceUsage{}, false
	}
	u := acct.usage
	if acct.parked > 0 {
		u.MemoryBytes = acct.parked
	}
	return u, true
}

// LiveProcesses returns the number of admitted processes.
func (rp *ResourcePool) LiveProcesses() int64 {
	return rp.live.Load()
}

// MemoryInUse returns the bytes charged to hot processes.
func (rp *ResourcePool) MemoryInUse() int64 {
	return rp.memory.Load()
}

// PressureRatio returns memory in use over the global ceiling.
func (rp *ResourcePool) PressureRatio() float64 {
	if rp.maxMemory <= 0 {
		return 0
	}
	return float64(rp.memory.Load()) / float64(rp.maxMemory)
}

// Arena returns the snapshot arena.
func (rp *ResourcePool) Arena() *SnapshotArena {
	return rp.arena
}

// GetSystemUsage returns pool-wide usage.
func (rp *ResourcePool) GetSystemUsage() SystemUsage {
	su := SystemUsage{
		LiveProcesses:  rp.live.Load(),
		MaxProcesses:   rp.maxProcesses,
		MemoryBytes:    rp.memory.Load(),
		MaxMemoryBytes: rp.maxMemory,
		ParkedBytes:    rp.parked.Load(),
	}
	if rp.arena != nil {
		su.ArenaInUse = rp.arena.InUse()
		su.ArenaCapacity = rp.arena.Capacity()
	}
	return su
}
