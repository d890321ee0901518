// Package kernel implements an actor runtime: lightweight isolated processes
// that share nothing and communicate only through mailboxes.
//
// Key concepts:
//   - ProcessControlBlock: the kernel's record of one process
//   - Scheduler: workers with local run queues, work stealing and a real-time lane
//   - Supervisor: links, monitors and restart policies
//   - HibernationManager / ColdStartOptimizer: moving idle processes to cold
//     storage and back without losing messages
package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Process Identity
// =============================================================================

// PID identifies a process. PIDs are assigned monotonically and never reused
// within a kernel instance.
type PID uint64

// NoPID is the zero PID; no process ever carries it.
const NoPID PID = 0

func (p PID) String() string {
	return "<" + strconv.FormatUint(uint64(p), 10) + ">"
}

// =============================================================================
// Process States
// =============================================================================

// ProcessState represents the lifecycle state of a process.
// State transitions:
//
//	NEW -> READY <-> RUNNING -> WAITING -> READY
//	WAITING -> HIBERNATING -> HIBERNATED -> RESUMING -> READY
//	any live state -> TERMINATED
type ProcessState string

const (
	// ProcessStateNew indicates a process that has been admitted but not queued.
	ProcessStateNew ProcessState = "new"
	// ProcessStateReady indicates the process sits in exactly one run queue.
	ProcessStateReady ProcessState = "ready"
	// ProcessStateRunning indicates exactly one worker is stepping the process.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateWaiting indicates the process is blocked on an empty mailbox.
	ProcessStateWaiting ProcessState = "waiting"
	// ProcessStateHibernating indicates a snapshot is being captured.
	ProcessStateHibernating ProcessState = "hibernating"
	// ProcessStateHibernated indicates the process lives only as a snapshot.
	ProcessStateHibernated ProcessState = "hibernated"
	// ProcessStateResuming indicates a snapshot is being restored.
	ProcessStateResuming ProcessState = "resuming"
	// ProcessStateTerminated indicates the process has exited.
	ProcessStateTerminated ProcessState = "terminated"
)

// IsTerminal returns true if this is a terminal state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated
}

// IsRunnable returns true if the process is queued for a worker.
func (s ProcessState) IsRunnable() bool {
	return s == ProcessStateReady
}

// IsCold returns true while the process has no hot execution context.
func (s ProcessState) IsCold() bool {
	return s == ProcessStateHibernated
}

// =============================================================================
// Scheduling Priority
// =============================================================================

// Priority is the scheduling band of a process.
type Priority string

const (
	// PriorityRealtime is always picked before any other band.
	PriorityRealtime Priority = "realtime"
	// PriorityNormal is the default band.
	PriorityNormal Priority = "normal"
	// PriorityLow is for background work.
	PriorityLow Priority = "low"
)

const (
	bandRealtime = 0
	bandNormal   = 1
	bandLow      = 2
	bandNone     = 3
)

// Band returns the queue index (lower = more urgent).
func (p Priority) Band() int {
	switch p {
	case PriorityRealtime:
		return bandRealtime
	case PriorityLow:
		return bandLow
	default:
		return bandNormal
	}
}

// Raise returns the next more urgent priority.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	default:
		return PriorityRealtime
	}
}

func priorityForBand(band int) Priority {
	switch {
	case band <= bandRealtime:
		return PriorityRealtime
	case band == bandNormal:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ParsePriority parses a priority name. The empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(s)) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityRealtime:
		return PriorityRealtime, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// =============================================================================
// Security Tiers
// =============================================================================

// SecurityTier is the capability class a process runs under.
type SecurityTier string

const (
	TierUnrestricted SecurityTier = "unrestricted"
	TierRestricted   SecurityTier = "restricted"
	TierSandboxed    SecurityTier = "sandboxed"
)

// rank orders tiers from least to most restricted.
func (t SecurityTier) rank() int {
	switch t {
	case TierUnrestricted:
		return 0
	case TierRestricted:
		return 1
	default:
		return 2
	}
}

// ParseSecurityTier parses a tier name. The empty string means restricted.
func ParseSecurityTier(s string) (SecurityTier, error) {
	switch SecurityTier(strings.ToLower(s)) {
	case "", TierRestricted:
		return TierRestricted, nil
	case TierUnrestricted:
		return TierUnrestricted, nil
	case TierSandboxed:
		return TierSandboxed, nil
	default:
		return "", fmt.Errorf("unknown security tier %q", s)
	}
}

// =============================================================================
// Supervision
// =============================================================================

// RestartPolicy decides whether a supervised child is restarted after it exits.
type RestartPolicy string

const (
	// RestartPermanent restarts on any exit.
	RestartPermanent RestartPolicy = "permanent"
	// RestartTransient restarts only on abnormal exit.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never restarts.
	RestartTemporary RestartPolicy = "temporary"
)

// ShouldRestart reports whether an exit with reason triggers a restart.
func (p RestartPolicy) ShouldRestart(reason ExitReason) bool {
	switch p {
	case RestartPermanent:
		return true
	case RestartTransient:
		return reason.IsAbnormal()
	default:
		return false
	}
}

// ParseRestartPolicy parses a policy name. The empty string means permanent.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(strings.ToLower(s)) {
	case "", RestartPermanent:
		return RestartPermanent, nil
	case RestartTransient:
		return RestartTransient, nil
	case RestartTemporary:
		return RestartTemporary, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

// RestartStrategy decides which siblings restart alongside a failed child.
type RestartStrategy string

const (
	StrategyOneForOne  RestartStrategy = "one_for_one"
	StrategyOneForAll  RestartStrategy = "one_for_all"
	StrategyRestForOne RestartStrategy = "rest_for_one"
)

// ParseRestartStrategy parses a strategy name. The empty string means one_for_one.
func ParseRestartStrategy(s string) (RestartStrategy, error) {
	switch RestartStrategy(strings.ToLower(s)) {
	case "", StrategyOneForOne:
		return StrategyOneForOne, nil
	case StrategyOneForAll:
		return StrategyOneForAll, nil
	case StrategyRestForOne:
		return StrategyRestForOne, nil
	default:
		return "", fmt.Errorf("unknown restart strategy %q", s)
	}
}

// =============================================================================
// Exit Reasons
// =============================================================================

// ExitReason is why a process terminated.
type ExitReason string

const (
	ExitNormal              ExitReason = "normal"
	ExitShutdown            ExitReason = "shutdown"
	ExitKilled              ExitReason = "killed"
	ExitOutOfMemory         ExitReason = "out_of_memory"
	ExitStackOverflow       ExitReason = "stack_overflow"
	ExitSecurityDenied      ExitReason = "security_denied"
	ExitCorruptedSnapshot   ExitReason = "corrupted_snapshot"
	ExitUnsupportedSnapshot ExitReason = "unsupported_snapshot_version"
	ExitRestartIntensity    ExitReason = "restart_intensity_exceeded"
	ExitNoProc              ExitReason = "noproc"
)

const crashPrefix = "crashed: "

// CrashReason builds the reason for a step that failed with detail.
func CrashReason(detail string) ExitReason {
	if detail == "" {
		detail = "unknown"
	}
	return ExitReason(crashPrefix + detail)
}

// IsAbnormal reports whether linked processes should be signalled.
func (r ExitReason) IsAbnormal() bool {
	return r != ExitNormal && r != ExitShutdown
}

// IsCrash reports whether the reason came from a failing step.
func (r ExitReason) IsCrash() bool {
	return strings.HasPrefix(string(r), crashPrefix)
}

// =============================================================================
// Resource Quotas
// =============================================================================

// ResourceQuota bounds what a single process may consume.
type ResourceQuota struct {
	MaxMemoryBytes      int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxRecursionDepth   int           `json:"max_recursion_depth" yaml:"max_recursion_depth"`
	QuantumInstructions int           `json:"quantum_instructions" yaml:"quantum_instructions"`
	QuantumDuration     time.Duration `json:"quantum_duration" yaml:"quantum_duration"`
	// MaxMailboxSize of zero means unbounded.
	MaxMailboxSize int `json:"max_mailbox_size,omitempty" yaml:"max_mailbox_size,omitempty"`
}

// DefaultQuota returns sensible default resource limits.
func DefaultQuota() *ResourceQuota {
	return &ResourceQuota{
		MaxMemoryBytes:      64 << 20,
		MaxRecursionDepth:   1024,
		QuantumInstructions: 2000,
		QuantumDuration:     10 * time.Millisecond,
	}
}

// Clone returns a copy of the quota.
func (q *ResourceQuota) Clone() *ResourceQuota {
	c := *q
	return &c
}

// WithDefaults returns a copy where every zero field is taken from def.
func (q *ResourceQuota) WithDefaults(def *ResourceQuota) *ResourceQuota {
	if q == nil {
		return def.Clone()
	}
	c := q.Clone()
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = def.MaxRecursionDepth
	}
	if c.QuantumInstructions <= 0 {
		c.QuantumInstructions = def.QuantumInstructions
	}
	if c.QuantumDuration <= 0 {
		c.QuantumDuration = def.QuantumDuration
	}
	if c.MaxMailboxSize <= 0 {
		c.MaxMailboxSize = def.MaxMailboxSize
	}
	return c
}

// ClampTo returns a copy that does not exceed max in any bounded field.
func (q *ResourceQuota) ClampTo(max *ResourceQuota) *ResourceQuota {
	c := q.Clone()
	if max.MaxMemoryBytes > 0 && c.MaxMemoryBytes > max.MaxMemoryBytes {
		c.MaxMemoryBytes = max.MaxMemoryBytes
	}
	if max.MaxRecursionDepth > 0 && c.MaxRecursionDepth > max.MaxRecursionDepth {
		c.MaxRecursionDepth = max.MaxRecursionDepth
	}
	if max.QuantumInstructions > 0 && c.QuantumInstructions > max.QuantumInstructions {
		c.QuantumInstructions = max.QuantumInstructions
	}
	if max.QuantumDuration > 0 && c.QuantumDuration > max.QuantumDuration {
		c.QuantumDuration = max.QuantumDuration
	}
	if max.MaxMailboxSize > 0 && (c.MaxMailboxSize == 0 || c.MaxMailboxSize > max.MaxMailboxSize) {
		c.MaxMailboxSize = max.MaxMailboxSize
	}
	return c
}

// Quantum returns a fresh scheduling budget.
func (q *ResourceQuota) Quantum() Budget {
	return Budget{Instructions: q.QuantumInstructions, CPU: q.QuantumDuration}
}

// =============================================================================
// Budget
// =============================================================================

// Budget is what a step may consume before it must return.
type Budget struct {
	Instructions int           `json:"instructions"`
	CPU          time.Duration `json:"cpu"`
}

// Exhausted reports whether nothing is left to spend.
func (b Budget) Exhausted() bool {
	return b.Instructions <= 0 || b.CPU <= 0
}

// Consume subtracts a step's cost. overrun is true when the step spent more
// than it was given.
func (b Budget) Consume(instructions int, cpu time.Duration) (remaining Budget, overrun bool) {
	overrun = instructions > b.Instructions || cpu > b.CPU
	b.Instructions -= instructions
	b.CPU -= cpu
	if b.Instructions < 0 {
		b.Instructions = 0
	}
	if b.CPU < 0 {
		b.CPU = 0
	}
	return b, overrun
}

// =============================================================================
// Resource Usage
// =============================================================================

// ResourceUsage tracks what a process has consumed so far.
type ResourceUsage struct {
	MemoryBytes     int64         `json:"memory_bytes"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	CPUTime         time.Duration `json:"cpu_time"`
	Instructions    uint64        `json:"instructions"`
	Steps           uint64        `json:"steps"`
}

// =============================================================================
// Kernel Events
// =============================================================================

// KernelEventType represents types of kernel events.
type KernelEventType string

const (
	KernelEventProcessSpawned      KernelEventType = "process.spawned"
	KernelEventProcessStateChanged KernelEventType = "process.state_changed"
	KernelEventProcessExited       KernelEventType = "process.exited"
	KernelEventProcessRestarted    KernelEventType = "process.restarted"
	KernelEventProcessHibernated   KernelEventType = "process.hibernated"
	KernelEventProcessResumed      KernelEventType = "process.resumed"
	KernelEventSupervisorEscalated KernelEventType = "supervisor.escalated"
	KernelEventSecurityDenied      KernelEventType = "security.denied"
	KernelEventResourceExhausted   KernelEventType = "resource.exhausted"
)

// KernelEvent represents an event emitted by the kernel.
type KernelEvent struct {
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	PID       PID             `json:"pid,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewKernelEvent creates a new kernel event.
func NewKernelEvent(eventType KernelEventType, pid PID, at time.Time) *KernelEvent {
	return &KernelEvent{
		EventType: eventType,
		Timestamp: at.UTC(),
		PID:       pid,
	}
}

// ProcessSpawnedEvent creates a process.spawned event.
func ProcessSpawnedEvent(pid, parent PID, unitID string, priority Priority, tier SecurityTier, at time.Time) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessSpawned, pid, at)
	evt.Data = map[string]any{
		"parent":   uint64(parent),
		"unit":     unitID,
		"priority": string(priority),
		"tier":     string(tier),
	}
	return evt
}

// ProcessStateChangedEvent creates a process.state_changed event.
func ProcessStateChangedEvent(pid PID, oldState, newState ProcessState, at time.Time) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessStateChanged, pid, at)
	evt.Data = map[string]any{
		"old_state": string(oldState),
		"new_state": string(newState),
	}
	return evt
}

// ProcessExitedEvent creates a process.exited event.
func ProcessExitedEvent(pid PID, reason ExitReason, at time.Time) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessExited, pid, at)
	evt.Data = map[string]any{
		"reason":   string(reason),
		"abnormal": reason.IsAbnormal(),
	}
	return evt
}

// ResourceExhaustedEvent creates a resource.exhausted event.
func ResourceExhaustedEvent(pid PID, resource string, usage, limit int64, at time.Time) *KernelEvent {
	evt := NewKernelEvent(KernelEventResourceExhausted, pid, at)
	evt.Data = map[string]any{
		"resource": resource,
		"usage":    usage,
		"limit":    limit,
	}
	return evt
}
