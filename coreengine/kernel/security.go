package kernel

import (
	"fmt"
	"time"
)

// =============================================================================
// Operations and Capabilities
// =============================================================================

// Operation is a privileged action a step may request.
type Operation string

const (
	OpArithmetic  Operation = "arithmetic"
	OpCollections Operation = "collections"
	OpSend        Operation = "send"
	OpReceive     Operation = "receive"
	OpSpawn       Operation = "spawn"
	OpLink        Operation = "link"
	OpLock        Operation = "lock"
	OpRawIO       Operation = "raw_io"
	OpDynamicLoad Operation = "dynamic_load"
	OpNativeCall  Operation = "native_call"
)

// CapabilitySet is a bitmask of permitted operations.
type CapabilitySet uint32

var operationBits = map[Operation]CapabilitySet{
	OpArithmetic:  1 << 0,
	OpCollections: 1 << 1,
	OpSend:        1 << 2,
	OpReceive:     1 << 3,
	OpSpawn:       1 << 4,
	OpLink:        1 << 5,
	OpLock:        1 << 6,
	OpRawIO:       1 << 7,
	OpDynamicLoad: 1 << 8,
	OpNativeCall:  1 << 9,
}

// AllCapabilities permits every known operation.
const AllCapabilities CapabilitySet = 1<<10 - 1

// Capabilities builds a set from operations.
func Capabilities(ops ...Operation) CapabilitySet {
	var c CapabilitySet
	for _, op := range ops {
		c |= operationBits[op]
	}
	return c
}

// Allows reports whether op is in the set. Unknown operations are never allowed.
func (c CapabilitySet) Allows(op Operation) bool {
	bit, ok := operationBits[op]
	return ok && c&bit != 0
}

var (
	restrictedCapabilities = Capabilities(OpArithmetic, OpCollections, OpSend, OpReceive, OpSpawn, OpLink, OpLock)
	sandboxedCapabilities  = Capabilities(OpArithmetic, OpCollections, OpSend, OpReceive, OpSpawn)
)

// TierCapabilities returns the operations a tier permits.
func TierCapabilities(t SecurityTier) CapabilitySet {
	switch t {
	case TierUnrestricted:
		return AllCapabilities
	case TierRestricted:
		return restrictedCapabilities
	default:
		return sandboxedCapabilities
	}
}

// Decision is the outcome of a security check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate decides whether tier may perform op. It has no side effects.
func Evaluate(tier SecurityTier, op Operation) Decision {
	if TierCapabilities(tier).Allows(op) {
		return Decision{Allowed: true}
	}
	if _, known := operationBits[op]; !known {
		return Decision{Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	return Decision{Reason: fmt.Sprintf("%s not permitted in %s tier", op, tier)}
}

// CanSpawnTier reports whether a parent in tier parent may create a child in
// tier child. A child is never less restricted than its parent.
func CanSpawnTier(parent, child SecurityTier) bool {
	return child.rank() >= parent.rank()
}

// =============================================================================
// Security Monitor
// =============================================================================

// SecurityConfig bounds sandboxed processes.
type SecurityConfig struct {
	// DefaultTier applies to processes spawned without an explicit tier.
	DefaultTier SecurityTier `json:"default_tier" yaml:"default_tier"`
	// SandboxQuota caps every quota field for sandboxed processes.
	SandboxQuota *ResourceQuota `json:"sandbox_quota" yaml:"sandbox_quota"`
}

// DefaultSecurityConfig returns default security configuration.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		DefaultTier: TierRestricted,
		SandboxQuota: &ResourceQuota{
			MaxMemoryBytes:      4 << 20,
			MaxRecursionDepth:   128,
			QuantumInstructions: 500,
			QuantumDuration:     2 * time.Millisecond,
			MaxMailboxSize:      256,
		},
	}
}

// SecurityMonitor answers capability questions for live processes and counts
// denials. The tier of a process is fixed at spawn.
type SecurityMonitor struct {
	config  *SecurityConfig
	table   *ProcessTable
	metrics *MetricsCollector
	logger  Logger
	onDeny  func(pid PID, op Operation, reason string)
}

// NewSecurityMonitor creates a monitor over table.
func NewSecurityMonitor(config *SecurityConfig, table *ProcessTable, metrics *MetricsCollector, logger Logger) *SecurityMonitor {
	if config == nil {
		config = DefaultSecurityConfig()
	}
	return &SecurityMonitor{config: config, table: table, metrics: metrics, logger: logger}
}

// Check evaluates op for a live process.
func (m *SecurityMonitor) Check(pid PID, op Operation) Decision {
	pcb, ok := m.table.Get(pid)
	if !ok {
		return Decision{Reason: "unknown process"}
	}
	return Evaluate(pcb.tier, op)
}

// Authorize is Check returning an error for denials.
func (m *SecurityMonitor) Authorize(pid PID, op Operation) error {
	pcb, ok := m.table.Get(pid)
	if !ok {
		return notFound(pid)
	}
	d := Evaluate(pcb.tier, op)
	if d.Allowed {
		return nil
	}
	m.deny(pid, op, d.Reason)
	return &SecurityError{PID: pid, Tier: pcb.tier, Operation: op, Reason: d.Reason}
}

// AuthorizeSpawn checks that a child tier does not escape the parent tier.
func (m *SecurityMonitor) AuthorizeSpawn(parent PID, parentTier, childTier SecurityTier) error {
	if CanSpawnTier(parentTier, childTier) {
		return nil
	}
	reason := fmt.Sprintf("cannot spawn %s child from %s parent", childTier, parentTier)
	m.deny(parent, OpSpawn, reason)
	return &SecurityError{PID: parent, Tier: parentTier, Operation: OpSpawn, Reason: reason}
}

// QuotaFor applies tier limits to a requested quota.
func (m *SecurityMonitor) QuotaFor(tier SecurityTier, quota *ResourceQuota) *ResourceQuota {
	if tier == TierSandboxed && m.config.SandboxQuota != nil {
		return quota.ClampTo(m.config.SandboxQuota)
	}
	return quota
}

// DefaultTier returns the tier used when a spawn does not name one.
func (m *SecurityMonitor) DefaultTier() SecurityTier {
	if m.config.DefaultTier == "" {
		return TierRestricted
	}
	return m.config.DefaultTier
}

func (m *SecurityMonitor) deny(pid PID, op Operation, reason string) {
	if m.metrics != nil {
		m.metrics.securityDenials.Add(1)
	}
	if m.logger != nil {
		m.logger.Warn("security_denied",
			"pid", uint64(pid),
			"operation", string(op),
			"reason", reason,
		)
	}
	if m.onDeny != nil {
		m.onDeny(pid, op, reason)
	}
}
