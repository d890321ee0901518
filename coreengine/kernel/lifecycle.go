package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines allowed state transitions.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateNew: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateReady: {
		ProcessStateRunning:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateRunning: {
		ProcessStateReady:      true, // Preempted or yielded
		ProcessStateWaiting:    true, // Empty mailbox
		ProcessStateTerminated: true,
	},
	ProcessStateWaiting: {
		ProcessStateReady:       true,
		ProcessStateHibernating: true,
		ProcessStateTerminated:  true,
	},
	ProcessStateHibernating: {
		ProcessStateHibernated: true,
		ProcessStateWaiting:    true, // Aborted: a message raced the capture
		ProcessStateTerminated: true,
	},
	ProcessStateHibernated: {
		ProcessStateResuming:   true,
		ProcessStateTerminated: true,
	},
	ProcessStateResuming: {
		ProcessStateReady:      true,
		ProcessStateHibernated: true, // Transient restore failure
		ProcessStateTerminated: true,
	},
	ProcessStateTerminated: {},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Process Control Block (PCB)
// =============================================================================

// coldHandle locates the snapshot of a hibernated process.
type coldHandle struct {
	key          string
	header       snapshot.Header
	hibernatedAt time.Time
}

// ProcessControlBlock is the kernel's record of one process.
//
// Fields under mu may be read by anyone holding it. exec and quantum belong to
// the worker that owns the process and are only touched while owner is set
// or while the process is not Running.
type ProcessControlBlock struct {
	mu sync.Mutex

	// Immutable after spawn
	pid       PID
	parent    PID
	unit      *CompiledUnit
	port      bool
	tier      SecurityTier
	base      Priority
	quota     *ResourceQuota
	mailbox   *Mailbox
	createdAt time.Time

	// Guarded by mu
	state         ProcessState
	exitReason    ExitReason
	exitPending   ExitReason
	links         map[PID]struct{}
	watchers      map[PID]struct{}
	trapExit      bool
	supervisor    PID
	restartPolicy RestartPolicy
	cold          *coldHandle
	lastActivity  time.Time
	terminatedAt  time.Time
	released      bool
	lastWorker    int
	// runSeq numbers queue entries; only the latest one may run.
	runSeq  uint64
	runBand int

	// Owned by the running worker
	exec    *ExecContext
	quantum Budget

	// Lock-free
	owner     atomic.Int32
	inherited atomic.Int32
	aged      atomic.Bool
	killFlag  atomic.Bool
}

func newPCB(pid, parent PID, unit *CompiledUnit, priority Priority, tier SecurityTier, quota *ResourceQuota, now time.Time) *ProcessControlBlock {
	pcb := &ProcessControlBlock{
		pid:          pid,
		parent:       parent,
		unit:         unit,
		tier:         tier,
		base:         priority,
		quota:        quota,
		mailbox:      NewMailbox(quota.MaxMailboxSize),
		createdAt:    now,
		state:        ProcessStateNew,
		links:        make(map[PID]struct{}),
		watchers:     make(map[PID]struct{}),
		lastActivity: now,
		lastWorker:   -1,
		quantum:      quota.Quantum(),
	}
	pcb.owner.Store(-1)
	pcb.inherited.Store(bandNone)
	return pcb
}

// PID returns the process identifier.
func (pcb *ProcessControlBlock) PID() PID { return pcb.pid }

// State returns the current lifecycle state.
func (pcb *ProcessControlBlock) State() ProcessState {
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// EffectivePriority is the most urgent of the base priority, any inherited
// priority and a pending starvation boost.
func (pcb *ProcessControlBlock) EffectivePriority() Priority {
	band := pcb.base.Band()
	if inh := int(pcb.inherited.Load()); inh < band {
		band = inh
	}
	if pcb.aged.Load() && band > bandRealtime {
		band--
	}
	return priorityForBand(band)
}

// transitionLocked moves the process to state to. Caller holds mu.
func (pcb *ProcessControlBlock) transitionLocked(to ProcessState) error {
	if !IsValidTransition(pcb.state, to) {
		return &TransitionError{PID: pcb.pid, From: pcb.state, To: to}
	}
	pcb.state = to
	return nil
}

// claim marks worker as the sole owner. It fails if anyone else owns the process.
func (pcb *ProcessControlBlock) claim(worker int) bool {
	return pcb.owner.CompareAndSwap(-1, int32(worker))
}

func (pcb *ProcessControlBlock) unclaim(worker int) bool {
	return pcb.owner.CompareAndSwap(int32(worker), -1)
}

// requestExit records a kill to be honored at the next step boundary.
// Caller holds mu.
func (pcb *ProcessControlBlock) requestExitLocked(reason ExitReason) {
	if pcb.exitPending == "" {
		pcb.exitPending = reason
	}
	pcb.killFlag.Store(true)
}

func pidSet(m map[PID]struct{}) []PID {
	out := make([]PID, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	return out
}

// =============================================================================
// Process Status
// =============================================================================

// ProcessStatus is a point-in-time view of a process.
type ProcessStatus struct {
	PID               PID           `json:"pid"`
	Parent            PID           `json:"parent,omitempty"`
	UnitID            string        `json:"unit_id,omitempty"`
	State             ProcessState  `json:"state"`
	ExitReason        ExitReason    `json:"exit_reason,omitempty"`
	Priority          Priority      `json:"priority"`
	EffectivePriority Priority      `json:"effective_priority"`
	Tier              SecurityTier  `json:"tier"`
	Port              bool          `json:"port,omitempty"`
	Hot               bool          `json:"hot"`
	MailboxLen        int           `json:"mailbox_len"`
	RecursionDepth    int           `json:"recursion_depth"`
	Links             []PID         `json:"links,omitempty"`
	Monitors          []PID         `json:"monitors,omitempty"`
	TrapExit          bool          `json:"trap_exit"`
	Supervisor        PID           `json:"supervisor,omitempty"`
	RestartPolicy     RestartPolicy `json:"restart_policy,omitempty"`
	Usage             ResourceUsage `json:"usage"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
}

// String renders the state the way the status operation reports it,
// for example "terminated(normal)".
func (s ProcessStatus) String() string {
	if s.State == ProcessStateTerminated {
		return string(s.State) + "(" + string(s.ExitReason) + ")"
	}
	return string(s.State)
}

// statusLocked builds a status view. Caller holds mu.
func (pcb *ProcessControlBlock) statusLocked() ProcessStatus {
	st := ProcessStatus{
		PID:               pcb.pid,
		Parent:            pcb.parent,
		State:             pcb.state,
		ExitReason:        pcb.exitReason,
		Priority:          pcb.base,
		EffectivePriority: pcb.EffectivePriority(),
		Tier:              pcb.tier,
		Port:              pcb.port,
		MailboxLen:        pcb.mailbox.Len(),
		Links:             pidSet(pcb.links),
		Monitors:          pidSet(pcb.watchers),
		TrapExit:          pcb.trapExit,
		Supervisor:        pcb.supervisor,
		RestartPolicy:     pcb.restartPolicy,
		CreatedAt:         pcb.createdAt,
		LastActivity:      pcb.lastActivity,
	}
	if pcb.unit != nil {
		st.UnitID = pcb.unit.ID
	}
	// exec is only safe to inspect when no worker owns the process.
	if pcb.exec != nil {
		st.Hot = true
		if pcb.state != ProcessStateRunning {
			st.RecursionDepth = pcb.exec.depth
		}
	}
	return st
}

// =============================================================================
// Process Table
// =============================================================================

// ProcessTable maps PIDs to control blocks. Lookups are lock-free with
// respect to each other; each PCB carries its own lock.
type ProcessTable struct {
	procs      cmap.ConcurrentMap[PID, *ProcessControlBlock]
	nextPID    atomic.Uint64
	instanceID string
}

// NewProcessTable creates an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		procs: cmap.NewWithCustomShardingFunction[PID, *ProcessControlBlock](func(pid PID) uint32 {
			// Fibonacci hashing spreads sequential PIDs across shards.
			return uint32((uint64(pid) * 0x9E3779B97F4A7C15) >> 32)
		}),
		instanceID: uuid.NewString(),
	}
}

// NextPID allocates a fresh PID. PIDs start at 1 and are never reused.
func (t *ProcessTable) NextPID() PID {
	return PID(t.nextPID.Add(1))
}

// InstanceID identifies this table; snapshot keys are scoped by it.
func (t *ProcessTable) InstanceID() string {
	return t.instanceID
}

// Register adds a PCB.
func (t *ProcessTable) Register(pcb *ProcessControlBlock) {
	t.procs.Set(pcb.pid, pcb)
}

// Get returns the PCB for pid, including terminated ones not yet reaped.
func (t *ProcessTable) Get(pid PID) (*ProcessControlBlock, bool) {
	return t.procs.Get(pid)
}

// Lookup returns the PCB for pid or a not-found error.
func (t *ProcessTable) Lookup(pid PID) (*ProcessControlBlock, error) {
	pcb, ok := t.procs.Get(pid)
	if !ok {
		return nil, notFound(pid)
	}
	return pcb, nil
}

// List returns PCBs in the given state; a nil state matches all.
func (t *ProcessTable) List(state *ProcessState) []*ProcessControlBlock {
	var result []*ProcessControlBlock
	// Items snapshots the shards so no table lock is held while PCB locks are taken.
	for _, pcb := range t.procs.Items() {
		if state != nil && pcb.State() != *state {
			continue
		}
		result = append(result, pcb)
	}
	return result
}

// Count returns the number of PCBs, including unreaped terminated ones.
func (t *ProcessTable) Count() int {
	return t.procs.Count()
}

// CountByState returns the count of processes by state.
func (t *ProcessTable) CountByState() map[ProcessState]int {
	counts := make(map[ProcessState]int)
	for _, pcb := range t.List(nil) {
		counts[pcb.State()]++
	}
	return counts
}

// Reap removes terminated processes whose exit handling finished more than
// retention ago. It returns the number removed.
func (t *ProcessTable) Reap(now time.Time, retention time.Duration) int {
	var stale []PID
	for pid, pcb := range t.procs.Items() {
		pcb.mu.Lock()
		done := pcb.state == ProcessStateTerminated && pcb.released && now.Sub(pcb.terminatedAt) >= retention
		pcb.mu.Unlock()
		if done {
			stale = append(stale, pid)
		}
	}
	for _, pid := range stale {
		t.procs.Remove(pid)
	}
	return len(stale)
}
