package kernel

import (
	"errors"
	"time"
)

// =============================================================================
// Step Engine Contract
// =============================================================================

// CompiledUnit is immutable code shared by every process spawned from it.
type CompiledUnit struct {
	ID   string
	Code []byte
}

// Outcome is how a step ended.
type Outcome uint8

const (
	// OutcomeContinue means the budget ran out mid-work.
	OutcomeContinue Outcome = iota
	// OutcomeYielded means the process gave up the rest of its quantum.
	OutcomeYielded
	// OutcomeWaitingOnMailbox means the process needs a message to progress.
	OutcomeWaitingOnMailbox
	// OutcomeCompleted means the process finished normally.
	OutcomeCompleted
	// OutcomeCrashed means the process failed; Reason says why.
	OutcomeCrashed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeYielded:
		return "yielded"
	case OutcomeWaitingOnMailbox:
		return "waiting_on_mailbox"
	case OutcomeCompleted:
		return "completed"
	case OutcomeCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// StepResult reports what one step consumed and how it ended.
type StepResult struct {
	Outcome      Outcome
	Reason       ExitReason
	CPU          time.Duration
	Instructions int
	// MemoryDelta is the change in bytes held by the process since the last step.
	MemoryDelta int64
}

// Engine executes compiled units. Step must return once budget is spent and
// may be called again later with a fresh budget on any worker.
type Engine interface {
	Step(ctx *ExecContext, budget Budget) StepResult
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx *ExecContext, budget Budget) StepResult

// Step calls f.
func (f EngineFunc) Step(ctx *ExecContext, budget Budget) StepResult {
	return f(ctx, budget)
}

// =============================================================================
// Execution Context
// =============================================================================

var errDetached = errors.New("execution context is not attached to a kernel")

// ExecContext is the hot state of one process. Only the worker that owns the
// process touches it, so none of its fields are synchronized.
type ExecContext struct {
	// Region is the engine-defined memory of the process. Engines may grow it;
	// the kernel persists exactly len(Region) bytes on hibernation.
	Region []byte

	pid      PID
	unit     *CompiledUnit
	mailbox  *Mailbox
	depth    int
	maxDepth int
	worker   int
	backing  []byte
	k        *Kernel
}

// NewExecContext creates a context that is not attached to a kernel. Engines
// use it in tests; every kernel call on it fails except mailbox access.
func NewExecContext(pid PID, unit *CompiledUnit, region []byte, maxDepth int) *ExecContext {
	return &ExecContext{
		Region:   region,
		pid:      pid,
		unit:     unit,
		mailbox:  NewMailbox(0),
		maxDepth: maxDepth,
		worker:   -1,
	}
}

// Self returns the PID of the process.
func (c *ExecContext) Self() PID { return c.pid }

// Unit returns the compiled unit the process runs.
func (c *ExecContext) Unit() *CompiledUnit { return c.unit }

// Mailbox returns the process mailbox.
func (c *ExecContext) Mailbox() *Mailbox { return c.mailbox }

// RecursionDepth returns the current nested call depth.
func (c *ExecContext) RecursionDepth() int { return c.depth }

// MaxRecursionDepth returns the ceiling EnterCall enforces.
func (c *ExecContext) MaxRecursionDepth() int { return c.maxDepth }

// EnterCall records one nested call. It fails with ErrStackOverflow instead
// of crossing the ceiling.
func (c *ExecContext) EnterCall() error {
	if c.maxDepth > 0 && c.depth >= c.maxDepth {
		return ErrStackOverflow
	}
	c.depth++
	return nil
}

// ExitCall unwinds one nested call.
func (c *ExecContext) ExitCall() {
	if c.depth > 0 {
		c.depth--
	}
}

// Receive pops the oldest pending message.
func (c *ExecContext) Receive() (Message, bool) {
	return c.mailbox.TryReceive()
}

// Pending returns the number of queued messages.
func (c *ExecContext) Pending() int {
	return c.mailbox.Len()
}

// Request asks whether the process may perform op. A denial is a
// *SecurityError the engine should surface as a crash with ExitSecurityDenied
// or handle itself.
func (c *ExecContext) Request(op Operation) error {
	if c.k == nil {
		return errDetached
	}
	return c.k.authorize(c.pid, op)
}

// Send delivers payload to another process.
func (c *ExecContext) Send(to PID, payload []byte) error {
	if c.k == nil {
		return errDetached
	}
	if err := c.k.authorize(c.pid, OpSend); err != nil {
		return err
	}
	return c.k.deliver(c.pid, to, userMessage(c.pid, payload, c.k.clock.Now()), c.worker)
}

// Spawn starts a child process. The child can never be less restricted than
// the caller.
func (c *ExecContext) Spawn(unit *CompiledUnit, opts SpawnOptions) (PID, error) {
	if c.k == nil {
		return NoPID, errDetached
	}
	if err := c.k.authorize(c.pid, OpSpawn); err != nil {
		return NoPID, err
	}
	return c.k.spawn(c.pid, c.worker, unit, opts)
}

// Link links the process with another one.
func (c *ExecContext) Link(to PID) error {
	if c.k == nil {
		return errDetached
	}
	if err := c.k.authorize(c.pid, OpLink); err != nil {
		return err
	}
	return c.k.Link(c.pid, to)
}

// AcquireLock takes a named kernel lock. It returns false while another
// process holds it; the holder then inherits the caller's priority.
func (c *ExecContext) AcquireLock(resource string) (bool, error) {
	if c.k == nil {
		return false, errDetached
	}
	if err := c.k.authorize(c.pid, OpLock); err != nil {
		return false, err
	}
	return c.k.priorities.Acquire(c.pid, resource), nil
}

// ReleaseLock drops a named kernel lock held by the process.
func (c *ExecContext) ReleaseLock(resource string) {
	if c.k == nil {
		return
	}
	c.k.priorities.Release(c.pid, resource)
}

// Now returns the kernel clock reading.
func (c *ExecContext) Now() time.Time {
	if c.k == nil {
		return time.Now()
	}
	return c.k.clock.Now()
}
