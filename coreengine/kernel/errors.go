package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned for unknown or already-terminated processes.
	ErrNotFound = errors.New("process not found")
	// ErrResourceExhausted is returned when a process-wide ceiling is saturated.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrPoolExhausted is returned when a pooled allocator has no room left.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrSecurityDenied is the sentinel behind every *SecurityError.
	ErrSecurityDenied = errors.New("security denied")
	// ErrOutOfMemory is returned when a charge would cross a process memory ceiling.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrStackOverflow is returned when a nested call would cross the recursion ceiling.
	ErrStackOverflow = errors.New("stack overflow")
	// ErrMailboxFull is returned when a bounded mailbox is at capacity.
	ErrMailboxFull = errors.New("mailbox full")
	// ErrMailboxClosed is returned by a mailbox whose owner terminated.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrInvalidTransition is the sentinel behind every *TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvariantViolation is the sentinel behind every *InvariantError.
	ErrInvariantViolation = errors.New("scheduler invariant violated")
	// ErrNotEligible is returned by Hibernate for processes that cannot go cold.
	ErrNotEligible = errors.New("process not eligible for hibernation")
	// ErrKernelStopped is returned by operations issued after Shutdown.
	ErrKernelStopped = errors.New("kernel stopped")
)

func notFound(pid PID) error {
	return fmt.Errorf("%w: %s", ErrNotFound, pid)
}

// SecurityError reports a denied operation. Steps observe it as a
// recoverable fault; it never takes down the scheduler.
type SecurityError struct {
	PID       PID
	Tier      SecurityTier
	Operation Operation
	Reason    string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security denied: %s attempted %s under %s tier: %s", e.PID, e.Operation, e.Tier, e.Reason)
}

func (e *SecurityError) Unwrap() error {
	return ErrSecurityDenied
}

// ResourceError reports a quota or pool limit that refused a request.
type ResourceError struct {
	Resource  string
	Limit     int64
	Requested int64
	Err       error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%v: %s requested %d, limit %d", e.Err, e.Resource, e.Requested, e.Limit)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// TransitionError reports a state change the lifecycle table does not allow.
type TransitionError struct {
	PID  PID
	From ProcessState
	To   ProcessState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.PID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InvariantError is fatal for the worker loop that observed it.
type InvariantError struct {
	Worker      int
	PID         PID
	Detail      string
	Diagnostics map[string]any
}

func (e *InvariantError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scheduler invariant violated on worker %d for %s: %s", e.Worker, e.PID, e.Detail)
	keys := make([]string, 0, len(e.Diagnostics))
	for k := range e.Diagnostics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Diagnostics[k])
	}
	return b.String()
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}
