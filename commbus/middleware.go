package commbus

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every event at debug level and failed deliveries
// at warn.
type LoggingMiddleware struct {
	logger kernel.Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware writing to logger.
func NewLoggingMiddleware(logger kernel.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs the event.
func (m *LoggingMiddleware) Before(_ context.Context, ev *kernel.KernelEvent) (*kernel.KernelEvent, error) {
	m.logger.Debug("kernel_event", "event", string(ev.EventType), "pid", uint64(ev.PID))
	return ev, nil
}

// After logs delivery failures.
func (m *LoggingMiddleware) After(_ context.Context, ev *kernel.KernelEvent, err error) {
	if err != nil {
		m.logger.Warn("kernel_event_delivery_failed", "event", string(ev.EventType), "error", err)
	}
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState is the breaker state of one event type.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware stops delivering an event type whose subscribers
// keep failing. After failureThreshold consecutive failures the circuit
// opens and events of that type are dropped; once resetTimeout has passed
// one event is let through, and its outcome closes or reopens the circuit.
// A zero threshold never opens.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	clock            clock.PassiveClock
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a breaker. Events of excludedTypes are
// always delivered. A nil clk uses the wall clock.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, clk clock.PassiveClock) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		clock:            clk,
	}
}

func (m *CircuitBreakerMiddleware) stateLocked(eventType string) *CircuitBreakerState {
	st, ok := m.states[eventType]
	if !ok {
		st = &CircuitBreakerState{State: CircuitClosed}
		m.states[eventType] = st
	}
	return st
}

// Before drops the event while its circuit is open.
func (m *CircuitBreakerMiddleware) Before(_ context.Context, ev *kernel.KernelEvent) (*kernel.KernelEvent, error) {
	eventType := string(ev.EventType)
	if _, excluded := m.excludedTypes[eventType]; excluded {
		return ev, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(eventType)
	if st.State == CircuitOpen {
		if m.clock.Since(st.LastFailure) < m.resetTimeout {
			return nil, nil
		}
		st.State = CircuitHalfOpen
	}
	return ev, nil
}

// After records the delivery outcome.
func (m *CircuitBreakerMiddleware) After(_ context.Context, ev *kernel.KernelEvent, err error) {
	eventType := string(ev.EventType)
	if _, excluded := m.excludedTypes[eventType]; excluded {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(eventType)

	if err == nil {
		if st.State == CircuitHalfOpen {
			st.State = CircuitClosed
		}
		st.Failures = 0
		return
	}

	st.Failures++
	st.LastFailure = m.clock.Now()
	switch {
	case st.State == CircuitHalfOpen:
		st.State = CircuitOpen
	case m.failureThreshold > 0 && st.Failures >= m.failureThreshold:
		st.State = CircuitOpen
	}
}

// States returns the current state of every tracked event type.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset forgets the state of eventType, or of every type when it is empty.
func (m *CircuitBreakerMiddleware) Reset(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eventType != "" {
		delete(m.states, eventType)
		return
	}
	m.states = make(map[string]*CircuitBreakerState)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
