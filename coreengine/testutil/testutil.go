// Package testutil provides shared test fixtures for packages that drive a
// kernel: small programs, configurations sized for tests, a recording
// logger and an event recorder.
//
// It imports only kernel and config, so any package above them can use it
// from its tests.
package testutil

import (
	"context"
	"sync"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// PROGRAMS
// =============================================================================

// Accumulator adds every value it receives to a running total and replies
// to the sender with the new total.
const Accumulator = `
	.locals 1
	loop:   recv
	        load 0
	        add
	        dup
	        store 0
	        sender
	        swap
	        send
	        pop
	        jump loop
`

// Divider crashes with a division by zero on its first message.
const Divider = `
	recv
	push 0
	div
	halt
`

// Echo replies to every sender with the value it sent.
const Echo = `
	loop:   recv
	        sender
	        swap
	        send
	        pop
	        jump loop
`

// =============================================================================
// CONFIGURATION
// =============================================================================

// KernelConfig returns a kernel configuration small enough for tests: two
// workers, a 4 MiB arena and one prewarmed context per size class.
func KernelConfig() *kernel.KernelConfig {
	cfg := kernel.DefaultKernelConfig()
	cfg.Workers = 2
	cfg.Arena = kernel.ArenaConfig{ChunkSize: 1 << 20, MaxChunks: 4}
	cfg.ColdStart.PrewarmPerClass = 1
	return cfg
}

// RuntimeConfig returns the default runtime configuration with KernelConfig
// in place of the kernel section.
func RuntimeConfig() *config.RuntimeConfig {
	cfg := config.DefaultRuntimeConfig()
	cfg.Kernel = KernelConfig()
	return cfg
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements kernel.Logger and records every call. It is safe
// for use from scheduler workers.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns a copy of the captured logs.
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// Messages returns the messages logged at level, in order.
func (m *MockLogger) Messages(level string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, e := range m.Logs {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

var _ kernel.Logger = (*MockLogger)(nil)

// =============================================================================
// EVENT RECORDER
// =============================================================================

// EventRecorder collects kernel events. Record fits kernel.OnEvent and
// Handle fits an event bus subscription.
type EventRecorder struct {
	mu     sync.Mutex
	events []kernel.KernelEvent
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Record stores a copy of ev.
func (r *EventRecorder) Record(ev *kernel.KernelEvent) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
}

// Handle records ev and never fails.
func (r *EventRecorder) Handle(_ context.Context, ev *kernel.KernelEvent) error {
	r.Record(ev)
	return nil
}

// Events returns the recorded events in arrival order.
func (r *EventRecorder) Events() []kernel.KernelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kernel.KernelEvent(nil), r.events...)
}

// Types returns the recorded event types in arrival order.
func (r *EventRecorder) Types() []kernel.KernelEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kernel.KernelEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

// OfType returns the recorded events of type t.
func (r *EventRecorder) OfType(t kernel.KernelEventType) []kernel.KernelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []kernel.KernelEvent
	for _, ev := range r.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards everything recorded so far.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
