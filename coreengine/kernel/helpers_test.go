package kernel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// =============================================================================
// Test Logger
// =============================================================================

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, level+": "+msg)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.add("DEBUG", msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.add("INFO", msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.add("WARN", msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.add("ERROR", msg) }

func (l *testLogger) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

func (l *testLogger) has(entry string) bool {
	for _, e := range l.entries() {
		if strings.Contains(e, entry) {
			return true
		}
	}
	return false
}

// =============================================================================
// Script Engine
// =============================================================================

// scriptEngine dispatches each step to the behavior registered for the
// unit ID and records what every process did.
type scriptEngine struct {
	mu        sync.Mutex
	behaviors map[string]EngineFunc
	trace     []PID
	regions   map[PID]string
	steps     map[PID]int
}

func newScriptEngine() *scriptEngine {
	return &scriptEngine{
		behaviors: make(map[string]EngineFunc),
		regions:   make(map[PID]string),
		steps:     make(map[PID]int),
	}
}

// unit registers fn under id and returns a unit running it.
func (e *scriptEngine) unit(id string, fn EngineFunc) *CompiledUnit {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.behaviors[id] = fn
	return &CompiledUnit{ID: id, Code: []byte(id)}
}

func (e *scriptEngine) Step(ctx *ExecContext, budget Budget) StepResult {
	e.mu.Lock()
	fn := e.behaviors[ctx.Unit().ID]
	e.trace = append(e.trace, ctx.Self())
	e.steps[ctx.Self()]++
	e.mu.Unlock()

	res := fn(ctx, budget)

	e.mu.Lock()
	e.regions[ctx.Self()] = string(ctx.Region)
	e.mu.Unlock()
	return res
}

func (e *scriptEngine) region(pid PID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regions[pid]
}

func (e *scriptEngine) stepCount(pid PID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps[pid]
}

func (e *scriptEngine) order() []PID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PID(nil), e.trace...)
}

// spin burns its whole budget every step and completes after quanta steps.
// Zero spins forever.
func spin(quanta int) EngineFunc {
	return func(ctx *ExecContext, budget Budget) StepResult {
		var delta int64
		if len(ctx.Region) == 0 {
			ctx.Region = append(ctx.Region, 0)
			delta = 1
		}
		ctx.Region[0]++
		if quanta > 0 && int(ctx.Region[0]) >= quanta {
			return StepResult{Outcome: OutcomeCompleted, Instructions: 1, MemoryDelta: delta}
		}
		return StepResult{Outcome: OutcomeContinue, Instructions: budget.Instructions, MemoryDelta: delta}
	}
}

// echo appends every payload it receives to its region. Exit signals append
// "X", down notifications "D". A "stop" payload completes the process and a
// "die" payload crashes it.
func echo(ctx *ExecContext, _ Budget) StepResult {
	before := len(ctx.Region)
	n := 0
	for {
		msg, ok := ctx.Receive()
		if !ok {
			break
		}
		n++
		switch msg.Kind {
		case MessageExit:
			ctx.Region = append(ctx.Region, 'X')
		case MessageDown:
			ctx.Region = append(ctx.Region, 'D')
		default:
			switch string(msg.Payload) {
			case "stop":
				return StepResult{Outcome: OutcomeCompleted, Instructions: n, MemoryDelta: int64(len(ctx.Region) - before)}
			case "die":
				return StepResult{Outcome: OutcomeCrashed, Reason: CrashReason("told to die"), Instructions: n, MemoryDelta: int64(len(ctx.Region) - before)}
			}
			ctx.Region = append(ctx.Region, msg.Payload...)
		}
	}
	return StepResult{Outcome: OutcomeWaitingOnMailbox, Instructions: n, MemoryDelta: int64(len(ctx.Region) - before)}
}

// crash fails on its first step.
func crash(detail string) EngineFunc {
	return func(*ExecContext, Budget) StepResult {
		return StepResult{Outcome: OutcomeCrashed, Reason: CrashReason(detail), Instructions: 1}
	}
}

// =============================================================================
// Test Kernel
// =============================================================================

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testKernelConfig() *KernelConfig {
	cfg := DefaultKernelConfig()
	cfg.Workers = 2
	cfg.Arena = ArenaConfig{ChunkSize: 1 << 20, MaxChunks: 4}
	cfg.ColdStart.PrewarmPerClass = 1
	return cfg
}

// newTestKernel builds a kernel on a fake clock. The kernel is shut down
// when the test ends.
func newTestKernel(t *testing.T, engine Engine, mutate ...func(*KernelConfig)) (*Kernel, *testingclock.FakeClock, *testLogger) {
	t.Helper()
	return newTestKernelWith(t, engine, nil, mutate...)
}

func newTestKernelWith(t *testing.T, engine Engine, opts []Option, mutate ...func(*KernelConfig)) (*Kernel, *testingclock.FakeClock, *testLogger) {
	t.Helper()
	cfg := testKernelConfig()
	for _, m := range mutate {
		m(cfg)
	}
	fc := testingclock.NewFakeClock(testEpoch)
	logger := &testLogger{}
	k, err := NewKernel(logger, engine, cfg, append([]Option{WithClock(fc)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k, fc, logger
}

func mustSpawn(t *testing.T, k *Kernel, unit *CompiledUnit, opts SpawnOptions) PID {
	t.Helper()
	pid, err := k.Spawn(unit, opts)
	require.NoError(t, err)
	return pid
}

func mustStatus(t *testing.T, k *Kernel, pid PID) ProcessStatus {
	t.Helper()
	st, err := k.Status(pid)
	require.NoError(t, err)
	return st
}

func runIdle(t *testing.T, k *Kernel) int {
	t.Helper()
	n, err := k.RunUntilIdle(1000)
	require.NoError(t, err)
	return n
}

// eventLog collects kernel events of the given types.
type eventLog struct {
	mu     sync.Mutex
	events []*KernelEvent
}

func recordEvents(k *Kernel) *eventLog {
	l := &eventLog{}
	k.OnEvent(func(e *KernelEvent) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) ofType(t KernelEventType) []*KernelEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*KernelEvent
	for _, e := range l.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
