package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	t.Run("priority", func(t *testing.T) {
		for in, want := range map[string]Priority{"": PriorityNormal, "REALTIME": PriorityRealtime, "low": PriorityLow} {
			got, err := ParsePriority(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := ParsePriority("urgent")
		assert.Error(t, err)
	})

	t.Run("tier", func(t *testing.T) {
		for in, want := range map[string]SecurityTier{"": TierRestricted, "Sandboxed": TierSandboxed, "unrestricted": TierUnrestricted} {
			got, err := ParseSecurityTier(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := ParseSecurityTier("root")
		assert.Error(t, err)
	})

	t.Run("restart policy", func(t *testing.T) {
		for in, want := range map[string]RestartPolicy{"": RestartPermanent, "transient": RestartTransient, "TEMPORARY": RestartTemporary} {
			got, err := ParseRestartPolicy(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := ParseRestartPolicy("sometimes")
		assert.Error(t, err)
	})

	t.Run("restart strategy", func(t *testing.T) {
		for in, want := range map[string]RestartStrategy{"": StrategyOneForOne, "one_for_all": StrategyOneForAll, "rest_for_one": StrategyRestForOne} {
			got, err := ParseRestartStrategy(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := ParseRestartStrategy("all_for_one")
		assert.Error(t, err)
	})
}

func TestPriority_Bands(t *testing.T) {
	assert.Less(t, PriorityRealtime.Band(), PriorityNormal.Band())
	assert.Less(t, PriorityNormal.Band(), PriorityLow.Band())
	assert.Equal(t, PriorityNormal, PriorityLow.Raise())
	assert.Equal(t, PriorityRealtime, PriorityNormal.Raise())
	assert.Equal(t, PriorityRealtime, PriorityRealtime.Raise())
	for _, p := range []Priority{PriorityRealtime, PriorityNormal, PriorityLow} {
		assert.Equal(t, p, priorityForBand(p.Band()))
	}
}

func TestExitReason(t *testing.T) {
	tests := []struct {
		reason   ExitReason
		abnormal bool
		crash    bool
	}{
		{ExitNormal, false, false},
		{ExitShutdown, false, false},
		{ExitKilled, true, false},
		{ExitOutOfMemory, true, false},
		{ExitCorruptedSnapshot, true, false},
		{CrashReason("bad opcode"), true, true},
		{CrashReason(""), true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.abnormal, tt.reason.IsAbnormal())
			assert.Equal(t, tt.crash, tt.reason.IsCrash())
		})
	}
	assert.Equal(t, ExitReason("crashed: unknown"), CrashReason(""))
}

func TestPID_String(t *testing.T) {
	assert.Equal(t, "<42>", PID(42).String())
}

func TestBudget_Consume(t *testing.T) {
	b := Budget{Instructions: 100, CPU: 10 * time.Millisecond}

	rest, overrun := b.Consume(40, 4*time.Millisecond)
	assert.False(t, overrun)
	assert.Equal(t, Budget{Instructions: 60, CPU: 6 * time.Millisecond}, rest)
	assert.False(t, rest.Exhausted())

	rest, overrun = rest.Consume(80, time.Millisecond)
	assert.True(t, overrun)
	assert.Equal(t, Budget{Instructions: 0, CPU: 5 * time.Millisecond}, rest)
	assert.True(t, rest.Exhausted())

	_, overrun = b.Consume(1, time.Second)
	assert.True(t, overrun, "CPU overrun counts too")
}

func TestResourceQuota(t *testing.T) {
	def := DefaultQuota()

	t.Run("nil takes defaults", func(t *testing.T) {
		var q *ResourceQuota
		got := q.WithDefaults(def)
		assert.Equal(t, def, got)
		assert.NotSame(t, def, got)
	})

	t.Run("partial", func(t *testing.T) {
		got := (&ResourceQuota{MaxRecursionDepth: 8}).WithDefaults(def)
		assert.Equal(t, 8, got.MaxRecursionDepth)
		assert.Equal(t, def.MaxMemoryBytes, got.MaxMemoryBytes)
		assert.Equal(t, def.Quantum(), got.Quantum())
	})

	t.Run("clamp", func(t *testing.T) {
		max := &ResourceQuota{MaxMemoryBytes: 1 << 10, MaxMailboxSize: 4}
		got := def.ClampTo(max)
		assert.Equal(t, int64(1<<10), got.MaxMemoryBytes)
		assert.Equal(t, 4, got.MaxMailboxSize, "unbounded mailbox is clamped")
		assert.Equal(t, def.MaxRecursionDepth, got.MaxRecursionDepth, "zero in max leaves the field alone")
		assert.Equal(t, int64(64<<20), def.MaxMemoryBytes, "receiver is not modified")
	})
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to ProcessState
		want     bool
	}{
		{ProcessStateNew, ProcessStateReady, true},
		{ProcessStateReady, ProcessStateRunning, true},
		{ProcessStateRunning, ProcessStateWaiting, true},
		{ProcessStateWaiting, ProcessStateHibernating, true},
		{ProcessStateHibernating, ProcessStateWaiting, true},
		{ProcessStateHibernated, ProcessStateResuming, true},
		{ProcessStateResuming, ProcessStateHibernated, true},
		{ProcessStateResuming, ProcessStateReady, true},
		{ProcessStateReady, ProcessStateWaiting, false},
		{ProcessStateRunning, ProcessStateHibernating, false},
		{ProcessStateHibernated, ProcessStateReady, false},
		{ProcessStateTerminated, ProcessStateReady, false},
		{ProcessState("bogus"), ProcessStateReady, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	for _, from := range []ProcessState{ProcessStateNew, ProcessStateReady, ProcessStateRunning, ProcessStateWaiting,
		ProcessStateHibernating, ProcessStateHibernated, ProcessStateResuming} {
		assert.True(t, IsValidTransition(from, ProcessStateTerminated), "%s must be killable", from)
	}
}

func TestProcessTable(t *testing.T) {
	table := NewProcessTable()
	assert.NotEmpty(t, table.InstanceID())
	assert.NotEqual(t, table.InstanceID(), NewProcessTable().InstanceID())

	a := registerPCB(table, PriorityNormal)
	b := registerPCB(table, PriorityNormal)
	assert.Equal(t, PID(1), a.pid)
	assert.Equal(t, PID(2), b.pid)

	_, err := table.Lookup(PID(3))
	assert.ErrorIs(t, err, ErrNotFound)

	b.mu.Lock()
	require.NoError(t, b.transitionLocked(ProcessStateTerminated))
	b.terminatedAt = testEpoch
	b.mu.Unlock()

	assert.Equal(t, map[ProcessState]int{ProcessStateNew: 1, ProcessStateTerminated: 1}, table.CountByState())
	assert.Zero(t, table.Reap(testEpoch.Add(time.Hour), time.Minute), "exit handling has not finished")

	b.mu.Lock()
	b.released = true
	b.mu.Unlock()
	assert.Zero(t, table.Reap(testEpoch.Add(time.Second), time.Minute), "retention not elapsed")
	assert.Equal(t, 1, table.Reap(testEpoch.Add(time.Minute), time.Minute))
	assert.Equal(t, 1, table.Count())

	var te *TransitionError
	a.mu.Lock()
	err = a.transitionLocked(ProcessStateHibernated)
	a.mu.Unlock()
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvariantError_Message(t *testing.T) {
	err := &InvariantError{Worker: 2, PID: 5, Detail: "claimed twice", Diagnostics: map[string]any{"owner": 1, "band": 0}}
	assert.Equal(t, "scheduler invariant violated on worker 2 for <5>: claimed twice band=0 owner=1", err.Error())
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSlidingWindow(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	assert.True(t, w.IsEmpty(testEpoch))

	assert.True(t, w.Check(testEpoch, 2).Allowed)
	assert.True(t, w.Check(testEpoch.Add(10*time.Second), 2).Allowed)
	res := w.Check(testEpoch.Add(20*time.Second), 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	assert.Equal(t, 2, w.Count(testEpoch.Add(time.Minute)))
	assert.Equal(t, 0, w.Count(testEpoch.Add(2*time.Minute)))

	w.Record(testEpoch)
	w.Reset()
	assert.True(t, w.IsEmpty(testEpoch))
}
