package grpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/vm"
)

func TestSpawnOptionsFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want kernel.SpawnOptions
	}{
		{
			name: "empty",
			args: map[string]any{},
			want: kernel.SpawnOptions{},
		},
		{
			name: "scalars",
			args: map[string]any{
				"priority":       "low",
				"tier":           "sandboxed",
				"restart_policy": "transient",
				"supervisor":     "7",
				"trap_exit":      true,
				"link_to":        []any{"3", float64(4)},
			},
			want: kernel.SpawnOptions{
				Priority:      kernel.PriorityLow,
				Tier:          kernel.TierSandboxed,
				RestartPolicy: kernel.RestartTransient,
				Supervisor:    7,
				TrapExit:      true,
				LinkTo:        []kernel.PID{3, 4},
			},
		},
		{
			name: "supervision",
			args: map[string]any{
				"supervision": map[string]any{
					"strategy":     "one_for_all",
					"max_restarts": float64(3),
					"window":       "30s",
				},
			},
			want: kernel.SpawnOptions{
				Supervision: &kernel.SupervisionOptions{
					Strategy:    kernel.StrategyOneForAll,
					MaxRestarts: 3,
					Window:      30 * time.Second,
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := spawnOptionsFromArgs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpawnOptionsFromArgs_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"priority", map[string]any{"priority": "urgent"}, "priority"},
		{"tier", map[string]any{"tier": "root"}, "tier"},
		{"link to zero", map[string]any{"link_to": []any{"0"}}, "link_to[0]"},
		{"strategy", map[string]any{"supervision": map[string]any{"strategy": "all_for_one"}}, "supervision.strategy"},
		{"window", map[string]any{"supervision": map[string]any{"window": true}}, "supervision.window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spawnOptionsFromArgs(tt.args)
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Contains(t, status.Convert(err).Message(), tt.field)
		})
	}
}

func TestPayloadFromArgs(t *testing.T) {
	b, err := payloadFromArgs(map[string]any{"value": float64(-5)})
	require.NoError(t, err)
	assert.Equal(t, vm.EncodeValue(-5), b)

	b, err = payloadFromArgs(map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b)

	b, err = payloadFromArgs(map[string]any{"payload": "AAE="})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, b)

	_, err = payloadFromArgs(map[string]any{"payload": "%%"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = payloadFromArgs(map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWakeTimeFromArgs(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	at, err := wakeTimeFromArgs(map[string]any{"after": "90s"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), at)

	at, err = wakeTimeFromArgs(map[string]any{"at": "2026-01-02T00:00:00Z"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), at)

	_, err = wakeTimeFromArgs(map[string]any{"after": "-1s"}, now)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestEventToMap(t *testing.T) {
	ev := kernel.NewKernelEvent(kernel.KernelEventProcessRestarted, 9, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ev.Data = map[string]any{"old_pid": uint64(4)}

	m := eventToMap(ev)
	assert.Equal(t, "process.restarted", m["type"])
	assert.Equal(t, uint64(9), m["pid"])
	assert.Equal(t, map[string]any{"old_pid": uint64(4)}, m["data"])

	bare := eventToMap(kernel.NewKernelEvent(kernel.KernelEventProcessSpawned, kernel.NoPID, time.Time{}))
	assert.NotContains(t, bare, "pid")
	assert.NotContains(t, bare, "data")
}
