package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaClass(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 4096},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
		{100_000, 131072},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, arenaClass(tt.n), "n=%d", tt.n)
	}
}

func TestNewSnapshotArena_Validates(t *testing.T) {
	_, err := NewSnapshotArena(ArenaConfig{ChunkSize: 1024, MaxChunks: 1})
	assert.Error(t, err)
	_, err = NewSnapshotArena(ArenaConfig{ChunkSize: 4096})
	assert.Error(t, err)
}

func TestSnapshotArena_RecyclesSlabs(t *testing.T) {
	for _, mmap := range []bool{false, true} {
		name := "heap"
		if mmap {
			name = "mmap"
		}
		t.Run(name, func(t *testing.T) {
			a, err := NewSnapshotArena(ArenaConfig{ChunkSize: 64 << 10, MaxChunks: 2, UseMmap: mmap})
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			assert.Zero(t, a.Capacity(), "nothing is reserved before first use")

			buf, err := a.Acquire(5000)
			require.NoError(t, err)
			assert.Empty(t, buf)
			assert.Equal(t, 8192, cap(buf))
			assert.Equal(t, int64(8192), a.InUse())
			assert.Equal(t, int64(64<<10), a.Capacity())

			buf = append(buf, []byte("snapshot")...)
			a.Release(buf)
			assert.Zero(t, a.InUse())

			again, err := a.Acquire(6000)
			require.NoError(t, err)
			assert.Equal(t, 8192, cap(again))
			assert.Equal(t, int64(64<<10), a.Capacity(), "recycled slab needs no new chunk")
			a.Release(again)
		})
	}
}

func TestSnapshotArena_Exhaustion(t *testing.T) {
	a, err := NewSnapshotArena(ArenaConfig{ChunkSize: 8192, MaxChunks: 1})
	require.NoError(t, err)

	_, err = a.Acquire(10_000)
	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, "snapshot_arena", re.Resource)

	first, err := a.Acquire(4096)
	require.NoError(t, err)
	second, err := a.Acquire(4096)
	require.NoError(t, err)
	_, err = a.Acquire(1)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	a.Release(first)
	_, err = a.Acquire(1)
	assert.NoError(t, err)
	a.Release(second)

	// Foreign buffers are ignored.
	a.Release(make([]byte, 0, 5000))
	assert.Equal(t, int64(4096), a.InUse())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.Acquire(1)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}
