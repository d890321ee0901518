package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourcePool_Admit(t *testing.T) {
	rp := NewResourcePool(2, 0, nil, nil)
	require.NoError(t, rp.Admit(1, DefaultQuota(), testEpoch))
	require.NoError(t, rp.Admit(2, DefaultQuota(), testEpoch))

	err := rp.Admit(3, DefaultQuota(), testEpoch)
	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, "processes", re.Resource)

	assert.True(t, rp.Release(1))
	assert.False(t, rp.Release(1))
	assert.NoError(t, rp.Admit(3, DefaultQuota(), testEpoch))
	assert.Equal(t, int64(2), rp.LiveProcesses())
}

func TestResourcePool_Charge(t *testing.T) {
	logger := &testLogger{}
	rp := NewResourcePool(0, 1000, nil, logger)
	quota := &ResourceQuota{MaxMemoryBytes: 600}
	require.NoError(t, rp.Admit(1, quota, testEpoch))
	require.NoError(t, rp.Admit(2, quota, testEpoch))

	require.NoError(t, rp.Charge(1, 500, testEpoch))
	assert.True(t, logger.has("WARN: approaching_memory_limit"))

	err := rp.Charge(1, 200, testEpoch)
	assert.ErrorIs(t, err, ErrOutOfMemory, "process ceiling")
	require.NoError(t, rp.Charge(2, 450, testEpoch))
	err = rp.Charge(2, 100, testEpoch)
	assert.ErrorIs(t, err, ErrOutOfMemory, "global ceiling")

	assert.Equal(t, int64(950), rp.MemoryInUse())
	assert.InDelta(t, 0.95, rp.PressureRatio(), 1e-9)

	require.NoError(t, rp.Charge(1, -10_000, testEpoch), "shrinking clamps at zero")
	usage, ok := rp.Usage(1)
	require.True(t, ok)
	assert.Zero(t, usage.MemoryBytes)
	assert.Equal(t, int64(500), usage.PeakMemoryBytes)

	assert.ErrorIs(t, rp.Charge(9, 1, testEpoch), ErrNotFound)
	assert.NoError(t, rp.Charge(9, 0, testEpoch), "zero delta is a no-op")
}

func TestResourcePool_ParkUnpark(t *testing.T) {
	rp := NewResourcePool(0, 1<<20, nil, nil)
	require.NoError(t, rp.Admit(1, DefaultQuota(), testEpoch))
	require.NoError(t, rp.Charge(1, 4096, testEpoch))
	rp.RecordStep(1, time.Millisecond, 10)

	assert.Equal(t, int64(4096), rp.Park(1))
	assert.Zero(t, rp.MemoryInUse())
	assert.Equal(t, int64(4096), rp.GetSystemUsage().ParkedBytes)
	usage, _ := rp.Usage(1)
	assert.Equal(t, int64(4096), usage.MemoryBytes, "usage still reports the parked footprint")
	assert.Equal(t, uint64(10), usage.Instructions)
	assert.Equal(t, uint64(1), usage.Steps)

	restored, err := rp.Unpark(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), restored)
	assert.Equal(t, int64(4096), rp.MemoryInUse())
	assert.Zero(t, rp.GetSystemUsage().ParkedBytes)

	rp.Park(1)
	rp.Release(1)
	su := rp.GetSystemUsage()
	assert.Zero(t, su.ParkedBytes)
	assert.Zero(t, su.MemoryBytes)
	assert.Zero(t, su.LiveProcesses)
}

func TestResourcePool_UnparkRespectsCeiling(t *testing.T) {
	rp := NewResourcePool(0, 8192, nil, nil)
	require.NoError(t, rp.Admit(1, DefaultQuota(), testEpoch))
	require.NoError(t, rp.Admit(2, DefaultQuota(), testEpoch))
	require.NoError(t, rp.Charge(1, 6000, testEpoch))
	rp.Park(1)

	// Another process takes the room while 1 is parked.
	require.NoError(t, rp.Charge(2, 4000, testEpoch))

	restored, err := rp.Unpark(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Zero(t, restored)
	assert.Equal(t, int64(4000), rp.MemoryInUse())
	assert.Equal(t, int64(6000), rp.GetSystemUsage().ParkedBytes, "bytes stay parked")

	require.NoError(t, rp.Charge(2, -2000, testEpoch))
	restored, err = rp.Unpark(1)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), restored)
	assert.Equal(t, int64(8000), rp.MemoryInUse())
	assert.Zero(t, rp.GetSystemUsage().ParkedBytes)
}

func TestUnitRegistry(t *testing.T) {
	r := NewUnitRegistry()
	unit := &CompiledUnit{ID: "counter", Code: []byte{1, 2}}

	require.Error(t, r.Register(&CompiledUnit{}))
	require.NoError(t, r.Register(unit))
	require.NoError(t, r.Register(&CompiledUnit{ID: "counter", Code: []byte{1, 2}}), "same code is idempotent")
	assert.Error(t, r.Register(&CompiledUnit{ID: "counter", Code: []byte{9}}))

	canonical, err := r.acquire(&CompiledUnit{ID: "counter", Code: []byte{1, 2}})
	require.NoError(t, err)
	assert.Same(t, unit, canonical)
	assert.Equal(t, 1, r.Refs("counter"))

	r.Unregister("counter")
	_, ok := r.Lookup("counter")
	assert.True(t, ok, "still referenced by a process")
	r.release("counter")
	_, ok = r.Lookup("counter")
	assert.False(t, ok)

	_, err = r.acquire(&CompiledUnit{ID: "temp", Code: []byte{0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"temp"}, r.IDs())
	r.release("temp")
	assert.Empty(t, r.IDs(), "unpinned units go away with their last process")
}

func TestColdStartOptimizer_Pool(t *testing.T) {
	c := newColdStartOptimizer(nil, ColdStartConfig{
		SizeClasses:     []int{16 << 10, 4 << 10},
		PrewarmPerClass: 2,
		MaxPerClass:     3,
	})
	assert.Equal(t, 4, c.Available())

	buf, hit := c.AcquireContext(100)
	assert.True(t, hit)
	assert.Equal(t, 4<<10, cap(buf))
	assert.Empty(t, buf)

	buf, hit = c.AcquireContext(10 << 10)
	assert.True(t, hit)
	assert.Equal(t, 16<<10, cap(buf))

	big, hit := c.AcquireContext(1 << 20)
	assert.False(t, hit, "larger than every class")
	assert.Equal(t, 1<<20, cap(big))
	assert.Equal(t, 2, c.Available())

	buf = append(buf, "dirty"...)
	c.ReleaseContext(buf)
	again, _ := c.AcquireContext(10 << 10)
	assert.Equal(t, byte(0), again[:1][0], "released buffers are zeroed")

	c.ReleaseContext(big)
	c.ReleaseContext(nil)
	assert.Equal(t, 2, c.Replenish())
	assert.Equal(t, 4, c.Available())
	assert.Equal(t, 1, c.Prewarm(4<<10, 5), "class capacity caps prewarming")
	assert.Zero(t, c.Prewarm(1<<30, 1))
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	m.hibernations.Add(3)
	m.hibernationFailures.Add(1)
	m.warmStarts.Add(1)
	m.coldStarts.Add(3)
	m.resumeLatency.observe(500 * time.Microsecond)
	m.resumeLatency.observe(30 * time.Millisecond)
	m.RegisterGauge("answer", func() float64 { return 42 })

	snap := m.Snapshot()
	assert.Equal(t, 0.75, snap["hibernation_success_ratio"])
	assert.Equal(t, 0.25, snap["context_pool_hit_ratio"])
	assert.Zero(t, snap["steal_success_ratio"])
	assert.Equal(t, float64(42), snap["answer"])

	lat := m.ResumeLatency()
	assert.Equal(t, uint64(2), lat.Count)
	assert.Equal(t, 30*time.Millisecond, lat.Max)
	assert.Equal(t, 15250*time.Microsecond, lat.Mean)

	names := m.Names()
	assert.Contains(t, names, "answer")
	assert.IsNonDecreasing(t, names)
}
