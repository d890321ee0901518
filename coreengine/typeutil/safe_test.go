package typeutil

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

// =============================================================================
// SCALAR TESTS
// =============================================================================

func TestSafeInt64(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   int64
		wantOK bool
	}{
		{name: "int", input: 42, want: 42, wantOK: true},
		{name: "int32", input: int32(-7), want: -7, wantOK: true},
		{name: "whole float", input: float64(1 << 20), want: 1 << 20, wantOK: true},
		{name: "fractional float", input: 1.5},
		{name: "huge float", input: math.MaxFloat64},
		{name: "uint64 overflow", input: uint64(math.MaxUint64)},
		{name: "string", input: "42"},
		{name: "nil", input: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt64(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeUint64(t *testing.T) {
	v, ok := SafeUint64("18446744073709551615")
	assert.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), v)

	v, ok = SafeUint64(float64(12))
	assert.True(t, ok)
	assert.Equal(t, uint64(12), v)

	_, ok = SafeUint64(-1)
	assert.False(t, ok)
	_, ok = SafeUint64("x")
	assert.False(t, ok)
}

func TestSafeDuration(t *testing.T) {
	tests := []struct {
		input  any
		want   time.Duration
		wantOK bool
	}{
		{"10ms", 10 * time.Millisecond, true},
		{float64(250), 250 * time.Millisecond, true},
		{3, 3 * time.Millisecond, true},
		{"soon", 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := SafeDuration(tt.input)
		assert.Equal(t, tt.wantOK, ok, "%v", tt.input)
		assert.Equal(t, tt.want, got, "%v", tt.input)
	}
}

func TestSafeScalarsWithDefaults(t *testing.T) {
	assert.Equal(t, "x", SafeStringDefault("x", "d"))
	assert.Equal(t, "d", SafeStringDefault(1, "d"))
	assert.Equal(t, 7, SafeIntDefault(float64(7), 0))
	assert.Equal(t, 3, SafeIntDefault("7", 3))
	assert.True(t, SafeBoolDefault(true, false))
	assert.True(t, SafeBoolDefault("false", true))

	f, ok := SafeFloat64(int64(2))
	assert.True(t, ok)
	assert.Equal(t, 2.0, f)
}

func TestSafeStringSlice(t *testing.T) {
	got, ok := SafeStringSlice([]any{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)
	_, ok = SafeStringSlice(nil)
	assert.False(t, ok)
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"quota": map[string]any{
			"max_memory_bytes": float64(1024),
			"tier":             "sandboxed",
		},
		"flat": 1,
	}

	v, ok := GetNestedInt(data, "quota.max_memory_bytes")
	assert.True(t, ok)
	assert.Equal(t, 1024, v)

	s, ok := GetNestedString(data, "quota.tier")
	assert.True(t, ok)
	assert.Equal(t, "sandboxed", s)

	_, ok = GetNestedValue(data, "flat.deeper")
	assert.False(t, ok)
	_, ok = GetNestedValue(data, "missing")
	assert.False(t, ok)
	_, ok = GetNestedValue(nil, "quota")
	assert.False(t, ok)
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitPath("a..b.c."))
	assert.Nil(t, splitPath(""))
}

// =============================================================================
// STRUCT TESTS
// =============================================================================

type label string

func (l label) String() string { return "label:" + string(l) }

func TestMapToStruct(t *testing.T) {
	s, err := MapToStruct(map[string]any{
		"duration": 1500 * time.Millisecond,
		"at":       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		"name":     label("x"),
		"links":    []uint64{1, 2},
		"tags":     []string{"a"},
		"nested":   map[string]any{"big": uint64(1 << 60)},
		"metrics":  map[string]float64{"spawns_total": 3},
		"counts":   map[string]int{"ready": 2},
		"plain":    1.5,
	})
	require.NoError(t, err)

	m := StructToMap(s)
	assert.Equal(t, "1.5s", m["duration"])
	assert.Equal(t, "2026-01-02T03:04:05Z", m["at"])
	assert.Equal(t, "label:x", m["name"])
	assert.Equal(t, []any{"1", "2"}, m["links"])
	assert.Equal(t, []any{"a"}, m["tags"])
	assert.Equal(t, map[string]any{"big": "1152921504606846976"}, m["nested"])
	assert.Equal(t, map[string]any{"spawns_total": 3.0}, m["metrics"])
	assert.Equal(t, map[string]any{"ready": 2.0}, m["counts"])
	assert.Equal(t, 1.5, m["plain"])

	_, err = MapToStruct(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestStructToMap_Nil(t *testing.T) {
	assert.Empty(t, StructToMap(nil))
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, StructToMap(s))
}
