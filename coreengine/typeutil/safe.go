// Package typeutil provides safe conversions for loosely typed request maps,
// such as those decoded from JSON or a protobuf Struct.
package typeutil

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// SafeMapStringAny safely asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString safely asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault safely asserts value to string with a default fallback.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt64 converts integer and whole float values to int64. Floats are
// what JSON and protobuf Struct decoding produce for every number.
func SafeInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return SafeInt64(float64(v))
	default:
		return 0, false
	}
}

// SafeInt is SafeInt64 narrowed to int.
func SafeInt(value any) (int, bool) {
	v, ok := SafeInt64(value)
	if !ok || v < math.MinInt || v > math.MaxInt {
		return 0, false
	}
	return int(v), true
}

// SafeIntDefault converts value to int with a default fallback.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeUint64 converts non-negative numbers and decimal strings to uint64.
// PIDs travel as strings when they may exceed float precision.
func SafeUint64(value any) (uint64, bool) {
	if s, ok := value.(string); ok {
		v, err := strconv.ParseUint(s, 10, 64)
		return v, err == nil
	}
	if u, ok := value.(uint64); ok {
		return u, true
	}
	v, ok := SafeInt64(value)
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}

// SafeFloat64 converts value to float64.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SafeBool safely asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault safely asserts value to bool with a default fallback.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeDuration accepts a Go duration string ("10ms") or a number of
// milliseconds.
func SafeDuration(value any) (time.Duration, bool) {
	if s, ok := value.(string); ok {
		d, err := time.ParseDuration(s)
		return d, err == nil
	}
	ms, ok := SafeFloat64(value)
	if !ok {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// SafeStringSlice safely asserts value to []string.
// Also handles []any containing strings.
func SafeStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}
	if s, ok := value.([]string); ok {
		return s, true
	}
	if anySlice, ok := value.([]any); ok {
		result := make([]string, 0, len(anySlice))
		for _, item := range anySlice {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

// GetNestedValue gets a nested value using a dot-separated path.
// Example: GetNestedValue(data, "quota.max_memory_bytes").
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	current := any(data)
	for _, key := range splitPath(path) {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetNestedString gets a nested string value from a map.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}

// GetNestedInt gets a nested int value from a map.
func GetNestedInt(data map[string]any, path string) (int, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return 0, false
	}
	return SafeInt(v)
}

// splitPath splits a dot-separated path into keys.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	result := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				result = append(result, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		result = append(result, path[start:])
	}
	return result
}

// =============================================================================
// Protobuf Struct
// =============================================================================

// StructToMap converts a protobuf Struct to a plain map. A nil Struct gives
// an empty map.
func StructToMap(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// MapToStruct converts a map to a protobuf Struct. Values that Struct cannot
// represent, such as time.Duration or typed slices, are normalized first.
func MapToStruct(m map[string]any) (*structpb.Struct, error) {
	normalized := make(map[string]any, len(m))
	for k, v := range m {
		normalized[k] = normalize(v)
	}
	s, err := structpb.NewStruct(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to convert map to struct: %w", err)
	}
	return s, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []uint64:
		out := make([]any, len(x))
		for i, u := range x {
			out[i] = strconv.FormatUint(u, 10)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case map[string]int:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return v
	}
}
