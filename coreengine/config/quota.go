package config

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/typeutil"
)

// QuotaFromMap builds a quota from a request map. Missing keys stay zero so
// the kernel fills them from its defaults. Durations are strings ("5ms") or
// milliseconds.
func QuotaFromMap(m map[string]any) (*kernel.ResourceQuota, error) {
	if len(m) == 0 {
		return nil, nil
	}
	q := &kernel.ResourceQuota{}
	var errs error
	for key, value := range m {
		var ok bool
		switch key {
		case "max_memory_bytes":
			q.MaxMemoryBytes, ok = typeutil.SafeInt64(value)
		case "max_recursion_depth":
			q.MaxRecursionDepth, ok = typeutil.SafeInt(value)
		case "quantum_instructions":
			q.QuantumInstructions, ok = typeutil.SafeInt(value)
		case "quantum_duration":
			q.QuantumDuration, ok = typeutil.SafeDuration(value)
		case "max_mailbox_size":
			q.MaxMailboxSize, ok = typeutil.SafeInt(value)
		default:
			errs = multierr.Append(errs, fmt.Errorf("quota.%s: unknown field", key))
			continue
		}
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("quota.%s: invalid value %v", key, value))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return q, nil
}

// QuotaToMap converts a quota to a map. Zero fields are omitted.
func QuotaToMap(q *kernel.ResourceQuota) map[string]any {
	result := map[string]any{}
	if q == nil {
		return result
	}
	if q.MaxMemoryBytes != 0 {
		result["max_memory_bytes"] = q.MaxMemoryBytes
	}
	if q.MaxRecursionDepth != 0 {
		result["max_recursion_depth"] = q.MaxRecursionDepth
	}
	if q.QuantumInstructions != 0 {
		result["quantum_instructions"] = q.QuantumInstructions
	}
	if q.QuantumDuration != 0 {
		result["quantum_duration"] = q.QuantumDuration.String()
	}
	if q.MaxMailboxSize != 0 {
		result["max_mailbox_size"] = q.MaxMailboxSize
	}
	return result
}
