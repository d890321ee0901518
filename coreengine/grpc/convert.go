package grpc

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/typeutil"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/vm"
)

// =============================================================================
// REQUEST -> KERNEL
// =============================================================================

func spawnOptionsFromArgs(args map[string]any) (kernel.SpawnOptions, error) {
	var opts kernel.SpawnOptions
	var err error

	if s, ok := typeutil.SafeString(args["priority"]); ok {
		if opts.Priority, err = kernel.ParsePriority(s); err != nil {
			return opts, invalid("priority", err)
		}
	}
	if s, ok := typeutil.SafeString(args["tier"]); ok {
		if opts.Tier, err = kernel.ParseSecurityTier(s); err != nil {
			return opts, invalid("tier", err)
		}
	}
	if s, ok := typeutil.SafeString(args["restart_policy"]); ok {
		if opts.RestartPolicy, err = kernel.ParseRestartPolicy(s); err != nil {
			return opts, invalid("restart_policy", err)
		}
	}
	if q, ok := typeutil.SafeMapStringAny(args["quota"]); ok {
		if opts.Quota, err = config.QuotaFromMap(q); err != nil {
			return opts, invalid("quota", err)
		}
	}
	if opts.Supervisor, err = optionalPID(args, "supervisor"); err != nil {
		return opts, err
	}
	opts.TrapExit = typeutil.SafeBoolDefault(args["trap_exit"], false)

	if raw, ok := args["link_to"].([]any); ok {
		for i, v := range raw {
			n, ok := typeutil.SafeUint64(v)
			if !ok || n == 0 {
				return opts, invalid(fmt.Sprintf("link_to[%d]", i), fmt.Errorf("invalid pid %v", v))
			}
			opts.LinkTo = append(opts.LinkTo, kernel.PID(n))
		}
	}

	if _, ok := typeutil.SafeMapStringAny(args["supervision"]); ok {
		so := &kernel.SupervisionOptions{}
		if s, ok := typeutil.GetNestedString(args, "supervision.strategy"); ok {
			if so.Strategy, err = kernel.ParseRestartStrategy(s); err != nil {
				return opts, invalid("supervision.strategy", err)
			}
		}
		if n, ok := typeutil.GetNestedInt(args, "supervision.max_restarts"); ok {
			so.MaxRestarts = n
		}
		if v, ok := typeutil.GetNestedValue(args, "supervision.window"); ok {
			w, ok := typeutil.SafeDuration(v)
			if !ok {
				return opts, invalid("supervision.window", fmt.Errorf("invalid duration %v", v))
			}
			so.Window = w
		}
		opts.Supervision = so
	}
	return opts, nil
}

// payloadFromArgs reads a message body. value is an integer sent in the
// engine's eight-byte encoding, text is sent verbatim and payload is
// base64.
func payloadFromArgs(args map[string]any) ([]byte, error) {
	if v, ok := args["value"]; ok {
		n, ok := typeutil.SafeInt64(v)
		if !ok {
			return nil, invalid("value", fmt.Errorf("not an integer: %v", v))
		}
		return vm.EncodeValue(n), nil
	}
	if s, ok := typeutil.SafeString(args["text"]); ok {
		return []byte(s), nil
	}
	if s, ok := typeutil.SafeString(args["payload"]); ok {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, invalid("payload", err)
		}
		return b, nil
	}
	return nil, InvalidArgument("value, text or payload")
}

func wakeTimeFromArgs(args map[string]any, now time.Time) (time.Time, error) {
	if s, ok := typeutil.SafeString(args["at"]); ok {
		at, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, invalid("at", err)
		}
		return at, nil
	}
	if v, ok := args["after"]; ok {
		d, ok := typeutil.SafeDuration(v)
		if !ok || d < 0 {
			return time.Time{}, invalid("after", fmt.Errorf("invalid duration %v", v))
		}
		return now.Add(d), nil
	}
	return time.Time{}, InvalidArgument("at or after")
}

// =============================================================================
// KERNEL -> RESPONSE
// =============================================================================

func pidValue(p kernel.PID) uint64 { return uint64(p) }

func pidList(pids []kernel.PID) []uint64 {
	out := make([]uint64, len(pids))
	for i, p := range pids {
		out[i] = uint64(p)
	}
	return out
}

func statusToMap(st kernel.ProcessStatus) map[string]any {
	m := map[string]any{
		"pid":                pidValue(st.PID),
		"state":              string(st.State),
		"status":             st.String(),
		"priority":           string(st.Priority),
		"effective_priority": string(st.EffectivePriority),
		"tier":               string(st.Tier),
		"port":               st.Port,
		"hot":                st.Hot,
		"mailbox_len":        st.MailboxLen,
		"recursion_depth":    st.RecursionDepth,
		"links":              pidList(st.Links),
		"monitors":           pidList(st.Monitors),
		"trap_exit":          st.TrapExit,
		"usage": map[string]any{
			"memory_bytes":      st.Usage.MemoryBytes,
			"peak_memory_bytes": st.Usage.PeakMemoryBytes,
			"cpu_time":          st.Usage.CPUTime,
			"instructions":      st.Usage.Instructions,
			"steps":             st.Usage.Steps,
		},
		"created_at":    st.CreatedAt,
		"last_activity": st.LastActivity,
	}
	if st.Parent != kernel.NoPID {
		m["parent"] = pidValue(st.Parent)
	}
	if st.UnitID != "" {
		m["unit_id"] = st.UnitID
	}
	if st.ExitReason != "" {
		m["exit_reason"] = string(st.ExitReason)
	}
	if st.Supervisor != kernel.NoPID {
		m["supervisor"] = pidValue(st.Supervisor)
		m["restart_policy"] = string(st.RestartPolicy)
	}
	return m
}

func systemStatusToMap(s kernel.SystemStatus) map[string]any {
	processes := make(map[string]any, len(s.Processes))
	for state, n := range s.Processes {
		processes[string(state)] = n
	}
	return map[string]any{
		"instance_id": s.InstanceID,
		"started_at":  s.StartedAt,
		"uptime":      s.Uptime,
		"running":     s.Running,
		"workers":     s.Workers,
		"processes":   processes,
		"resources": map[string]any{
			"live_processes":   s.Resources.LiveProcesses,
			"max_processes":    s.Resources.MaxProcesses,
			"memory_bytes":     s.Resources.MemoryBytes,
			"max_memory_bytes": s.Resources.MaxMemoryBytes,
			"parked_bytes":     s.Resources.ParkedBytes,
			"arena_in_use":     s.Resources.ArenaInUse,
			"arena_capacity":   s.Resources.ArenaCapacity,
		},
		"queue_depth":  s.QueueDepth,
		"hibernated":   s.Hibernated,
		"pending_wake": s.PendingWake,
	}
}

func messageToMap(msg kernel.Message) map[string]any {
	m := map[string]any{
		"id":      msg.ID,
		"kind":    msg.Kind.String(),
		"from":    pidValue(msg.From),
		"sent_at": msg.SentAt,
	}
	if msg.Kind == kernel.MessageUser {
		m["payload"] = base64.StdEncoding.EncodeToString(msg.Payload)
		m["value"] = vm.DecodeValue(msg.Payload)
	} else {
		m["reason"] = string(msg.Reason)
	}
	return m
}

func eventToMap(ev *kernel.KernelEvent) map[string]any {
	m := map[string]any{
		"type":      string(ev.EventType),
		"timestamp": ev.Timestamp,
	}
	if ev.PID != kernel.NoPID {
		m["pid"] = pidValue(ev.PID)
	}
	if len(ev.Data) > 0 {
		m["data"] = ev.Data
	}
	return m
}
