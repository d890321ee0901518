package kernel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Metrics Collector
// =============================================================================

// MetricsCollector keeps lock-free counters for the kernel. Collection only
// reads: gauges are callbacks that load atomics owned by other components.
type MetricsCollector struct {
	spawns              atomic.Uint64
	exits               atomic.Uint64
	crashes             atomic.Uint64
	restarts            atomic.Uint64
	escalations         atomic.Uint64
	hibernations        atomic.Uint64
	hibernationAborts   atomic.Uint64
	hibernationFailures atomic.Uint64
	resumes             atomic.Uint64
	resumeFailures      atomic.Uint64
	steals              atomic.Uint64
	stealAttempts       atomic.Uint64
	preemptions         atomic.Uint64
	realtimePreemptions atomic.Uint64
	quantumOverruns     atomic.Uint64
	securityDenials     atomic.Uint64
	messagesSent        atomic.Uint64
	messagesRejected    atomic.Uint64
	agingPromotions     atomic.Uint64
	warmStarts          atomic.Uint64
	coldStarts          atomic.Uint64
	snapshotRawBytes    atomic.Uint64
	snapshotSealedBytes atomic.Uint64

	resumeLatency latencyStats

	gaugeMu sync.RWMutex
	gauges  map[string]func() float64
}

// latencyStats buckets resume latency the way operators read it.
type latencyStats struct {
	count     atomic.Uint64
	sumNanos  atomic.Uint64
	maxNanos  atomic.Uint64
	ultraFast atomic.Uint64
	fast      atomic.Uint64
	slow      atomic.Uint64
}

func (l *latencyStats) observe(d time.Duration) {
	n := uint64(d)
	l.count.Add(1)
	l.sumNanos.Add(n)
	for {
		cur := l.maxNanos.Load()
		if n <= cur || l.maxNanos.CompareAndSwap(cur, n) {
			break
		}
	}
	switch {
	case d < time.Millisecond:
		l.ultraFast.Add(1)
	case d < 10*time.Millisecond:
		l.fast.Add(1)
	default:
		l.slow.Add(1)
	}
}

// LatencySummary is a snapshot of resume latency.
type LatencySummary struct {
	Count     uint64        `json:"count"`
	Mean      time.Duration `json:"mean"`
	Max       time.Duration `json:"max"`
	UltraFast uint64        `json:"ultra_fast"`
	Fast      uint64        `json:"fast"`
	Slow      uint64        `json:"slow"`
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{gauges: make(map[string]func() float64)}
}

// RegisterGauge adds a named gauge read at collection time.
func (m *MetricsCollector) RegisterGauge(name string, fn func() float64) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	m.gauges[name] = fn
}

// ResumeLatency returns the resume latency summary.
func (m *MetricsCollector) ResumeLatency() LatencySummary {
	l := &m.resumeLatency
	s := LatencySummary{
		Count:     l.count.Load(),
		Max:       time.Duration(l.maxNanos.Load()),
		UltraFast: l.ultraFast.Load(),
		Fast:      l.fast.Load(),
		Slow:      l.slow.Load(),
	}
	if s.Count > 0 {
		s.Mean = time.Duration(l.sumNanos.Load() / s.Count)
	}
	return s
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Snapshot returns every metric by name. Names ending in _total are
// monotonic counters; everything else is a gauge.
func (m *MetricsCollector) Snapshot() map[string]float64 {
	out := map[string]float64{
		"spawns_total":                float64(m.spawns.Load()),
		"exits_total":                 float64(m.exits.Load()),
		"crashes_total":               float64(m.crashes.Load()),
		"restarts_total":              float64(m.restarts.Load()),
		"escalations_total":           float64(m.escalations.Load()),
		"hibernations_total":          float64(m.hibernations.Load()),
		"hibernation_aborts_total":    float64(m.hibernationAborts.Load()),
		"hibernation_failures_total":  float64(m.hibernationFailures.Load()),
		"resumes_total":               float64(m.resumes.Load()),
		"resume_failures_total":       float64(m.resumeFailures.Load()),
		"steals_total":                float64(m.steals.Load()),
		"steal_attempts_total":        float64(m.stealAttempts.Load()),
		"preemptions_total":           float64(m.preemptions.Load()),
		"realtime_preemptions_total":  float64(m.realtimePreemptions.Load()),
		"quantum_overruns_total":      float64(m.quantumOverruns.Load()),
		"security_denials_total":      float64(m.securityDenials.Load()),
		"messages_sent_total":         float64(m.messagesSent.Load()),
		"messages_rejected_total":     float64(m.messagesRejected.Load()),
		"aging_promotions_total":      float64(m.agingPromotions.Load()),
		"warm_starts_total":           float64(m.warmStarts.Load()),
		"cold_starts_total":           float64(m.coldStarts.Load()),
		"snapshot_raw_bytes_total":    float64(m.snapshotRawBytes.Load()),
		"snapshot_sealed_bytes_total": float64(m.snapshotSealedBytes.Load()),
	}

	hib := m.hibernations.Load()
	out["hibernation_success_ratio"] = ratio(hib, hib+m.hibernationFailures.Load())
	warm := m.warmStarts.Load()
	out["context_pool_hit_ratio"] = ratio(warm, warm+m.coldStarts.Load())
	out["steal_success_ratio"] = ratio(m.steals.Load(), m.stealAttempts.Load())
	out["snapshot_compression_ratio"] = ratio(m.snapshotSealedBytes.Load(), m.snapshotRawBytes.Load())

	lat := m.ResumeLatency()
	out["resume_latency_avg_seconds"] = lat.Mean.Seconds()
	out["resume_latency_max_seconds"] = lat.Max.Seconds()
	out["resume_ultra_fast_total"] = float64(lat.UltraFast)
	out["resume_fast_total"] = float64(lat.Fast)
	out["resume_slow_total"] = float64(lat.Slow)

	m.gaugeMu.RLock()
	for name, fn := range m.gauges {
		out[name] = fn()
	}
	m.gaugeMu.RUnlock()
	return out
}

// Names returns the sorted metric names of a snapshot.
func (m *MetricsCollector) Names() []string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
