package observability

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// KERNEL COLLECTOR
// =============================================================================

// KernelCollector exports a kernel metrics snapshot on every scrape. Names
// ending in _total become counters, everything else a gauge.
type KernelCollector struct {
	namespace string
	snapshot  func() map[string]float64
}

// NewKernelCollector creates a collector reading from snapshot, usually
// Kernel.MetricsSnapshot.
func NewKernelCollector(namespace string, snapshot func() map[string]float64) *KernelCollector {
	return &KernelCollector{namespace: namespace, snapshot: snapshot}
}

// Describe sends nothing: the metric set is only known at collection time,
// which makes this an unchecked collector.
func (c *KernelCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *KernelCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		valueType := prometheus.GaugeValue
		if strings.HasSuffix(name, "_total") {
			valueType = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "kernel", name),
			"Kernel metric "+name+".",
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, valueType, snap[name])
	}
}

// =============================================================================
// SERVICE METRICS
// =============================================================================

// Metrics holds the metrics recorded outside the kernel: RPC traffic and
// kernel lifecycle events.
type Metrics struct {
	grpcRequestsTotal          *prometheus.CounterVec
	grpcRequestDurationSeconds *prometheus.HistogramVec
	kernelEventsTotal          *prometheus.CounterVec
	resumeDurationSeconds      prometheus.Histogram
}

// NewMetrics registers the service metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		grpcRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grpc_requests_total",
				Help:      "Total gRPC requests",
			},
			[]string{"method", "status"}, // status: OK, InvalidArgument, NotFound, etc.
		),
		grpcRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "grpc_request_duration_seconds",
				Help:      "gRPC request duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method"},
		),
		kernelEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernel_events_total",
				Help:      "Kernel lifecycle events by type",
			},
			[]string{"event"},
		),
		resumeDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resume_duration_seconds",
				Help:      "Time from wake request to a hibernated process being runnable",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
	}
}

// RegisterKernel adds a KernelCollector for snapshot to reg.
func RegisterKernel(reg prometheus.Registerer, namespace string, snapshot func() map[string]float64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(NewKernelCollector(namespace, snapshot))
}

// RecordGRPCRequest records one finished RPC.
func (m *Metrics) RecordGRPCRequest(method string, status string, d time.Duration) {
	m.grpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.grpcRequestDurationSeconds.WithLabelValues(method).Observe(d.Seconds())
}

// RecordKernelEvent counts ev by type. Resumes carrying a latency also feed
// the resume histogram.
func (m *Metrics) RecordKernelEvent(ev *kernel.KernelEvent) {
	if ev == nil {
		return
	}
	m.kernelEventsTotal.WithLabelValues(string(ev.EventType)).Inc()
	if ev.EventType != kernel.KernelEventProcessResumed {
		return
	}
	if us, ok := ev.Data["latency_us"].(int64); ok {
		m.resumeDurationSeconds.Observe((time.Duration(us) * time.Microsecond).Seconds())
	}
}
