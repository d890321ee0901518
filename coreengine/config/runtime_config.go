// Package config holds the daemon configuration: the kernel tuning plus the
// settings of the outer surfaces (gRPC, metrics, tracing, snapshot storage,
// logging).
//
// A configuration file is YAML. Durations are strings such as "10ms".
// Every field is optional; missing fields keep their defaults.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// SnapshotBackend selects where hibernated processes are stored.
type SnapshotBackend string

const (
	// SnapshotMemory keeps snapshots on the heap.
	SnapshotMemory SnapshotBackend = "memory"
	// SnapshotAFS writes snapshots to any afs URL (file://, mem://, s3://, gs://).
	SnapshotAFS SnapshotBackend = "afs"
)

// GRPCConfig configures the RPC front door.
type GRPCConfig struct {
	Address string `json:"address" yaml:"address"`
	// MaxRecvMsgSize bounds request size in bytes; zero keeps the grpc default.
	MaxRecvMsgSize int `json:"max_recv_msg_size" yaml:"max_recv_msg_size"`
	// ShutdownTimeout bounds graceful stop before connections are cut.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address   string `json:"address" yaml:"address"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// SnapshotConfig configures the snapshot store.
type SnapshotConfig struct {
	Backend SnapshotBackend `json:"backend" yaml:"backend"`
	// URL is the afs base location; used when Backend is afs.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	// Format is json or console.
	Format string `json:"format" yaml:"format"`
}

// RuntimeConfig is the complete daemon configuration.
type RuntimeConfig struct {
	Kernel   *kernel.KernelConfig `json:"kernel" yaml:"kernel"`
	GRPC     GRPCConfig           `json:"grpc" yaml:"grpc"`
	Metrics  MetricsConfig        `json:"metrics" yaml:"metrics"`
	Tracing  TracingConfig        `json:"tracing" yaml:"tracing"`
	Snapshot SnapshotConfig       `json:"snapshot" yaml:"snapshot"`
	Log      LogConfig            `json:"log" yaml:"log"`
}

// DefaultRuntimeConfig returns a RuntimeConfig with default values.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Kernel: kernel.DefaultKernelConfig(),
		GRPC: GRPCConfig{
			Address:         ":50051",
			MaxRecvMsgSize:  4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "actorkernel",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "actorkernel",
			SampleRatio: 1,
		},
		Snapshot: SnapshotConfig{Backend: SnapshotMemory},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Parse decodes YAML over the defaults. Unknown keys are rejected. An empty
// document yields the defaults.
func Parse(data []byte) (*RuntimeConfig, error) {
	c := DefaultRuntimeConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Kernel == nil {
		c.Kernel = kernel.DefaultKernelConfig()
	}
	return c, nil
}

// Load reads a configuration file from a path or any afs URL.
func Load(ctx context.Context, fs afs.Service, location string) (*RuntimeConfig, error) {
	if fs == nil {
		fs = afs.New()
	}
	location = url.Normalize(location, file.Scheme)
	data, err := fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", location, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return c, nil
}

// Marshal renders the configuration as YAML.
func (c *RuntimeConfig) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate reports every problem at once.
func (c *RuntimeConfig) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Kernel == nil {
		add("kernel: section is required")
	} else {
		errs = multierr.Append(errs, validateKernel(c.Kernel))
	}

	if strings.TrimSpace(c.GRPC.Address) == "" {
		add("grpc.address: must not be empty")
	}
	if c.GRPC.MaxRecvMsgSize < 0 {
		add("grpc.max_recv_msg_size: must be >= 0, got %d", c.GRPC.MaxRecvMsgSize)
	}
	if c.GRPC.ShutdownTimeout < 0 {
		add("grpc.shutdown_timeout: must be >= 0, got %s", c.GRPC.ShutdownTimeout)
	}
	if c.Metrics.Address != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path: must start with '/', got %q", c.Metrics.Path)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint: required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio: must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}

	switch c.Snapshot.Backend {
	case SnapshotMemory, "":
	case SnapshotAFS:
		if c.Snapshot.URL == "" {
			add("snapshot.url: required for the afs backend")
		}
	default:
		add("snapshot.backend: unknown backend %q", c.Snapshot.Backend)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format: must be json or console, got %q", c.Log.Format)
	}
	return errs
}

func validateKernel(k *kernel.KernelConfig) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("kernel."+format, args...))
	}

	if k.Workers < 0 {
		add("workers: must be >= 0, got %d", k.Workers)
	}
	if k.MaxProcesses < 0 {
		add("max_processes: must be >= 0, got %d", k.MaxProcesses)
	}
	if k.MaxMemoryBytes < 0 {
		add("max_memory_bytes: must be >= 0, got %d", k.MaxMemoryBytes)
	}
	if q := k.DefaultQuota; q != nil {
		if q.MaxMemoryBytes < 0 || q.MaxRecursionDepth < 0 || q.QuantumInstructions < 0 || q.QuantumDuration < 0 || q.MaxMailboxSize < 0 {
			add("default_quota: fields must be >= 0")
		}
	}
	if s := k.Security; s != nil && s.DefaultTier != "" {
		if _, err := kernel.ParseSecurityTier(string(s.DefaultTier)); err != nil {
			add("security.default_tier: %v", err)
		}
	}
	if s := k.Scheduler; s != nil {
		if s.StealAttempts < 0 {
			add("scheduler.steal_attempts: must be >= 0, got %d", s.StealAttempts)
		}
		if s.IdleBackoffMax < s.IdleBackoffInitial {
			add("scheduler.idle_backoff_max: %s is below idle_backoff_initial %s", s.IdleBackoffMax, s.IdleBackoffInitial)
		}
		if s.GlobalQueueInterval < 0 {
			add("scheduler.global_queue_interval: must be >= 0, got %d", s.GlobalQueueInterval)
		}
	}
	if s := k.Supervisor; s != nil {
		if s.MaxRestarts < 0 {
			add("supervisor.max_restarts: must be >= 0, got %d", s.MaxRestarts)
		}
		if s.Window <= 0 {
			add("supervisor.window: must be > 0, got %s", s.Window)
		}
		if s.BackoffMax < s.BackoffInitial {
			add("supervisor.backoff_max: %s is below backoff_initial %s", s.BackoffMax, s.BackoffInitial)
		}
	}
	if h := k.Hibernation; h != nil && h.Enabled {
		if h.IdleThreshold <= 0 {
			add("hibernation.idle_threshold: must be > 0, got %s", h.IdleThreshold)
		}
		if h.SweepInterval <= 0 {
			add("hibernation.sweep_interval: must be > 0, got %s", h.SweepInterval)
		}
		if h.MemoryPressureRatio <= 0 || h.MemoryPressureRatio > 1 {
			add("hibernation.memory_pressure_ratio: must be within (0, 1], got %g", h.MemoryPressureRatio)
		}
		if h.MaxPerSweep < 0 {
			add("hibernation.max_per_sweep: must be >= 0, got %d", h.MaxPerSweep)
		}
	}
	if a := k.Arena; a.ChunkSize != 0 && (a.ChunkSize < 4096 || a.ChunkSize%4096 != 0) {
		add("arena.chunk_size: must be a positive multiple of 4096, got %d", a.ChunkSize)
	}
	for i, size := range k.ColdStart.SizeClasses {
		if size <= 0 {
			add("cold_start.size_classes[%d]: must be > 0, got %d", i, size)
		}
	}
	return errs
}
