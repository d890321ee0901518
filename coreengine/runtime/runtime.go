// Package runtime assembles a running kernel from configuration: the
// snapshot store, the unit registry, the bytecode engine and the metrics
// that watch them.
package runtime

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/jeeves-cluster-organization/actorkernel/commbus"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/vm"
)

// Unit file extensions understood by LoadUnitFile and LoadUnitDir.
const (
	// SourceExt marks assembly source.
	SourceExt = ".akasm"
	// ProgramExt marks an encoded program.
	ProgramExt = ".akvm"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock runs the kernel on c instead of the wall clock.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithRegisterer exports kernel and service metrics to reg, which must not
// hold them already. Without it the runtime records no Prometheus metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runtime) { r.registerer = reg }
}

// WithFileSystem replaces the afs service used for snapshots and unit files.
func WithFileSystem(fs afs.Service) Option {
	return func(r *Runtime) { r.fs = fs }
}

// WithEngineOptions passes options to the bytecode engine.
func WithEngineOptions(opts ...vm.Option) Option {
	return func(r *Runtime) { r.engineOpts = append(r.engineOpts, opts...) }
}

// Event subscribers that fail this many times in a row stop receiving that
// event type for eventCircuitReset.
const (
	eventCircuitThreshold = 5
	eventCircuitReset     = 30 * time.Second
)

// Runtime owns a kernel and everything it was built from.
type Runtime struct {
	Config  *config.RuntimeConfig
	Logger  kernel.Logger
	Kernel  *kernel.Kernel
	Units   *kernel.UnitRegistry
	Engine  *vm.Engine
	Store   snapshot.Store
	Metrics *observability.Metrics
	// Events carries every kernel event to its subscribers.
	Events  *commbus.Bus

	clock      clock.WithTickerAndDelayedExecution
	registerer prometheus.Registerer
	fs         afs.Service
	engineOpts []vm.Option

	mu      sync.Mutex
	started bool
}

// New validates cfg and builds the runtime. A nil cfg uses the defaults.
func New(cfg *config.RuntimeConfig, logger kernel.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultRuntimeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	r := &Runtime{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.fs == nil {
		r.fs = afs.New()
	}

	r.Store = r.newStore()
	r.Units = kernel.NewUnitRegistry()
	r.Engine = vm.New(r.Units, logger, r.engineOpts...)

	kopts := []kernel.Option{
		kernel.WithUnitRegistry(r.Units),
		kernel.WithSnapshotStore(r.Store),
	}
	if r.clock != nil {
		kopts = append(kopts, kernel.WithClock(r.clock))
	}
	k, err := kernel.NewKernel(logger, r.Engine, cfg.Kernel, kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel: %w", err)
	}
	r.Kernel = k

	r.Events = commbus.NewBus(logger)
	if logger != nil {
		r.Events.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	}
	r.Events.AddMiddleware(commbus.NewCircuitBreakerMiddleware(
		eventCircuitThreshold, eventCircuitReset, nil, k.Clock()))
	k.OnEvent(r.Events.Hook())

	if r.registerer != nil {
		r.Metrics = observability.NewMetrics(r.registerer, cfg.Metrics.Namespace)
		if err := observability.RegisterKernel(r.registerer, cfg.Metrics.Namespace, k.MetricsSnapshot); err != nil {
			_ = k.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to register kernel metrics: %w", err)
		}
		r.Events.Subscribe(commbus.AllEvents, func(_ context.Context, ev *kernel.KernelEvent) error {
			r.Metrics.RecordKernelEvent(ev)
			return nil
		})
	}

	if logger != nil {
		logger.Info("runtime_created",
			"instance_id", k.GetSystemStatus().InstanceID,
			"workers", k.Scheduler().Workers(),
			"snapshot_backend", string(cfg.Snapshot.Backend),
			"hibernation", cfg.Kernel.Hibernation.Enabled,
		)
	}
	return r, nil
}

func (r *Runtime) newStore() snapshot.Store {
	if r.Config.Snapshot.Backend == config.SnapshotAFS {
		return snapshot.NewAFSStore(r.fs, r.Config.Snapshot.URL)
	}
	return snapshot.NewMemoryStore()
}

// =============================================================================
// Units
// =============================================================================

// LoadUnit assembles src and registers it under id.
func (r *Runtime) LoadUnit(id, src string) (*kernel.CompiledUnit, error) {
	unit, err := vm.Compile(id, src)
	if err != nil {
		return nil, err
	}
	return unit, r.register(unit)
}

// LoadProgram registers an already encoded program under id. The encoding
// is validated first.
func (r *Runtime) LoadProgram(id string, code []byte) (*kernel.CompiledUnit, error) {
	if _, err := vm.Decode(code); err != nil {
		return nil, fmt.Errorf("unit %q: %w", id, err)
	}
	unit := &kernel.CompiledUnit{ID: id, Code: append([]byte(nil), code...)}
	return unit, r.register(unit)
}

func (r *Runtime) register(unit *kernel.CompiledUnit) error {
	if err := r.Units.Register(unit); err != nil {
		return err
	}
	if r.Logger != nil {
		r.Logger.Debug("unit_registered", "unit", unit.ID, "bytes", len(unit.Code))
	}
	return nil
}

// LoadUnitFile reads a unit from a path or afs URL. The unit ID is the file
// name without its extension; the extension selects source or encoded form.
func (r *Runtime) LoadUnitFile(ctx context.Context, location string) (*kernel.CompiledUnit, error) {
	location = url.Normalize(location, file.Scheme)
	data, err := r.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit %s: %w", location, err)
	}
	name := path.Base(location)
	ext := path.Ext(name)
	id := strings.TrimSuffix(name, ext)
	switch ext {
	case SourceExt:
		return r.LoadUnit(id, string(data))
	case ProgramExt:
		return r.LoadProgram(id, data)
	default:
		return nil, fmt.Errorf("unit %s: unsupported extension %q", location, ext)
	}
}

// LoadUnitDir loads every unit file directly under dir and returns their IDs
// in sorted order. Files with other extensions are skipped.
func (r *Runtime) LoadUnitDir(ctx context.Context, dir string) ([]string, error) {
	dir = url.Normalize(dir, file.Scheme)
	objects, err := r.fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list units in %s: %w", dir, err)
	}

	var ids []string
	var errs error
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		switch path.Ext(object.Name()) {
		case SourceExt, ProgramExt:
		default:
			continue
		}
		unit, err := r.LoadUnitFile(ctx, object.URL())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ids = append(ids, unit.ID)
	}
	sort.Strings(ids)
	return ids, errs
}

// =============================================================================
// Lifecycle
// =============================================================================

// Spawn starts a registered unit.
func (r *Runtime) Spawn(unitID string, opts kernel.SpawnOptions) (kernel.PID, error) {
	return r.Kernel.SpawnUnit(unitID, opts)
}

// Start runs the kernel's workers and maintenance loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Kernel.Start(ctx); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Running reports whether Start succeeded and Shutdown has not run.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Shutdown stops the kernel. Every remaining process exits with reason
// shutdown.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()

	err := r.Kernel.Shutdown(ctx)
	if r.Logger != nil {
		r.Logger.Info("runtime_stopped", "error", err)
	}
	return err
}
