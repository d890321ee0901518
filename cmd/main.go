// actorkernel daemon
//
// Runs the actor kernel behind a gRPC front door with a Prometheus
// endpoint and optional OTLP tracing.
//
// Usage:
//
//	go run ./cmd                                  # defaults, gRPC on :50051
//	go run ./cmd --config runtime.yaml
//	go run ./cmd --units ./units --workers 8
//	go run ./cmd --print-config
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/viant/afs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/grpc"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/runtime"
)

func main() {
	opts := config.NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "actorkernel: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *config.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afs.New()
	cfg := config.DefaultRuntimeConfig()
	if opts.ConfigURL != "" {
		loaded, err := config.Load(ctx, fs, opts.ConfigURL)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	opts.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.PrintConfig {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	zl, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := observability.NewKernelLogger(zl)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, zl)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			zl.Warn("tracer_shutdown_failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := runtime.New(cfg, logger, runtime.WithRegisterer(reg), runtime.WithFileSystem(fs))
	if err != nil {
		return err
	}
	if opts.UnitsURL != "" {
		ids, err := rt.LoadUnitDir(ctx, opts.UnitsURL)
		if err != nil {
			_ = rt.Shutdown(context.Background())
			return fmt.Errorf("failed to load units: %w", err)
		}
		logger.Info("units_loaded", "count", len(ids), "units", ids)
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}

	svc := grpc.NewRuntimeServer(logger, rt)
	server := grpc.NewGracefulServer(svc, cfg.GRPC.Address, grpc.ServerOptions(logger, rt.Metrics, cfg.GRPC)...)
	server.SetDrainTimeout(cfg.GRPC.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, reg, logger)
		})
	}

	logger.Info("actorkernel_ready",
		"grpc_address", cfg.GRPC.Address,
		"metrics_address", cfg.Metrics.Address,
		"workers", cfg.Kernel.Workers,
	)
	serveErr := g.Wait()

	timeout := cfg.GRPC.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	server.ShutdownWithTimeout(timeout)
	if err := rt.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	logger.Info("actorkernel_stopped")
	return serveErr
}

// serveMetrics exposes reg over HTTP until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger grpc.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics_server_started", "address", cfg.Address, "path", cfg.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
