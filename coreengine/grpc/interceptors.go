// Package grpc exposes a Runtime over gRPC: the kernel's process,
// messaging and hibernation operations plus a streaming attach for
// external ports.
package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/observability"
)

// Logger is the structured logger the service writes to.
type Logger = kernel.Logger

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the start, duration and outcome of each unary call.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("grpc_request_started", "method", info.FullMethod)

		resp, err := handler(ctx, req)
		logOutcome(logger, "grpc_request", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor for streams.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"client_stream", info.IsClientStream,
			"server_stream", info.IsServerStream,
		)

		err := handler(srv, ss)
		logOutcome(logger, "grpc_stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logOutcome(logger Logger, prefix, method string, d time.Duration, err error) {
	if err == nil {
		logger.Debug(prefix+"_completed", "method", method, "duration_ms", d.Milliseconds())
		return
	}
	st, _ := status.FromError(err)
	// Client mistakes are not server errors.
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.Canceled:
		logger.Warn(prefix+"_rejected",
			"method", method,
			"duration_ms", d.Milliseconds(),
			"code", st.Code().String(),
			"error", st.Message(),
		)
	default:
		logger.Error(prefix+"_failed",
			"method", method,
			"duration_ms", d.Milliseconds(),
			"code", st.Code().String(),
			"error", st.Message(),
		)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor counts calls and records their latency by status code.
func MetricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// StreamMetricsInterceptor records a stream once it ends.
func StreamMetricsInterceptor(m *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler turns a recovered panic value into the error returned to
// the client.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with the panic value.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor stops a panicking handler from taking the process down.
// The stack is logged and handler decides the returned error.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the standard option set: recovery outermost, then
// metrics when m is non-nil, then logging, with OpenTelemetry tracing as
// the stats handler.
func ServerOptions(logger Logger, m *observability.Metrics, cfg config.GRPCConfig) []grpc.ServerOption {
	unary := []grpc.UnaryServerInterceptor{RecoveryInterceptor(logger, nil)}
	stream := []grpc.StreamServerInterceptor{StreamRecoveryInterceptor(logger, nil)}
	if m != nil {
		unary = append(unary, MetricsInterceptor(m))
		stream = append(stream, StreamMetricsInterceptor(m))
	}
	unary = append(unary, LoggingInterceptor(logger))
	stream = append(stream, StreamLoggingInterceptor(logger))

	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	return opts
}
