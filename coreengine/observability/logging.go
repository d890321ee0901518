// Package observability provides logging, Prometheus metrics and
// OpenTelemetry tracing for the actor kernel.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
)

// =============================================================================
// LOGGER
// =============================================================================

// NewLogger builds a zap logger from the log section. The json format uses
// the production encoder, console the development one.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = level
	return zc.Build()
}

// KernelLogger adapts a zap logger to the kernel's key/value Logger.
type KernelLogger struct {
	sugar *zap.SugaredLogger
}

// NewKernelLogger wraps l. A nil l discards everything.
func NewKernelLogger(l *zap.Logger) *KernelLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &KernelLogger{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Debug logs at debug level.
func (l *KernelLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs at info level.
func (l *KernelLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs at warn level.
func (l *KernelLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs at error level.
func (l *KernelLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// With returns a logger that adds keysAndValues to every entry.
func (l *KernelLogger) With(keysAndValues ...any) *KernelLogger {
	return &KernelLogger{sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func (l *KernelLogger) Sync() error {
	return l.sugar.Sync()
}
