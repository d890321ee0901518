package grpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/observability"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification. Server tests log from
// several goroutines, so access is locked.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.record(&l.debugCalls, msg, keysAndValues)
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.record(&l.infoCalls, msg, keysAndValues)
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.record(&l.warnCalls, msg, keysAndValues)
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.record(&l.errorCalls, msg, keysAndValues)
}

func (l *TestLogger) record(calls *[]map[string]any, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*calls = append(*calls, toMap(msg, keysAndValues))
}

// messages returns the recorded messages of one level.
func (l *TestLogger) messages(calls *[]map[string]any) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(*calls))
	for i, c := range *calls {
		out[i], _ = c["msg"].(string)
	}
	return out
}

func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// mockServerStream implements grpc.ServerStream for testing.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: "/actorkernel.v1.Runtime/Spawn"}

// =============================================================================
// LOGGING INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := &TestLogger{}
	interceptor := LoggingInterceptor(logger)

	resp, err := interceptor(context.Background(), "request", unaryInfo, func(ctx context.Context, req any) (any, error) {
		return "response", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "response", resp)
	assert.Equal(t, []string{"grpc_request_started", "grpc_request_completed"}, logger.messages(&logger.debugCalls))
	assert.Equal(t, "/actorkernel.v1.Runtime/Spawn", logger.debugCalls[1]["method"])
}

func TestLoggingInterceptor_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantWarn  []string
		wantError []string
	}{
		{
			name:     "client mistake is a warning",
			err:      status.Error(codes.NotFound, "process not found"),
			wantWarn: []string{"grpc_request_rejected"},
		},
		{
			name:     "failed precondition is a warning",
			err:      status.Error(codes.FailedPrecondition, "not eligible"),
			wantWarn: []string{"grpc_request_rejected"},
		},
		{
			name:      "server fault is an error",
			err:       status.Error(codes.Internal, "boom"),
			wantError: []string{"grpc_request_failed"},
		},
		{
			name:      "plain error is unknown",
			err:       errors.New("plain"),
			wantError: []string{"grpc_request_failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			_, err := LoggingInterceptor(logger)(context.Background(), "request", unaryInfo, func(ctx context.Context, req any) (any, error) {
				return nil, tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantWarn, nilIfEmpty(logger.messages(&logger.warnCalls)))
			assert.Equal(t, tt.wantError, nilIfEmpty(logger.messages(&logger.errorCalls)))
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestStreamLoggingInterceptor(t *testing.T) {
	logger := &TestLogger{}
	interceptor := StreamLoggingInterceptor(logger)
	info := &grpc.StreamServerInfo{FullMethod: "/actorkernel.v1.Runtime/Attach", IsServerStream: true}

	err := interceptor(nil, &mockServerStream{}, info, func(srv any, stream grpc.ServerStream) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"grpc_stream_started", "grpc_stream_completed"}, logger.messages(&logger.debugCalls))
	assert.Equal(t, true, logger.debugCalls[0]["server_stream"])

	err = interceptor(nil, &mockServerStream{}, info, func(srv any, stream grpc.ServerStream) error {
		return errors.New("stream error")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"grpc_stream_failed"}, logger.messages(&logger.errorCalls))
}

// =============================================================================
// RECOVERY INTERCEPTOR TESTS
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := &TestLogger{}
	resp, err := RecoveryInterceptor(logger, nil)(context.Background(), "request", unaryInfo, func(ctx context.Context, req any) (any, error) {
		return "safe response", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "safe response", resp)
	assert.Empty(t, logger.errorCalls)
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	resp, err := RecoveryInterceptor(logger, nil)(context.Background(), "request", unaryInfo, func(ctx context.Context, req any) (any, error) {
		panic("test panic")
	})

	require.Error(t, err)
	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic")

	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "grpc_panic_recovered", logger.errorCalls[0]["msg"])
	assert.Contains(t, logger.errorCalls[0]["panic"], "test panic")
	assert.NotEmpty(t, logger.errorCalls[0]["stack"])
}

func TestRecoveryInterceptor_CustomHandler(t *testing.T) {
	custom := func(p any) error {
		return status.Errorf(codes.Aborted, "custom: %v", p)
	}
	_, err := RecoveryInterceptor(&TestLogger{}, custom)(context.Background(), "request", unaryInfo, func(ctx context.Context, req any) (any, error) {
		panic("custom panic")
	})

	st, _ := status.FromError(err)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Contains(t, st.Message(), "custom: custom panic")
}

func TestStreamRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	info := &grpc.StreamServerInfo{FullMethod: "/actorkernel.v1.Runtime/Attach"}

	err := StreamRecoveryInterceptor(logger, nil)(nil, &mockServerStream{}, info, func(srv any, stream grpc.ServerStream) error {
		panic("stream panic")
	})

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "stream panic")
	assert.Equal(t, []string{"grpc_stream_panic_recovered"}, logger.messages(&logger.errorCalls))
}

// =============================================================================
// METRICS INTERCEPTOR TESTS
// =============================================================================

func TestMetricsInterceptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg, "test")
	interceptor := MetricsInterceptor(m)

	ok := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	missing := func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "gone")
	}
	for _, h := range []grpc.UnaryHandler{ok, ok, missing} {
		_, _ = interceptor(context.Background(), nil, unaryInfo, h)
	}

	n, err := testutil.GatherAndCount(reg, "test_grpc_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status code")
}

func TestStreamMetricsInterceptor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg, "test")
	info := &grpc.StreamServerInfo{FullMethod: "/actorkernel.v1.Runtime/Attach"}

	err := StreamMetricsInterceptor(m)(nil, &mockServerStream{}, info, func(srv any, stream grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client left")
	})
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "test_grpc_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// SERVER OPTIONS TESTS
// =============================================================================

func TestServerOptions(t *testing.T) {
	logger := &TestLogger{}
	m := observability.NewMetrics(prometheus.NewRegistry(), "test")

	tests := []struct {
		name    string
		metrics *observability.Metrics
		cfg     config.GRPCConfig
		want    int
	}{
		{name: "defaults", want: 3},
		{name: "with recv limit", cfg: config.GRPCConfig{MaxRecvMsgSize: 1 << 20}, want: 4},
		{name: "with metrics", metrics: m, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := ServerOptions(logger, tt.metrics, tt.cfg)
			assert.Len(t, opts, tt.want)
			assert.NotPanics(t, func() { grpc.NewServer(opts...).Stop() })
		})
	}
}

func TestDefaultRecoveryHandler(t *testing.T) {
	st, ok := status.FromError(DefaultRecoveryHandler("test panic value"))
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "test panic value")
}
