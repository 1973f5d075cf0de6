package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "streamqos", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	span.End()
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	ctx, span := TraceTick(context.Background(), "session-1", 7)
	defer span.End()

	AddSpanAttributes(ctx,
		TierKey.String("720p60"),
		BitrateKey.Int(2500),
		attribute.Int("test.number", 42),
	)
	RecordError(ctx, errors.New("fetch failed"))
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond), "qos.tick")
	assert.False(t, span.IsRecording())
}

func TestTraceHelpers(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/qos/recommend")
	require.NotNil(t, span)
	span.End()

	_, span = TraceWebSocketMessage(context.Background(), "telemetry", "session-1")
	require.NotNil(t, span)
	span.End()

	_, span = TracePublish(context.Background(), "streamqos:events", "qos.evaluation")
	require.NotNil(t, span)
	span.End()
}
