package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.NotNil(t, NewWithFormat("info", "console"))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(WithSessionID(context.Background(), "s-1"), "r-9")
	cl.LogInfo(ctx, "evaluated", zap.String("tier", "720p60"))
	cl.LogError(context.Background(), errors.New("boom"), "publish failed")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, "r-9", fields["request_id"])
	assert.Equal(t, "720p60", fields["tier"])
	assert.NotContains(t, fields, "trace_id")

	assert.Equal(t, "publish failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
