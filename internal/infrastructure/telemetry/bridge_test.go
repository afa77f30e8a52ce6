package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBridge_LogsDisabled(t *testing.T) {
	p, err := Setup(context.Background(), Settings{ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)
	bridged := p.Bridge(base, zapcore.InfoLevel)
	assert.Same(t, base, bridged)

	bridged.Info("goal recalculated")
	assert.Equal(t, 1, logs.Len())
}

func TestLevelFilterCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: core, minLevel: zapcore.WarnLevel}
	logger := zap.New(filtered).With(zap.String("component", "sweep"))

	logger.Info("dropped")
	logger.Warn("kept")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "kept", entry.Message)
	assert.Equal(t, "sweep", entry.ContextMap()["component"])
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
