package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fieldMap(entry observer.LoggedEntry) map[string]any {
	return entry.ContextMap()
}

func TestFromContext(t *testing.T) {
	t.Run("returns the attached logger", func(t *testing.T) {
		l := zap.NewExample()
		ctx := WithContext(context.Background(), l)
		assert.Same(t, l, FromContext(ctx))
	})

	t.Run("returns a nop logger when missing", func(t *testing.T) {
		l := FromContext(context.Background())
		require.NotNil(t, l)
		assert.NotPanics(t, func() { l.Info("dropped") })
	})
}

func TestWithRequestIDAndActor(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	ctx, l := WithRequestID(context.Background(), zap.New(core), "req-1")
	ctx, l = WithActor(ctx, l, "user-7")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "user-7", GetActor(ctx))

	L(ctx).Info("linked")
	require.Len(t, recorded.All(), 1)
	fields := fieldMap(recorded.All()[0])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "user-7", fields["actor"])

	_ = l
}

func TestGetters_Missing(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetActor(ctx))
}

func TestWithTraceContext(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	t.Run("no span leaves logger unchanged", func(t *testing.T) {
		assert.Same(t, base, WithTraceContext(context.Background(), base))
	})

	t.Run("adds trace and span ids", func(t *testing.T) {
		tp := trace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		WithTraceContext(ctx, base).Info("traced")

		entries := recorded.FilterMessage("traced").All()
		require.Len(t, entries, 1)
		fields := fieldMap(entries[0])
		assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
		assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	})
}

func TestContextLogger(t *testing.T) {
	t.Run("explicit logger picks up context fields", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-9")
		ctx, _ = WithActor(ctx, zap.NewNop(), "ops")

		WithLogger(ctx, zap.New(core)).Warn("override set")

		entries := recorded.All()
		require.Len(t, entries, 1)
		fields := fieldMap(entries[0])
		assert.Equal(t, "req-9", fields["request_id"])
		assert.Equal(t, "ops", fields["actor"])
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("ForGoal adds the goal id", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		goalID := uuid.New()

		WithLogger(context.Background(), zap.New(core)).ForGoal(goalID).Info("recalculated")

		require.Len(t, recorded.All(), 1)
		assert.Equal(t, goalID.String(), fieldMap(recorded.All()[0])["goal_id"])
	})

	t.Run("context-attached logger does not repeat fields", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		ctx, _ := WithRequestID(context.Background(), zap.New(core), "req-2")

		L(ctx).With(zap.Int("n", 1)).Debug("step")

		entries := recorded.All()
		require.Len(t, entries, 1)
		count := 0
		for _, f := range entries[0].Context {
			if f.Key == "request_id" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		cl := WithLogger(context.Background(), nil)
		assert.NotPanics(t, func() {
			cl.Debug("d")
			cl.Info("i")
			cl.Warn("w")
			cl.Error("e")
			_ = cl.Zap()
		})
	})
}
