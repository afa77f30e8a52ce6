package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// restoreGlobals puts back the global providers Setup replaces
func restoreGlobals(t *testing.T) {
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestSetup_AllDisabled(t *testing.T) {
	ctx := context.Background()
	p, err := telemetry.Setup(ctx, telemetry.Settings{ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, p.TracingEnabled())
	assert.False(t, p.MetricsEnabled())
	assert.False(t, p.LogsEnabled())
	assert.Nil(t, p.MetricsHandler())
	assert.NotNil(t, p.Meter("test"))
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSetup_SpanExporter(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	p, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:    "crm-goal-engine-test",
		ServiceVersion: "test",
		SamplingRatio:  1,
	}, zap.NewNop(), telemetry.WithSpanExporter(exporter))
	require.NoError(t, err)
	require.True(t, p.TracingEnabled())

	_, span := telemetry.StartServiceSpan(ctx, "goal_recalculation", "sweep")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "goal_recalculation.sweep", spans[0].Name)
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSetup_SamplingRatioZeroDropsSpans(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	p, err := telemetry.Setup(ctx, telemetry.Settings{ServiceName: "test"}, zap.NewNop(),
		telemetry.WithSpanExporter(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, span := telemetry.StartSpan(ctx, "dropped")
	span.End()
	assert.Empty(t, exporter.GetSpans())
}

func TestSetup_MetricReader(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	p, err := telemetry.Setup(ctx, telemetry.Settings{ServiceName: "test"}, zap.NewNop(),
		telemetry.WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })
	require.True(t, p.MetricsEnabled())

	gm, err := telemetry.NewGoalMetrics(p.Meter("goal-test"))
	require.NoError(t, err)
	gm.RecordJob(ctx, telemetry.TriggerSweep, time.Second, 12)
	gm.RecordEntityEvent(ctx, "deal")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["crm_goal_job_duration_seconds"])
	assert.True(t, names["crm_goal_last_sweep_goals"])
	assert.True(t, names["crm_goal_entity_events_total"])
}

func TestSetup_PrometheusScrape(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	p, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:       "test",
		PrometheusEnabled: true,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	require.True(t, p.MetricsEnabled())
	require.NotNil(t, p.MetricsHandler())

	gm, err := telemetry.NewGoalMetrics(p.Meter("goal-test"))
	require.NoError(t, err)
	gm.RecordRecalculation(ctx, telemetry.TriggerSweep, telemetry.OutcomeUpdated, 20*time.Millisecond)
	gm.RecordRollUpWrites(ctx, 2)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crm_goal_recalculations_total")
	assert.Contains(t, string(body), "crm_goal_rollup_writes_total")
}

func TestNewGoalMetrics(t *testing.T) {
	t.Run("nil meter", func(t *testing.T) {
		_, err := telemetry.NewGoalMetrics(nil)
		assert.ErrorIs(t, err, telemetry.ErrMeterNil)
	})

	t.Run("noop meter", func(t *testing.T) {
		gm, err := telemetry.NewGoalMetrics(noop.NewMeterProvider().Meter("test"))
		require.NoError(t, err)
		ctx := context.Background()
		assert.NotPanics(t, func() {
			gm.RecordRecalculation(ctx, telemetry.TriggerEntity, telemetry.OutcomeFailed, time.Second)
			gm.RecordSnapshot(ctx, "roll_up")
			gm.RecordJob(ctx, telemetry.TriggerSweep, time.Minute, 10)
			gm.RecordEntityEvent(ctx, "deal")
		})
	})

	t.Run("nil receiver", func(t *testing.T) {
		var gm *telemetry.GoalMetrics
		assert.NotPanics(t, func() {
			gm.RecordRecalculation(context.Background(), telemetry.TriggerManual, telemetry.OutcomeSkipped, 0)
			gm.RecordRollUpWrites(context.Background(), 1)
		})
	})
}
