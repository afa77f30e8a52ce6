package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when goal metrics are created without a meter
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Recalculation triggers
const (
	TriggerEntity = "entity"
	TriggerSweep  = "sweep"
	TriggerManual = "manual"
)

// JobDailySnapshot labels the daily snapshot job; the sweep job uses TriggerSweep
const JobDailySnapshot = "daily_snapshot"

// Recalculation outcomes
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
	OutcomeCoalesced = "coalesced"
)

// GoalMetrics records goal engine activity.
// All methods are safe to call on a nil receiver.
type GoalMetrics struct {
	recalculations *Counter
	recalcDuration *Histogram
	rollUpWrites   *Counter
	snapshots      *Counter
	jobDuration    *Histogram
	lastSweepGoals metric.Int64Gauge
	entityEvents   *Counter
}

// NewGoalMetrics creates the goal engine instruments on meter
func NewGoalMetrics(meter metric.Meter) (*GoalMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	gm := &GoalMetrics{}
	var err error

	if gm.recalculations, err = NewCounter(meter,
		"crm_goal_recalculations_total",
		"Goal recalculations by trigger and outcome",
		"{recalculations}"); err != nil {
		return nil, err
	}
	if gm.recalcDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "crm_goal_recalculation_duration_seconds",
		Description: "Duration of a single goal recalculation including roll-up",
		Unit:        "s",
		Boundaries:  RecalcDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if gm.rollUpWrites, err = NewCounter(meter,
		"crm_goal_rollup_writes_total",
		"Ancestor goals rewritten by roll-up",
		"{goals}"); err != nil {
		return nil, err
	}
	if gm.snapshots, err = NewCounter(meter,
		"crm_goal_snapshots_total",
		"Progress snapshots appended",
		"{snapshots}"); err != nil {
		return nil, err
	}
	if gm.jobDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "crm_goal_job_duration_seconds",
		Description: "Duration of scheduled goal jobs",
		Unit:        "s",
		Boundaries:  JobDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if gm.lastSweepGoals, err = meter.Int64Gauge("crm_goal_last_sweep_goals",
		metric.WithDescription("Goals processed by the most recent sweep"),
		metric.WithUnit("{goals}")); err != nil {
		return nil, err
	}
	if gm.entityEvents, err = NewCounter(meter,
		"crm_goal_entity_events_total",
		"CRM record change events received",
		"{events}"); err != nil {
		return nil, err
	}

	return gm, nil
}

// RecordRecalculation records one goal recalculation
func (gm *GoalMetrics) RecordRecalculation(ctx context.Context, trigger, outcome string, d time.Duration) {
	if gm == nil {
		return
	}
	gm.recalculations.Inc(ctx, AttrTrigger.String(trigger), AttrOutcome.String(outcome))
	gm.recalcDuration.RecordDuration(ctx, d, AttrTrigger.String(trigger))
}

// RecordRollUpWrites records the number of ancestors rewritten by one roll-up
func (gm *GoalMetrics) RecordRollUpWrites(ctx context.Context, n int) {
	if gm == nil || n == 0 {
		return
	}
	gm.rollUpWrites.Add(ctx, int64(n))
}

// RecordSnapshot records an appended snapshot
func (gm *GoalMetrics) RecordSnapshot(ctx context.Context, reason string) {
	if gm == nil {
		return
	}
	gm.snapshots.Inc(ctx, AttrOutcome.String(reason))
}

// RecordJob records a scheduled job run
func (gm *GoalMetrics) RecordJob(ctx context.Context, job string, d time.Duration, processed int) {
	if gm == nil {
		return
	}
	gm.jobDuration.RecordDuration(ctx, d, AttrJob.String(job))
	if job == TriggerSweep {
		gm.lastSweepGoals.Record(ctx, int64(processed), metric.WithAttributes(AttrJob.String(job)))
	}
}

// RecordEntityEvent records a received CRM record change
func (gm *GoalMetrics) RecordEntityEvent(ctx context.Context, entityType string) {
	if gm == nil {
		return
	}
	gm.entityEvents.Inc(ctx, AttrEntityType.String(entityType))
}
