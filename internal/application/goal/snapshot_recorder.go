package goal

import (
	"context"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SnapshotRecorderConfig contains configuration for SnapshotRecorder
type SnapshotRecorderConfig struct {
	// Threshold is the minimum change in percentage points that is recorded
	Threshold decimal.Decimal
}

// DefaultSnapshotRecorderConfig returns default configuration
func DefaultSnapshotRecorderConfig() SnapshotRecorderConfig {
	return SnapshotRecorderConfig{
		Threshold: goal.SignificanceThreshold,
	}
}

// SnapshotRecorder appends progress history when a change is worth keeping
type SnapshotRecorder struct {
	snapshots goal.SnapshotRepository
	goals     goal.GoalRepository
	logger    *zap.Logger
	threshold decimal.Decimal
	now       func() time.Time
}

// NewSnapshotRecorder creates a new SnapshotRecorder
func NewSnapshotRecorder(
	snapshots goal.SnapshotRepository,
	goals goal.GoalRepository,
	logger *zap.Logger,
	config SnapshotRecorderConfig,
) *SnapshotRecorder {
	if !config.Threshold.IsPositive() {
		config.Threshold = goal.SignificanceThreshold
	}
	return &SnapshotRecorder{
		snapshots: snapshots,
		goals:     goals,
		logger:    logger,
		threshold: config.Threshold,
		now:       time.Now,
	}
}

// RecordIfSignificant appends a snapshot when the goal moved at least the threshold
// since previous, or opened or closed. Returns whether a snapshot was written.
func (r *SnapshotRecorder) RecordIfSignificant(ctx context.Context, g *goal.Goal, previous goal.ProgressState, reason goal.SnapshotReason) (bool, error) {
	if !goal.IsSignificantChange(previous, g.State(), r.threshold) {
		return false, nil
	}

	snapshot := goal.NewProgressSnapshot(g, reason, r.now())
	if err := r.snapshots.Append(ctx, snapshot); err != nil {
		return false, fmt.Errorf("append snapshot for goal %s: %w", g.ID, err)
	}

	r.logger.Debug("Goal progress snapshot recorded",
		zap.String("goal_id", g.ID.String()),
		zap.String("reason", string(reason)),
		zap.String("old_percentage", previous.Percentage.StringFixed(2)),
		zap.String("new_percentage", snapshot.ProgressPercentage.StringFixed(2)))

	return true, nil
}

// RecordDailySnapshots writes one daily snapshot per active goal.
// Goals already snapshotted today are skipped, so reruns are harmless.
func (r *SnapshotRecorder) RecordDailySnapshots(ctx context.Context) (*DailySnapshotResult, error) {
	now := r.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	r.logger.Info("Starting daily goal snapshot job", zap.Time("snapshot_date", day))

	goals, err := r.goals.FindActive(ctx)
	if err != nil {
		r.logger.Error("Failed to fetch active goals", zap.Error(err))
		return nil, fmt.Errorf("fetch active goals: %w", err)
	}

	result := &DailySnapshotResult{
		SnapshotDate: day,
		TotalGoals:   len(goals),
		Errors:       make([]GoalError, 0),
	}

	for i := range goals {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		g := &goals[i]

		exists, err := r.snapshots.ExistsForDay(ctx, g.ID, goal.SnapshotReasonDaily, day)
		if err != nil {
			r.recordFailure(result, g, err)
			continue
		}
		if exists {
			result.Skipped++
			continue
		}

		if err := r.snapshots.Append(ctx, goal.NewProgressSnapshot(g, goal.SnapshotReasonDaily, now)); err != nil {
			r.recordFailure(result, g, err)
			continue
		}
		result.Created++
	}

	r.logger.Info("Daily goal snapshot job completed",
		zap.Int("total", result.TotalGoals),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	return result, nil
}

func (r *SnapshotRecorder) recordFailure(result *DailySnapshotResult, g *goal.Goal, err error) {
	result.Failed++
	result.Errors = append(result.Errors, GoalError{GoalID: g.ID, Error: err.Error()})
	r.logger.Warn("Failed to record daily snapshot",
		zap.String("goal_id", g.ID.String()),
		zap.Error(err))
}
