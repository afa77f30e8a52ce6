package goal

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignificanceThreshold is the minimum percentage-point change worth a snapshot
var SignificanceThreshold = decimal.NewFromInt(1)

// SnapshotReason records what triggered a snapshot
type SnapshotReason string

const (
	SnapshotReasonManualAdjustment SnapshotReason = "manual_adjustment"
	SnapshotReasonAutoCalculated   SnapshotReason = "auto_calculated"
	SnapshotReasonRollUp           SnapshotReason = "roll_up"
	SnapshotReasonDaily            SnapshotReason = "daily_snapshot"
	SnapshotReasonStatusChange     SnapshotReason = "status_change"
)

// ProgressSnapshot is an immutable history row of a goal's progress
type ProgressSnapshot struct {
	ID                 uuid.UUID
	GoalID             uuid.UUID
	RecordedAt         time.Time
	Progress           decimal.Decimal
	ProgressPercentage decimal.Decimal
	Reason             SnapshotReason
}

// NewProgressSnapshot captures the goal's current progress
func NewProgressSnapshot(g *Goal, reason SnapshotReason, at time.Time) *ProgressSnapshot {
	return &ProgressSnapshot{
		ID:                 uuid.New(),
		GoalID:             g.ID,
		RecordedAt:         at,
		Progress:           g.Progress,
		ProgressPercentage: g.ProgressPercentage(),
		Reason:             reason,
	}
}

// IsSignificantChange reports whether moving from previous to current deserves a snapshot:
// a change of at least threshold percentage points, or a transition into or out of closed.
func IsSignificantChange(previous, current ProgressState, threshold decimal.Decimal) bool {
	if previous.Closed != current.Closed {
		return true
	}
	return current.Percentage.Sub(previous.Percentage).Abs().GreaterThanOrEqual(threshold)
}
