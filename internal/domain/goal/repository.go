package goal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GoalRepository is the goal store used by the engine
type GoalRepository interface {
	// FindByID returns shared.ErrNotFound when the goal does not exist
	FindByID(ctx context.Context, id uuid.UUID) (*Goal, error)

	// FindChildren returns the direct children of a goal
	FindChildren(ctx context.Context, parentID uuid.UUID) ([]Goal, error)

	// FindAncestors returns the parent chain of a goal ordered nearest first,
	// stopping after maxDepth goals
	FindAncestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]Goal, error)

	// FindAutoCalculated returns auto-calculated goals without an override
	FindAutoCalculated(ctx context.Context) ([]Goal, error)

	// FindAffectedBy returns recalculable goals of the given types whose owner and
	// window cover the entity
	FindAffectedBy(ctx context.Context, ref EntityRef, types []Type) ([]Goal, error)

	// FindActive returns all goals in active status
	FindActive(ctx context.Context) ([]Goal, error)

	// Save creates or updates a goal
	Save(ctx context.Context, goal *Goal) error
}

// SnapshotRepository stores progress history
type SnapshotRepository interface {
	Append(ctx context.Context, snapshot *ProgressSnapshot) error

	// FindByGoal returns a goal's snapshots, newest first
	FindByGoal(ctx context.Context, goalID uuid.UUID, limit int) ([]ProgressSnapshot, error)

	// ExistsForDay reports whether a snapshot with the reason exists for the goal on day
	ExistsForDay(ctx context.Context, goalID uuid.UUID, reason SnapshotReason, day time.Time) (bool, error)
}

// AuditRepository is the sink for hierarchy and calculation audit entries
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error

	// FindByGoal returns a goal's audit trail, newest first
	FindByGoal(ctx context.Context, goalID uuid.UUID, limit int) ([]AuditEntry, error)
}
