package goal

import (
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GoalNode is a goal with its descendants
type GoalNode struct {
	Goal     goal.Goal
	Children []*GoalNode
}

// HierarchyView is a goal together with its ancestor chain and descendant tree
type HierarchyView struct {
	Goal goal.Goal
	// Ancestors are ordered from the direct parent to the root
	Ancestors []goal.Goal
	// Descendants holds the subtree below Goal, one node per direct child
	Descendants []*GoalNode
	// Depth is the level of Goal in its tree, 1 for roots
	Depth                   int
	ChildCount              int
	AggregatedChildProgress decimal.Decimal
	AggregatedChildTarget   decimal.Decimal
}

// RecalculationResult describes the outcome of a single goal recalculation
type RecalculationResult struct {
	GoalID      uuid.UUID
	OldProgress decimal.Decimal
	NewProgress decimal.Decimal
	Changed     bool
	Skipped     bool
	Failed      bool
	Snapshotted bool
	// Coalesced is true when the run was shared with a concurrent request for the same goal
	Coalesced bool
}

// GoalError records a failure for one goal of a batch
type GoalError struct {
	GoalID uuid.UUID `json:"goal_id"`
	Error  string    `json:"error"`
}

// BatchResult summarizes a batch recalculation
type BatchResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// Processed is the number of goals recalculated, failed ones included
	Processed int
	Updated   int
	Skipped   int
	Failed    int
	Errors    []GoalError
}

// DailySnapshotResult summarizes a daily snapshot run
type DailySnapshotResult struct {
	SnapshotDate time.Time
	TotalGoals   int
	Created      int
	Skipped      int
	Failed       int
	Errors       []GoalError
}
