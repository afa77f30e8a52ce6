package goal

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxHierarchyDepth is the maximum number of levels from a root goal to its deepest leaf
const MaxHierarchyDepth = 3

// OwnerType is the scope a goal belongs to
type OwnerType string

const (
	OwnerTypeIndividual OwnerType = "individual"
	OwnerTypeTeam       OwnerType = "team"
	OwnerTypeCompany    OwnerType = "company"
)

// IsValid checks if the owner type is valid
func (o OwnerType) IsValid() bool {
	switch o {
	case OwnerTypeIndividual, OwnerTypeTeam, OwnerTypeCompany:
		return true
	}
	return false
}

// CanParent reports whether a goal owned at this scope may parent a goal owned at child scope
func (o OwnerType) CanParent(child OwnerType) bool {
	switch o {
	case OwnerTypeCompany:
		return child == OwnerTypeTeam || child == OwnerTypeIndividual
	case OwnerTypeTeam:
		return child == OwnerTypeIndividual
	default:
		return false
	}
}

// Type selects the aggregation strategy of a goal
type Type string

const (
	TypeRevenue     Type = "revenue"
	TypeDeals       Type = "deals"
	TypeTasks       Type = "tasks"
	TypeActivities  Type = "activities"
	TypePerformance Type = "performance"
)

// IsValid checks if the goal type is valid
func (t Type) IsValid() bool {
	switch t {
	case TypeRevenue, TypeDeals, TypeTasks, TypeActivities, TypePerformance:
		return true
	}
	return false
}

// IsAggregatable reports whether progress of this type can be summed over children
func (t Type) IsAggregatable() bool {
	return t != TypePerformance
}

// Status represents the lifecycle status of a goal
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Timeframe is the period a goal covers
type Timeframe string

const (
	TimeframeThisWeek    Timeframe = "this_week"
	TimeframeThisMonth   Timeframe = "this_month"
	TimeframeThisQuarter Timeframe = "this_quarter"
	TimeframeThisYear    Timeframe = "this_year"
	TimeframeCustom      Timeframe = "custom"
)

// IsValid checks if the timeframe is valid
func (t Timeframe) IsValid() bool {
	switch t {
	case TimeframeThisWeek, TimeframeThisMonth, TimeframeThisQuarter, TimeframeThisYear, TimeframeCustom:
		return true
	}
	return false
}

// CalculationSource tells who writes a goal's progress
type CalculationSource string

const (
	CalculationSourceManual         CalculationSource = "manual"
	CalculationSourceAutoCalculated CalculationSource = "auto_calculated"
)

// IsValid checks if the calculation source is valid
func (c CalculationSource) IsValid() bool {
	return c == CalculationSourceManual || c == CalculationSourceAutoCalculated
}

var hundred = decimal.NewFromInt(100)

// Goal is a measurable objective placed in the company → team → individual tree.
// Children are never stored on the goal; they are found by querying ParentGoalID.
type Goal struct {
	shared.BaseAggregateRoot
	Name                 string
	Description          string
	TargetValue          *decimal.Decimal
	// TargetDerived marks a target summed from the children rather than configured.
	TargetDerived        bool
	Progress             decimal.Decimal
	StartDate            *time.Time
	EndDate              *time.Time
	Timeframe            Timeframe
	Recurring            bool
	OwnerType            OwnerType
	OwnerID              uuid.UUID
	Status               Status
	ParentGoalID         *uuid.UUID
	CalculationSource    CalculationSource
	LastCalculatedAt     *time.Time
	CalculationFailed    bool
	ManualOverrideReason *string
	Type                 Type
}

// NewGoal creates a new draft goal
func NewGoal(name string, goalType Type, ownerType OwnerType, ownerID uuid.UUID) (*Goal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Goal name cannot be empty")
	}
	if len(name) > 200 {
		return nil, shared.NewDomainError("INVALID_NAME", "Goal name cannot exceed 200 characters")
	}
	if !goalType.IsValid() {
		return nil, shared.NewDomainError("INVALID_TYPE", "Invalid goal type")
	}
	if !ownerType.IsValid() {
		return nil, shared.NewDomainError("INVALID_OWNER_TYPE", "Invalid owner type")
	}

	return &Goal{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Name:              name,
		Progress:          decimal.Zero,
		Timeframe:         TimeframeCustom,
		OwnerType:         ownerType,
		OwnerID:           ownerID,
		Status:            StatusDraft,
		CalculationSource: CalculationSourceManual,
		Type:              goalType,
	}, nil
}

// SetTarget configures the target value. A non-positive target clears it.
func (g *Goal) SetTarget(target decimal.Decimal) {
	if !target.IsPositive() {
		g.TargetValue = nil
	} else {
		g.TargetValue = &target
	}
	g.TargetDerived = false
	g.Progress = g.clamp(g.Progress)
	g.Touch()
}

// SetPeriod sets the calculation window and timeframe
func (g *Goal) SetPeriod(timeframe Timeframe, start, end *time.Time) error {
	if !timeframe.IsValid() {
		return shared.NewDomainError("INVALID_TIMEFRAME", "Invalid timeframe")
	}
	if start != nil && end != nil && end.Before(*start) {
		return shared.NewDomainError("INVALID_PERIOD", "End date cannot be before start date")
	}
	g.Timeframe = timeframe
	g.StartDate = start
	g.EndDate = end
	g.Touch()
	return nil
}

// EnableAutoCalculation hands progress ownership to the calculator
func (g *Goal) EnableAutoCalculation() {
	g.CalculationSource = CalculationSourceAutoCalculated
	g.Touch()
}

// ProgressPercentage returns progress / target * 100, or 0 without a positive target
func (g *Goal) ProgressPercentage() decimal.Decimal {
	if g.TargetValue == nil || !g.TargetValue.IsPositive() {
		return decimal.Zero
	}
	return g.Progress.Div(*g.TargetValue).Mul(hundred)
}

// IsClosed returns true for completed or cancelled goals
func (g *Goal) IsClosed() bool {
	return g.Status == StatusCompleted || g.Status == StatusCancelled
}

// IsActive returns true if the goal is active
func (g *Goal) IsActive() bool {
	return g.Status == StatusActive
}

// IsAutoCalculated returns true if the calculator owns the goal's progress
func (g *Goal) IsAutoCalculated() bool {
	return g.CalculationSource == CalculationSourceAutoCalculated
}

// IsOverridden returns true while a manual override freezes the goal
func (g *Goal) IsOverridden() bool {
	return g.ManualOverrideReason != nil
}

// HasParent returns true if the goal is linked under another goal
func (g *Goal) HasParent() bool {
	return g.ParentGoalID != nil
}

// IsRecalculable reports whether automatic recalculation may write this goal
func (g *Goal) IsRecalculable() bool {
	return g.IsAutoCalculated() && !g.IsOverridden()
}

// State captures the values the snapshot recorder compares against
func (g *Goal) State() ProgressState {
	return ProgressState{
		Percentage: g.ProgressPercentage(),
		Closed:     g.IsClosed(),
	}
}

// UpdateProgress sets progress clamped to [0, TargetValue]
func (g *Goal) UpdateProgress(progress decimal.Decimal) {
	g.Progress = g.clamp(progress)
	g.Touch()
}

// ApplyCalculation records a successful calculation result
func (g *Goal) ApplyCalculation(progress decimal.Decimal, at time.Time) {
	g.Progress = g.clamp(progress)
	g.LastCalculatedAt = &at
	g.CalculationFailed = false
	g.Touch()
}

// MarkCalculationFailed flags the goal as stale while keeping its last progress
func (g *Goal) MarkCalculationFailed(at time.Time) {
	g.CalculationFailed = true
	g.LastCalculatedAt = &at
	g.Touch()
}

// ApplyRollUp writes an aggregate computed from the goal's children.
func (g *Goal) ApplyRollUp(progress decimal.Decimal, childTargets *decimal.Decimal) {
	g.RefreshDerivedTarget(childTargets)
	g.Progress = g.clamp(progress)
	g.Touch()
}

// RefreshDerivedTarget replaces a missing or derived target with the sum of
// the children's targets. childTargets is nil when some child has no target,
// which leaves the goal without a derived target. A configured target is kept.
func (g *Goal) RefreshDerivedTarget(childTargets *decimal.Decimal) {
	if g.TargetValue != nil && !g.TargetDerived {
		return
	}
	if childTargets == nil || !childTargets.IsPositive() {
		g.TargetValue = nil
		g.TargetDerived = false
		return
	}
	t := *childTargets
	g.TargetValue = &t
	g.TargetDerived = true
}

// SetParent links the goal under parentID
func (g *Goal) SetParent(parentID uuid.UUID) {
	g.ParentGoalID = &parentID
	g.Touch()
}

// ClearParent detaches the goal from its parent
func (g *Goal) ClearParent() {
	g.ParentGoalID = nil
	g.Touch()
}

// SetOverride freezes the goal against automatic recalculation and roll-up
func (g *Goal) SetOverride(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return shared.NewDomainError("INVALID_OVERRIDE_REASON", "Override reason cannot be empty")
	}
	g.ManualOverrideReason = &reason
	g.Touch()
	return nil
}

// ClearOverride releases a manual override
func (g *Goal) ClearOverride() {
	g.ManualOverrideReason = nil
	g.Touch()
}

// ChangeStatus moves the goal to a new lifecycle status
func (g *Goal) ChangeStatus(status Status) error {
	if !status.IsValid() {
		return shared.NewDomainError("INVALID_STATUS", "Invalid goal status")
	}
	g.Status = status
	g.Touch()
	return nil
}

// InWindow reports whether t falls inside [StartDate, EndDate]; open ends are unbounded
func (g *Goal) InWindow(t time.Time) bool {
	if g.StartDate != nil && t.Before(*g.StartDate) {
		return false
	}
	if g.EndDate != nil && t.After(*g.EndDate) {
		return false
	}
	return true
}

func (g *Goal) clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		v = decimal.Zero
	}
	if g.TargetValue != nil && v.GreaterThan(*g.TargetValue) {
		v = *g.TargetValue
	}
	return v
}

// ProgressState is the part of a goal compared when deciding whether to snapshot
type ProgressState struct {
	Percentage decimal.Decimal
	Closed     bool
}
