package goal

import (
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Aggregate type names
const (
	AggregateTypeGoal     = "Goal"
	AggregateTypeDeal     = "Deal"
	AggregateTypeActivity = "Activity"
	AggregateTypeTask     = "Task"
)

// Event type constants
const (
	EventTypeGoalLinked          = "GoalLinked"
	EventTypeGoalUnlinked        = "GoalUnlinked"
	EventTypeGoalProgressChanged = "GoalProgressChanged"
	EventTypeDealChanged         = "DealChanged"
	EventTypeActivityChanged     = "ActivityChanged"
	EventTypeTaskChanged         = "TaskChanged"
)

// GoalLinkedEvent is raised when a goal is placed under a parent
type GoalLinkedEvent struct {
	shared.BaseDomainEvent
	GoalID   uuid.UUID `json:"goal_id"`
	ParentID uuid.UUID `json:"parent_id"`
	Actor    string    `json:"actor"`
}

// NewGoalLinkedEvent creates a new GoalLinkedEvent
func NewGoalLinkedEvent(g *Goal, parentID uuid.UUID, actor string) *GoalLinkedEvent {
	return &GoalLinkedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeGoalLinked, AggregateTypeGoal, g.ID),
		GoalID:          g.ID,
		ParentID:        parentID,
		Actor:           actor,
	}
}

// GoalUnlinkedEvent is raised when a goal leaves its parent
type GoalUnlinkedEvent struct {
	shared.BaseDomainEvent
	GoalID         uuid.UUID `json:"goal_id"`
	FormerParentID uuid.UUID `json:"former_parent_id"`
	Actor          string    `json:"actor"`
}

// NewGoalUnlinkedEvent creates a new GoalUnlinkedEvent
func NewGoalUnlinkedEvent(g *Goal, formerParentID uuid.UUID, actor string) *GoalUnlinkedEvent {
	return &GoalUnlinkedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeGoalUnlinked, AggregateTypeGoal, g.ID),
		GoalID:          g.ID,
		FormerParentID:  formerParentID,
		Actor:           actor,
	}
}

// GoalProgressChangedEvent is raised after a recalculation or roll-up changed progress
type GoalProgressChangedEvent struct {
	shared.BaseDomainEvent
	GoalID        uuid.UUID       `json:"goal_id"`
	OldProgress   decimal.Decimal `json:"old_progress"`
	NewProgress   decimal.Decimal `json:"new_progress"`
	NewPercentage decimal.Decimal `json:"new_percentage"`
	Reason        SnapshotReason  `json:"reason"`
}

// NewGoalProgressChangedEvent creates a new GoalProgressChangedEvent
func NewGoalProgressChangedEvent(g *Goal, oldProgress decimal.Decimal, reason SnapshotReason) *GoalProgressChangedEvent {
	return &GoalProgressChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeGoalProgressChanged, AggregateTypeGoal, g.ID),
		GoalID:          g.ID,
		OldProgress:     oldProgress,
		NewProgress:     g.Progress,
		NewPercentage:   g.ProgressPercentage(),
		Reason:          reason,
	}
}

// EntityChangedEvent is published by the CRM when a deal, activity or task changes
type EntityChangedEvent struct {
	shared.BaseDomainEvent
	EntityType EntityType `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
}

// NewEntityChangedEvent creates the change event for an entity kind
func NewEntityChangedEvent(entityType EntityType, entityID uuid.UUID) *EntityChangedEvent {
	eventType, aggType := EventTypeDealChanged, AggregateTypeDeal
	switch entityType {
	case EntityTypeActivity:
		eventType, aggType = EventTypeActivityChanged, AggregateTypeActivity
	case EntityTypeTask:
		eventType, aggType = EventTypeTaskChanged, AggregateTypeTask
	}
	return &EntityChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, aggType, entityID),
		EntityType:      entityType,
		EntityID:        entityID,
	}
}
