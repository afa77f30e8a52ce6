package goal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityType is a CRM record kind whose changes affect goal progress
type EntityType string

const (
	EntityTypeDeal     EntityType = "deal"
	EntityTypeActivity EntityType = "activity"
	EntityTypeTask     EntityType = "task"
)

// IsValid checks if the entity type is valid
func (e EntityType) IsValid() bool {
	switch e {
	case EntityTypeDeal, EntityTypeActivity, EntityTypeTask:
		return true
	}
	return false
}

// AffectedGoalTypes returns the goal types computed from records of this kind
func (e EntityType) AffectedGoalTypes() []Type {
	switch e {
	case EntityTypeDeal:
		return []Type{TypeRevenue, TypeDeals}
	case EntityTypeActivity:
		return []Type{TypeActivities}
	case EntityTypeTask:
		return []Type{TypeTasks}
	}
	return nil
}

// EntityRef is what the engine needs to know about a changed CRM record
type EntityRef struct {
	Type    EntityType
	ID      uuid.UUID
	OwnerID uuid.UUID
	TeamID  *uuid.UUID
	// OccurredAt is the close date of a deal or the completion date of an activity or task
	OccurredAt time.Time
}

// SourceQuery scopes an aggregation to an owner and a date window
type SourceQuery struct {
	OwnerType OwnerType
	OwnerID   uuid.UUID
	From      *time.Time
	To        *time.Time
}

// QueryFor builds the source query of a goal
func QueryFor(g *Goal) SourceQuery {
	return SourceQuery{
		OwnerType: g.OwnerType,
		OwnerID:   g.OwnerID,
		From:      g.StartDate,
		To:        g.EndDate,
	}
}

// DealReader aggregates closed-won deals
type DealReader interface {
	SumClosedWonAmount(ctx context.Context, q SourceQuery) (decimal.Decimal, error)
	CountClosedWon(ctx context.Context, q SourceQuery) (int64, error)
}

// ActivityReader aggregates completed activities
type ActivityReader interface {
	CountCompleted(ctx context.Context, q SourceQuery) (int64, error)
}

// TaskReader aggregates completed tasks
type TaskReader interface {
	CountCompleted(ctx context.Context, q SourceQuery) (int64, error)
}

// EntityLocator resolves a changed record to its owner and date
type EntityLocator interface {
	// Locate returns shared.ErrNotFound if the record does not exist
	Locate(ctx context.Context, entityType EntityType, id uuid.UUID) (*EntityRef, error)
}
