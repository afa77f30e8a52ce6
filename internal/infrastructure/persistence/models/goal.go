package models

import (
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GoalModel is the persistence model for the Goal aggregate.
type GoalModel struct {
	VersionedModel
	Name                 string                 `gorm:"type:varchar(200);not null"`
	Description          string                 `gorm:"type:text"`
	TargetValue          *decimal.Decimal       `gorm:"type:decimal(18,4)"`
	TargetDerived        bool                   `gorm:"not null;default:false"`
	Progress             decimal.Decimal        `gorm:"type:decimal(18,4);not null;default:0"`
	StartDate            *time.Time             `gorm:"index"`
	EndDate              *time.Time             `gorm:"index"`
	Timeframe            goal.Timeframe         `gorm:"type:varchar(20);not null;default:'custom'"`
	Recurring            bool                   `gorm:"not null;default:false"`
	OwnerType            goal.OwnerType         `gorm:"type:varchar(20);not null;index:idx_goal_owner,priority:1"`
	OwnerID              uuid.UUID              `gorm:"type:uuid;not null;index:idx_goal_owner,priority:2"`
	Status               goal.Status            `gorm:"type:varchar(20);not null;default:'draft'"`
	ParentGoalID         *uuid.UUID             `gorm:"type:uuid;index"`
	CalculationSource    goal.CalculationSource `gorm:"type:varchar(20);not null;default:'manual'"`
	LastCalculatedAt     *time.Time
	CalculationFailed    bool    `gorm:"not null;default:false"`
	ManualOverrideReason *string `gorm:"type:text"`
	Type                 goal.Type `gorm:"type:varchar(20);not null"`
}

// TableName returns the table name for GORM
func (GoalModel) TableName() string {
	return "goals"
}

// ToDomain converts the persistence model to a domain Goal.
func (m *GoalModel) ToDomain() *goal.Goal {
	return &goal.Goal{
		BaseAggregateRoot:    m.toAggregate(),
		Name:                 m.Name,
		Description:          m.Description,
		TargetValue:          m.TargetValue,
		TargetDerived:        m.TargetDerived,
		Progress:             m.Progress,
		StartDate:            m.StartDate,
		EndDate:              m.EndDate,
		Timeframe:            m.Timeframe,
		Recurring:            m.Recurring,
		OwnerType:            m.OwnerType,
		OwnerID:              m.OwnerID,
		Status:               m.Status,
		ParentGoalID:         m.ParentGoalID,
		CalculationSource:    m.CalculationSource,
		LastCalculatedAt:     m.LastCalculatedAt,
		CalculationFailed:    m.CalculationFailed,
		ManualOverrideReason: m.ManualOverrideReason,
		Type:                 m.Type,
	}
}

// FromDomain populates the persistence model from a domain Goal.
func (m *GoalModel) FromDomain(g *goal.Goal) {
	m.fromAggregate(g.BaseAggregateRoot)
	m.Name = g.Name
	m.Description = g.Description
	m.TargetValue = g.TargetValue
	m.TargetDerived = g.TargetDerived
	m.Progress = g.Progress
	m.StartDate = g.StartDate
	m.EndDate = g.EndDate
	m.Timeframe = g.Timeframe
	m.Recurring = g.Recurring
	m.OwnerType = g.OwnerType
	m.OwnerID = g.OwnerID
	m.Status = g.Status
	m.ParentGoalID = g.ParentGoalID
	m.CalculationSource = g.CalculationSource
	m.LastCalculatedAt = g.LastCalculatedAt
	m.CalculationFailed = g.CalculationFailed
	m.ManualOverrideReason = g.ManualOverrideReason
	m.Type = g.Type
}

// GoalModelFromDomain creates a new persistence model from a domain Goal.
func GoalModelFromDomain(g *goal.Goal) *GoalModel {
	m := &GoalModel{}
	m.FromDomain(g)
	return m
}

// GoalSnapshotModel is an append-only progress history row.
type GoalSnapshotModel struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primary_key"`
	GoalID             uuid.UUID           `gorm:"type:uuid;not null;index:idx_goal_snapshot_goal_recorded,priority:1"`
	RecordedAt         time.Time           `gorm:"not null;index:idx_goal_snapshot_goal_recorded,priority:2"`
	Progress           decimal.Decimal     `gorm:"type:decimal(18,4);not null"`
	ProgressPercentage decimal.Decimal     `gorm:"type:decimal(9,4);not null"`
	Reason             goal.SnapshotReason `gorm:"type:varchar(30);not null"`
}

// TableName returns the table name for GORM
func (GoalSnapshotModel) TableName() string {
	return "goal_progress_snapshots"
}

// ToDomain converts the persistence model to a domain ProgressSnapshot.
func (m *GoalSnapshotModel) ToDomain() *goal.ProgressSnapshot {
	return &goal.ProgressSnapshot{
		ID:                 m.ID,
		GoalID:             m.GoalID,
		RecordedAt:         m.RecordedAt,
		Progress:           m.Progress,
		ProgressPercentage: m.ProgressPercentage,
		Reason:             m.Reason,
	}
}

// GoalSnapshotModelFromDomain creates a persistence model from a domain ProgressSnapshot.
func GoalSnapshotModelFromDomain(s *goal.ProgressSnapshot) *GoalSnapshotModel {
	return &GoalSnapshotModel{
		ID:                 s.ID,
		GoalID:             s.GoalID,
		RecordedAt:         s.RecordedAt,
		Progress:           s.Progress,
		ProgressPercentage: s.ProgressPercentage.Round(4),
		Reason:             s.Reason,
	}
}

// GoalAuditLogModel is an append-only audit row.
type GoalAuditLogModel struct {
	ID         uuid.UUID        `gorm:"type:uuid;primary_key"`
	GoalID     uuid.UUID        `gorm:"type:uuid;not null;index:idx_goal_audit_goal_occurred,priority:1"`
	Action     goal.AuditAction `gorm:"type:varchar(30);not null"`
	Actor      string           `gorm:"type:varchar(100);not null"`
	OldValue   string           `gorm:"type:text"`
	NewValue   string           `gorm:"type:text"`
	OccurredAt time.Time        `gorm:"not null;index:idx_goal_audit_goal_occurred,priority:2"`
}

// TableName returns the table name for GORM
func (GoalAuditLogModel) TableName() string {
	return "goal_audit_log"
}

// ToDomain converts the persistence model to a domain AuditEntry.
func (m *GoalAuditLogModel) ToDomain() *goal.AuditEntry {
	return &goal.AuditEntry{
		ID:         m.ID,
		GoalID:     m.GoalID,
		Action:     m.Action,
		Actor:      m.Actor,
		OldValue:   m.OldValue,
		NewValue:   m.NewValue,
		OccurredAt: m.OccurredAt,
	}
}

// GoalAuditLogModelFromDomain creates a persistence model from a domain AuditEntry.
func GoalAuditLogModelFromDomain(e *goal.AuditEntry) *GoalAuditLogModel {
	return &GoalAuditLogModel{
		ID:         e.ID,
		GoalID:     e.GoalID,
		Action:     e.Action,
		Actor:      e.Actor,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
		OccurredAt: e.OccurredAt,
	}
}
