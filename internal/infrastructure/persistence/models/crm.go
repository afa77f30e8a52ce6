package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CRM record states counted by the goal engine
const (
	DealStageClosedWon = "closed_won"
	StatusCompleted    = "completed"
)

// DealModel is the engine's read view of a CRM deal.
type DealModel struct {
	ID        uuid.UUID       `gorm:"type:uuid;primary_key"`
	OwnerID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	Amount    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Stage     string          `gorm:"type:varchar(30);not null"`
	ClosedAt  *time.Time      `gorm:"index"`
	UpdatedAt time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (DealModel) TableName() string {
	return "deals"
}

// ActivityModel is the engine's read view of a CRM activity.
type ActivityModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key"`
	OwnerID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Status      string     `gorm:"type:varchar(30);not null"`
	CompletedAt *time.Time `gorm:"index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ActivityModel) TableName() string {
	return "activities"
}

// TaskModel is the engine's read view of a CRM task.
type TaskModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key"`
	OwnerID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Status      string     `gorm:"type:varchar(30);not null"`
	CompletedAt *time.Time `gorm:"index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TaskModel) TableName() string {
	return "tasks"
}

// TeamMemberModel maps a user to the team goals count them under.
type TeamMemberModel struct {
	UserID uuid.UUID `gorm:"type:uuid;primary_key"`
	TeamID uuid.UUID `gorm:"type:uuid;not null;index"`
}

// TableName returns the table name for GORM
func (TeamMemberModel) TableName() string {
	return "team_members"
}
