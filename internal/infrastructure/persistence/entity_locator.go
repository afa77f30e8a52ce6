package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TeamResolver resolves the team of a record owner, nil when the owner has none
type TeamResolver interface {
	TeamOf(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
}

// GormTeamDirectory reads team membership from the team_members table
type GormTeamDirectory struct {
	db *gorm.DB
}

// NewGormTeamDirectory creates a new GormTeamDirectory
func NewGormTeamDirectory(db *gorm.DB) *GormTeamDirectory {
	return &GormTeamDirectory{db: db}
}

// TeamOf returns the team of userID, or nil if the user belongs to none
func (d *GormTeamDirectory) TeamOf(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	var member models.TeamMemberModel
	err := d.db.WithContext(ctx).First(&member, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member.TeamID, nil
}

// GormEntityLocator resolves a changed CRM record to its owner, team and event date
type GormEntityLocator struct {
	db    *gorm.DB
	teams TeamResolver
}

// NewGormEntityLocator creates a locator; teams is usually a cached directory
func NewGormEntityLocator(db *gorm.DB, teams TeamResolver) *GormEntityLocator {
	if teams == nil {
		teams = NewGormTeamDirectory(db)
	}
	return &GormEntityLocator{db: db, teams: teams}
}

// Locate loads the record and its owner's team.
// The date is the close or completion date, falling back to the last update for
// records not yet closed or completed.
func (l *GormEntityLocator) Locate(ctx context.Context, entityType goal.EntityType, id uuid.UUID) (*goal.EntityRef, error) {
	var (
		ownerID    uuid.UUID
		occurredAt time.Time
		err        error
	)

	switch entityType {
	case goal.EntityTypeDeal:
		var deal models.DealModel
		err = l.db.WithContext(ctx).First(&deal, "id = ?", id).Error
		ownerID, occurredAt = deal.OwnerID, dateOr(deal.ClosedAt, deal.UpdatedAt)
	case goal.EntityTypeActivity:
		var activity models.ActivityModel
		err = l.db.WithContext(ctx).First(&activity, "id = ?", id).Error
		ownerID, occurredAt = activity.OwnerID, dateOr(activity.CompletedAt, activity.UpdatedAt)
	case goal.EntityTypeTask:
		var task models.TaskModel
		err = l.db.WithContext(ctx).First(&task, "id = ?", id).Error
		ownerID, occurredAt = task.OwnerID, dateOr(task.CompletedAt, task.UpdatedAt)
	default:
		return nil, shared.NewDomainError("INVALID_ENTITY_TYPE", fmt.Sprintf("unknown entity type %q", entityType))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	teamID, err := l.teams.TeamOf(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolve team of %s: %w", ownerID, err)
	}

	return &goal.EntityRef{
		Type:       entityType,
		ID:         id,
		OwnerID:    ownerID,
		TeamID:     teamID,
		OccurredAt: occurredAt,
	}, nil
}

func dateOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

var (
	_ goal.EntityLocator = (*GormEntityLocator)(nil)
	_ TeamResolver       = (*GormTeamDirectory)(nil)
)
