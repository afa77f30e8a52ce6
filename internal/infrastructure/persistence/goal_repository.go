package persistence

import (
	"context"
	"errors"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormGoalRepository implements GoalRepository using GORM
type GormGoalRepository struct {
	db *gorm.DB
}

// NewGormGoalRepository creates a new GormGoalRepository
func NewGormGoalRepository(db *gorm.DB) *GormGoalRepository {
	return &GormGoalRepository{db: db}
}

// FindByID finds a goal by ID
func (r *GormGoalRepository) FindByID(ctx context.Context, id uuid.UUID) (*goal.Goal, error) {
	var model models.GoalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindChildren finds the direct children of a goal
func (r *GormGoalRepository) FindChildren(ctx context.Context, parentID uuid.UUID) ([]goal.Goal, error) {
	var rows []models.GoalModel
	if err := r.db.WithContext(ctx).
		Where("parent_goal_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainGoals(rows), nil
}

// FindAncestors walks parent links one row at a time, nearest ancestor first.
// A missing goal or a dangling parent reference ends the chain.
func (r *GormGoalRepository) FindAncestors(ctx context.Context, id uuid.UUID, maxDepth int) ([]goal.Goal, error) {
	current, err := r.parentOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var ancestors []goal.Goal
	seen := map[uuid.UUID]bool{id: true}
	for current != nil && len(ancestors) < maxDepth && !seen[*current] {
		seen[*current] = true

		var model models.GoalModel
		err := r.db.WithContext(ctx).First(&model, "id = ?", *current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		ancestors = append(ancestors, *model.ToDomain())
		current = model.ParentGoalID
	}
	return ancestors, nil
}

func (r *GormGoalRepository) parentOf(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	var model models.GoalModel
	err := r.db.WithContext(ctx).Select("id", "parent_goal_id").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ParentGoalID, nil
}

// FindAutoCalculated finds auto-calculated goals without a manual override
func (r *GormGoalRepository) FindAutoCalculated(ctx context.Context) ([]goal.Goal, error) {
	var rows []models.GoalModel
	if err := r.db.WithContext(ctx).
		Scopes(recalculable).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainGoals(rows), nil
}

// FindAffectedBy finds recalculable goals of the given types that count the entity.
// Individual goals match on the record owner, team goals on the owner's team, and
// company goals match every record; the goal window must contain OccurredAt.
func (r *GormGoalRepository) FindAffectedBy(ctx context.Context, ref goal.EntityRef, types []goal.Type) ([]goal.Goal, error) {
	if len(types) == 0 {
		return nil, nil
	}

	owners := r.db.Where("owner_type = ? AND owner_id = ?", goal.OwnerTypeIndividual, ref.OwnerID).
		Or("owner_type = ?", goal.OwnerTypeCompany)
	if ref.TeamID != nil {
		owners = owners.Or("owner_type = ? AND owner_id = ?", goal.OwnerTypeTeam, *ref.TeamID)
	}

	at := ref.OccurredAt.UTC()
	var rows []models.GoalModel
	if err := r.db.WithContext(ctx).
		Scopes(recalculable).
		Where("type IN ?", types).
		Where(owners).
		Where("start_date IS NULL OR start_date <= ?", at).
		Where("end_date IS NULL OR end_date >= ?", at).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainGoals(rows), nil
}

// FindActive finds all goals in active status
func (r *GormGoalRepository) FindActive(ctx context.Context) ([]goal.Goal, error) {
	var rows []models.GoalModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", goal.StatusActive).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainGoals(rows), nil
}

// Save writes a goal with optimistic locking.
// Callers increment the version before saving; the row is updated only if it still
// holds the previous version. A goal that does not exist yet is created.
func (r *GormGoalRepository) Save(ctx context.Context, g *goal.Goal) error {
	model := models.GoalModelFromDomain(g)

	result := r.db.WithContext(ctx).
		Model(model).
		Where("version = ?", g.Version-1).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.GoalModel{}).Where("id = ?", g.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return shared.ErrConcurrencyConflict
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func recalculable(db *gorm.DB) *gorm.DB {
	return db.Where("calculation_source = ? AND manual_override_reason IS NULL", goal.CalculationSourceAutoCalculated)
}

func toDomainGoals(rows []models.GoalModel) []goal.Goal {
	goals := make([]goal.Goal, len(rows))
	for i := range rows {
		goals[i] = *rows[i].ToDomain()
	}
	return goals
}

// Ensure GormGoalRepository implements GoalRepository
var _ goal.GoalRepository = (*GormGoalRepository)(nil)
