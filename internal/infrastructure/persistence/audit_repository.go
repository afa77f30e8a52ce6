package persistence

import (
	"context"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormAuditRepository implements AuditRepository using GORM
type GormAuditRepository struct {
	db *gorm.DB
}

// NewGormAuditRepository creates a new GormAuditRepository
func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

// Append inserts an audit row
func (r *GormAuditRepository) Append(ctx context.Context, entry *goal.AuditEntry) error {
	model := models.GoalAuditLogModelFromDomain(entry)
	model.OccurredAt = model.OccurredAt.UTC()
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByGoal returns a goal's audit trail, newest first
func (r *GormAuditRepository) FindByGoal(ctx context.Context, goalID uuid.UUID, limit int) ([]goal.AuditEntry, error) {
	query := r.db.WithContext(ctx).
		Where("goal_id = ?", goalID).
		Order("occurred_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.GoalAuditLogModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]goal.AuditEntry, len(rows))
	for i := range rows {
		entries[i] = *rows[i].ToDomain()
	}
	return entries, nil
}

// Ensure GormAuditRepository implements AuditRepository
var _ goal.AuditRepository = (*GormAuditRepository)(nil)
