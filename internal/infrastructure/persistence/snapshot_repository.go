package persistence

import (
	"context"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormSnapshotRepository implements SnapshotRepository using GORM
type GormSnapshotRepository struct {
	db *gorm.DB
}

// NewGormSnapshotRepository creates a new GormSnapshotRepository
func NewGormSnapshotRepository(db *gorm.DB) *GormSnapshotRepository {
	return &GormSnapshotRepository{db: db}
}

// Append inserts a snapshot row
func (r *GormSnapshotRepository) Append(ctx context.Context, snapshot *goal.ProgressSnapshot) error {
	model := models.GoalSnapshotModelFromDomain(snapshot)
	model.RecordedAt = model.RecordedAt.UTC()
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByGoal returns a goal's snapshots, newest first. A non-positive limit returns all rows.
func (r *GormSnapshotRepository) FindByGoal(ctx context.Context, goalID uuid.UUID, limit int) ([]goal.ProgressSnapshot, error) {
	query := r.db.WithContext(ctx).
		Where("goal_id = ?", goalID).
		Order("recorded_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.GoalSnapshotModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	snapshots := make([]goal.ProgressSnapshot, len(rows))
	for i := range rows {
		snapshots[i] = *rows[i].ToDomain()
	}
	return snapshots, nil
}

// ExistsForDay reports whether the goal has a snapshot with the reason on the UTC day containing day
func (r *GormSnapshotRepository) ExistsForDay(ctx context.Context, goalID uuid.UUID, reason goal.SnapshotReason, day time.Time) (bool, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.GoalSnapshotModel{}).
		Where("goal_id = ? AND reason = ?", goalID, reason).
		Where("recorded_at >= ? AND recorded_at < ?", start, end).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Ensure GormSnapshotRepository implements SnapshotRepository
var _ goal.SnapshotRepository = (*GormSnapshotRepository)(nil)
