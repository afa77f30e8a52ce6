package persistence

import (
	"context"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ownedIn scopes a CRM table to a goal's owner and window.
// Team goals count records owned by any member of the team; company goals count all records.
func ownedIn(q goal.SourceQuery, dateColumn string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch q.OwnerType {
		case goal.OwnerTypeIndividual:
			db = db.Where("owner_id = ?", q.OwnerID)
		case goal.OwnerTypeTeam:
			db = db.Where("owner_id IN (?)",
				db.Session(&gorm.Session{NewDB: true}).
					Model(&models.TeamMemberModel{}).
					Select("user_id").
					Where("team_id = ?", q.OwnerID))
		}

		db = db.Where(dateColumn + " IS NOT NULL")
		if q.From != nil {
			db = db.Where(dateColumn+" >= ?", q.From.UTC())
		}
		if q.To != nil {
			db = db.Where(dateColumn+" <= ?", q.To.UTC())
		}
		return db
	}
}

// GormDealReader aggregates closed-won deals
type GormDealReader struct {
	db *gorm.DB
}

// NewGormDealReader creates a new GormDealReader
func NewGormDealReader(db *gorm.DB) *GormDealReader {
	return &GormDealReader{db: db}
}

func (r *GormDealReader) closedWon(ctx context.Context, q goal.SourceQuery) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.DealModel{}).
		Where("stage = ?", models.DealStageClosedWon).
		Scopes(ownedIn(q, "closed_at"))
}

// SumClosedWonAmount sums the amounts of closed-won deals in scope
func (r *GormDealReader) SumClosedWonAmount(ctx context.Context, q goal.SourceQuery) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	if err := r.closedWon(ctx, q).Select("SUM(amount)").Row().Scan(&total); err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// CountClosedWon counts closed-won deals in scope
func (r *GormDealReader) CountClosedWon(ctx context.Context, q goal.SourceQuery) (int64, error) {
	var count int64
	err := r.closedWon(ctx, q).Count(&count).Error
	return count, err
}

// GormActivityReader counts completed activities
type GormActivityReader struct {
	db *gorm.DB
}

// NewGormActivityReader creates a new GormActivityReader
func NewGormActivityReader(db *gorm.DB) *GormActivityReader {
	return &GormActivityReader{db: db}
}

// CountCompleted counts completed activities in scope
func (r *GormActivityReader) CountCompleted(ctx context.Context, q goal.SourceQuery) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ActivityModel{}).
		Where("status = ?", models.StatusCompleted).
		Scopes(ownedIn(q, "completed_at")).
		Count(&count).Error
	return count, err
}

// GormTaskReader counts completed tasks
type GormTaskReader struct {
	db *gorm.DB
}

// NewGormTaskReader creates a new GormTaskReader
func NewGormTaskReader(db *gorm.DB) *GormTaskReader {
	return &GormTaskReader{db: db}
}

// CountCompleted counts completed tasks in scope
func (r *GormTaskReader) CountCompleted(ctx context.Context, q goal.SourceQuery) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TaskModel{}).
		Where("status = ?", models.StatusCompleted).
		Scopes(ownedIn(q, "completed_at")).
		Count(&count).Error
	return count, err
}

var (
	_ goal.DealReader     = (*GormDealReader)(nil)
	_ goal.ActivityReader = (*GormActivityReader)(nil)
	_ goal.TaskReader     = (*GormTaskReader)(nil)
)
