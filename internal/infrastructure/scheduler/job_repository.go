package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRecorder persists job runs
type JobRecorder interface {
	RecordJobStart(ctx context.Context, run *JobRun) error
	RecordJobComplete(ctx context.Context, run *JobRun) error
}

// JobRunRecord is the persisted form of a JobRun
type JobRunRecord struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	JobName     string     `gorm:"column:job_name;size:50;not null;index"`
	Status      string     `gorm:"column:status;size:20;not null"`
	Processed   int        `gorm:"column:processed;not null;default:0"`
	Failed      int        `gorm:"column:failed;not null;default:0"`
	Error       string     `gorm:"column:last_error;type:text"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName returns the table name for GORM
func (JobRunRecord) TableName() string {
	return "goal_scheduler_jobs"
}

func (r *JobRunRecord) toRun() *JobRun {
	return &JobRun{
		ID:          r.ID,
		Job:         JobName(r.JobName),
		Status:      JobStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Error:       r.Error,
	}
}

// JobRunRepository handles persistence of job runs
type JobRunRepository struct {
	db *gorm.DB
}

// NewJobRunRepository creates a new JobRunRepository
func NewJobRunRepository(db *gorm.DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// RecordJobStart inserts the run in RUNNING state
func (r *JobRunRepository) RecordJobStart(ctx context.Context, run *JobRun) error {
	record := &JobRunRecord{
		ID:        run.ID,
		JobName:   string(run.Job),
		Status:    string(run.Status),
		StartedAt: run.StartedAt,
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// RecordJobComplete stores the outcome of a run
func (r *JobRunRepository) RecordJobComplete(ctx context.Context, run *JobRun) error {
	return r.db.WithContext(ctx).
		Model(&JobRunRecord{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":       string(run.Status),
			"processed":    run.Processed,
			"failed":       run.Failed,
			"last_error":   run.Error,
			"completed_at": run.CompletedAt,
			"updated_at":   time.Now(),
		}).Error
}

// GetLastRun returns the most recent run of a job
func (r *JobRunRepository) GetLastRun(ctx context.Context, job JobName) (*JobRun, error) {
	var record JobRunRecord
	err := r.db.WithContext(ctx).
		Where("job_name = ?", string(job)).
		Order("started_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return record.toRun(), nil
}

var _ JobRecorder = (*JobRunRepository)(nil)
