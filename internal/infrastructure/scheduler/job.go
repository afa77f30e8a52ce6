package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// JobName identifies a scheduled goal job
type JobName string

const (
	JobSweep         JobName = "goal_recalculation_sweep"
	JobDailySnapshot JobName = "goal_daily_snapshot"
)

// AllJobs returns every job the scheduler runs
func AllJobs() []JobName {
	return []JobName{JobSweep, JobDailySnapshot}
}

// JobStatus represents the status of a job run
type JobStatus string

const (
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// JobRun is one execution of a scheduled job
type JobRun struct {
	ID          uuid.UUID
	Job         JobName
	Status      JobStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	// Processed counts goals the job touched, Failed the ones it could not
	Processed int
	Failed    int
	Error     string
}

func newJobRun(job JobName, startedAt time.Time) *JobRun {
	return &JobRun{
		ID:        uuid.New(),
		Job:       job,
		Status:    JobStatusRunning,
		StartedAt: startedAt,
	}
}

// complete marks the run as successful
func (r *JobRun) complete(at time.Time, stats jobStats) {
	r.Status = JobStatusSuccess
	r.CompletedAt = &at
	r.Processed = stats.Processed
	r.Failed = stats.Failed
}

// fail marks the run as failed
func (r *JobRun) fail(at time.Time, stats jobStats, err error) {
	r.Status = JobStatusFailed
	r.CompletedAt = &at
	r.Processed = stats.Processed
	r.Failed = stats.Failed
	r.Error = err.Error()
}

// Duration returns how long the run took, zero while it is running
func (r *JobRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

type jobStats struct {
	Processed int
	Failed    int
}
