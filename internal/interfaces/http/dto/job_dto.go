package dto

import (
	"time"

	"github.com/crm/backend/internal/infrastructure/scheduler"
	"github.com/google/uuid"
)

// JobRunResponse is the API view of a scheduled job run
type JobRunResponse struct {
	ID          uuid.UUID  `json:"id"`
	Job         string     `json:"job"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
}

// ToJobRunResponse converts a job run
func ToJobRunResponse(r *scheduler.JobRun) JobRunResponse {
	return JobRunResponse{
		ID:          r.ID,
		Job:         string(r.Job),
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.Duration().Milliseconds(),
		Processed:   r.Processed,
		Failed:      r.Failed,
		Error:       r.Error,
	}
}
