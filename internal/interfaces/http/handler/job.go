package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/crm/backend/internal/infrastructure/scheduler"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
)

// JobRunner triggers scheduled goal jobs out of schedule
type JobRunner interface {
	TriggerSweep(ctx context.Context) (*scheduler.JobRun, error)
	TriggerDailySnapshots(ctx context.Context) (*scheduler.JobRun, error)
	LastRun(job scheduler.JobName) (scheduler.JobRun, bool)
}

// JobHandler lets operators run the sweep or the daily snapshot immediately
type JobHandler struct {
	BaseHandler
	runner JobRunner
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(runner JobRunner) *JobHandler {
	return &JobHandler{runner: runner}
}

// Routes returns the job route group
func (h *JobHandler) Routes() *router.DomainGroup {
	g := router.NewDomainGroup("jobs", "/jobs")
	g.GET("/:name", h.GetLastRun)
	g.POST("/:name/trigger", h.Trigger)
	return g
}

// Trigger runs a job now. A run that started answers 200 with its outcome,
// failed or not; a run held by another instance answers 409.
func (h *JobHandler) Trigger(c *gin.Context) {
	var trigger func(context.Context) (*scheduler.JobRun, error)
	switch scheduler.JobName(c.Param("name")) {
	case scheduler.JobSweep:
		trigger = h.runner.TriggerSweep
	case scheduler.JobDailySnapshot:
		trigger = h.runner.TriggerDailySnapshots
	default:
		h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, "Unknown job "+c.Param("name"))
		return
	}

	run, err := trigger(c.Request.Context())
	if run != nil {
		h.Success(c, dto.ToJobRunResponse(run))
		return
	}
	if errors.Is(err, scheduler.ErrJobAlreadyRunning) {
		h.ErrorWithCode(c, dto.ErrCodeJobRunning, "Job is already running")
		return
	}
	h.HandleError(c, err)
}

// GetLastRun returns the latest run of a job seen by this instance
func (h *JobHandler) GetLastRun(c *gin.Context) {
	job := scheduler.JobName(c.Param("name"))
	run, ok := h.runner.LastRun(job)
	if !ok {
		h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, "No run recorded for "+string(job))
		return
	}
	h.Success(c, dto.ToJobRunResponse(&run))
}
