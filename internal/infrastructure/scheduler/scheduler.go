package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appgoal "github.com/crm/backend/internal/application/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobLockPrefix = "scheduler:"

// Sweeper recalculates every auto-calculated goal
type Sweeper interface {
	RecalculateAllAutoCalculated(ctx context.Context) (*appgoal.BatchResult, error)
}

// DailySnapshotter writes the daily progress snapshots
type DailySnapshotter interface {
	RecordDailySnapshots(ctx context.Context) (*appgoal.DailySnapshotResult, error)
}

// Config holds the goal job schedules
type Config struct {
	// SweepCron and SnapshotCron are five-field cron expressions or descriptors
	SweepCron    string
	SnapshotCron string
	// JobTimeout bounds a single job run; zero means unbounded
	JobTimeout time.Duration
	// JobLockTTL must outlive JobTimeout so a slow run keeps its lock
	JobLockTTL time.Duration
}

// DefaultConfig runs the sweep hourly and snapshots at midnight
func DefaultConfig() Config {
	return Config{
		SweepCron:    "0 * * * *",
		SnapshotCron: "0 0 * * *",
		JobTimeout:   30 * time.Minute,
		JobLockTTL:   31 * time.Minute,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithJobRecorder persists every run
func WithJobRecorder(r JobRecorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithMetrics records job durations
func WithMetrics(m *telemetry.GoalMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler runs the recalculation sweep and the daily snapshot job on cron
// schedules. Each run holds a cluster-wide job lock, so only one replica
// executes a given job at a time.
type Scheduler struct {
	cfg         Config
	lock        shared.JobLock
	sweeper     Sweeper
	snapshotter DailySnapshotter
	recorder    JobRecorder
	metrics     *telemetry.GoalMetrics
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	cron      *cron.Cron
	isRunning bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	lastRuns  map[JobName]JobRun
}

// New creates a new scheduler
func New(
	cfg Config,
	lock shared.JobLock,
	sweeper Sweeper,
	snapshotter DailySnapshotter,
	logger *zap.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		lock:        lock,
		sweeper:     sweeper,
		snapshotter: snapshotter,
		logger:      logger,
		now:         time.Now,
		lastRuns:    make(map[JobName]JobRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers both jobs and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.SweepCron, func() { s.runScheduled(JobSweep) }); err != nil {
		return fmt.Errorf("%w: sweep schedule %q: %v", ErrInvalidConfig, s.cfg.SweepCron, err)
	}
	if _, err := c.AddFunc(s.cfg.SnapshotCron, func() { s.runScheduled(JobDailySnapshot) }); err != nil {
		return fmt.Errorf("%w: snapshot schedule %q: %v", ErrInvalidConfig, s.cfg.SnapshotCron, err)
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	s.isRunning = true
	c.Start()

	s.logger.Info("Goal job scheduler started",
		zap.String("sweep_cron", s.cfg.SweepCron),
		zap.String("snapshot_cron", s.cfg.SnapshotCron),
		zap.Duration("job_timeout", s.cfg.JobTimeout),
	)
	return nil
}

// Stop stops the cron loop and waits for running jobs, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	stopCtx := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
		s.logger.Info("Goal job scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// TriggerSweep runs the recalculation sweep now
func (s *Scheduler) TriggerSweep(ctx context.Context) (*JobRun, error) {
	return s.execute(ctx, JobSweep)
}

// TriggerDailySnapshots runs the daily snapshot job now
func (s *Scheduler) TriggerDailySnapshots(ctx context.Context) (*JobRun, error) {
	return s.execute(ctx, JobDailySnapshot)
}

// LastRun returns the last run of a job executed by this process
func (s *Scheduler) LastRun(job JobName) (JobRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.lastRuns[job]
	return run, ok
}

func (s *Scheduler) runScheduled(job JobName) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if _, err := s.execute(ctx, job); err != nil && !errors.Is(err, ErrJobAlreadyRunning) {
		s.logger.Error("Scheduled goal job failed",
			zap.String("job", string(job)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) jobFunc(job JobName) func(context.Context) (jobStats, error) {
	switch job {
	case JobSweep:
		return s.sweep
	case JobDailySnapshot:
		return s.dailySnapshot
	default:
		return nil
	}
}

func (s *Scheduler) execute(ctx context.Context, job JobName) (*JobRun, error) {
	fn := s.jobFunc(job)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}

	unlock, ok, err := s.lock.TryLock(ctx, jobLockPrefix+string(job), s.cfg.JobLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock for %s: %w", job, err)
	}
	if !ok {
		s.logger.Debug("Goal job held by another runner, skipping", zap.String("job", string(job)))
		return nil, ErrJobAlreadyRunning
	}
	defer unlock()

	jobCtx := ctx
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	run := newJobRun(job, s.now())
	s.recordStart(ctx, run)

	stats, runErr := fn(jobCtx)
	if runErr != nil {
		run.fail(s.now(), stats, runErr)
	} else {
		run.complete(s.now(), stats)
	}

	s.recordComplete(ctx, run)
	s.mu.Lock()
	s.lastRuns[job] = *run
	s.mu.Unlock()

	if job == JobDailySnapshot {
		s.metrics.RecordJob(ctx, telemetry.JobDailySnapshot, run.Duration(), run.Processed)
	}

	if runErr != nil {
		return run, fmt.Errorf("%s: %w", job, runErr)
	}
	s.logger.Info("Goal job completed",
		zap.String("job", string(job)),
		zap.Int("processed", run.Processed),
		zap.Int("failed", run.Failed),
		zap.Duration("duration", run.Duration()),
	)
	return run, nil
}

func (s *Scheduler) sweep(ctx context.Context) (jobStats, error) {
	result, err := s.sweeper.RecalculateAllAutoCalculated(ctx)
	if result == nil {
		return jobStats{}, err
	}
	return jobStats{Processed: result.Processed, Failed: result.Failed}, err
}

func (s *Scheduler) dailySnapshot(ctx context.Context) (jobStats, error) {
	result, err := s.snapshotter.RecordDailySnapshots(ctx)
	if result == nil {
		return jobStats{}, err
	}
	return jobStats{Processed: result.Created + result.Skipped + result.Failed, Failed: result.Failed}, err
}

func (s *Scheduler) recordStart(ctx context.Context, run *JobRun) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordJobStart(ctx, run); err != nil {
		s.logger.Warn("Failed to record job start",
			zap.String("job", string(run.Job)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) recordComplete(ctx context.Context, run *JobRun) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordJobComplete(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("Failed to record job completion",
			zap.String("job", string(run.Job)),
			zap.Error(err),
		)
	}
}
