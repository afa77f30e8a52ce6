package goal

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RunState is the recalculation state of one goal
type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStateCalculating RunState = "calculating"
	RunStateRollingUp   RunState = "rolling_up"
)

// CoordinatorConfig contains configuration for RecalculationCoordinator
type CoordinatorConfig struct {
	// LeaseWait is how long a run waits for a goal held elsewhere
	LeaseWait time.Duration
	// Workers bounds the goals recalculated in parallel by a batch
	Workers int
}

// DefaultCoordinatorConfig returns default configuration
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LeaseWait: shared.DefaultLeaseConfig().Wait,
		Workers:   runtime.NumCPU(),
	}
}

// RecalculationCoordinator is the single entry point for recalculation, whether
// triggered by a CRM record change, the scheduled sweep or an operator.
// Concurrent requests for the same goal in this process share one run; runs in
// other processes are excluded by the lease table. Failures are never retried
// here; the next sweep picks them up.
type RecalculationCoordinator struct {
	goals      goal.GoalRepository
	calculator *ProgressCalculator
	recorder   *SnapshotRecorder
	hierarchy  *HierarchyService
	leases     shared.LeaseTable
	publisher  shared.EventPublisher
	logger     *zap.Logger
	leaseWait  time.Duration
	workers    int
	metrics    *telemetry.GoalMetrics

	flights singleflight.Group
	mu      sync.RWMutex
	states  map[uuid.UUID]RunState
}

// NewRecalculationCoordinator creates a new RecalculationCoordinator
func NewRecalculationCoordinator(
	goals goal.GoalRepository,
	calculator *ProgressCalculator,
	recorder *SnapshotRecorder,
	hierarchy *HierarchyService,
	leases shared.LeaseTable,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config CoordinatorConfig,
) *RecalculationCoordinator {
	defaults := DefaultCoordinatorConfig()
	if config.LeaseWait <= 0 {
		config.LeaseWait = defaults.LeaseWait
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	return &RecalculationCoordinator{
		goals:      goals,
		calculator: calculator,
		recorder:   recorder,
		hierarchy:  hierarchy,
		leases:     leases,
		publisher:  publisher,
		logger:     logger,
		leaseWait:  config.LeaseWait,
		workers:    config.Workers,
		states:     make(map[uuid.UUID]RunState),
	}
}

// SetMetrics sets the metrics recorder (optional)
func (c *RecalculationCoordinator) SetMetrics(m *telemetry.GoalMetrics) {
	c.metrics = m
}

// State returns the current run state of a goal
func (c *RecalculationCoordinator) State(goalID uuid.UUID) RunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[goalID]; ok {
		return s
	}
	return RunStateIdle
}

func (c *RecalculationCoordinator) setState(goalID uuid.UUID, s RunState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == RunStateIdle {
		delete(c.states, goalID)
		return
	}
	c.states[goalID] = s
}

// RecalculateGoal recalculates one goal on demand and rolls the change up.
// Returns shared.ErrConcurrencyConflict when the goal stays busy past the lease
// wait, and an error matching shared.ErrSourceUnavailable when a source failed.
func (c *RecalculationCoordinator) RecalculateGoal(ctx context.Context, goalID uuid.UUID) (*RecalculationResult, error) {
	return c.recalculate(ctx, goalID, telemetry.TriggerManual)
}

// RecalculateGoalsForEntity recalculates exactly the goals a changed deal,
// activity or task contributes to.
func (c *RecalculationCoordinator) RecalculateGoalsForEntity(ctx context.Context, entityType goal.EntityType, entityID uuid.UUID) (*BatchResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_coordinator", "recalculate_for_entity",
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, string(entityType)),
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, entityID.String()))
	defer span.End()

	goals, err := c.calculator.FindGoalsForEntity(ctx, entityType, entityID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(goals) == 0 {
		return &BatchResult{StartedAt: time.Now(), FinishedAt: time.Now(), Errors: []GoalError{}}, nil
	}

	result, err := c.runBatch(ctx, goals, telemetry.TriggerEntity)
	telemetry.SetAttributes(span, "processed", result.Processed, "failed", result.Failed)
	return result, err
}

// RecalculateAllAutoCalculated recalculates every auto-calculated goal that is
// not overridden. It is the backstop for missed change events; one failing goal
// never stops the others. The count of processed goals is BatchResult.Processed.
func (c *RecalculationCoordinator) RecalculateAllAutoCalculated(ctx context.Context) (*BatchResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_coordinator", "sweep")
	defer span.End()

	goals, err := c.calculator.FindSweepCandidates(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("load auto-calculated goals: %w", err)
	}

	c.logger.Info("Starting goal recalculation sweep", zap.Int("goals", len(goals)))

	result, err := c.runBatch(ctx, goals, telemetry.TriggerSweep)

	c.logger.Info("Goal recalculation sweep finished",
		zap.Int("processed", result.Processed),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
	telemetry.SetAttributes(span, "processed", result.Processed, "failed", result.Failed)
	c.metrics.RecordJob(ctx, telemetry.TriggerSweep, result.FinishedAt.Sub(result.StartedAt), result.Processed)

	return result, err
}

// runBatch recalculates goals on a bounded worker pool. Goals are independent,
// so stopping midway on cancellation leaves every goal consistent.
func (c *RecalculationCoordinator) runBatch(ctx context.Context, goals []goal.Goal, trigger string) (*BatchResult, error) {
	result := &BatchResult{
		StartedAt: time.Now(),
		Errors:    make([]GoalError, 0),
	}
	var mu sync.Mutex

	eg := new(errgroup.Group)
	eg.SetLimit(c.workers)

	for i := range goals {
		if ctx.Err() != nil {
			break
		}
		goalID := goals[i].ID
		eg.Go(func() error {
			res, err := c.recalculate(ctx, goalID, trigger)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, GoalError{GoalID: goalID, Error: err.Error()})
			case res.Skipped:
				result.Skipped++
			case res.Changed:
				result.Updated++
			}
			return nil
		})
	}
	_ = eg.Wait()

	result.FinishedAt = time.Now()
	return result, ctx.Err()
}

func (c *RecalculationCoordinator) recalculate(ctx context.Context, goalID uuid.UUID, trigger string) (*RecalculationResult, error) {
	start := time.Now()

	// The run is shared by every coalesced caller, so it must outlive the
	// caller that started it. Lease waits and source timeouts still bound it.
	v, err, coalesced := c.flights.Do(goalID.String(), func() (any, error) {
		return c.run(context.WithoutCancel(ctx), goalID)
	})

	var result RecalculationResult
	if r, ok := v.(*RecalculationResult); ok && r != nil {
		result = *r
	} else {
		result.GoalID = goalID
	}
	result.Coalesced = coalesced

	outcome := outcomeOf(&result, err)
	if coalesced && err == nil {
		outcome = telemetry.OutcomeCoalesced
	}
	c.metrics.RecordRecalculation(ctx, trigger, outcome, time.Since(start))
	if err != nil {
		result.Failed = true
		return &result, err
	}
	return &result, nil
}

func outcomeOf(r *RecalculationResult, err error) string {
	switch {
	case errors.Is(err, shared.ErrConcurrencyConflict):
		return telemetry.OutcomeConflict
	case err != nil:
		return telemetry.OutcomeFailed
	case r.Skipped:
		return telemetry.OutcomeSkipped
	case r.Changed:
		return telemetry.OutcomeUpdated
	default:
		return telemetry.OutcomeUnchanged
	}
}

// run performs one recalculation: Idle → Calculating → RollingUp → Idle.
// The goal's lease is held only while calculating; roll-up leases ancestors
// one at a time.
func (c *RecalculationCoordinator) run(ctx context.Context, goalID uuid.UUID) (*RecalculationResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_coordinator", "recalculate",
		telemetry.WithAttribute(telemetry.SpanAttrGoalID, goalID.String()))
	defer span.End()

	result, g, err := c.calculate(ctx, goalID)
	if err != nil {
		telemetry.RecordError(span, err)
		return result, err
	}

	if result.Changed && g.HasParent() {
		c.setState(goalID, RunStateRollingUp)
		if _, err := c.hierarchy.RecalculateParentProgress(ctx, goalID); err != nil {
			c.logger.Warn("Roll-up after recalculation failed",
				zap.String("goal_id", goalID.String()),
				zap.Error(err))
		}
	}
	c.setState(goalID, RunStateIdle)

	return result, nil
}

func (c *RecalculationCoordinator) calculate(ctx context.Context, goalID uuid.UUID) (*RecalculationResult, *goal.Goal, error) {
	result := &RecalculationResult{GoalID: goalID}

	release, err := c.leases.Acquire(ctx, leaseKey(goalID), c.leaseWait)
	if err != nil {
		return result, nil, err
	}
	defer release()

	c.setState(goalID, RunStateCalculating)

	g, err := c.goals.FindByID(ctx, goalID)
	if err != nil {
		c.setState(goalID, RunStateIdle)
		return result, nil, err
	}

	outcome, err := c.calculator.Recalculate(ctx, g)
	result.OldProgress = outcome.OldProgress
	result.NewProgress = outcome.NewProgress
	result.Changed = outcome.Changed
	result.Skipped = outcome.Skipped
	if err != nil {
		result.Failed = true
		c.setState(goalID, RunStateIdle)
		return result, g, err
	}

	if outcome.Changed {
		snapshotted, err := c.recorder.RecordIfSignificant(ctx, g, outcome.Previous, goal.SnapshotReasonAutoCalculated)
		if err != nil {
			c.logger.Warn("Failed to record recalculation snapshot",
				zap.String("goal_id", goalID.String()),
				zap.Error(err))
		}
		if snapshotted {
			result.Snapshotted = true
			c.metrics.RecordSnapshot(ctx, string(goal.SnapshotReasonAutoCalculated))
		}
		c.publish(ctx, goal.NewGoalProgressChangedEvent(g, outcome.OldProgress, goal.SnapshotReasonAutoCalculated))
	}

	return result, g, nil
}

func (c *RecalculationCoordinator) publish(ctx context.Context, event shared.DomainEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish goal event",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}
