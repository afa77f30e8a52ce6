package goal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// strategy computes a goal's progress from one source
type strategy struct {
	source string
	calc   func(ctx context.Context, q goal.SourceQuery, g *goal.Goal) (decimal.Decimal, error)
}

// CalculatorConfig contains configuration for ProgressCalculator
type CalculatorConfig struct {
	// SourceTimeout bounds each source read; a timeout counts as a calculation failure
	SourceTimeout time.Duration
}

// DefaultCalculatorConfig returns default configuration
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		SourceTimeout: 10 * time.Second,
	}
}

// CalculationOutcome is the result of recalculating one goal
type CalculationOutcome struct {
	Previous    goal.ProgressState
	OldProgress decimal.Decimal
	NewProgress decimal.Decimal
	Changed     bool
	Skipped     bool
}

// ProgressCalculator derives a goal's progress from CRM data.
// It is the only writer of progress, LastCalculatedAt and CalculationFailed
// for auto-calculated goals.
type ProgressCalculator struct {
	goals         goal.GoalRepository
	audit         goal.AuditRepository
	locator       goal.EntityLocator
	strategies    map[goal.Type]strategy
	logger        *zap.Logger
	sourceTimeout time.Duration
	now           func() time.Time
}

// NewProgressCalculator creates a new ProgressCalculator
func NewProgressCalculator(
	goals goal.GoalRepository,
	audit goal.AuditRepository,
	deals goal.DealReader,
	activities goal.ActivityReader,
	tasks goal.TaskReader,
	locator goal.EntityLocator,
	logger *zap.Logger,
	config CalculatorConfig,
) *ProgressCalculator {
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = DefaultCalculatorConfig().SourceTimeout
	}

	return &ProgressCalculator{
		goals:         goals,
		audit:         audit,
		locator:       locator,
		strategies:    buildStrategies(deals, activities, tasks),
		logger:        logger,
		sourceTimeout: config.SourceTimeout,
		now:           time.Now,
	}
}

func buildStrategies(deals goal.DealReader, activities goal.ActivityReader, tasks goal.TaskReader) map[goal.Type]strategy {
	return map[goal.Type]strategy{
		goal.TypeRevenue: {
			source: "deals",
			calc: func(ctx context.Context, q goal.SourceQuery, _ *goal.Goal) (decimal.Decimal, error) {
				return deals.SumClosedWonAmount(ctx, q)
			},
		},
		goal.TypeDeals: {
			source: "deals",
			calc: func(ctx context.Context, q goal.SourceQuery, _ *goal.Goal) (decimal.Decimal, error) {
				n, err := deals.CountClosedWon(ctx, q)
				return decimal.NewFromInt(n), err
			},
		},
		goal.TypeActivities: {
			source: "activities",
			calc: func(ctx context.Context, q goal.SourceQuery, _ *goal.Goal) (decimal.Decimal, error) {
				n, err := activities.CountCompleted(ctx, q)
				return decimal.NewFromInt(n), err
			},
		},
		goal.TypeTasks: {
			source: "tasks",
			calc: func(ctx context.Context, q goal.SourceQuery, _ *goal.Goal) (decimal.Decimal, error) {
				n, err := tasks.CountCompleted(ctx, q)
				return decimal.NewFromInt(n), err
			},
		},
		// Performance goals have no source; the stored value passes through.
		goal.TypePerformance: {
			source: "stored",
			calc: func(_ context.Context, _ goal.SourceQuery, g *goal.Goal) (decimal.Decimal, error) {
				return g.Progress, nil
			},
		},
	}
}

// CalculateProgress computes the goal's current progress without writing it.
// Goals with children aggregate their children instead of reading a source.
func (c *ProgressCalculator) CalculateProgress(ctx context.Context, g *goal.Goal) (decimal.Decimal, error) {
	value, _, err := c.calculate(ctx, g)
	return value, err
}

// calculate also returns the children an aggregate was summed from.
func (c *ProgressCalculator) calculate(ctx context.Context, g *goal.Goal) (decimal.Decimal, []goal.Goal, error) {
	if g.Type.IsAggregatable() {
		children, err := c.goals.FindChildren(ctx, g.ID)
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("load children of goal %s: %w", g.ID, err)
		}
		if len(children) > 0 {
			return sumProgress(children), children, nil
		}
	}

	s, ok := c.strategies[g.Type]
	if !ok {
		return decimal.Zero, nil, shared.NewDomainError("INVALID_TYPE", fmt.Sprintf("no calculation strategy for goal type %q", g.Type))
	}

	sourceCtx, cancel := context.WithTimeout(ctx, c.sourceTimeout)
	defer cancel()

	value, err := s.calc(sourceCtx, goal.QueryFor(g), g)
	if err != nil {
		return decimal.Zero, nil, &goal.SourceError{Source: s.source, Err: err}
	}
	return value, nil, nil
}

// Recalculate computes and stores a goal's progress.
// A source failure flags the goal, keeps its prior progress and is returned
// as an error matching shared.ErrSourceUnavailable once the flag is persisted.
func (c *ProgressCalculator) Recalculate(ctx context.Context, g *goal.Goal) (*CalculationOutcome, error) {
	outcome := &CalculationOutcome{
		Previous:    g.State(),
		OldProgress: g.Progress,
		NewProgress: g.Progress,
	}
	if !g.IsRecalculable() {
		outcome.Skipped = true
		return outcome, nil
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "goal_calculator", "recalculate",
		telemetry.WithAttribute(telemetry.SpanAttrGoalID, g.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrGoalType, string(g.Type)))
	defer span.End()

	value, children, calcErr := c.calculate(ctx, g)
	if calcErr != nil {
		telemetry.RecordError(span, calcErr)
		return outcome, c.markFailed(ctx, g, calcErr)
	}

	if children != nil {
		g.RefreshDerivedTarget(derivedTarget(children))
	}
	g.ApplyCalculation(value, c.now())
	g.IncrementVersion()
	if err := c.goals.Save(ctx, g); err != nil {
		telemetry.RecordError(span, err)
		return outcome, fmt.Errorf("save goal %s: %w", g.ID, err)
	}

	outcome.NewProgress = g.Progress
	outcome.Changed = !outcome.OldProgress.Equal(g.Progress)

	c.logger.Debug("Goal progress recalculated",
		zap.String("goal_id", g.ID.String()),
		zap.String("type", string(g.Type)),
		zap.String("old_progress", outcome.OldProgress.String()),
		zap.String("new_progress", outcome.NewProgress.String()))

	return outcome, nil
}

func (c *ProgressCalculator) markFailed(ctx context.Context, g *goal.Goal, calcErr error) error {
	c.logger.Warn("Goal calculation failed, keeping previous progress",
		zap.String("goal_id", g.ID.String()),
		zap.String("type", string(g.Type)),
		zap.Error(calcErr))

	g.MarkCalculationFailed(c.now())
	g.IncrementVersion()
	if err := c.goals.Save(ctx, g); err != nil {
		return errors.Join(calcErr, fmt.Errorf("save failed flag for goal %s: %w", g.ID, err))
	}

	entry := goal.NewAuditEntry(g.ID, goal.AuditActionCalculationFailed, goal.SystemActor, g.Progress.String(), calcErr.Error())
	if err := c.audit.Append(ctx, entry); err != nil {
		c.logger.Warn("Failed to append calculation audit entry",
			zap.String("goal_id", g.ID.String()),
			zap.Error(err))
	}
	return calcErr
}

// FindGoalsForEntity returns the goals whose progress depends on a changed record,
// matched by owner and date window. A record that no longer exists affects nothing
// here; the scheduled sweep reconciles deletions.
func (c *ProgressCalculator) FindGoalsForEntity(ctx context.Context, entityType goal.EntityType, entityID uuid.UUID) ([]goal.Goal, error) {
	if !entityType.IsValid() {
		return nil, shared.NewDomainError("INVALID_ENTITY_TYPE", fmt.Sprintf("unknown entity type %q", entityType))
	}

	ref, err := c.locator.Locate(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			c.logger.Info("Changed entity not found, leaving it to the sweep",
				zap.String("entity_type", string(entityType)),
				zap.String("entity_id", entityID.String()))
			return nil, nil
		}
		return nil, fmt.Errorf("locate %s %s: %w", entityType, entityID, err)
	}

	return c.goals.FindAffectedBy(ctx, *ref, entityType.AffectedGoalTypes())
}

// FindSweepCandidates returns every auto-calculated goal without an override
func (c *ProgressCalculator) FindSweepCandidates(ctx context.Context) ([]goal.Goal, error) {
	return c.goals.FindAutoCalculated(ctx)
}

func sumProgress(goals []goal.Goal) decimal.Decimal {
	total := decimal.Zero
	for i := range goals {
		total = total.Add(goals[i].Progress)
	}
	return total
}

func sumTargets(goals []goal.Goal) decimal.Decimal {
	total := decimal.Zero
	for i := range goals {
		if goals[i].TargetValue != nil {
			total = total.Add(*goals[i].TargetValue)
		}
	}
	return total
}

// derivedTarget sums the children's targets, or returns nil when a child has none.
func derivedTarget(children []goal.Goal) *decimal.Decimal {
	if len(children) == 0 {
		return nil
	}
	total := decimal.Zero
	for i := range children {
		if children[i].TargetValue == nil {
			return nil
		}
		total = total.Add(*children[i].TargetValue)
	}
	return &total
}
