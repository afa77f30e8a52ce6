package goal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestProgressCalculator_CalculateProgress(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()

	t.Run("revenue sums closed-won deal amounts", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Q1 revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, withTarget(10000))
		h.deals.On("SumClosedWonAmount", mock.Anything, goal.QueryFor(g)).Return(decimal.NewFromInt(4200), nil)

		v, err := h.calculator.CalculateProgress(ctx, g)

		require.NoError(t, err)
		assert.True(t, v.Equal(decimal.NewFromInt(4200)))
		h.deals.AssertExpectations(t)
	})

	t.Run("count types read their own source", func(t *testing.T) {
		h := newHarness(t)
		deals := h.addGoal(t, "Deals won", goal.TypeDeals, goal.OwnerTypeIndividual, owner, withTarget(20))
		calls := h.addGoal(t, "Calls", goal.TypeActivities, goal.OwnerTypeIndividual, owner, withTarget(50))
		tasks := h.addGoal(t, "Follow-ups", goal.TypeTasks, goal.OwnerTypeIndividual, owner, withTarget(30))
		h.deals.On("CountClosedWon", mock.Anything, mock.Anything).Return(int64(7), nil)
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(12), nil)
		h.tasks.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(3), nil)

		for g, want := range map[*goal.Goal]int64{deals: 7, calls: 12, tasks: 3} {
			v, err := h.calculator.CalculateProgress(ctx, g)
			require.NoError(t, err)
			assert.True(t, v.Equal(decimal.NewFromInt(want)), "goal %s: got %s", g.Name, v)
		}
	})

	t.Run("parent aggregates children instead of reading a source", func(t *testing.T) {
		h := newHarness(t)
		parent := h.addGoal(t, "Team revenue", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New())
		h.addGoal(t, "Alice", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withParent(parent), withTarget(1000), withProgress(decimal.NewFromInt(300)))
		h.addGoal(t, "Bob", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withParent(parent), withTarget(1000), withProgress(decimal.NewFromInt(450)))

		v, err := h.calculator.CalculateProgress(ctx, parent)

		require.NoError(t, err)
		assert.True(t, v.Equal(decimal.NewFromInt(750)))
		h.deals.AssertNotCalled(t, "SumClosedWonAmount", mock.Anything, mock.Anything)
	})

	t.Run("performance goals keep their stored value", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "NPS", goal.TypePerformance, goal.OwnerTypeIndividual, owner, withTarget(100), withProgress(decimal.NewFromInt(64)))
		h.addGoal(t, "Child NPS", goal.TypePerformance, goal.OwnerTypeIndividual, owner, withParent(g), withProgress(decimal.NewFromInt(10)))

		v, err := h.calculator.CalculateProgress(ctx, g)

		require.NoError(t, err)
		assert.True(t, v.Equal(decimal.NewFromInt(64)))
	})

	t.Run("source failure is a SourceError", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Q1 revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner)
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.Zero, errors.New("connection refused"))

		_, err := h.calculator.CalculateProgress(ctx, g)

		var srcErr *goal.SourceError
		require.ErrorAs(t, err, &srcErr)
		assert.Equal(t, "deals", srcErr.Source)
		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
	})

	t.Run("slow source times out", func(t *testing.T) {
		h := newHarness(t)
		h.calculator.sourceTimeout = 20 * time.Millisecond
		g := h.addGoal(t, "Calls", goal.TypeActivities, goal.OwnerTypeIndividual, owner)
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(int64(0), context.DeadlineExceeded)

		_, err := h.calculator.CalculateProgress(ctx, g)

		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestProgressCalculator_Recalculate(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()

	t.Run("stores the new value and clears a failure flag", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Q1 revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, withTarget(10000))
		g.CalculationFailed = true
		h.goals.put(g)
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.NewFromInt(2500), nil)

		outcome, err := h.calculator.Recalculate(ctx, h.goals.get(t, g.ID))

		require.NoError(t, err)
		assert.True(t, outcome.Changed)
		assert.True(t, outcome.OldProgress.IsZero())
		assert.True(t, outcome.NewProgress.Equal(decimal.NewFromInt(2500)))

		stored := h.goals.get(t, g.ID)
		assert.True(t, stored.Progress.Equal(decimal.NewFromInt(2500)))
		assert.False(t, stored.CalculationFailed)
		require.NotNil(t, stored.LastCalculatedAt)
		assert.Equal(t, fixedNow, *stored.LastCalculatedAt)
		assert.Equal(t, g.Version+1, stored.Version)
	})

	t.Run("progress is clamped to the target", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Deals won", goal.TypeDeals, goal.OwnerTypeIndividual, owner, withTarget(5))
		h.deals.On("CountClosedWon", mock.Anything, mock.Anything).Return(int64(9), nil)

		outcome, err := h.calculator.Recalculate(ctx, g)

		require.NoError(t, err)
		assert.True(t, outcome.NewProgress.Equal(decimal.NewFromInt(5)))
	})

	t.Run("unchanged value is not reported as a change", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Calls", goal.TypeActivities, goal.OwnerTypeIndividual, owner, withTarget(50), withProgress(decimal.NewFromInt(12)))
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(12), nil)

		outcome, err := h.calculator.Recalculate(ctx, g)

		require.NoError(t, err)
		assert.False(t, outcome.Changed)
		assert.NotNil(t, h.goals.get(t, g.ID).LastCalculatedAt)
	})

	t.Run("manual and overridden goals are skipped", func(t *testing.T) {
		h := newHarness(t)
		m := h.addGoal(t, "Manual", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, manual())
		o := h.addGoal(t, "Frozen", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, overridden("board decision"))

		for _, g := range []*goal.Goal{m, o} {
			outcome, err := h.calculator.Recalculate(ctx, g)
			require.NoError(t, err)
			assert.True(t, outcome.Skipped, g.Name)
		}
		assert.Zero(t, h.goals.saveCount())
		h.deals.AssertNotCalled(t, "SumClosedWonAmount", mock.Anything, mock.Anything)
	})

	t.Run("source failure keeps progress and flags the goal", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Q1 revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, withTarget(10000), withProgress(decimal.NewFromInt(800)))
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.Zero, errors.New("connection refused"))

		outcome, err := h.calculator.Recalculate(ctx, g)

		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
		assert.False(t, outcome.Changed)

		stored := h.goals.get(t, g.ID)
		assert.True(t, stored.CalculationFailed)
		assert.True(t, stored.Progress.Equal(decimal.NewFromInt(800)))
		assert.Equal(t, []goal.AuditAction{goal.AuditActionCalculationFailed}, h.audit.actions(g.ID))
	})

	t.Run("failure to persist the flag is joined to the source error", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "Q1 revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner)
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.Zero, errors.New("connection refused"))
		h.goals.saveErr = errors.New("disk full")

		_, err := h.calculator.Recalculate(ctx, g)

		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
		assert.ErrorContains(t, err, "disk full")
	})
}

func TestProgressCalculator_FindGoalsForEntity(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	teamID := uuid.New()
	from := fixedNow.AddDate(0, -1, 0)
	to := fixedNow.AddDate(0, 1, 0)

	t.Run("matches owner, team, type and window", func(t *testing.T) {
		h := newHarness(t)
		mine := h.addGoal(t, "Alice revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, owner, withWindow(from, to))
		team := h.addGoal(t, "Team deals", goal.TypeDeals, goal.OwnerTypeTeam, teamID, withWindow(from, to))
		h.addGoal(t, "Bob revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withWindow(from, to))
		h.addGoal(t, "Alice calls", goal.TypeActivities, goal.OwnerTypeIndividual, owner, withWindow(from, to))
		h.addGoal(t, "Alice last year", goal.TypeRevenue, goal.OwnerTypeIndividual, owner,
			withWindow(from.AddDate(-1, 0, 0), to.AddDate(-1, 0, 0)))

		dealID := uuid.New()
		h.locator.On("Locate", mock.Anything, goal.EntityTypeDeal, dealID).Return(&goal.EntityRef{
			Type:       goal.EntityTypeDeal,
			ID:         dealID,
			OwnerID:    owner,
			TeamID:     &teamID,
			OccurredAt: fixedNow,
		}, nil)

		goals, err := h.calculator.FindGoalsForEntity(ctx, goal.EntityTypeDeal, dealID)

		require.NoError(t, err)
		ids := make([]uuid.UUID, len(goals))
		for i := range goals {
			ids[i] = goals[i].ID
		}
		assert.ElementsMatch(t, []uuid.UUID{mine.ID, team.ID}, ids)
	})

	t.Run("missing entity affects nothing", func(t *testing.T) {
		h := newHarness(t)
		id := uuid.New()
		h.locator.On("Locate", mock.Anything, goal.EntityTypeTask, id).Return(nil, shared.ErrNotFound)

		goals, err := h.calculator.FindGoalsForEntity(ctx, goal.EntityTypeTask, id)

		require.NoError(t, err)
		assert.Empty(t, goals)
	})

	t.Run("unknown entity type is rejected", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.calculator.FindGoalsForEntity(ctx, goal.EntityType("invoice"), uuid.New())

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INVALID_ENTITY_TYPE", domainErr.Code)
		h.locator.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("locator failure is wrapped", func(t *testing.T) {
		h := newHarness(t)
		id := uuid.New()
		h.locator.On("Locate", mock.Anything, goal.EntityTypeActivity, id).Return(nil, errors.New("timeout"))

		_, err := h.calculator.FindGoalsForEntity(ctx, goal.EntityTypeActivity, id)

		assert.ErrorContains(t, err, "locate activity")
	})
}
