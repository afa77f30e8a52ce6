package goal

import (
	"context"
	"errors"
	"sync"
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

var (
	q1Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q1End   = time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
)

func TestRecalculationCoordinator_RecalculateGoal(t *testing.T) {
	ctx := context.Background()

	t.Run("revenue goal reads closed-won deals in its window", func(t *testing.T) {
		h := newHarness(t)
		alice := uuid.New()
		g := h.addGoal(t, "alice Q1", goal.TypeRevenue, goal.OwnerTypeIndividual, alice,
			withTarget(100000), withWindow(q1Start, q1End))

		h.deals.On("SumClosedWonAmount", mock.Anything, mock.MatchedBy(func(q goal.SourceQuery) bool {
			return q.OwnerType == goal.OwnerTypeIndividual && q.OwnerID == alice &&
				q.From != nil && q.From.Equal(q1Start) && q.To != nil && q.To.Equal(q1End)
		})).Return(decimal.NewFromInt(55000), nil).Once()

		res, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.True(t, res.Snapshotted)
		assert.True(t, res.OldProgress.IsZero())
		assert.True(t, res.NewProgress.Equal(decimal.NewFromInt(55000)))

		stored := h.goals.get(t, g.ID)
		assert.True(t, stored.ProgressPercentage().Equal(decimal.NewFromInt(55)))
		require.NotNil(t, stored.LastCalculatedAt)
		assert.True(t, stored.LastCalculatedAt.Equal(fixedNow))
		assert.False(t, stored.CalculationFailed)

		snapshots := h.snapshots.forGoal(g.ID)
		require.Len(t, snapshots, 1)
		assert.Equal(t, goal.SnapshotReasonAutoCalculated, snapshots[0].Reason)
		assert.True(t, snapshots[0].ProgressPercentage.Equal(decimal.NewFromInt(55)))
		assert.Equal(t, []string{goal.EventTypeGoalProgressChanged}, h.events.types())
		assert.Equal(t, RunStateIdle, h.coordinator.State(g.ID))
		h.deals.AssertExpectations(t)
	})

	t.Run("count goals use their readers", func(t *testing.T) {
		h := newHarness(t)
		deals := h.addGoal(t, "deals", goal.TypeDeals, goal.OwnerTypeTeam, uuid.New())
		tasks := h.addGoal(t, "tasks", goal.TypeTasks, goal.OwnerTypeCompany, uuid.New())

		h.deals.On("CountClosedWon", mock.Anything, mock.Anything).Return(int64(4), nil)
		h.tasks.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(12), nil)

		_, err := h.coordinator.RecalculateGoal(ctx, deals.ID)
		require.NoError(t, err)
		_, err = h.coordinator.RecalculateGoal(ctx, tasks.ID)
		require.NoError(t, err)

		assert.True(t, h.goals.get(t, deals.ID).Progress.Equal(decimal.NewFromInt(4)))
		assert.True(t, h.goals.get(t, tasks.ID).Progress.Equal(decimal.NewFromInt(12)))
	})

	t.Run("source failure flags the goal and keeps progress", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "calls", goal.TypeActivities, goal.OwnerTypeIndividual, uuid.New(),
			withTarget(100), withProgress(dec(30)))
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(0), errors.New("connection reset"))

		res, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
		assert.True(t, res.Failed)

		stored := h.goals.get(t, g.ID)
		assert.True(t, stored.CalculationFailed)
		assert.True(t, stored.Progress.Equal(dec(30)))
		assert.Equal(t, []goal.AuditAction{goal.AuditActionCalculationFailed}, h.audit.actions(g.ID))
		assert.Empty(t, h.snapshots.forGoal(g.ID))
	})

	t.Run("slow source times out as a failure", func(t *testing.T) {
		h := newHarness(t)
		h.calculator.sourceTimeout = 20 * time.Millisecond
		g := h.addGoal(t, "tasks", goal.TypeTasks, goal.OwnerTypeIndividual, uuid.New())
		h.tasks.On("CountCompleted", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(int64(0), context.DeadlineExceeded)

		_, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		assert.ErrorIs(t, err, shared.ErrSourceUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, h.goals.get(t, g.ID).CalculationFailed)
	})

	t.Run("a later success clears the failed flag", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "calls", goal.TypeActivities, goal.OwnerTypeIndividual, uuid.New())
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(0), errors.New("down")).Once()
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(3), nil).Once()

		_, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		require.Error(t, err)
		_, err = h.coordinator.RecalculateGoal(ctx, g.ID)
		require.NoError(t, err)

		stored := h.goals.get(t, g.ID)
		assert.False(t, stored.CalculationFailed)
		assert.True(t, stored.Progress.Equal(decimal.NewFromInt(3)))
	})

	t.Run("overridden and manual goals are skipped", func(t *testing.T) {
		h := newHarness(t)
		frozen := h.addGoal(t, "frozen", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New(), overridden("board decision"))
		typed := h.addGoal(t, "typed", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New(), manual())

		for _, id := range []uuid.UUID{frozen.ID, typed.ID} {
			res, err := h.coordinator.RecalculateGoal(ctx, id)
			require.NoError(t, err)
			assert.True(t, res.Skipped)
		}
		h.deals.AssertNotCalled(t, "SumClosedWonAmount", mock.Anything, mock.Anything)
		assert.Zero(t, h.goals.saveCount())
	})

	t.Run("performance goals keep their stored value", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "nps", goal.TypePerformance, goal.OwnerTypeCompany, uuid.New(), withProgress(dec(7)))

		res, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.True(t, h.goals.get(t, g.ID).Progress.Equal(dec(7)))
	})

	t.Run("goal with children sums them instead of its source", func(t *testing.T) {
		h := newHarness(t)
		team := h.addGoal(t, "team", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New())
		h.addGoal(t, "a", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withParent(team), withProgress(dec(10)))
		h.addGoal(t, "b", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withParent(team), withProgress(dec(20)))

		_, err := h.coordinator.RecalculateGoal(ctx, team.ID)
		require.NoError(t, err)
		assert.True(t, h.goals.get(t, team.ID).Progress.Equal(dec(30)))
		h.deals.AssertNotCalled(t, "SumClosedWonAmount", mock.Anything, mock.Anything)
	})

	t.Run("a change rolls into the parent chain", func(t *testing.T) {
		h := newHarness(t)
		company := h.addGoal(t, "company", goal.TypeRevenue, goal.OwnerTypeCompany, uuid.New())
		team := h.addGoal(t, "team", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New(), withParent(company))
		alice := h.addGoal(t, "alice", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withParent(team))
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.NewFromInt(55000), nil)

		_, err := h.coordinator.RecalculateGoal(ctx, alice.ID)
		require.NoError(t, err)

		assert.True(t, h.goals.get(t, team.ID).Progress.Equal(decimal.NewFromInt(55000)))
		assert.True(t, h.goals.get(t, company.ID).Progress.Equal(decimal.NewFromInt(55000)))
	})

	t.Run("busy goal is a conflict", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "g", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New())

		release, err := h.leases.Acquire(ctx, leaseKey(g.ID), 0)
		require.NoError(t, err)
		defer release()

		res, err := h.coordinator.RecalculateGoal(ctx, g.ID)
		assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
		assert.True(t, res.Failed)
		assert.Equal(t, RunStateIdle, h.coordinator.State(g.ID))
	})

	t.Run("unknown goal", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coordinator.RecalculateGoal(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestRecalculationCoordinator_Coalescing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	g := h.addGoal(t, "g", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New())

	started := make(chan struct{})
	unblock := make(chan struct{})
	h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-unblock
		}).
		Return(decimal.NewFromInt(10), nil).Once()

	var wg sync.WaitGroup
	results := make([]*RecalculationResult, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.coordinator.RecalculateGoal(ctx, g.ID)
	}()
	<-started
	assert.Equal(t, RunStateCalculating, h.coordinator.State(g.ID))
	assert.True(t, h.leases.Held(leaseKey(g.ID)))

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.coordinator.RecalculateGoal(ctx, g.ID)
	}()
	time.Sleep(50 * time.Millisecond)
	close(unblock)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[1].Coalesced)
	assert.True(t, results[1].NewProgress.Equal(decimal.NewFromInt(10)))
	h.deals.AssertNumberOfCalls(t, "SumClosedWonAmount", 1)
	assert.Equal(t, RunStateIdle, h.coordinator.State(g.ID))
	assert.False(t, h.leases.Held(leaseKey(g.ID)))
}

func TestRecalculationCoordinator_CoalescedRunOutlivesFirstCaller(t *testing.T) {
	h := newHarness(t)
	g := h.addGoal(t, "g", goal.TypeRevenue, goal.OwnerTypeTeam, uuid.New())

	started := make(chan struct{})
	unblock := make(chan struct{})
	var sourceErr error
	h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-unblock
			sourceErr = args.Get(0).(context.Context).Err()
		}).
		Return(decimal.NewFromInt(10), nil).Once()

	requestCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var sweepResult *RecalculationResult
	var sweepErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = h.coordinator.RecalculateGoal(requestCtx, g.ID)
	}()
	<-started
	go func() {
		defer wg.Done()
		sweepResult, sweepErr = h.coordinator.RecalculateGoal(context.Background(), g.ID)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(unblock)
	wg.Wait()

	assert.NoError(t, sourceErr)
	require.NoError(t, sweepErr)
	assert.True(t, sweepResult.Coalesced)
	assert.False(t, sweepResult.Failed)
	assert.True(t, h.goals.get(t, g.ID).Progress.Equal(decimal.NewFromInt(10)))
}

func TestRecalculationCoordinator_RecalculateAllAutoCalculated(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing source does not stop the others", func(t *testing.T) {
		h := newHarness(t)
		revenue := h.addGoal(t, "revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New())
		calls := h.addGoal(t, "calls", goal.TypeActivities, goal.OwnerTypeIndividual, uuid.New())
		todo := h.addGoal(t, "todo", goal.TypeTasks, goal.OwnerTypeIndividual, uuid.New())
		h.addGoal(t, "typed", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), manual())
		h.addGoal(t, "frozen", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), overridden("frozen"))

		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.NewFromInt(500), nil)
		h.activities.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(0), errors.New("activities db down"))
		h.tasks.On("CountCompleted", mock.Anything, mock.Anything).Return(int64(8), nil)

		result, err := h.coordinator.RecalculateAllAutoCalculated(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Processed)
		assert.Equal(t, 2, result.Updated)
		assert.Equal(t, 1, result.Failed)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, calls.ID, result.Errors[0].GoalID)
		assert.Contains(t, result.Errors[0].Error, "activities db down")

		assert.True(t, h.goals.get(t, revenue.ID).Progress.Equal(decimal.NewFromInt(500)))
		assert.True(t, h.goals.get(t, todo.ID).Progress.Equal(decimal.NewFromInt(8)))
		assert.True(t, h.goals.get(t, calls.ID).CalculationFailed)
		assert.Equal(t, []goal.AuditAction{goal.AuditActionCalculationFailed}, h.audit.actions(calls.ID))
	})

	t.Run("rerunning over unchanged data changes nothing", func(t *testing.T) {
		h := newHarness(t)
		g := h.addGoal(t, "revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New(), withTarget(1000))
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.NewFromInt(400), nil)

		first, err := h.coordinator.RecalculateAllAutoCalculated(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Updated)

		second, err := h.coordinator.RecalculateAllAutoCalculated(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, second.Processed)
		assert.Zero(t, second.Updated)

		assert.True(t, h.goals.get(t, g.ID).Progress.Equal(decimal.NewFromInt(400)))
		assert.Len(t, h.snapshots.forGoal(g.ID), 1)
		assert.Len(t, h.events.types(), 1)
	})

	t.Run("load failure is returned", func(t *testing.T) {
		h := newHarness(t)
		h.goals.findErr = errors.New("db down")

		_, err := h.coordinator.RecalculateAllAutoCalculated(ctx)
		assert.Error(t, err)
	})

	t.Run("cancelled context stops the batch", func(t *testing.T) {
		h := newHarness(t)
		h.addGoal(t, "revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, uuid.New())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		result, err := h.coordinator.RecalculateAllAutoCalculated(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, result.Processed)
	})
}

func TestRecalculationCoordinator_RecalculateGoalsForEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("recalculates only the goals the deal contributes to", func(t *testing.T) {
		h := newHarness(t)
		alice, bob, team := uuid.New(), uuid.New(), uuid.New()
		dealID := uuid.New()

		aliceRevenue := h.addGoal(t, "alice revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, alice, withWindow(q1Start, q1End))
		aliceDeals := h.addGoal(t, "alice deals", goal.TypeDeals, goal.OwnerTypeIndividual, alice, withWindow(q1Start, q1End))
		teamRevenue := h.addGoal(t, "team revenue", goal.TypeRevenue, goal.OwnerTypeTeam, team)
		bobRevenue := h.addGoal(t, "bob revenue", goal.TypeRevenue, goal.OwnerTypeIndividual, bob)
		aliceCalls := h.addGoal(t, "alice calls", goal.TypeActivities, goal.OwnerTypeIndividual, alice)
		aliceQ2 := h.addGoal(t, "alice q2", goal.TypeRevenue, goal.OwnerTypeIndividual, alice,
			withWindow(q1End.Add(time.Second), q1End.AddDate(0, 3, 0)))

		h.locator.On("Locate", mock.Anything, goal.EntityTypeDeal, dealID).Return(&goal.EntityRef{
			Type:       goal.EntityTypeDeal,
			ID:         dealID,
			OwnerID:    alice,
			TeamID:     &team,
			OccurredAt: time.Date(2024, 2, 20, 12, 0, 0, 0, time.UTC),
		}, nil)
		h.deals.On("SumClosedWonAmount", mock.Anything, mock.Anything).Return(decimal.NewFromInt(25000), nil)
		h.deals.On("CountClosedWon", mock.Anything, mock.Anything).Return(int64(1), nil)

		result, err := h.coordinator.RecalculateGoalsForEntity(ctx, goal.EntityTypeDeal, dealID)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Processed)
		assert.Equal(t, 3, result.Updated)

		for _, id := range []uuid.UUID{aliceRevenue.ID, aliceDeals.ID, teamRevenue.ID} {
			assert.NotNil(t, h.goals.get(t, id).LastCalculatedAt)
		}
		for _, id := range []uuid.UUID{bobRevenue.ID, aliceCalls.ID, aliceQ2.ID} {
			assert.Nil(t, h.goals.get(t, id).LastCalculatedAt)
		}
	})

	t.Run("missing record affects nothing", func(t *testing.T) {
		h := newHarness(t)
		h.locator.On("Locate", mock.Anything, goal.EntityTypeTask, mock.Anything).Return(nil, shared.ErrNotFound)

		result, err := h.coordinator.RecalculateGoalsForEntity(ctx, goal.EntityTypeTask, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, result.Processed)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.coordinator.RecalculateGoalsForEntity(ctx, goal.EntityType("invoice"), uuid.New())
		var domainErr *shared.DomainError
		require.True(t, errors.As(err, &domainErr))
		assert.Equal(t, "INVALID_ENTITY_TYPE", domainErr.Code)
		h.locator.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("locator failure is returned", func(t *testing.T) {
		h := newHarness(t)
		h.locator.On("Locate", mock.Anything, goal.EntityTypeActivity, mock.Anything).Return(nil, errors.New("timeout"))

		_, err := h.coordinator.RecalculateGoalsForEntity(ctx, goal.EntityTypeActivity, uuid.New())
		assert.Error(t, err)
	})
}
