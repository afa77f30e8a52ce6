package goal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGoal(t *testing.T, goalType Type, ownerType OwnerType) *Goal {
	t.Helper()
	g, err := NewGoal("Q3 revenue", goalType, ownerType, uuid.New())
	require.NoError(t, err)
	return g
}

func TestNewGoal(t *testing.T) {
	t.Run("creates draft manual goal", func(t *testing.T) {
		ownerID := uuid.New()
		g, err := NewGoal("  Close 10 deals ", TypeDeals, OwnerTypeIndividual, ownerID)
		require.NoError(t, err)

		assert.Equal(t, "Close 10 deals", g.Name)
		assert.Equal(t, StatusDraft, g.Status)
		assert.Equal(t, CalculationSourceManual, g.CalculationSource)
		assert.Equal(t, ownerID, g.OwnerID)
		assert.True(t, g.Progress.IsZero())
		assert.Nil(t, g.ParentGoalID)
		assert.Equal(t, 1, g.Version)
	})

	t.Run("fails with empty name", func(t *testing.T) {
		_, err := NewGoal(" ", TypeDeals, OwnerTypeIndividual, uuid.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be empty")
	})

	t.Run("fails with invalid type", func(t *testing.T) {
		_, err := NewGoal("x", Type("calls"), OwnerTypeIndividual, uuid.New())
		require.Error(t, err)
	})

	t.Run("fails with invalid owner type", func(t *testing.T) {
		_, err := NewGoal("x", TypeDeals, OwnerType("department"), uuid.New())
		require.Error(t, err)
	})
}

func TestOwnerType_CanParent(t *testing.T) {
	tests := []struct {
		parent OwnerType
		child  OwnerType
		want   bool
	}{
		{OwnerTypeCompany, OwnerTypeTeam, true},
		{OwnerTypeCompany, OwnerTypeIndividual, true},
		{OwnerTypeCompany, OwnerTypeCompany, false},
		{OwnerTypeTeam, OwnerTypeIndividual, true},
		{OwnerTypeTeam, OwnerTypeTeam, false},
		{OwnerTypeTeam, OwnerTypeCompany, false},
		{OwnerTypeIndividual, OwnerTypeIndividual, false},
		{OwnerTypeIndividual, OwnerTypeTeam, false},
		{OwnerTypeIndividual, OwnerTypeCompany, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.parent)+"->"+string(tt.child), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.parent.CanParent(tt.child))
		})
	}
}

func TestGoal_ProgressPercentage(t *testing.T) {
	t.Run("zero without target", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeCompany)
		g.UpdateProgress(decimal.NewFromInt(500))
		assert.True(t, g.ProgressPercentage().IsZero())
	})

	t.Run("progress over target", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeCompany)
		g.SetTarget(decimal.NewFromInt(100000))
		g.UpdateProgress(decimal.NewFromInt(55000))
		assert.True(t, g.ProgressPercentage().Equal(decimal.NewFromInt(55)))
	})
}

func TestGoal_UpdateProgress(t *testing.T) {
	t.Run("clamps to target", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.SetTarget(decimal.NewFromInt(10))
		g.UpdateProgress(decimal.NewFromInt(14))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(10)))
	})

	t.Run("clamps negative to zero", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.UpdateProgress(decimal.NewFromInt(-3))
		assert.True(t, g.Progress.IsZero())
	})

	t.Run("lowering target clamps existing progress", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.UpdateProgress(decimal.NewFromInt(8))
		g.SetTarget(decimal.NewFromInt(5))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(5)))
	})
}

func TestGoal_Calculation(t *testing.T) {
	now := time.Now()

	t.Run("apply calculation clears failure flag", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.MarkCalculationFailed(now)
		require.True(t, g.CalculationFailed)

		g.ApplyCalculation(decimal.NewFromInt(3), now)
		assert.False(t, g.CalculationFailed)
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(3)))
		require.NotNil(t, g.LastCalculatedAt)
	})

	t.Run("failure keeps prior progress", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.UpdateProgress(decimal.NewFromInt(7))
		g.MarkCalculationFailed(now)
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(7)))
	})

	t.Run("override blocks recalculation", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		g.EnableAutoCalculation()
		assert.True(t, g.IsRecalculable())

		require.NoError(t, g.SetOverride("frozen for audit"))
		assert.True(t, g.IsOverridden())
		assert.False(t, g.IsRecalculable())

		g.ClearOverride()
		assert.True(t, g.IsRecalculable())
	})

	t.Run("override requires a reason", func(t *testing.T) {
		g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
		assert.Error(t, g.SetOverride("  "))
	})
}

func TestGoal_ApplyRollUp(t *testing.T) {
	d := func(v int64) *decimal.Decimal {
		x := decimal.NewFromInt(v)
		return &x
	}

	t.Run("fills missing target from children", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeCompany)
		g.ApplyRollUp(decimal.NewFromInt(55000), d(100000))
		require.NotNil(t, g.TargetValue)
		assert.True(t, g.TargetDerived)
		assert.True(t, g.TargetValue.Equal(decimal.NewFromInt(100000)))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(55000)))
		assert.True(t, g.ProgressPercentage().Equal(decimal.NewFromInt(55)))
	})

	t.Run("derived target follows the children", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeTeam)
		g.ApplyRollUp(decimal.NewFromInt(5000), d(5000))
		g.ApplyRollUp(decimal.NewFromInt(8000), d(8000))
		assert.True(t, g.TargetValue.Equal(decimal.NewFromInt(8000)))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(8000)))

		g.ApplyRollUp(decimal.NewFromInt(3000), d(3000))
		assert.True(t, g.TargetValue.Equal(decimal.NewFromInt(3000)))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(3000)))
	})

	t.Run("child without target drops the derived target", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeTeam)
		g.ApplyRollUp(decimal.NewFromInt(5000), d(5000))
		g.ApplyRollUp(decimal.NewFromInt(9000), nil)
		assert.Nil(t, g.TargetValue)
		assert.False(t, g.TargetDerived)
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(9000)))
	})

	t.Run("keeps configured target", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeCompany)
		g.SetTarget(decimal.NewFromInt(200000))
		g.ApplyRollUp(decimal.NewFromInt(55000), d(100000))
		assert.False(t, g.TargetDerived)
		assert.True(t, g.TargetValue.Equal(decimal.NewFromInt(200000)))
	})

	t.Run("configuring a target ends derivation", func(t *testing.T) {
		g := newTestGoal(t, TypeRevenue, OwnerTypeCompany)
		g.ApplyRollUp(decimal.NewFromInt(100), d(100))
		g.SetTarget(decimal.NewFromInt(50))
		assert.False(t, g.TargetDerived)
		g.ApplyRollUp(decimal.NewFromInt(300), d(300))
		assert.True(t, g.TargetValue.Equal(decimal.NewFromInt(50)))
		assert.True(t, g.Progress.Equal(decimal.NewFromInt(50)))
	})
}

func TestGoal_InWindow(t *testing.T) {
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 9, 30, 23, 59, 59, 0, time.UTC)
	g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
	require.NoError(t, g.SetPeriod(TimeframeThisQuarter, &start, &end))

	assert.True(t, g.InWindow(time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, g.InWindow(start))
	assert.False(t, g.InWindow(start.Add(-time.Second)))
	assert.False(t, g.InWindow(end.Add(time.Second)))

	t.Run("rejects inverted period", func(t *testing.T) {
		assert.Error(t, g.SetPeriod(TimeframeCustom, &end, &start))
	})
}

func TestGoal_IsClosed(t *testing.T) {
	g := newTestGoal(t, TypeDeals, OwnerTypeIndividual)
	assert.False(t, g.IsClosed())
	require.NoError(t, g.ChangeStatus(StatusCompleted))
	assert.True(t, g.IsClosed())
	require.NoError(t, g.ChangeStatus(StatusCancelled))
	assert.True(t, g.IsClosed())
	assert.Error(t, g.ChangeStatus(Status("archived")))
}
