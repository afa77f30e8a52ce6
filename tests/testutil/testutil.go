// Package testutil provides common test utilities for the goal engine.
// It contains goal fixtures, a recording event handler and helpers for
// driving the HTTP API in tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// NewTestUUID generates a deterministic UUID for testing.
// Uses the provided seed string to create a reproducible UUID.
func NewTestUUID(seed string) uuid.UUID {
	namespace := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	return uuid.NewSHA1(namespace, []byte(seed))
}

// GoalOption customizes a goal built by NewGoal
type GoalOption func(*goal.Goal)

// WithTarget sets the goal's target value
func WithTarget(v int64) GoalOption {
	return func(g *goal.Goal) { g.SetTarget(decimal.NewFromInt(v)) }
}

// WithProgress sets the goal's current progress
func WithProgress(v int64) GoalOption {
	return func(g *goal.Goal) { g.UpdateProgress(decimal.NewFromInt(v)) }
}

// WithParent links the goal under parent
func WithParent(parent *goal.Goal) GoalOption {
	return func(g *goal.Goal) { g.SetParent(parent.ID) }
}

// WithWindow sets a custom calculation window
func WithWindow(from, to time.Time) GoalOption {
	return func(g *goal.Goal) { _ = g.SetPeriod(goal.TimeframeCustom, &from, &to) }
}

// Manual leaves progress to users instead of the calculator
func Manual() GoalOption {
	return func(g *goal.Goal) { g.CalculationSource = goal.CalculationSourceManual }
}

// NewGoal builds an active, auto-calculated goal
func NewGoal(t *testing.T, name string, gt goal.Type, ot goal.OwnerType, ownerID uuid.UUID, opts ...GoalOption) *goal.Goal {
	t.Helper()

	g, err := goal.NewGoal(name, gt, ot, ownerID)
	require.NoError(t, err, "Failed to build goal")
	g.EnableAutoCalculation()
	require.NoError(t, g.ChangeStatus(goal.StatusActive))
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ContextWithTimeout creates a context with a timeout for tests.
func ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitForCondition waits for a condition to become true.
// Returns true if the condition was met, false if timeout occurred.
func WaitForCondition(t *testing.T, condition func() bool, timeout, interval time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

// RequireEventually fails the test unless condition holds within timeout.
func RequireEventually(t *testing.T, condition func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()

	if !WaitForCondition(t, condition, timeout, 10*time.Millisecond) {
		require.Fail(t, "Condition not met within timeout", msgAndArgs...)
	}
}
