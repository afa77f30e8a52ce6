package goal

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryGoalRepo is a goal store with the same versioning rules as the GORM repository.
// It hands out copies so callers never share state through it.
type memoryGoalRepo struct {
	mu      sync.Mutex
	goals   map[uuid.UUID]goal.Goal
	saves   int
	saveErr error
	findErr error
}

func newMemoryGoalRepo() *memoryGoalRepo {
	return &memoryGoalRepo{goals: make(map[uuid.UUID]goal.Goal)}
}

func (r *memoryGoalRepo) put(g *goal.Goal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals[g.ID] = *g
}

func (r *memoryGoalRepo) get(t *testing.T, id uuid.UUID) *goal.Goal {
	t.Helper()
	g, err := r.FindByID(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (r *memoryGoalRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *memoryGoalRepo) FindByID(_ context.Context, id uuid.UUID) (*goal.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	g, ok := r.goals[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &g, nil
}

func (r *memoryGoalRepo) FindChildren(_ context.Context, parentID uuid.UUID) ([]goal.Goal, error) {
	return r.filter(func(g goal.Goal) bool {
		return g.ParentGoalID != nil && *g.ParentGoalID == parentID
	}), nil
}

func (r *memoryGoalRepo) FindAncestors(_ context.Context, id uuid.UUID, maxDepth int) ([]goal.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []goal.Goal
	g, ok := r.goals[id]
	for ok && g.ParentGoalID != nil && len(out) < maxDepth {
		g, ok = r.goals[*g.ParentGoalID]
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *memoryGoalRepo) FindAutoCalculated(_ context.Context) ([]goal.Goal, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.filter(func(g goal.Goal) bool { return g.IsRecalculable() }), nil
}

func (r *memoryGoalRepo) FindAffectedBy(_ context.Context, ref goal.EntityRef, types []goal.Type) ([]goal.Goal, error) {
	return r.filter(func(g goal.Goal) bool {
		if !g.IsRecalculable() || !g.InWindow(ref.OccurredAt) {
			return false
		}
		typeMatch := false
		for _, t := range types {
			typeMatch = typeMatch || g.Type == t
		}
		if !typeMatch {
			return false
		}
		switch g.OwnerType {
		case goal.OwnerTypeIndividual:
			return g.OwnerID == ref.OwnerID
		case goal.OwnerTypeTeam:
			return ref.TeamID != nil && g.OwnerID == *ref.TeamID
		default:
			return true
		}
	}), nil
}

func (r *memoryGoalRepo) FindActive(_ context.Context) ([]goal.Goal, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.filter(func(g goal.Goal) bool { return g.IsActive() }), nil
}

func (r *memoryGoalRepo) Save(_ context.Context, g *goal.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if existing, ok := r.goals[g.ID]; ok && existing.Version != g.Version-1 {
		return shared.ErrConcurrencyConflict
	}
	r.goals[g.ID] = *g
	r.saves++
	return nil
}

func (r *memoryGoalRepo) filter(keep func(goal.Goal) bool) []goal.Goal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []goal.Goal
	for _, g := range r.goals {
		if keep(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type memorySnapshotRepo struct {
	mu        sync.Mutex
	snapshots []goal.ProgressSnapshot
	appendErr error
}

func (r *memorySnapshotRepo) Append(_ context.Context, s *goal.ProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.snapshots = append(r.snapshots, *s)
	return nil
}

func (r *memorySnapshotRepo) FindByGoal(_ context.Context, goalID uuid.UUID, limit int) ([]goal.ProgressSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []goal.ProgressSnapshot
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].GoalID == goalID {
			out = append(out, r.snapshots[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memorySnapshotRepo) ExistsForDay(_ context.Context, goalID uuid.UUID, reason goal.SnapshotReason, day time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	y, m, d := day.UTC().Date()
	for _, s := range r.snapshots {
		sy, sm, sd := s.RecordedAt.UTC().Date()
		if s.GoalID == goalID && s.Reason == reason && sy == y && sm == m && sd == d {
			return true, nil
		}
	}
	return false, nil
}

func (r *memorySnapshotRepo) forGoal(goalID uuid.UUID) []goal.ProgressSnapshot {
	out, _ := r.FindByGoal(context.Background(), goalID, 0)
	return out
}

type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []goal.AuditEntry
}

func (r *memoryAuditRepo) Append(_ context.Context, e *goal.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *memoryAuditRepo) FindByGoal(_ context.Context, goalID uuid.UUID, limit int) ([]goal.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []goal.AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].GoalID == goalID {
			out = append(out, r.entries[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryAuditRepo) actions(goalID uuid.UUID) []goal.AuditAction {
	entries, _ := r.FindByGoal(context.Background(), goalID, 0)
	out := make([]goal.AuditAction, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Action
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

type mockDealReader struct {
	mock.Mock
}

func (m *mockDealReader) SumClosedWonAmount(ctx context.Context, q goal.SourceQuery) (decimal.Decimal, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockDealReader) CountClosedWon(ctx context.Context, q goal.SourceQuery) (int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(int64), args.Error(1)
}

type mockActivityReader struct {
	mock.Mock
}

func (m *mockActivityReader) CountCompleted(ctx context.Context, q goal.SourceQuery) (int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(int64), args.Error(1)
}

type mockTaskReader struct {
	mock.Mock
}

func (m *mockTaskReader) CountCompleted(ctx context.Context, q goal.SourceQuery) (int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(int64), args.Error(1)
}

type mockEntityLocator struct {
	mock.Mock
}

func (m *mockEntityLocator) Locate(ctx context.Context, entityType goal.EntityType, id uuid.UUID) (*goal.EntityRef, error) {
	args := m.Called(ctx, entityType, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*goal.EntityRef), args.Error(1)
}

var fixedNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

// harness wires the application services over in-memory stores
type harness struct {
	goals      *memoryGoalRepo
	snapshots  *memorySnapshotRepo
	audit      *memoryAuditRepo
	events     *recordingPublisher
	deals      *mockDealReader
	activities *mockActivityReader
	tasks      *mockTaskReader
	locator    *mockEntityLocator
	leases     *cache.InMemoryLeaseTable

	recorder    *SnapshotRecorder
	calculator  *ProgressCalculator
	hierarchy   *HierarchyService
	coordinator *RecalculationCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		goals:      newMemoryGoalRepo(),
		snapshots:  &memorySnapshotRepo{},
		audit:      &memoryAuditRepo{},
		events:     &recordingPublisher{},
		deals:      &mockDealReader{},
		activities: &mockActivityReader{},
		tasks:      &mockTaskReader{},
		locator:    &mockEntityLocator{},
		leases:     cache.NewInMemoryLeaseTable(time.Minute),
	}
	t.Cleanup(func() { _ = h.leases.Close() })

	logger := zap.NewNop()
	h.recorder = NewSnapshotRecorder(h.snapshots, h.goals, logger, DefaultSnapshotRecorderConfig())
	h.recorder.now = func() time.Time { return fixedNow }

	h.calculator = NewProgressCalculator(h.goals, h.audit, h.deals, h.activities, h.tasks, h.locator, logger,
		CalculatorConfig{SourceTimeout: time.Second})
	h.calculator.now = func() time.Time { return fixedNow }

	h.hierarchy = NewHierarchyService(h.goals, h.audit, h.recorder, h.leases, h.events, logger,
		HierarchyConfig{LeaseWait: 200 * time.Millisecond})
	h.coordinator = NewRecalculationCoordinator(h.goals, h.calculator, h.recorder, h.hierarchy, h.leases, h.events, logger,
		CoordinatorConfig{LeaseWait: 200 * time.Millisecond, Workers: 4})
	return h
}

type goalOption func(*goal.Goal)

func withTarget(v int64) goalOption {
	return func(g *goal.Goal) { g.SetTarget(decimal.NewFromInt(v)) }
}

func withProgress(v decimal.Decimal) goalOption {
	return func(g *goal.Goal) { g.UpdateProgress(v) }
}

func withParent(p *goal.Goal) goalOption {
	return func(g *goal.Goal) { g.SetParent(p.ID) }
}

func manual() goalOption {
	return func(g *goal.Goal) { g.CalculationSource = goal.CalculationSourceManual }
}

func overridden(reason string) goalOption {
	return func(g *goal.Goal) { _ = g.SetOverride(reason) }
}

func withWindow(from, to time.Time) goalOption {
	return func(g *goal.Goal) { _ = g.SetPeriod(goal.TimeframeCustom, &from, &to) }
}

// addGoal stores an active, auto-calculated goal
func (h *harness) addGoal(t *testing.T, name string, gt goal.Type, ot goal.OwnerType, ownerID uuid.UUID, opts ...goalOption) *goal.Goal {
	t.Helper()
	g, err := goal.NewGoal(name, gt, ot, ownerID)
	require.NoError(t, err)
	g.EnableAutoCalculation()
	require.NoError(t, g.ChangeStatus(goal.StatusActive))
	for _, opt := range opts {
		opt(g)
	}
	h.goals.put(g)
	return g
}
