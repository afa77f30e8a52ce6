package goal

import (
	"context"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HierarchyConfig contains configuration for HierarchyService
type HierarchyConfig struct {
	// LeaseWait is how long an operation waits for a busy goal
	LeaseWait time.Duration
}

// DefaultHierarchyConfig returns default configuration
func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{
		LeaseWait: shared.DefaultLeaseConfig().Wait,
	}
}

// HierarchyService links and unlinks goals, answers tree queries and rolls
// progress up through ancestors. It is the only writer of ParentGoalID.
type HierarchyService struct {
	goals     goal.GoalRepository
	audit     goal.AuditRepository
	recorder  *SnapshotRecorder
	validator *goal.HierarchyValidator
	leases    shared.LeaseTable
	publisher shared.EventPublisher
	logger    *zap.Logger
	leaseWait time.Duration
	metrics   *telemetry.GoalMetrics
}

// NewHierarchyService creates a new HierarchyService
func NewHierarchyService(
	goals goal.GoalRepository,
	audit goal.AuditRepository,
	recorder *SnapshotRecorder,
	leases shared.LeaseTable,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config HierarchyConfig,
) *HierarchyService {
	if config.LeaseWait <= 0 {
		config.LeaseWait = DefaultHierarchyConfig().LeaseWait
	}
	return &HierarchyService{
		goals:     goals,
		audit:     audit,
		recorder:  recorder,
		validator: goal.NewHierarchyValidator(goals),
		leases:    leases,
		publisher: publisher,
		logger:    logger,
		leaseWait: config.LeaseWait,
	}
}

// SetMetrics sets the metrics recorder (optional)
func (s *HierarchyService) SetMetrics(m *telemetry.GoalMetrics) {
	s.metrics = m
}

// Validator exposes the validator used for link checks
func (s *HierarchyService) Validator() *goal.HierarchyValidator {
	return s.validator
}

// LinkToParent places child under parent and rolls the child's progress into
// the new chain. A rejected link leaves the tree untouched and returns a
// *goal.ValidationError.
func (s *HierarchyService) LinkToParent(ctx context.Context, childID, parentID uuid.UUID, actor string) (*goal.Goal, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_hierarchy", "link",
		telemetry.WithAttribute(telemetry.SpanAttrGoalID, childID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrParentID, parentID.String()))
	defer span.End()

	child, formerParent, err := s.link(ctx, childID, parentID, actor)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Leases are released here; roll-up takes them one goal at a time.
	if formerParent != nil && *formerParent != parentID {
		s.rollUpQuietly(ctx, *formerParent, child.ID)
	}
	s.rollUpQuietly(ctx, parentID, child.ID)

	return child, nil
}

func (s *HierarchyService) link(ctx context.Context, childID, parentID uuid.UUID, actor string) (*goal.Goal, *uuid.UUID, error) {
	release, err := acquirePair(ctx, s.leases, childID, parentID, s.leaseWait)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	validation, err := s.validator.ValidateLink(ctx, childID, parentID)
	if err != nil {
		return nil, nil, err
	}
	if !validation.OK {
		s.logger.Info("Goal link rejected",
			zap.String("child_id", childID.String()),
			zap.String("parent_id", parentID.String()),
			zap.String("reason", string(validation.Reason)))
		return nil, nil, validation.Err()
	}

	child, err := s.goals.FindByID(ctx, childID)
	if err != nil {
		return nil, nil, err
	}
	if child.ParentGoalID != nil && *child.ParentGoalID == parentID {
		return child, nil, nil
	}

	formerParent := child.ParentGoalID
	child.SetParent(parentID)
	child.IncrementVersion()
	if err := s.goals.Save(ctx, child); err != nil {
		return nil, nil, fmt.Errorf("save goal %s: %w", childID, err)
	}

	oldValue := ""
	if formerParent != nil {
		oldValue = formerParent.String()
	}
	s.appendAudit(ctx, goal.NewAuditEntry(childID, goal.AuditActionLink, actor, oldValue, parentID.String()))
	s.publish(ctx, goal.NewGoalLinkedEvent(child, parentID, actor))

	s.logger.Info("Goal linked to parent",
		zap.String("child_id", childID.String()),
		zap.String("parent_id", parentID.String()),
		zap.String("actor", actor))

	return child, formerParent, nil
}

// UnlinkFromParent detaches a goal and shrinks its former parent chain.
// Unlinking a root goal is a no-op.
func (s *HierarchyService) UnlinkFromParent(ctx context.Context, childID uuid.UUID, actor string) (*goal.Goal, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_hierarchy", "unlink",
		telemetry.WithAttribute(telemetry.SpanAttrGoalID, childID.String()))
	defer span.End()

	observed, err := s.goals.FindByID(ctx, childID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !observed.HasParent() {
		return observed, nil
	}

	child, formerParent, err := s.unlink(ctx, childID, *observed.ParentGoalID, actor)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if formerParent != nil {
		s.rollUpQuietly(ctx, *formerParent, childID)
	}
	return child, nil
}

func (s *HierarchyService) unlink(ctx context.Context, childID, parentID uuid.UUID, actor string) (*goal.Goal, *uuid.UUID, error) {
	release, err := acquirePair(ctx, s.leases, childID, parentID, s.leaseWait)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	// The parent may have changed between the first read and the lease.
	child, err := s.goals.FindByID(ctx, childID)
	if err != nil {
		return nil, nil, err
	}
	if !child.HasParent() {
		return child, nil, nil
	}
	if *child.ParentGoalID != parentID {
		return nil, nil, fmt.Errorf("goal %s moved to parent %s while unlinking: %w",
			childID, *child.ParentGoalID, shared.ErrConcurrencyConflict)
	}

	formerParent := *child.ParentGoalID
	child.ClearParent()
	child.IncrementVersion()
	if err := s.goals.Save(ctx, child); err != nil {
		return nil, nil, fmt.Errorf("save goal %s: %w", childID, err)
	}

	s.appendAudit(ctx, goal.NewAuditEntry(childID, goal.AuditActionUnlink, actor, formerParent.String(), ""))
	s.publish(ctx, goal.NewGoalUnlinkedEvent(child, formerParent, actor))

	s.logger.Info("Goal unlinked from parent",
		zap.String("child_id", childID.String()),
		zap.String("former_parent_id", formerParent.String()),
		zap.String("actor", actor))

	return child, &formerParent, nil
}

// GetHierarchy returns the goal with its ancestors and descendant tree,
// both bounded by the maximum hierarchy depth.
func (s *HierarchyService) GetHierarchy(ctx context.Context, goalID uuid.UUID) (*HierarchyView, error) {
	g, err := s.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, err
	}

	ancestors, err := s.goals.FindAncestors(ctx, goalID, goal.MaxHierarchyDepth)
	if err != nil {
		return nil, fmt.Errorf("load ancestors of goal %s: %w", goalID, err)
	}

	seen := map[uuid.UUID]bool{goalID: true}
	for _, a := range ancestors {
		seen[a.ID] = true
	}
	descendants, children, err := s.buildTree(ctx, goalID, goal.MaxHierarchyDepth, seen)
	if err != nil {
		return nil, err
	}

	return &HierarchyView{
		Goal:                    *g,
		Ancestors:               ancestors,
		Descendants:             descendants,
		Depth:                   len(ancestors) + 1,
		ChildCount:              len(children),
		AggregatedChildProgress: sumProgress(children),
		AggregatedChildTarget:   sumTargets(children),
	}, nil
}

// buildTree loads up to levels generations below parentID and returns the
// nodes along with the direct children.
func (s *HierarchyService) buildTree(ctx context.Context, parentID uuid.UUID, levels int, seen map[uuid.UUID]bool) ([]*GoalNode, []goal.Goal, error) {
	if levels <= 0 {
		return nil, nil, nil
	}

	children, err := s.goals.FindChildren(ctx, parentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load children of goal %s: %w", parentID, err)
	}

	nodes := make([]*GoalNode, 0, len(children))
	for _, c := range children {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		sub, _, err := s.buildTree(ctx, c.ID, levels-1, seen)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, &GoalNode{Goal: c, Children: sub})
	}
	return nodes, children, nil
}

// GetChildren returns the direct children of a goal
func (s *HierarchyService) GetChildren(ctx context.Context, parentID uuid.UUID) ([]goal.Goal, error) {
	if _, err := s.goals.FindByID(ctx, parentID); err != nil {
		return nil, err
	}
	return s.goals.FindChildren(ctx, parentID)
}

// RecalculateParentProgress rolls goalID's progress into its ancestors.
// Returns the number of ancestors rewritten.
func (s *HierarchyService) RecalculateParentProgress(ctx context.Context, goalID uuid.UUID) (int, error) {
	g, err := s.goals.FindByID(ctx, goalID)
	if err != nil {
		return 0, err
	}
	if !g.HasParent() {
		return 0, nil
	}
	return s.rollUp(ctx, *g.ParentGoalID)
}

// rollUp recomputes startID from its children, then walks toward the root.
// The walk holds one lease at a time and never exceeds the maximum depth,
// whatever the stored parent pointers say.
func (s *HierarchyService) rollUp(ctx context.Context, startID uuid.UUID) (int, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "goal_hierarchy", "roll_up",
		telemetry.WithAttribute(telemetry.SpanAttrGoalID, startID.String()))
	defer span.End()

	written := 0
	next := &startID
	for level := 0; next != nil && level < goal.MaxHierarchyDepth; level++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		parent, wrote, err := s.rollUpOne(ctx, *next)
		if err != nil {
			telemetry.RecordError(span, err)
			s.metrics.RecordRollUpWrites(ctx, written)
			return written, err
		}
		if wrote {
			written++
		}
		next = parent
	}

	telemetry.SetAttributes(span, "written", written)
	s.metrics.RecordRollUpWrites(ctx, written)
	return written, nil
}

// rollUpOne recomputes a single ancestor. It returns the next goal to visit,
// or nil when the walk must stop at this goal.
func (s *HierarchyService) rollUpOne(ctx context.Context, id uuid.UUID) (*uuid.UUID, bool, error) {
	release, err := s.leases.Acquire(ctx, leaseKey(id), s.leaseWait)
	if err != nil {
		return nil, false, err
	}
	defer release()

	g, err := s.goals.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	// Overridden and manual goals are firewalls: neither they nor their ancestors move.
	if !g.IsRecalculable() || !g.Type.IsAggregatable() {
		s.logger.Debug("Roll-up stopped",
			zap.String("goal_id", id.String()),
			zap.Bool("overridden", g.IsOverridden()),
			zap.String("calculation_source", string(g.CalculationSource)))
		return nil, false, nil
	}

	children, err := s.goals.FindChildren(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load children of goal %s: %w", id, err)
	}

	previous := g.State()
	oldProgress := g.Progress
	oldTarget := g.TargetValue
	g.ApplyRollUp(sumProgress(children), derivedTarget(children))

	if g.Progress.Equal(oldProgress) && sameTarget(oldTarget, g.TargetValue) {
		return g.ParentGoalID, false, nil
	}

	g.IncrementVersion()
	if err := s.goals.Save(ctx, g); err != nil {
		return nil, false, fmt.Errorf("save goal %s: %w", id, err)
	}

	snapshotted, err := s.recorder.RecordIfSignificant(ctx, g, previous, goal.SnapshotReasonRollUp)
	if err != nil {
		s.logger.Warn("Failed to record roll-up snapshot", zap.String("goal_id", id.String()), zap.Error(err))
	}
	if snapshotted {
		s.metrics.RecordSnapshot(ctx, string(goal.SnapshotReasonRollUp))
	}
	s.appendAudit(ctx, goal.NewAuditEntry(id, goal.AuditActionRollUp, goal.SystemActor, oldProgress.String(), g.Progress.String()))
	s.publish(ctx, goal.NewGoalProgressChangedEvent(g, oldProgress, goal.SnapshotReasonRollUp))

	s.logger.Debug("Goal progress rolled up",
		zap.String("goal_id", id.String()),
		zap.String("old_progress", oldProgress.String()),
		zap.String("new_progress", g.Progress.String()))

	return g.ParentGoalID, true, nil
}

// rollUpQuietly runs a roll-up whose failure must not undo the mutation that
// triggered it. The next sweep repairs any stale ancestor.
func (s *HierarchyService) rollUpQuietly(ctx context.Context, startID, triggeredBy uuid.UUID) {
	if _, err := s.rollUp(ctx, startID); err != nil {
		s.logger.Warn("Roll-up failed, leaving ancestors to the next sweep",
			zap.String("start_goal_id", startID.String()),
			zap.String("triggered_by", triggeredBy.String()),
			zap.Error(err))
	}
}

// SetManualOverride freezes a goal against automatic recalculation and roll-up.
// When progress is given it replaces the stored value and rolls into the parent chain.
func (s *HierarchyService) SetManualOverride(ctx context.Context, goalID uuid.UUID, reason string, progress *decimal.Decimal, actor string) (*goal.Goal, error) {
	g, changed, err := s.setOverride(ctx, goalID, reason, progress, actor)
	if err != nil {
		return nil, err
	}
	if changed && g.HasParent() {
		s.rollUpQuietly(ctx, *g.ParentGoalID, g.ID)
	}
	return g, nil
}

func (s *HierarchyService) setOverride(ctx context.Context, goalID uuid.UUID, reason string, progress *decimal.Decimal, actor string) (*goal.Goal, bool, error) {
	release, err := s.leases.Acquire(ctx, leaseKey(goalID), s.leaseWait)
	if err != nil {
		return nil, false, err
	}
	defer release()

	g, err := s.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, false, err
	}

	if progress != nil && progress.IsNegative() {
		return nil, false, shared.NewDomainError("INVALID_PROGRESS", "Progress cannot be negative")
	}

	oldReason := ""
	if g.ManualOverrideReason != nil {
		oldReason = *g.ManualOverrideReason
	}
	if err := g.SetOverride(reason); err != nil {
		return nil, false, err
	}

	previous := g.State()
	oldProgress := g.Progress
	if progress != nil {
		g.UpdateProgress(*progress)
	}
	changed := !g.Progress.Equal(oldProgress)

	g.IncrementVersion()
	if err := s.goals.Save(ctx, g); err != nil {
		return nil, false, fmt.Errorf("save goal %s: %w", goalID, err)
	}
	s.appendAudit(ctx, goal.NewAuditEntry(goalID, goal.AuditActionOverrideSet, actor, oldReason, *g.ManualOverrideReason))

	if changed {
		if _, err := s.recorder.RecordIfSignificant(ctx, g, previous, goal.SnapshotReasonManualAdjustment); err != nil {
			s.logger.Warn("Failed to record manual adjustment snapshot", zap.String("goal_id", goalID.String()), zap.Error(err))
		}
		s.publish(ctx, goal.NewGoalProgressChangedEvent(g, oldProgress, goal.SnapshotReasonManualAdjustment))
	}

	s.logger.Info("Goal manual override set",
		zap.String("goal_id", goalID.String()),
		zap.String("actor", actor),
		zap.Bool("progress_changed", changed))

	return g, changed, nil
}

// ClearManualOverride releases an override. The caller is expected to queue a
// recalculation so the goal catches up with its sources.
func (s *HierarchyService) ClearManualOverride(ctx context.Context, goalID uuid.UUID, actor string) (*goal.Goal, error) {
	release, err := s.leases.Acquire(ctx, leaseKey(goalID), s.leaseWait)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := s.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if !g.IsOverridden() {
		return g, nil
	}

	oldReason := *g.ManualOverrideReason
	g.ClearOverride()
	g.IncrementVersion()
	if err := s.goals.Save(ctx, g); err != nil {
		return nil, fmt.Errorf("save goal %s: %w", goalID, err)
	}
	s.appendAudit(ctx, goal.NewAuditEntry(goalID, goal.AuditActionOverrideClear, actor, oldReason, ""))

	s.logger.Info("Goal manual override cleared",
		zap.String("goal_id", goalID.String()),
		zap.String("actor", actor))

	return g, nil
}

// ChangeStatus moves a goal to a new lifecycle status. Opening or closing a
// goal is always snapshotted.
func (s *HierarchyService) ChangeStatus(ctx context.Context, goalID uuid.UUID, status goal.Status, actor string) (*goal.Goal, error) {
	g, changed, err := s.changeStatus(ctx, goalID, status, actor)
	if err != nil {
		return nil, err
	}
	if changed && g.HasParent() {
		s.rollUpQuietly(ctx, *g.ParentGoalID, g.ID)
	}
	return g, nil
}

func (s *HierarchyService) changeStatus(ctx context.Context, goalID uuid.UUID, status goal.Status, actor string) (*goal.Goal, bool, error) {
	release, err := s.leases.Acquire(ctx, leaseKey(goalID), s.leaseWait)
	if err != nil {
		return nil, false, err
	}
	defer release()

	g, err := s.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, false, err
	}
	if g.Status == status {
		return g, false, nil
	}

	previous := g.State()
	oldStatus := g.Status
	if err := g.ChangeStatus(status); err != nil {
		return nil, false, err
	}
	g.IncrementVersion()
	if err := s.goals.Save(ctx, g); err != nil {
		return nil, false, fmt.Errorf("save goal %s: %w", goalID, err)
	}

	s.appendAudit(ctx, goal.NewAuditEntry(goalID, goal.AuditActionStatusChange, actor, string(oldStatus), string(status)))
	if _, err := s.recorder.RecordIfSignificant(ctx, g, previous, goal.SnapshotReasonStatusChange); err != nil {
		s.logger.Warn("Failed to record status change snapshot", zap.String("goal_id", goalID.String()), zap.Error(err))
	}

	return g, true, nil
}

func (s *HierarchyService) appendAudit(ctx context.Context, entry *goal.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("Failed to append goal audit entry",
			zap.String("goal_id", entry.GoalID.String()),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func (s *HierarchyService) publish(ctx context.Context, event shared.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish goal event",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}

func sameTarget(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
