package goal

import (
	"context"
	"fmt"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntityRecalculator is the part of the coordinator the handler drives
type EntityRecalculator interface {
	RecalculateGoalsForEntity(ctx context.Context, entityType goal.EntityType, entityID uuid.UUID) (*BatchResult, error)
}

// EntityChangeHandler recalculates goals when a deal, activity or task changes
type EntityChangeHandler struct {
	recalculator EntityRecalculator
	logger       *zap.Logger
	metrics      *telemetry.GoalMetrics
}

// NewEntityChangeHandler creates a new handler for CRM record change events
func NewEntityChangeHandler(recalculator EntityRecalculator, logger *zap.Logger) *EntityChangeHandler {
	return &EntityChangeHandler{
		recalculator: recalculator,
		logger:       logger,
	}
}

// WithMetrics sets the metrics recorder
func (h *EntityChangeHandler) WithMetrics(m *telemetry.GoalMetrics) *EntityChangeHandler {
	h.metrics = m
	return h
}

// EventTypes returns the event types this handler is interested in
func (h *EntityChangeHandler) EventTypes() []string {
	return []string{
		goal.EventTypeDealChanged,
		goal.EventTypeActivityChanged,
		goal.EventTypeTaskChanged,
	}
}

// Handle processes an EntityChangedEvent.
// Per-goal failures are already isolated and flagged by the coordinator, so only
// a failure to find the affected goals is returned.
func (h *EntityChangeHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	changed, ok := event.(*goal.EntityChangedEvent)
	if !ok {
		h.logger.Error("unexpected event type",
			zap.String("event_type", event.EventType()))
		return fmt.Errorf("unexpected event type: %s", event.EventType())
	}

	h.metrics.RecordEntityEvent(ctx, string(changed.EntityType))

	result, err := h.recalculator.RecalculateGoalsForEntity(ctx, changed.EntityType, changed.EntityID)
	if err != nil {
		h.logger.Error("failed to recalculate goals for changed entity",
			zap.String("entity_type", string(changed.EntityType)),
			zap.String("entity_id", changed.EntityID.String()),
			zap.Error(err))
		return err
	}

	if result.Failed > 0 {
		h.logger.Warn("some goals failed to recalculate",
			zap.String("entity_type", string(changed.EntityType)),
			zap.String("entity_id", changed.EntityID.String()),
			zap.Int("failed", result.Failed),
			zap.Int("processed", result.Processed))
	}
	return nil
}
