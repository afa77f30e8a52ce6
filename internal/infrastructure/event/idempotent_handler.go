package event

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

const dedupKeyPrefix = "event:"

// IdempotencyStats is a snapshot of a handler's delivery counters
type IdempotencyStats struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsDuplicate int64 `json:"events_duplicate"`
	EventsFailed    int64 `json:"events_failed"`
}

// IdempotentHandler drops redelivered events. An event id is claimed through
// the job lock for ttl; the claim is never released, so a second delivery
// within ttl is skipped on every replica.
type IdempotentHandler struct {
	handler shared.EventHandler
	claims  shared.JobLock
	ttl     time.Duration
	logger  *zap.Logger

	processed atomic.Int64
	duplicate atomic.Int64
	failed    atomic.Int64
}

// NewIdempotentHandler wraps handler with duplicate suppression
func NewIdempotentHandler(handler shared.EventHandler, claims shared.JobLock, ttl time.Duration, logger *zap.Logger) *IdempotentHandler {
	return &IdempotentHandler{
		handler: handler,
		claims:  claims,
		ttl:     ttl,
		logger:  logger,
	}
}

// EventTypes returns the wrapped handler's event types
func (h *IdempotentHandler) EventTypes() []string {
	return h.handler.EventTypes()
}

// Handle processes the event unless its id was already claimed
func (h *IdempotentHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	eventID := event.EventID().String()

	_, isNew, err := h.claims.TryLock(ctx, dedupKeyPrefix+eventID, h.ttl)
	switch {
	case err != nil:
		// A redundant recalculation is harmless; a dropped one waits for the sweep.
		h.logger.Warn("failed to check idempotency, processing anyway",
			zap.String("event_id", eventID),
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
	case !isNew:
		h.duplicate.Add(1)
		h.logger.Debug("duplicate event detected, skipping",
			zap.String("event_id", eventID),
			zap.String("event_type", event.EventType()),
		)
		return nil
	}

	if err := h.handler.Handle(ctx, event); err != nil {
		h.failed.Add(1)
		return err
	}
	h.processed.Add(1)
	return nil
}

// Stats returns the delivery counters
func (h *IdempotentHandler) Stats() IdempotencyStats {
	return IdempotencyStats{
		EventsProcessed: h.processed.Load(),
		EventsDuplicate: h.duplicate.Load(),
		EventsFailed:    h.failed.Load(),
	}
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)
