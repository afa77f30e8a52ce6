package goal

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction identifies the mutation an audit entry records
type AuditAction string

const (
	AuditActionLink              AuditAction = "hierarchy_link"
	AuditActionUnlink            AuditAction = "hierarchy_unlink"
	AuditActionRollUp            AuditAction = "hierarchy_rollup"
	AuditActionOverrideSet       AuditAction = "override_set"
	AuditActionOverrideClear     AuditAction = "override_clear"
	AuditActionCalculationFailed AuditAction = "calculation_failed"
	AuditActionStatusChange      AuditAction = "status_change"
)

// SystemActor is recorded for mutations made by the engine itself
const SystemActor = "system"

// AuditEntry is an append-only record of a goal mutation
type AuditEntry struct {
	ID         uuid.UUID
	GoalID     uuid.UUID
	Action     AuditAction
	Actor      string
	OldValue   string
	NewValue   string
	OccurredAt time.Time
}

// NewAuditEntry creates an audit entry stamped now
func NewAuditEntry(goalID uuid.UUID, action AuditAction, actor, oldValue, newValue string) *AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	return &AuditEntry{
		ID:         uuid.New(),
		GoalID:     goalID,
		Action:     action,
		Actor:      actor,
		OldValue:   oldValue,
		NewValue:   newValue,
		OccurredAt: time.Now(),
	}
}
