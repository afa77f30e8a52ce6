package goal

import (
	"fmt"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// ValidationReason explains why a hierarchy change was rejected
type ValidationReason string

const (
	ReasonNone                  ValidationReason = ""
	ReasonSelfReference         ValidationReason = "SELF_REFERENCE"
	ReasonCycleDetected         ValidationReason = "CYCLE_DETECTED"
	ReasonIncompatibleOwnerType ValidationReason = "INCOMPATIBLE_OWNER_TYPE"
	ReasonMaxDepthExceeded      ValidationReason = "MAX_DEPTH_EXCEEDED"
)

// ValidationError is returned when a hierarchy mutation breaks an invariant.
// It matches shared.ErrValidationFailed with errors.Is.
type ValidationError struct {
	Reason  ValidationReason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is lets callers match any validation failure
func (e *ValidationError) Is(target error) bool {
	return target == shared.ErrValidationFailed
}

// ErrGoalNotFound builds a not-found error for a goal id
func ErrGoalNotFound(id uuid.UUID) error {
	return shared.NewDomainError(shared.ErrNotFound.Code, fmt.Sprintf("goal %s not found", id))
}

// SourceError wraps a SourceReader failure
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is lets callers match any source failure
func (e *SourceError) Is(target error) bool {
	return target == shared.ErrSourceUnavailable
}
