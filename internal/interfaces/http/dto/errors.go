package dto

import "net/http"

// Error codes returned in ErrorInfo.Code
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Request error codes
const (
	ErrCodeValidation      = "ERR_VALIDATION"
	ErrCodeBadRequest      = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput    = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON     = "ERR_INVALID_JSON"
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Resource error codes
const (
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
	ErrCodeInvalidState        = "ERR_INVALID_STATE"
)

// Hierarchy error codes, one per rejected link
const (
	ErrCodeHierarchy              = "ERR_HIERARCHY"
	ErrCodeHierarchySelfReference = "ERR_HIERARCHY_SELF_REFERENCE"
	ErrCodeHierarchyCycle         = "ERR_HIERARCHY_CYCLE_DETECTED"
	ErrCodeHierarchyOwnerType     = "ERR_HIERARCHY_INCOMPATIBLE_OWNER_TYPE"
	ErrCodeHierarchyDepthExceeded = "ERR_HIERARCHY_MAX_DEPTH_EXCEEDED"
)

// Dependency error codes
const (
	ErrCodeSourceUnavailable = "ERR_SOURCE_UNAVAILABLE"
	ErrCodeTimeout           = "ERR_TIMEOUT"
	ErrCodeJobRunning        = "ERR_JOB_RUNNING"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeInvalidJSON:     http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeConcurrencyConflict: http.StatusConflict,
	ErrCodeInvalidState:        http.StatusUnprocessableEntity,

	ErrCodeHierarchy:              http.StatusUnprocessableEntity,
	ErrCodeHierarchySelfReference: http.StatusUnprocessableEntity,
	ErrCodeHierarchyCycle:         http.StatusUnprocessableEntity,
	ErrCodeHierarchyOwnerType:     http.StatusUnprocessableEntity,
	ErrCodeHierarchyDepthExceeded: http.StatusUnprocessableEntity,

	ErrCodeSourceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:           http.StatusGatewayTimeout,
	ErrCodeJobRunning:        http.StatusConflict,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Unknown codes map to 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":               ErrCodeNotFound,
	"INVALID_INPUT":           ErrCodeInvalidInput,
	"INVALID_STATE":           ErrCodeInvalidState,
	"CONCURRENCY_CONFLICT":    ErrCodeConcurrencyConflict,
	"VALIDATION_FAILED":       ErrCodeHierarchy,
	"SOURCE_UNAVAILABLE":      ErrCodeSourceUnavailable,
	"INVALID_NAME":            ErrCodeInvalidInput,
	"INVALID_TYPE":            ErrCodeInvalidInput,
	"INVALID_OWNER_TYPE":      ErrCodeInvalidInput,
	"INVALID_TIMEFRAME":       ErrCodeInvalidInput,
	"INVALID_PERIOD":          ErrCodeInvalidInput,
	"INVALID_STATUS":          ErrCodeInvalidInput,
	"INVALID_PROGRESS":        ErrCodeInvalidInput,
	"INVALID_OVERRIDE_REASON": ErrCodeInvalidInput,
	"INVALID_ENTITY_TYPE":     ErrCodeInvalidInput,
}

// NormalizeErrorCode converts a domain error code to its API code.
// Codes that are already API codes, or unknown, are returned as-is.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}

// HierarchyErrorCode returns the API code for a hierarchy rejection reason
func HierarchyErrorCode(reason string) string {
	code := ErrCodeHierarchy + "_" + reason
	if _, ok := ErrorCodeHTTPStatus[code]; ok {
		return code
	}
	return ErrCodeHierarchy
}
