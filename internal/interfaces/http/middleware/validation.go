package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var setupOnce sync.Once

// SetupValidator names validation failures by their JSON or URI field and
// registers the goal_status and crm_entity tags. Safe to call more than once.
func SetupValidator() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(fieldName)
		_ = v.RegisterValidation("goal_status", func(fl validator.FieldLevel) bool {
			return goal.Status(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("crm_entity", func(fl validator.FieldLevel) bool {
			return goal.EntityType(fl.Field().String()).IsValid()
		})
	})
}

func fieldName(fld reflect.StructField) string {
	for _, tag := range []string{"json", "uri"} {
		name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return ""
}

// FormatValidationErrors turns a binding error into the standard 400 body.
// Type mismatches in the JSON body are reported against their field.
func FormatValidationErrors(err error, requestID string) dto.Response {
	var details []dto.ValidationDetail

	var fieldErrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &fieldErrs):
		for _, e := range fieldErrs {
			details = append(details, dto.ValidationDetail{Field: e.Field(), Message: validationMessage(e)})
		}
	case errors.As(err, &typeErr) && typeErr.Field != "":
		details = append(details, dto.ValidationDetail{Field: typeErr.Field, Message: "Must be a " + typeErr.Type.String()})
	}

	return dto.NewValidationErrorResponse("Request validation failed", requestID, details)
}

// HandleValidationError aborts with a 400 for a binding error
func HandleValidationError(c *gin.Context, err error) {
	requestID := logger.GetRequestID(c.Request.Context())
	c.AbortWithStatusJSON(http.StatusBadRequest, FormatValidationErrors(err, requestID))
}

func validationMessage(e validator.FieldError) string {
	unit := ""
	if e.Type().Kind() == reflect.String {
		unit = " characters"
	}

	switch e.Tag() {
	case "required":
		return "This field is required"
	case "uuid":
		return "Invalid UUID format"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "goal_status":
		return "Must be one of: draft active completed cancelled"
	case "crm_entity":
		return "Must be one of: deal activity task"
	case "min":
		return "Must be at least " + e.Param() + unit
	case "max":
		return "Must be at most " + e.Param() + unit
	default:
		return "Invalid value"
	}
}
