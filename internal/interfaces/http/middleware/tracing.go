// Package middleware provides HTTP middleware for the goal API.
package middleware

import (
	"net/http"

	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxHeaderAttrLength caps header values copied into span attributes
const MaxHeaderAttrLength = 128

// HeaderTraceID carries the server span's trace id back to the caller.
const HeaderTraceID = "X-Trace-ID"

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
}

// DefaultTracingConfig returns default tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "crm-goals",
		Enabled:     true,
	}
}

// Tracing starts a server span per request through otelgin
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return otelgin.Middleware(cfg.ServiceName)
}

// SpanEnricher tags the server span with the request id and the acting user,
// echoes its trace id in X-Trace-ID and marks it failed on 5xx responses.
// It must run after Tracing and the request logger.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			if id := truncate(logger.GetRequestID(c.Request.Context())); id != "" {
				span.SetAttributes(attribute.String("request_id", id))
			}
			if actor := truncate(c.GetHeader(logger.HeaderUserID)); actor != "" {
				span.SetAttributes(attribute.String("actor", actor))
			}
		}
		if id := telemetry.TraceID(c.Request.Context()); id != "" {
			c.Header(HeaderTraceID, id)
		}

		c.Next()

		if !span.IsRecording() {
			return
		}
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func truncate(s string) string {
	if len(s) > MaxHeaderAttrLength {
		return s[:MaxHeaderAttrLength]
	}
	return s
}
