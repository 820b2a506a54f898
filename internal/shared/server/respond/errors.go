package respond

import (
	"github.com/gin-gonic/gin"

	"deckcheck/internal/shared/telemetry"
)

// Context keys written by the middleware package; duplicated here to avoid an
// import cycle.
const (
	requestIDKey = "requestId"
	runIDKey     = "runId"
)

// ErrorBody is the error object every endpoint returns. Message is always
// safe to show to users.
type ErrorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error aborts the request with the error envelope. Client errors log at warn
// and server errors at error.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	requestID := c.GetString(requestIDKey)
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": requestID,
	}
	if runID := c.GetString(runIDKey); runID != "" {
		fields["run_id"] = runID
	}
	if status >= 500 {
		telemetry.Error("http.error", fields)
	} else {
		telemetry.Warn("http.error", fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
