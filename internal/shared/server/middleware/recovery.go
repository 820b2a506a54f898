package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"deckcheck/internal/shared/server/respond"
	"deckcheck/internal/shared/telemetry"
)

// Recovery turns a handler panic into a generic 500. The panic value and stack
// are logged but never returned to the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				fields := map[string]any{
					"request_id": RequestIDFromContext(c),
					"error":      rec,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
				}
				if runID, ok := c.Get(RunIDKey); ok {
					fields["run_id"] = runID
				}
				telemetry.Error("http.panic", fields)
				respond.Error(c, http.StatusInternalServerError, "internal", "Unexpected server error", nil)
				c.Abort()
			}
		}()
		c.Next()
	}
}
