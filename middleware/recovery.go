package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a logged 500. Streaming responses that
// have already written headers are only aborted.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			traceID := GetTraceID(c)
			log.Error("handler panic",
				zap.Any("recover", r),
				zap.String("trace_id", traceID),
				zap.String("route", c.FullPath()),
				zap.Stack("stack"))
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "trace_id": traceID})
		}()
		c.Next()
	}
}
