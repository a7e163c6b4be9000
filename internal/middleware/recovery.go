package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/response"
)

// Recovery recovers from handler panics and returns a 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("handler panic",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
