package admin

import (
	"time"

	"github.com/gin-gonic/gin"

	"ringkv/internal/logging"
)

// Logger is a Gin middleware that logs every admin request through
// internal/logging's zerolog component logger, keeping the admin surface
// on the same structured-logging discipline as the rest of the system.
func Logger() gin.HandlerFunc {
	log := logging.Component("admin")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin request")
	}
}

// Recovery wraps panics in an admin handler into a structured log entry
// and a 500 response, instead of crashing the process.
func Recovery() gin.HandlerFunc {
	log := logging.Component("admin")
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Msg("admin handler panic recovered")
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
