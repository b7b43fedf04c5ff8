package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const slowRequest = time.Second

// requestLogger logs every request with its latency; slow ones at warn level.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", elapsed),
		}
		if elapsed > slowRequest {
			log.Warn("Slow request", fields...)
			return
		}
		log.Info("Request", fields...)
	}
}

// bearerAuth rejects requests without the expected bearer token. An empty
// token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("authorization header required"))
			return
		}
		got := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid token"))
			return
		}
		c.Next()
	}
}
