package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const agentIdentityKey = "cutroom.agentIdentity"

// agentAuth validates the bearer agent token on claim_stage requests
// and stashes the resulting identity in the gin context.
func (h *Handler) agentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "INVALID_INPUT", "message": "missing bearer agent token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		identity, err := h.Signer.Validate(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "INVALID_INPUT", "message": fmt.Sprintf("invalid agent token: %v", err)})
			return
		}

		c.Set(agentIdentityKey, identity)
		c.Next()
	}
}

// requestLogger returns a Gin middleware that logs each request,
// following discovery_service/main.go's requestLogger.
func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		entry := log.WithFields(logrus.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"query":   query,
			"latency": fmt.Sprintf("%dms", latency.Milliseconds()),
			"ip":      c.ClientIP(),
		})

		if status >= 500 {
			entry.Error("server error")
		} else if status >= 400 {
			entry.Warn("client error")
		} else {
			entry.Info("request")
		}
	}
}

// RequestLogger exposes requestLogger for cmd/orchestrator's router setup.
func RequestLogger(log *logrus.Logger) gin.HandlerFunc {
	return requestLogger(log)
}
