// internal/middleware/metrics_middleware.go
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
)

// MetricsMiddleware counts requests by route template
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
