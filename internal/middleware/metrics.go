package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/madrasah-billing-api/internal/service"
)

// unmatchedRoute labels requests that hit no registered route so arbitrary
// paths do not create new series.
const unmatchedRoute = "unmatched"

// Metrics records the latency and status of every request by route template.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	if metricsSvc == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
