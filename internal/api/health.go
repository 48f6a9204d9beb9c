package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/metrics"
)

// Health handles GET /api/health. A degraded gateway still answers 200; the
// status field carries the verdict.
func Health(m *metrics.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// ServiceStatus handles GET /api/status/:service.
func ServiceStatus(m *metrics.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("service")
		snap := m.Snapshot()

		svc, ok := snap.Services[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown service: " + name})
			return
		}

		tools := []metrics.ToolStats{}
		for _, ts := range snap.Tools {
			if ts.Service == name {
				tools = append(tools, ts)
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"service":      name,
			"health":       svc,
			"tools":        tools,
			"generated_at": snap.GeneratedAt,
		})
	}
}

// InvalidateCache handles POST /api/cache/invalidate.
func InvalidateCache(cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cc == nil {
			c.JSON(http.StatusOK, gin.H{"invalidated": false, "reason": "cache disabled"})
			return
		}
		if err := cc.InvalidateAll(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": true})
	}
}
