package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbforge/kbforge/pkg/models"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := s.db.Health(ctx)

	body := gin.H{
		"status":      "healthy",
		"database":    dbHealth,
		"active_task": s.runs.ActiveTask(),
	}
	if s.connMgr != nil {
		body["ws_connections"] = s.connMgr.ActiveConnections()
	}

	if counts, err := s.queue.CountByStatus(ctx); err == nil {
		body["queue"] = gin.H{
			"unprocessed": counts[models.QueueStatusUnprocessed],
			"processing":  counts[models.QueueStatusProcessing],
			"processed":   counts[models.QueueStatusProcessed],
			"failed":      counts[models.QueueStatusFailed],
		}
	}

	if !dbHealth.Reachable {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
