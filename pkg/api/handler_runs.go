package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/pipeline"
	"github.com/kbforge/kbforge/pkg/store"
)

// startRunHandler handles POST /api/v1/runs. The body is a run descriptor;
// an empty body starts a full run.
func (s *Server) startRunHandler(c *gin.Context) {
	descriptor := models.RunDescriptor{RunMode: models.RunModeFull}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&descriptor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if descriptor.RunMode == "" {
		descriptor.RunMode = models.RunModeFull
	}

	taskID, err := s.runs.StartRun(descriptor)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error":       "a run is already in progress",
				"active_task": s.runs.ActiveTask(),
			})
			return
		}
		s.serverError(c, "failed to start run", err)
		return
	}

	s.logger.Info("Run started", "task_id", taskID, "run_mode", descriptor.RunMode)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "run_mode": descriptor.RunMode})
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	taskID := c.Param("id")
	if err := s.runs.Cancel(taskID); err != nil {
		if errors.Is(err, pipeline.ErrUnknownTask) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		s.serverError(c, "failed to cancel run", err)
		return
	}

	s.logger.Info("Run cancelled", "task_id", taskID)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "cancelling"})
}

// recentRunsHandler handles GET /api/v1/runs.
func (s *Server) recentRunsHandler(c *gin.Context) {
	runs, err := s.stats.RecentRuns(c.Request.Context(), intQuery(c, "limit", 20))
	if err != nil {
		s.serverError(c, "failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// runStatsHandler handles GET /api/v1/runs/:id/stats.
func (s *Server) runStatsHandler(c *gin.Context) {
	runID := c.Param("id")

	runStats, err := s.stats.RunStats(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.serverError(c, "failed to load run stats", err)
		return
	}

	phaseStats, err := s.stats.PhaseStats(c.Request.Context(), runID)
	if err != nil {
		s.serverError(c, "failed to load phase stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": runStats, "phases": phaseStats})
}
