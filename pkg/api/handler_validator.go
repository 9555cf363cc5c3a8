package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// runValidatorHandler handles POST /api/v1/validator/run. Pass fix=true to
// apply automatic repairs.
func (s *Server) runValidatorHandler(c *gin.Context) {
	autoFix, _ := boolQuery(c, "fix")

	report, err := s.validator.Run(c.Request.Context(), autoFix)
	if err != nil {
		s.serverError(c, "validator run failed", err)
		return
	}

	s.logger.Info("Validator run complete",
		"auto_fix", autoFix,
		"health_score", report.HealthScore,
		"status", report.Status)
	c.JSON(http.StatusOK, report)
}
