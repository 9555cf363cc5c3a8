package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listCategoriesHandler handles GET /api/v1/categories. Pass active=false to
// include deactivated categories.
func (s *Server) listCategoriesHandler(c *gin.Context) {
	activeOnly := true
	if v, ok := boolQuery(c, "active"); ok {
		activeOnly = v
	}

	categories, err := s.categories.List(c.Request.Context(), activeOnly)
	if err != nil {
		s.serverError(c, "failed to list categories", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}
