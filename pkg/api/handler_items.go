package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/store"
)

const defaultPageSize = 50

// listItemsHandler handles GET /api/v1/items.
func (s *Server) listItemsHandler(c *gin.Context) {
	filter := models.ItemFilter{
		SearchText:    c.Query("search"),
		MainCategory:  c.Query("main_category"),
		SubCategory:   c.Query("sub_category"),
		Source:        c.Query("source"),
		SortField:     c.Query("sort"),
		SortDirection: models.SortDirection(c.Query("direction")),
		Limit:         intQuery(c, "limit", defaultPageSize),
		Offset:        intQuery(c, "offset", 0),
	}
	if v, ok := boolQuery(c, "processing_complete"); ok {
		filter.ProcessingComplete = &v
	}
	if v, ok := boolQuery(c, "needs_reprocessing"); ok {
		filter.NeedsReprocessing = &v
	}

	result, err := s.items.List(c.Request.Context(), filter)
	if err != nil {
		s.serverError(c, "failed to list items", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getItemHandler handles GET /api/v1/items/:id.
func (s *Server) getItemHandler(c *gin.Context) {
	item, err := s.items.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.serverError(c, "failed to get item", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// searchItemsHandler handles GET /api/v1/items/search. The default mode is
// full-text; mode=semantic searches the vector index instead.
func (s *Server) searchItemsHandler(c *gin.Context) {
	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q query parameter is required"})
		return
	}

	if c.Query("mode") == "semantic" {
		s.semanticSearch(c, term)
		return
	}

	result, err := s.items.FullTextSearch(c.Request.Context(), term,
		intQuery(c, "limit", defaultPageSize), intQuery(c, "offset", 0))
	if err != nil {
		s.serverError(c, "search failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// semanticSearch embeds the query and ranks items by vector similarity.
// Category filters narrow the search via the index payload.
func (s *Server) semanticSearch(c *gin.Context, term string) {
	if s.vector == nil || s.embedder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "semantic search disabled"})
		return
	}
	ctx := c.Request.Context()

	embedding, err := s.embedder.Embed(ctx, term)
	if err != nil {
		s.serverError(c, "failed to embed query", err)
		return
	}

	filters := map[string]string{}
	if main := c.Query("main_category"); main != "" {
		filters["main_category"] = main
	}
	if sub := c.Query("sub_category"); sub != "" {
		filters["sub_category"] = sub
	}

	hits, err := s.vector.Search(ctx, embedding, intQuery(c, "limit", defaultPageSize), filters)
	if err != nil {
		s.serverError(c, "semantic search failed", err)
		return
	}
	if len(hits) == 0 {
		c.JSON(http.StatusOK, gin.H{"results": []gin.H{}, "total_count": 0})
		return
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ItemID)
	}
	items, err := s.items.GetMany(ctx, ids)
	if err != nil {
		s.serverError(c, "failed to load matched items", err)
		return
	}
	byID := make(map[string]*models.Item, len(items))
	for _, item := range items {
		byID[item.ItemID] = item
	}

	// Preserve similarity order; skip hits whose item was deleted since
	// indexing.
	results := make([]gin.H, 0, len(hits))
	for _, hit := range hits {
		item, ok := byID[hit.ItemID]
		if !ok {
			continue
		}
		results = append(results, gin.H{"item": item, "score": hit.Score})
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "total_count": len(results)})
}

// ReprocessRequest is the body for POST /api/v1/items/:id/reprocess.
type ReprocessRequest struct {
	ForceRecache bool   `json:"force_recache"`
	RequestedBy  string `json:"requested_by"`
}

// reprocessItemHandler flags one item for reprocessing on the next run.
func (s *Server) reprocessItemHandler(c *gin.Context) {
	itemID := c.Param("id")

	var req ReprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.items.Get(c.Request.Context(), itemID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		s.serverError(c, "failed to get item", err)
		return
	}

	if err := s.items.BulkSetReprocess(c.Request.Context(), []string{itemID}, true, req.RequestedBy); err != nil {
		s.serverError(c, "failed to flag item", err)
		return
	}
	if req.ForceRecache {
		on := true
		if err := s.items.Update(c.Request.Context(), itemID, store.ItemPatch{ForceRecache: &on}); err != nil {
			s.serverError(c, "failed to flag item", err)
			return
		}
	}

	s.logger.Info("Item flagged for reprocessing",
		"item_id", itemID, "force_recache", req.ForceRecache, "requested_by", req.RequestedBy)
	c.JSON(http.StatusAccepted, gin.H{"item_id": itemID, "status": "reprocess_scheduled"})
}

// intQuery parses an integer query parameter with a default.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
