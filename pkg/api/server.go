// Package api exposes the operator HTTP surface: item and category queries,
// run control, on-demand validation, and the WebSocket event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/store"
	"github.com/kbforge/kbforge/pkg/validator"
	"github.com/kbforge/kbforge/pkg/vector"
)

// RunManager starts and cancels pipeline runs. Implemented by
// pipeline.Orchestrator.
type RunManager interface {
	StartRun(descriptor models.RunDescriptor) (string, error)
	Cancel(taskID string) error
	ActiveTask() string
}

// ValidatorRunner runs the consistency validator. Implemented by
// validator.Validator.
type ValidatorRunner interface {
	Run(ctx context.Context, autoFix bool) (*validator.Report, error)
}

// VectorSearcher performs similarity search over item embeddings.
// Implemented by vector.Store.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]vector.SearchResult, error)
}

// Server is the operator API server.
type Server struct {
	db         *database.Client
	items      *store.ItemStore
	categories *store.CategoryStore
	queue      *store.QueueStore
	stats      *store.StatsStore
	runs       RunManager
	validator  ValidatorRunner
	vector     VectorSearcher
	embedder   ports.Embedder
	connMgr    *events.ConnectionManager
	logger     *slog.Logger

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	DB         *database.Client
	Items      *store.ItemStore
	Categories *store.CategoryStore
	Queue      *store.QueueStore
	Stats      *store.StatsStore
	Runs       RunManager
	Validator  ValidatorRunner
	Vector     VectorSearcher
	Embedder   ports.Embedder
	ConnMgr    *events.ConnectionManager
	Logger     *slog.Logger
}

// NewServer creates the API server and its router.
func NewServer(deps Deps) *Server {
	return &Server{
		db:         deps.DB,
		items:      deps.Items,
		categories: deps.Categories,
		queue:      deps.Queue,
		stats:      deps.Stats,
		runs:       deps.Runs,
		validator:  deps.Validator,
		vector:     deps.Vector,
		embedder:   deps.Embedder,
		connMgr:    deps.ConnMgr,
		logger:     deps.Logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/items", s.listItemsHandler)
		v1.GET("/items/search", s.searchItemsHandler)
		v1.GET("/items/:id", s.getItemHandler)
		v1.POST("/items/:id/reprocess", s.reprocessItemHandler)

		v1.GET("/categories", s.listCategoriesHandler)

		v1.POST("/runs", s.startRunHandler)
		v1.GET("/runs", s.recentRunsHandler)
		v1.GET("/runs/:id/stats", s.runStatsHandler)
		v1.POST("/runs/:id/cancel", s.cancelRunHandler)

		v1.POST("/validator/run", s.runValidatorHandler)
	}

	router.GET("/ws", s.websocketHandler)
	return router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
