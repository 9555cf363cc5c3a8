// kbforge server — provides the HTTP API, manages queue workers, and
// orchestrates knowledge-base pipeline runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kbforge/kbforge/pkg/api"
	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/events"
	"github.com/kbforge/kbforge/pkg/llm"
	"github.com/kbforge/kbforge/pkg/pipeline"
	"github.com/kbforge/kbforge/pkg/ports"
	"github.com/kbforge/kbforge/pkg/queue"
	"github.com/kbforge/kbforge/pkg/render"
	"github.com/kbforge/kbforge/pkg/store"
	"github.com/kbforge/kbforge/pkg/validator"
	"github.com/kbforge/kbforge/pkg/vector"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting kbforge",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()
	logger := slog.Default()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database and stores
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "driver", cfg.Database.Driver)

	items := store.NewItemStore(dbClient)
	categories := store.NewCategoryStore(dbClient)
	queueStore := store.NewQueueStore(dbClient)
	stats := store.NewStatsStore(dbClient)

	// 3. One-time startup orphan cleanup
	if err := queue.RecoverStartupOrphans(ctx, queueStore, podID, logger); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
		// Non-fatal — continue
	}

	// Background services stop when this context is cancelled at shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	// 4. Event streaming infrastructure
	broker := events.NewRedisBroker(cfg.Events)
	emitter := events.NewEmitter(broker, cfg.Events, logger)

	healthMonitor := events.NewHealthMonitor(broker, cfg.Events, emitter.SetHealthy, logger)
	go healthMonitor.Run(bgCtx)

	connManager := events.NewConnectionManager(events.NewTopicCatchup(broker), cfg.Events.WSWriteTimeout)
	ingestor := events.NewIngestor(broker, connManager, cfg.Events, logger)
	go func() {
		if err := ingestor.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			slog.Error("Event ingestor exited", "error", err)
		}
	}()
	slog.Info("Streaming infrastructure initialized", "broker", cfg.Events.BrokerAddr)

	// 5. Capability ports
	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	renderer, err := render.New()
	if err != nil {
		slog.Error("Failed to initialize renderer", "error", err)
		os.Exit(1)
	}

	var vectorIndex *vector.Store
	if cfg.Vector.Enabled {
		// grpc.NewClient dials lazily; EnsureCollection is the first real RPC.
		vectorIndex, err = vector.New(cfg.Vector)
		if err != nil {
			slog.Error("Failed to initialize vector store", "addr", cfg.Vector.Addr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := vectorIndex.Close(); err != nil {
				slog.Error("Error closing vector store", "error", err)
			}
		}()
		if err := vectorIndex.EnsureCollection(ctx); err != nil {
			slog.Error("Failed to ensure vector collection", "error", err)
			os.Exit(1)
		}
		slog.Info("Vector store initialized",
			"addr", cfg.Vector.Addr, "collection", cfg.Vector.Collection)
	}

	embedder := llm.NewLocalEmbedder(cfg.Vector.Dimensions)

	kb := cfg.KnowledgeBase
	pipelineStores := pipeline.Stores{
		Items:      items,
		Queue:      queueStore,
		Categories: categories,
		Stats:      stats,
	}
	pipelinePorts := pipeline.Ports{
		Fetcher:   ports.NewDirFetcher(kb.InboxDir, logger),
		Media:     ports.NewDiskMediaStore(kb.MediaCacheDir, cfg.Pipeline.MediaTimeout, logger),
		Vision:    llmClient,
		LLM:       llmClient,
		Embedder:  embedder,
		Renderer:  renderer,
		Publisher: ports.NewGitPublisher(kb.Dir, kb.GitRemote, kb.GitBranch, kb.GitPush, logger),
	}
	if vectorIndex != nil {
		pipelinePorts.Vector = vectorIndex
	}

	// 6. Pipeline orchestration and worker pool (before HTTP server)
	processor := pipeline.NewItemProcessor(cfg, pipelineStores, pipelinePorts, emitter, logger)
	orchestrator := pipeline.NewOrchestrator(cfg, pipelineStores, pipelinePorts, emitter, processor, logger)

	workerPool := queue.NewWorkerPool(podID, queueStore, cfg.Queue, processor, logger)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	val := validator.New(items, queueStore, categories, kb.Dir, logger)

	// 7. HTTP server (non-blocking)
	apiDeps := api.Deps{
		DB:         dbClient,
		Items:      items,
		Categories: categories,
		Queue:      queueStore,
		Stats:      stats,
		Runs:       orchestrator,
		Validator:  val,
		Embedder:   embedder,
		ConnMgr:    connManager,
		Logger:     logger,
	}
	if vectorIndex != nil {
		apiDeps.Vector = vectorIndex
	}
	httpServer := api.NewServer(apiDeps)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("kbforge started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"kb_dir", kb.Dir)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: workers first, then event plumbing, then HTTP.
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete items will be orphan-recovered")
	}

	bgCancel()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
