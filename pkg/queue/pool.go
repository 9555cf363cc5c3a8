package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/store"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID     string
	queue     *store.QueueStore
	config    *config.QueueConfig
	processor ItemProcessor
	logger    *slog.Logger
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Item cancel registry: item_id → cancel function
	activeItems map[string]context.CancelFunc
	mu          sync.RWMutex
	started     bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, queue *store.QueueStore, cfg *config.QueueConfig, processor ItemProcessor, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		podID:       podID,
		queue:       queue,
		config:      cfg,
		processor:   processor,
		logger:      logger.With("component", "worker_pool", "pod_id", podID),
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeItems: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	p.logger.Info("Starting worker pool", "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.queue, p.config, p.processor, p, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Start orphan detection
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	p.logger.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish, up to the
// graceful shutdown timeout. Workers finish their current items before
// exiting.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	active := p.getActiveItemIDs()
	if len(active) > 0 {
		p.logger.Info("Waiting for active items to complete",
			"count", len(active),
			"item_ids", active)
	}

	done := make(chan struct{})
	go func() {
		// Signal all workers to stop (they finish current items)
		for _, worker := range p.workers {
			worker.Stop()
		}
		// Signal orphan detection to stop
		p.stopOnce.Do(func() { close(p.stopCh) })
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		// Cancel whatever is still running; the orphan scanner on the next
		// start will recover any claims this abandons.
		p.logger.Warn("Graceful shutdown timed out, cancelling in-flight items",
			"timeout", p.config.GracefulShutdownTimeout)
		p.mu.RLock()
		for _, cancel := range p.activeItems {
			cancel()
		}
		p.mu.RUnlock()
		<-done
		p.logger.Info("Worker pool stopped after forced cancellation")
	}
}

// RegisterItem stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterItem(itemID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeItems[itemID] = cancel
}

// UnregisterItem removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterItem(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeItems, itemID)
}

// CancelItem triggers context cancellation for an item on this pod.
// Returns true if the item was found and cancelled on this pod.
func (p *WorkerPool) CancelItem(itemID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeItems[itemID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	counts, errC := p.queue.CountByStatus(ctx)
	if errC != nil {
		p.logger.Error("Failed to query queue counts for health check", "error", errC)
	}
	queueDepth := counts[models.QueueStatusUnprocessed]
	activeItems := counts[models.QueueStatusProcessing]

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status: if we can't reach the DB, we're not healthy.
	dbHealthy := errC == nil
	isHealthy := len(p.workers) > 0 && activeItems <= p.config.MaxConcurrentItems && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		dbError = fmt.Sprintf("queue count query failed: %v", errC)
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveItems:      activeItems,
		MaxConcurrent:    p.config.MaxConcurrentItems,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// getActiveItemIDs returns IDs of currently processing items (for logging).
func (p *WorkerPool) getActiveItemIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	items := make([]string, 0, len(p.activeItems))
	for id := range p.activeItems {
		items = append(items, id)
	}
	return items
}
