package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/pipeline"
	"github.com/kbforge/kbforge/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes items.
type Worker struct {
	id        string
	podID     string
	queue     *store.QueueStore
	config    *config.QueueConfig
	processor ItemProcessor
	pool      ItemRegistry
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentItemID  string
	itemsProcessed int
	lastActivity   time.Time
}

// ItemRegistry is the subset of WorkerPool used by Worker for item registration.
type ItemRegistry interface {
	RegisterItem(itemID string, cancel context.CancelFunc)
	UnregisterItem(itemID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, queue *store.QueueStore, cfg *config.QueueConfig, processor ItemProcessor, pool ItemRegistry, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		queue:        queue,
		config:       cfg,
		processor:    processor,
		pool:         pool,
		logger:       logger.With("worker_id", id, "pod_id", podID),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentItemID:  w.currentItemID,
		ItemsProcessed: w.itemsProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoItemsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				w.logger.Error("Error processing batch", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a batch, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	counts, err := w.queue.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("checking active items: %w", err)
	}
	if counts[models.QueueStatusProcessing] >= w.config.MaxConcurrentItems {
		return ErrAtCapacity
	}

	// 2. Claim the next batch. Rows whose retry schedule has not elapsed are
	// skipped by the store; rows grabbed by a concurrent worker first are
	// dropped from the claim result.
	rows, err := w.queue.NextForProcessing(ctx, w.config.BatchSize, "")
	if err != nil {
		return fmt.Errorf("polling queue: %w", err)
	}
	if len(rows) == 0 {
		return ErrNoItemsAvailable
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ItemID)
	}
	claimed, err := w.queue.MarkProcessing(ctx, ids, models.PhaseContentProcessing, w.id)
	if err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}
	if len(claimed) == 0 {
		return ErrNoItemsAvailable
	}

	w.logger.Info("Batch claimed", "count", len(claimed))
	for _, itemID := range claimed {
		select {
		case <-w.stopCh:
			// Shutting down: return the unstarted remainder of the batch.
			w.releaseClaim(itemID)
			continue
		default:
		}
		w.processOne(ctx, itemID)
	}
	return nil
}

// processOne runs a single claimed item with a timeout and heartbeat.
func (w *Worker) processOne(ctx context.Context, itemID string) {
	log := w.logger.With("item_id", itemID)

	w.setStatus(WorkerStatusWorking, itemID)
	defer w.setStatus(WorkerStatusIdle, "")

	itemCtx, cancelItem := context.WithTimeout(ctx, w.config.ItemTimeout)
	defer cancelItem()

	// Register cancel function for API-triggered cancellation.
	w.pool.RegisterItem(itemID, cancelItem)
	defer w.pool.UnregisterItem(itemID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(itemCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, itemID)

	out, err := w.processor.ProcessItem(itemCtx, w.id, itemID)
	cancelHeartbeat()

	if err != nil {
		// Store-level failure: the item state is unknown, so give the claim
		// back and let the next poll retry (use a fresh context — itemCtx may
		// be cancelled).
		log.Error("Item processing failed", "error", err)
		w.releaseClaim(itemID)
		return
	}

	switch out.Status {
	case pipeline.OutcomeInterrupted:
		// Timeout or shutdown mid-item: the processor left the row claimed.
		w.releaseClaim(itemID)
		log.Warn("Item interrupted, claim released", "sub_phase", out.SubPhase)
	case pipeline.OutcomeRetry:
		log.Info("Item scheduled for retry", "sub_phase", out.SubPhase, "error", out.Err)
	case pipeline.OutcomeFailed:
		log.Warn("Item failed", "sub_phase", out.SubPhase, "error", out.Err)
	default:
		log.Info("Item processed", "status", out.Status, "cache_hit", out.CacheHit)
	}

	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()
}

// releaseClaim returns a claimed row to unprocessed so another worker can
// pick it up.
func (w *Worker) releaseClaim(itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.queue.ResetForRetry(ctx, []string{itemID}); err != nil {
		w.logger.Error("Failed to release claim", "item_id", itemID, "error", err)
	}
}

// runHeartbeat periodically refreshes the claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, itemID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, []string{itemID}, w.id); err != nil {
				w.logger.Warn("Heartbeat update failed", "item_id", itemID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentItemID = itemID
	w.lastActivity = time.Now()
}
