package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/store"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for items stuck in processing.
// All pods run this independently; the recovery update is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				p.logger.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans returns claims with stale heartbeats to the queue.
// An orphaned item is not terminal: the sub-phase flags record exactly where
// it stopped, so re-running it resumes from the first incomplete sub-phase.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	staleBefore := time.Now().Add(-p.config.OrphanThreshold)

	recovered, err := p.queue.RecoverOrphans(ctx, staleBefore, nil)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned items: %w", err)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	if recovered > 0 {
		p.logger.Warn("Recovered orphaned items", "count", recovered)
	}
	return nil
}

// RecoverStartupOrphans performs a one-time cleanup of claims held by this
// pod's workers before it previously crashed. Called once during startup,
// before the worker pool begins processing.
func RecoverStartupOrphans(ctx context.Context, queue *store.QueueStore, podID string, logger *slog.Logger) error {
	rows, err := queue.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	var stale []string
	for _, row := range rows {
		if row.Status != models.QueueStatusProcessing || row.ClaimedBy == nil {
			continue
		}
		if strings.HasPrefix(*row.ClaimedBy, podID+"-worker-") {
			stale = append(stale, row.ItemID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	logger.Warn("Found startup orphans from previous run",
		"pod_id", podID,
		"count", len(stale))

	if err := queue.ResetForRetry(ctx, stale); err != nil {
		return fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	for _, id := range stale {
		logger.Info("Startup orphan recovered", "item_id", id)
	}
	return nil
}
