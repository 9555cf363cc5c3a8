// Package queue provides the durable worker pool that drains the item queue.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kbforge/kbforge/pkg/pipeline"
)

// Sentinel errors for queue operations.
var (
	// ErrNoItemsAvailable indicates no claimable items are in the queue.
	ErrNoItemsAvailable = errors.New("no items available")

	// ErrAtCapacity indicates the global concurrent item limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// ItemProcessor runs one claimed item through the content sub-phases.
// The processor owns the item's persisted state transitions: flags, retry
// scheduling, and the terminal queue status. The worker only handles
// claiming, the per-item timeout, the heartbeat, and claim release on
// interruption.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, taskID, itemID string) (*pipeline.Outcome, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveItems      int            `json:"active_items"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentItemID  string    `json:"current_item_id,omitempty"`
	ItemsProcessed int       `json:"items_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
