package config

import (
	"runtime"
	"time"
)

// QueueConfig controls how items are polled, claimed, and processed by the
// worker pool.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per process.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentItems is the global limit of items being processed at
	// once, enforced by a database count check.
	MaxConcurrentItems int `yaml:"max_concurrent_items"`

	// BatchSize is the maximum number of items a worker claims per poll.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is the base interval for checking unprocessed items.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval:
	// actual = PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// ItemTimeout bounds processing of a single item through all sub-phases.
	ItemTimeout time.Duration `yaml:"item_timeout"`

	// HeartbeatInterval is how often a worker refreshes its claim.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// GracefulShutdownTimeout is the max wait for in-flight items on stop.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for stale claims.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a claim may go without a heartbeat before
	// the item is returned to the queue.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             min(runtime.NumCPU(), 4),
		MaxConcurrentItems:      8,
		BatchSize:               5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		ItemTimeout:             15 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		GracefulShutdownTimeout: 2 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
	}
}
