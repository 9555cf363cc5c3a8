package config

import "fmt"

// validate checks the merged configuration for internal consistency.
func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			return NewValidationError("database", "path", ErrMissingRequiredField)
		}
	case DriverPostgres:
		if cfg.Database.Host == "" {
			return NewValidationError("database", "host", ErrMissingRequiredField)
		}
		if cfg.Database.Database == "" {
			return NewValidationError("database", "database", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("database", "driver",
			fmt.Errorf("%w: %q (want sqlite or postgres)", ErrInvalidValue, cfg.Database.Driver))
	}

	if cfg.Queue.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Queue.BatchSize < 1 {
		return NewValidationError("queue", "batch_size",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Queue.HeartbeatInterval >= cfg.Queue.OrphanThreshold {
		return NewValidationError("queue", "heartbeat_interval",
			fmt.Errorf("%w: must be shorter than orphan_threshold", ErrInvalidValue))
	}

	if cfg.Pipeline.RetryBaseBackoff > cfg.Pipeline.RetryMaxBackoff {
		return NewValidationError("pipeline", "retry_base_backoff",
			fmt.Errorf("%w: exceeds retry_max_backoff", ErrInvalidValue))
	}
	if cfg.Pipeline.RetryMaxAttempts < 1 {
		return NewValidationError("pipeline", "retry_max_attempts",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}

	if cfg.Events.MaxBatchSize < 1 {
		return NewValidationError("events", "max_batch_size",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Events.BufferSize < 1 {
		return NewValidationError("events", "buffer_size",
			fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}

	if cfg.KnowledgeBase.Dir == "" {
		return NewValidationError("knowledge_base", "dir", ErrMissingRequiredField)
	}
	return nil
}
