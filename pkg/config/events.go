package config

import "time"

// EventsConfig controls the event bus: broker connection, producer buffering,
// ingestor rate limiting, batching, and health probing.
type EventsConfig struct {
	// BrokerAddr is the Redis address (host:port).
	BrokerAddr string `yaml:"broker_addr"`

	// BrokerPasswordEnv names the env var holding the broker password.
	BrokerPasswordEnv string `yaml:"broker_password_env"`

	// BrokerDB is the Redis logical database.
	BrokerDB int `yaml:"broker_db"`

	// PublishTimeout bounds a single publish attempt before the event is
	// buffered instead.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// BufferSize is the producer ring-buffer capacity per channel.
	// Overflow evicts the oldest buffered event.
	BufferSize int `yaml:"buffer_size"`

	// CatchupListMax caps the per-channel Redis catch-up list length.
	CatchupListMax int64 `yaml:"catchup_list_max"`

	// Ingestor rate limiting (token bucket per process).
	MaxEventsPerSecond int `yaml:"max_events_per_second"`
	MaxEventsPerMinute int `yaml:"max_events_per_minute"`
	BurstAllowance     int `yaml:"burst_allowance"`

	// Batching: events of the same outbound name within MaxBatchAge or
	// MaxBatchSize entries are delivered as one array payload.
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxBatchAge  time.Duration `yaml:"max_batch_age"`

	// Health probing and reconnect policy.
	HealthProbeInterval  time.Duration `yaml:"health_probe_interval"`
	FailuresBeforeBuffer int           `yaml:"failures_before_buffer"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	// WSWriteTimeout bounds a single WebSocket send.
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		BrokerAddr:           "localhost:6379",
		BrokerPasswordEnv:    "KBFORGE_BROKER_PASSWORD",
		PublishTimeout:       2 * time.Second,
		BufferSize:           1000,
		CatchupListMax:       1000,
		MaxEventsPerSecond:   50,
		MaxEventsPerMinute:   1000,
		BurstAllowance:       10,
		MaxBatchSize:         10,
		MaxBatchAge:          1 * time.Second,
		HealthProbeInterval:  30 * time.Second,
		FailuresBeforeBuffer: 3,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		ReconnectMaxAttempts: 10,
		WSWriteTimeout:       10 * time.Second,
	}
}
