package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kbforge/kbforge/pkg/config"
)

// HealthMonitor probes broker liveness on an interval. After a run of
// consecutive probe failures it reports unhealthy and enters a reconnect
// loop with exponential backoff; when a probe succeeds again it reports
// healthy and resets its counters.
type HealthMonitor struct {
	broker Broker
	cfg    *config.EventsConfig
	logger *slog.Logger

	// onStateChange receives health transitions (typically Emitter.SetHealthy
	// plus the ingestor's buffered-mode switch).
	onStateChange func(healthy bool)

	reconnections atomic.Int64
}

// NewHealthMonitor creates a HealthMonitor. onStateChange may be nil.
func NewHealthMonitor(broker Broker, cfg *config.EventsConfig, onStateChange func(bool), logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		broker:        broker,
		cfg:           cfg,
		logger:        logger.With("component", "broker_health"),
		onStateChange: onStateChange,
	}
}

// Reconnections reports how many successful reconnects have happened.
func (h *HealthMonitor) Reconnections() int64 {
	return h.reconnections.Load()
}

// Run probes until the context ends. Blocks; run in a goroutine.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HealthProbeInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := h.probe(ctx); err != nil {
			failures++
			h.logger.Warn("broker probe failed",
				"consecutive_failures", failures, "error", err)
			if failures >= h.cfg.FailuresBeforeBuffer {
				h.notify(false)
				if h.reconnect(ctx) {
					h.notify(true)
					failures = 0
				}
			}
			continue
		}
		failures = 0
	}
}

func (h *HealthMonitor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.PublishTimeout)
	defer cancel()
	return h.broker.Ping(probeCtx)
}

// reconnect retries the probe with exponential backoff (base delay doubling
// per attempt, jittered, capped) up to the attempt budget. Reports whether
// the broker came back.
func (h *HealthMonitor) reconnect(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.cfg.ReconnectBaseDelay
	policy.MaxInterval = h.cfg.ReconnectMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 1; attempt <= h.cfg.ReconnectMaxAttempts; attempt++ {
		wait := policy.NextBackOff()
		h.logger.Info("broker reconnect scheduled",
			"attempt", attempt, "max_attempts", h.cfg.ReconnectMaxAttempts, "wait", wait)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		if err := h.probe(ctx); err != nil {
			h.logger.Warn("broker reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		h.reconnections.Add(1)
		h.logger.Info("broker reconnected", "attempt", attempt)
		return true
	}
	h.logger.Error("broker reconnect attempts exhausted",
		"attempts", h.cfg.ReconnectMaxAttempts)
	return false
}

func (h *HealthMonitor) notify(healthy bool) {
	if h.onStateChange != nil {
		h.onStateChange(healthy)
	}
}
