package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/config"
)

func TestHealthMonitor_OutageAndRecovery(t *testing.T) {
	cfg := config.DefaultEventsConfig()
	cfg.HealthProbeInterval = 10 * time.Millisecond
	cfg.PublishTimeout = 50 * time.Millisecond
	cfg.FailuresBeforeBuffer = 2
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.ReconnectMaxAttempts = 20

	broker := newFakeBroker()

	var mu sync.Mutex
	var transitions []bool
	monitor := NewHealthMonitor(broker, cfg, func(healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Run(ctx)
	}()

	broker.setFailing(true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 1 && !transitions[0]
	}, 2*time.Second, 5*time.Millisecond, "unhealthy after consecutive probe failures")

	broker.setFailing(false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2 && transitions[len(transitions)-1]
	}, 2*time.Second, 5*time.Millisecond, "healthy again after reconnect")

	assert.GreaterOrEqual(t, monitor.Reconnections(), int64(1))

	cancel()
	<-done
}

func TestHealthMonitor_ReconnectGivesUpAfterBudget(t *testing.T) {
	cfg := config.DefaultEventsConfig()
	cfg.PublishTimeout = 10 * time.Millisecond
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 2 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3

	broker := newFakeBroker()
	broker.setFailing(true)
	monitor := NewHealthMonitor(broker, cfg, nil, discardLogger())

	assert.False(t, monitor.reconnect(context.Background()))
	assert.Zero(t, monitor.Reconnections())
}
