package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRegisterAndCancelItem(t *testing.T) {
	pool := &WorkerPool{
		activeItems: make(map[string]context.CancelFunc),
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.RegisterItem("item-1", cancel)

	// Cancel should succeed for a registered item
	assert.True(t, pool.CancelItem("item-1"))
	assert.Error(t, ctx.Err()) // Context should be cancelled

	// Cancel should return false for an unknown item
	assert.False(t, pool.CancelItem("unknown"))
}

func TestPoolUnregisterItem(t *testing.T) {
	pool := &WorkerPool{
		activeItems: make(map[string]context.CancelFunc),
	}

	_, cancel := context.WithCancel(context.Background())
	pool.RegisterItem("item-1", cancel)

	assert.True(t, pool.CancelItem("item-1"))

	pool.UnregisterItem("item-1")

	assert.False(t, pool.CancelItem("item-1"))
}

func TestPoolGetActiveItemIDs(t *testing.T) {
	pool := &WorkerPool{
		activeItems: make(map[string]context.CancelFunc),
	}

	assert.Empty(t, pool.getActiveItemIDs())

	_, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	pool.RegisterItem("item-a", cancel1)
	pool.RegisterItem("item-b", cancel2)

	ids := pool.getActiveItemIDs()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, "item-a")
	assert.Contains(t, ids, "item-b")
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	f := newQueueFixture(t)
	pool := NewWorkerPool("pod-a", f.queue, f.cfg, f.processor, f.logger)

	// First call should close the channel without panic.
	pool.Stop()

	// Second call must not panic (sync.Once guards the close).
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestPoolHealthReportsQueueDepth(t *testing.T) {
	f := newQueueFixture(t)
	f.seedItem(t, "i1")
	f.seedItem(t, "i2")

	pool := NewWorkerPool("pod-a", f.queue, f.cfg, f.processor, f.logger)
	health := pool.Health()

	assert.True(t, health.DBReachable)
	assert.Equal(t, 2, health.QueueDepth)
	assert.Zero(t, health.ActiveItems)
	assert.Equal(t, "pod-a", health.PodID)
	// No workers started yet.
	assert.False(t, health.IsHealthy)
	assert.Zero(t, health.TotalWorkers)
}
