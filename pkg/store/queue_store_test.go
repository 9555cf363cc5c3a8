package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/models"
)

// seedQueue creates an item and its queue row.
func seedQueue(t *testing.T, items *ItemStore, queue *QueueStore, id string, priority int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, items.Create(ctx, newTestItem(id)))
	require.NoError(t, queue.Create(ctx, &models.QueueRow{ItemID: id, Priority: priority}))
}

func TestQueueStore_CreateAndGet(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "q1", 0)

	row, err := queue.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusUnprocessed, row.Status)
	assert.Zero(t, row.RetryCount)
	assert.Nil(t, row.ClaimedBy)

	err = queue.Create(ctx, &models.QueueRow{ItemID: "q1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = queue.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueStore_NextForProcessingOrder(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "low-old", 0)
	time.Sleep(2 * time.Millisecond)
	seedQueue(t, items, queue, "low-new", 0)
	time.Sleep(2 * time.Millisecond)
	seedQueue(t, items, queue, "high", 5)

	rows, err := queue.NextForProcessing(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "high", rows[0].ItemID, "highest priority first")
	assert.Equal(t, "low-old", rows[1].ItemID, "then oldest within a priority")
	assert.Equal(t, "low-new", rows[2].ItemID)
}

func TestQueueStore_NextForProcessingSkipsScheduledRetries(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "ready", 0)
	seedQueue(t, items, queue, "backoff", 0)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, items.Update(ctx, "backoff", ItemPatch{NextRetryAfter: nullableTime(future)}))

	rows, err := queue.NextForProcessing(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ready", rows[0].ItemID)
}

func TestQueueStore_MarkProcessingClaimsOnce(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "c1", 0)
	seedQueue(t, items, queue, "c2", 0)

	claimed, err := queue.MarkProcessing(ctx, []string{"c1", "c2"}, "cp_cache", "worker-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, claimed)

	row, err := queue.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusProcessing, row.Status)
	require.NotNil(t, row.ClaimedBy)
	assert.Equal(t, "worker-1", *row.ClaimedBy)
	assert.NotNil(t, row.LastHeartbeatAt)

	// A second claimer gets nothing.
	claimed, err = queue.MarkProcessing(ctx, []string{"c1", "c2"}, "cp_cache", "worker-2")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestQueueStore_UpdateStatus(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "u1", 0)
	_, err := queue.MarkProcessing(ctx, []string{"u1"}, "cp_cache", "worker-1")
	require.NoError(t, err)

	require.NoError(t, queue.UpdateStatus(ctx, "u1", models.QueueStatusFailed, "cp_cache", "fetch timed out", true))

	row, err := queue.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, "fetch timed out", row.LastError)
	assert.Nil(t, row.ClaimedBy, "claim cleared on leaving processing")
	assert.Nil(t, row.LastHeartbeatAt)

	require.NoError(t, queue.UpdateStatus(ctx, "u1", models.QueueStatusProcessed, "", "", false))
	row, err = queue.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusProcessed, row.Status)
	assert.NotNil(t, row.ProcessedAt)

	err = queue.UpdateStatus(ctx, "ghost", models.QueueStatusProcessed, "", "", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueStore_FailedAndResetForRetry(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "f1", 0)
	seedQueue(t, items, queue, "f2", 0)

	require.NoError(t, queue.UpdateStatus(ctx, "f1", models.QueueStatusFailed, "", "boom", true))
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.UpdateStatus(ctx, "f2", models.QueueStatusFailed, "", "boom", true))
	}

	rows, err := queue.GetFailed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1, "f2 exhausted its retry budget")
	assert.Equal(t, "f1", rows[0].ItemID)

	require.NoError(t, queue.ResetForRetry(ctx, []string{"f1"}))
	row, err := queue.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusUnprocessed, row.Status)
	assert.Empty(t, row.LastError)
	assert.Equal(t, 1, row.RetryCount, "retry count survives the reset")
}

func TestQueueStore_HeartbeatAndOrphanRecovery(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "h1", 0)
	seedQueue(t, items, queue, "h2", 0)
	_, err := queue.MarkProcessing(ctx, []string{"h1", "h2"}, "cp_cache", "worker-1")
	require.NoError(t, err)

	// Fresh heartbeats keep claims alive.
	require.NoError(t, queue.Heartbeat(ctx, []string{"h1", "h2"}, "worker-1"))
	n, err := queue.RecoverOrphans(ctx, time.Now().UTC().Add(-time.Minute), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A stale-before cutoff in the future makes both claims look dead.
	n, err = queue.RecoverOrphans(ctx, time.Now().UTC().Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, err := queue.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusUnprocessed, row.Status)
	assert.Nil(t, row.ClaimedBy)
}

func TestQueueStore_RecoverOrphansByWorker(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "w1", 0)
	seedQueue(t, items, queue, "w2", 0)
	_, err := queue.MarkProcessing(ctx, []string{"w1"}, "cp_cache", "worker-1")
	require.NoError(t, err)
	_, err = queue.MarkProcessing(ctx, []string{"w2"}, "cp_cache", "worker-2")
	require.NoError(t, err)

	// Startup cleanup recovers worker-1's claims regardless of heartbeat age.
	worker := "worker-1"
	n, err := queue.RecoverOrphans(ctx, time.Now().UTC().Add(-time.Hour), &worker)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := queue.Get(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusProcessing, row.Status)
}

func TestQueueStore_CountByStatus(t *testing.T) {
	client := newTestClient(t)
	items := NewItemStore(client)
	queue := NewQueueStore(client)
	ctx := context.Background()

	seedQueue(t, items, queue, "s1", 0)
	seedQueue(t, items, queue, "s2", 0)
	seedQueue(t, items, queue, "s3", 0)
	require.NoError(t, queue.UpdateStatus(ctx, "s2", models.QueueStatusProcessed, "", "", false))
	require.NoError(t, queue.UpdateStatus(ctx, "s3", models.QueueStatusFailed, "", "x", false))

	counts, err := queue.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueueStatusUnprocessed])
	assert.Equal(t, 1, counts[models.QueueStatusProcessed])
	assert.Equal(t, 1, counts[models.QueueStatusFailed])
}
