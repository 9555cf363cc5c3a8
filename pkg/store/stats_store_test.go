package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/pkg/models"
)

func TestStatsStore_AppendAndReadPhaseStats(t *testing.T) {
	client := newTestClient(t)
	store := NewStatsStore(client)
	ctx := context.Background()

	require.NoError(t, store.AppendPhaseStat(ctx, &models.PhaseStat{
		RunID:       "run-1",
		Phase:       "content_processing",
		MetricName:  "items_processed",
		MetricValue: 12,
		TotalItems:  12,
	}))
	require.NoError(t, store.AppendPhaseStat(ctx, &models.PhaseStat{
		RunID:       "run-1",
		Phase:       "content_processing",
		MetricName:  "duration",
		MetricValue: 3.5,
		Unit:        "seconds",
	}))
	require.NoError(t, store.AppendPhaseStat(ctx, &models.PhaseStat{
		RunID:      "run-2",
		Phase:      "git_sync",
		MetricName: "items_processed",
	}))

	stats, err := store.PhaseStats(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "items_processed", stats[0].MetricName)
	assert.False(t, stats[0].RecordedAt.IsZero())

	err = store.AppendPhaseStat(ctx, &models.PhaseStat{Phase: "x"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStatsStore_WriteRunStatsDerivesRates(t *testing.T) {
	client := newTestClient(t)
	store := NewStatsStore(client)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	end := start.Add(30 * time.Second)
	stats := &models.RunStats{
		RunID:       "run-1",
		Processed:   10,
		Success:     8,
		Errors:      2,
		CacheHits:   6,
		CacheMisses: 2,
		RetryCount:  5,
		StartTime:   start,
		EndTime:     &end,
	}
	require.NoError(t, store.WriteRunStats(ctx, stats))

	got, err := store.RunStats(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 80.0, got.SuccessRate, 0.001)
	assert.InDelta(t, 20.0, got.ErrorRate, 0.001)
	assert.InDelta(t, 75.0, got.CacheHitRate, 0.001)
	assert.InDelta(t, 0.5, got.AvgRetries, 0.001)
	assert.InDelta(t, 30.0, got.DurationSecs, 0.001)
}

func TestStatsStore_WriteRunStatsUpserts(t *testing.T) {
	client := newTestClient(t)
	store := NewStatsStore(client)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.WriteRunStats(ctx, &models.RunStats{
		RunID: "run-1", Processed: 1, Success: 1, StartTime: start,
	}))
	require.NoError(t, store.WriteRunStats(ctx, &models.RunStats{
		RunID: "run-1", Processed: 4, Success: 3, Errors: 1, StartTime: start,
	}))

	got, err := store.RunStats(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 3, got.Success)
}

func TestStatsStore_RecentRuns(t *testing.T) {
	client := newTestClient(t)
	store := NewStatsStore(client)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.WriteRunStats(ctx, &models.RunStats{
			RunID:     id,
			StartTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "mid", runs[1].RunID)

	_, err = store.RunStats(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
