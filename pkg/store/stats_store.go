package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
)

// StatsStore persists per-phase metric samples and per-run totals.
type StatsStore struct {
	client *database.Client
}

// NewStatsStore creates a new StatsStore.
func NewStatsStore(client *database.Client) *StatsStore {
	return &StatsStore{client: client}
}

// AppendPhaseStat records one append-only metric sample.
func (s *StatsStore) AppendPhaseStat(ctx context.Context, stat *models.PhaseStat) error {
	if stat.RunID == "" {
		return NewValidationError("run_id", "required")
	}
	if stat.RecordedAt.IsZero() {
		stat.RecordedAt = database.Now()
	}
	_, err := s.client.DB().NamedExecContext(ctx, `
		INSERT INTO phase_stats (run_id, phase, metric_name, metric_value, unit,
			total_items, total_duration_seconds, avg_time_per_item_seconds, recorded_at)
		VALUES (:run_id, :phase, :metric_name, :metric_value, :unit,
			:total_items, :total_duration_seconds, :avg_time_per_item_seconds, :recorded_at)`, stat)
	if err != nil {
		return fmt.Errorf("failed to append phase stat: %w", err)
	}
	return nil
}

// PhaseStats returns all samples for a run ordered by recording time.
func (s *StatsStore) PhaseStats(ctx context.Context, runID string) ([]*models.PhaseStat, error) {
	var stats []*models.PhaseStat
	q := s.client.DB().Rebind(
		`SELECT * FROM phase_stats WHERE run_id = ? ORDER BY recorded_at ASC`)
	if err := s.client.DB().SelectContext(ctx, &stats, q, runID); err != nil {
		return nil, fmt.Errorf("failed to query phase stats: %w", err)
	}
	return stats, nil
}

// WriteRunStats upserts the totals record for a run. Derived rates are
// computed here so callers only fill the raw counters.
func (s *StatsStore) WriteRunStats(ctx context.Context, stats *models.RunStats) error {
	if stats.RunID == "" {
		return NewValidationError("run_id", "required")
	}
	if stats.Processed > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Processed) * 100
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Processed) * 100
		stats.AvgRetries = float64(stats.RetryCount) / float64(stats.Processed)
	}
	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(total) * 100
	}
	if stats.EndTime != nil {
		stats.DurationSecs = stats.EndTime.Sub(stats.StartTime).Seconds()
	}

	res, err := s.client.DB().NamedExecContext(ctx, `
		UPDATE run_stats SET
			processed = :processed, success = :success, error_count = :error_count,
			skipped = :skipped, media_processed = :media_processed,
			cache_hits = :cache_hits, cache_misses = :cache_misses,
			network_errors = :network_errors, retry_count = :retry_count,
			start_time = :start_time, end_time = :end_time,
			duration_seconds = :duration_seconds, success_rate = :success_rate,
			error_rate = :error_rate, cache_hit_rate = :cache_hit_rate,
			avg_retries = :avg_retries
		WHERE run_id = :run_id`, stats)
	if err != nil {
		return fmt.Errorf("failed to update run stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.client.DB().NamedExecContext(ctx, `
		INSERT INTO run_stats (run_id, processed, success, error_count, skipped,
			media_processed, cache_hits, cache_misses, network_errors, retry_count,
			start_time, end_time, duration_seconds, success_rate, error_rate,
			cache_hit_rate, avg_retries)
		VALUES (:run_id, :processed, :success, :error_count, :skipped,
			:media_processed, :cache_hits, :cache_misses, :network_errors, :retry_count,
			:start_time, :end_time, :duration_seconds, :success_rate, :error_rate,
			:cache_hit_rate, :avg_retries)`, stats)
	if err != nil {
		return fmt.Errorf("failed to insert run stats: %w", err)
	}
	return nil
}

// RunStats fetches the totals record for one run.
func (s *StatsStore) RunStats(ctx context.Context, runID string) (*models.RunStats, error) {
	var stats models.RunStats
	q := s.client.DB().Rebind(`SELECT * FROM run_stats WHERE run_id = ?`)
	if err := s.client.DB().GetContext(ctx, &stats, q, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}
	return &stats, nil
}

// RecentRuns lists the most recent run totals, newest first.
func (s *StatsStore) RecentRuns(ctx context.Context, limit int) ([]*models.RunStats, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []*models.RunStats
	q := fmt.Sprintf(`SELECT * FROM run_stats ORDER BY start_time DESC LIMIT %d`, limit)
	if err := s.client.DB().SelectContext(ctx, &runs, q); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
