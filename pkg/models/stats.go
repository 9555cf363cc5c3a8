package models

import "time"

// PhaseStat is one append-only per-phase metric sample for a run.
type PhaseStat struct {
	RunID              string    `db:"run_id" json:"run_id"`
	Phase              string    `db:"phase" json:"phase"`
	MetricName         string    `db:"metric_name" json:"metric_name"`
	MetricValue        float64   `db:"metric_value" json:"metric_value"`
	Unit               string    `db:"unit" json:"unit,omitempty"`
	TotalItems         int       `db:"total_items" json:"total_items"`
	TotalDurationSecs  float64   `db:"total_duration_seconds" json:"total_duration_seconds"`
	AvgTimePerItemSecs float64   `db:"avg_time_per_item_seconds" json:"avg_time_per_item_seconds"`
	RecordedAt         time.Time `db:"recorded_at" json:"recorded_at"`
}

// RunStats is the per-run totals record, written once when a run finishes.
type RunStats struct {
	RunID          string     `db:"run_id" json:"run_id"`
	Processed      int        `db:"processed" json:"processed"`
	Success        int        `db:"success" json:"success"`
	Errors         int        `db:"error_count" json:"error_count"`
	Skipped        int        `db:"skipped" json:"skipped"`
	MediaProcessed int        `db:"media_processed" json:"media_processed"`
	CacheHits      int        `db:"cache_hits" json:"cache_hits"`
	CacheMisses    int        `db:"cache_misses" json:"cache_misses"`
	NetworkErrors  int        `db:"network_errors" json:"network_errors"`
	RetryCount     int        `db:"retry_count" json:"retry_count"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	EndTime        *time.Time `db:"end_time" json:"end_time,omitempty"`
	DurationSecs   float64    `db:"duration_seconds" json:"duration_seconds"`
	SuccessRate    float64    `db:"success_rate" json:"success_rate"`
	ErrorRate      float64    `db:"error_rate" json:"error_rate"`
	CacheHitRate   float64    `db:"cache_hit_rate" json:"cache_hit_rate"`
	AvgRetries     float64    `db:"avg_retries" json:"avg_retries"`
}
