// Package validator sweeps the item, queue, and category stores together with
// the knowledge-base tree, reporting integrity issues and optionally repairing
// them in place.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kbforge/kbforge/pkg/store"
)

// HealthStatus buckets the overall health score.
type HealthStatus string

// Health statuses, ordered best to worst.
const (
	HealthExcellent HealthStatus = "EXCELLENT"
	HealthGood      HealthStatus = "GOOD"
	HealthFair      HealthStatus = "FAIR"
	HealthPoor      HealthStatus = "POOR"
	HealthCritical  HealthStatus = "CRITICAL"
)

// CheckResult is the outcome of one integrity check.
type CheckResult struct {
	Name         string         `json:"name"`
	IsValid      bool           `json:"is_valid"`
	IssueCount   int            `json:"issue_count"`
	Issues       []string       `json:"issues,omitempty"`
	FixesApplied int            `json:"fixes_applied"`
	Duration     time.Duration  `json:"duration"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Report aggregates all check results plus the derived health score.
type Report struct {
	Results      []*CheckResult `json:"results"`
	ChecksPassed int            `json:"checks_passed"`
	ChecksTotal  int            `json:"checks_total"`
	IssueCount   int            `json:"issue_count"`
	FixesApplied int            `json:"fixes_applied"`
	HealthScore  float64        `json:"health_score"`
	Status       HealthStatus   `json:"status"`
	AutoFix      bool           `json:"auto_fix"`
	RanAt        time.Time      `json:"ran_at"`
	Duration     time.Duration  `json:"duration"`
}

// Validator runs the integrity checks.
type Validator struct {
	items      *store.ItemStore
	queue      *store.QueueStore
	categories *store.CategoryStore
	kbRoot     string
	logger     *slog.Logger
}

// New creates a Validator. kbRoot is the knowledge-base directory the
// filesystem check resolves kb_file_path against.
func New(items *store.ItemStore, queue *store.QueueStore, categories *store.CategoryStore, kbRoot string, logger *slog.Logger) *Validator {
	return &Validator{
		items:      items,
		queue:      queue,
		categories: categories,
		kbRoot:     kbRoot,
		logger:     logger.With("component", "validator"),
	}
}

// Run executes every check against a single snapshot of the stores. All
// checks evaluate the same snapshot, so one sweep reports every issue the
// data had when the sweep started even when an earlier check already repaired
// the row. Repairs are idempotent: a second sweep finds nothing to fix.
func (v *Validator) Run(ctx context.Context, autoFix bool) (*Report, error) {
	started := time.Now()

	snap, err := v.loadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation snapshot: %w", err)
	}

	checks := []struct {
		name string
		fn   func(context.Context, *snapshot, bool) (*CheckResult, error)
	}{
		{"database_integrity", v.checkDatabaseIntegrity},
		{"processing_flags", v.checkFlagConsistency},
		{"queue_consistency", v.checkQueueConsistency},
		{"category_integrity", v.checkCategoryIntegrity},
		{"filesystem_consistency", v.checkFilesystemConsistency},
		{"content_completeness", v.checkContentCompleteness},
		{"retry_metadata", v.checkRetryMetadata},
		{"temporal_consistency", v.checkTemporalConsistency},
		{"cross_references", v.checkCrossReferences},
	}

	report := &Report{
		ChecksTotal: len(checks),
		AutoFix:     autoFix,
		RanAt:       started.UTC(),
	}
	for _, c := range checks {
		checkStart := time.Now()
		result, err := c.fn(ctx, snap, autoFix)
		if err != nil {
			return nil, fmt.Errorf("check %s failed: %w", c.name, err)
		}
		result.Name = c.name
		result.Duration = time.Since(checkStart)
		result.IsValid = result.IssueCount == 0

		if result.IsValid {
			report.ChecksPassed++
		} else {
			v.logger.Warn("integrity check found issues",
				"check", c.name,
				"issues", result.IssueCount,
				"fixes", result.FixesApplied)
		}
		report.IssueCount += result.IssueCount
		report.FixesApplied += result.FixesApplied
		report.Results = append(report.Results, result)
	}

	report.HealthScore = healthScore(report.ChecksPassed, report.ChecksTotal, report.IssueCount)
	report.Status = healthStatusFor(report.HealthScore)
	report.Duration = time.Since(started)

	v.logger.Info("validation sweep finished",
		"passed", report.ChecksPassed,
		"total", report.ChecksTotal,
		"issues", report.IssueCount,
		"fixes", report.FixesApplied,
		"score", report.HealthScore,
		"status", report.Status)
	return report, nil
}

// healthScore is passed/total scaled to 100, minus a penalty of 2 points per
// issue capped at 50.
func healthScore(passed, total, issues int) float64 {
	if total == 0 {
		return 100
	}
	base := float64(passed) / float64(total) * 100
	penalty := float64(issues * 2)
	if penalty > 50 {
		penalty = 50
	}
	score := base - penalty
	if score < 0 {
		score = 0
	}
	return score
}

func healthStatusFor(score float64) HealthStatus {
	switch {
	case score >= 95:
		return HealthExcellent
	case score >= 85:
		return HealthGood
	case score >= 70:
		return HealthFair
	case score >= 50:
		return HealthPoor
	default:
		return HealthCritical
	}
}
