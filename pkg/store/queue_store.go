package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kbforge/kbforge/pkg/database"
	"github.com/kbforge/kbforge/pkg/models"
)

// QueueStore manages the per-item processing-queue rows.
type QueueStore struct {
	client *database.Client
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(client *database.Client) *QueueStore {
	return &QueueStore{client: client}
}

// Create inserts a queue row for an item. Exactly one row exists per item.
func (s *QueueStore) Create(ctx context.Context, row *models.QueueRow) error {
	if row.ItemID == "" {
		return NewValidationError("item_id", "required")
	}
	if row.Status == "" {
		row.Status = models.QueueStatusUnprocessed
	}
	now := database.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := s.client.DB().NamedExecContext(ctx, `
		INSERT INTO item_queue (item_id, status, phase, priority, retry_count, last_error,
			claimed_by, last_heartbeat_at, processed_at, created_at, updated_at)
		VALUES (:item_id, :status, :phase, :priority, :retry_count, :last_error,
			:claimed_by, :last_heartbeat_at, :processed_at, :created_at, :updated_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create queue row: %w", err)
	}
	return nil
}

// Get fetches the queue row for an item.
func (s *QueueStore) Get(ctx context.Context, itemID string) (*models.QueueRow, error) {
	var row models.QueueRow
	q := s.client.DB().Rebind(`SELECT * FROM item_queue WHERE item_id = ?`)
	if err := s.client.DB().GetContext(ctx, &row, q, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue row: %w", err)
	}
	return &row, nil
}

// UpdateStatus transitions a queue row, optionally updating phase and error,
// and optionally incrementing the retry counter. status=processed stamps
// processed_at; leaving the processing state clears the claim.
func (s *QueueStore) UpdateStatus(ctx context.Context, itemID string, status models.QueueStatus, phase, lastError string, incrementRetry bool) error {
	now := database.Now()

	sets := "status = ?, updated_at = ?"
	args := []any{status, now}
	if phase != "" {
		sets += ", phase = ?"
		args = append(args, phase)
	}
	if lastError != "" {
		sets += ", last_error = ?"
		args = append(args, lastError)
	}
	if incrementRetry {
		sets += ", retry_count = retry_count + 1"
	}
	if status == models.QueueStatusProcessed {
		sets += ", processed_at = ?"
		args = append(args, now)
	}
	if status != models.QueueStatusProcessing {
		sets += ", claimed_by = NULL, last_heartbeat_at = NULL"
	}
	args = append(args, itemID)

	res, err := s.client.DB().ExecContext(ctx,
		s.client.DB().Rebind("UPDATE item_queue SET "+sets+" WHERE item_id = ?"), args...)
	if err != nil {
		return fmt.Errorf("failed to update queue status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextForProcessing returns up to limit unprocessed rows ordered by
// priority DESC, created_at ASC, skipping rows whose retry schedule has not
// elapsed yet.
func (s *QueueStore) NextForProcessing(ctx context.Context, limit int, phase string) ([]*models.QueueRow, error) {
	if limit <= 0 {
		limit = 1
	}
	query := `
		SELECT q.* FROM item_queue q
		JOIN items i ON i.item_id = q.item_id
		WHERE q.status = ?
		  AND (i.next_retry_after IS NULL OR i.next_retry_after <= ?)`
	args := []any{models.QueueStatusUnprocessed, database.Now()}
	if phase != "" {
		query += " AND q.phase = ?"
		args = append(args, phase)
	}
	query += fmt.Sprintf(" ORDER BY q.priority DESC, q.created_at ASC LIMIT %d", limit)

	var rows []*models.QueueRow
	if err := s.client.DB().SelectContext(ctx, &rows, s.client.DB().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	return rows, nil
}

// MarkProcessing atomically transitions a batch from unprocessed to
// processing, recording the claiming worker. Returns the ids actually
// claimed — rows already claimed by a concurrent worker are skipped.
func (s *QueueStore) MarkProcessing(ctx context.Context, ids []string, phase, claimedBy string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.client.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := database.Now()
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE item_queue
			SET status = ?, phase = ?, claimed_by = ?, last_heartbeat_at = ?, updated_at = ?
			WHERE item_id = ? AND status = ?`),
			models.QueueStatusProcessing, phase, claimedBy, now, now,
			id, models.QueueStatusUnprocessed)
		if err != nil {
			return nil, fmt.Errorf("failed to claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// Heartbeat refreshes the claim timestamp for items a worker is processing.
func (s *QueueStore) Heartbeat(ctx context.Context, ids []string, claimedBy string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE item_queue SET last_heartbeat_at = ?
		WHERE claimed_by = ? AND item_id IN (?)`,
		database.Now(), claimedBy, ids)
	if err != nil {
		return fmt.Errorf("failed to expand query: %w", err)
	}
	if _, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// GetFailed returns failed rows still under the retry budget.
func (s *QueueStore) GetFailed(ctx context.Context, maxRetries int) ([]*models.QueueRow, error) {
	var rows []*models.QueueRow
	q := s.client.DB().Rebind(
		`SELECT * FROM item_queue WHERE status = ? AND retry_count < ? ORDER BY updated_at ASC`)
	if err := s.client.DB().SelectContext(ctx, &rows, q, models.QueueStatusFailed, maxRetries); err != nil {
		return nil, fmt.Errorf("failed to query failed rows: %w", err)
	}
	return rows, nil
}

// ResetForRetry flips a batch back to unprocessed and clears last_error.
func (s *QueueStore) ResetForRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE item_queue
		SET status = ?, last_error = '', claimed_by = NULL, last_heartbeat_at = NULL, updated_at = ?
		WHERE item_id IN (?)`,
		models.QueueStatusUnprocessed, database.Now(), ids)
	if err != nil {
		return fmt.Errorf("failed to expand query: %w", err)
	}
	if _, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to reset for retry: %w", err)
	}
	return nil
}

// CountByStatus returns the number of rows in each queue status.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := s.client.DB().QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM item_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RecoverOrphans returns rows stuck in processing without a recent heartbeat
// to unprocessed. A nil claimedBy recovers any stale claim; a non-nil value
// additionally recovers every claim held by that worker or pod regardless of
// age (startup cleanup).
func (s *QueueStore) RecoverOrphans(ctx context.Context, staleBefore time.Time, claimedBy *string) (int, error) {
	query := `
		UPDATE item_queue
		SET status = ?, claimed_by = NULL, last_heartbeat_at = NULL, updated_at = ?
		WHERE status = ?`
	args := []any{models.QueueStatusUnprocessed, database.Now(), models.QueueStatusProcessing}
	if claimedBy != nil {
		query += " AND (claimed_by = ? OR last_heartbeat_at IS NULL OR last_heartbeat_at < ?)"
		args = append(args, *claimedBy, staleBefore)
	} else {
		query += " AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)"
		args = append(args, staleBefore)
	}

	res, err := s.client.DB().ExecContext(ctx, s.client.DB().Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteOrphanRows deletes queue rows whose item no longer exists.
// Used by the validator's queue-consistency repair.
func (s *QueueStore) DeleteOrphanRows(ctx context.Context) (int, error) {
	res, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM item_queue
		WHERE item_id NOT IN (SELECT item_id FROM items)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// All returns every queue row; used by the validator.
func (s *QueueStore) All(ctx context.Context) ([]*models.QueueRow, error) {
	var rows []*models.QueueRow
	if err := s.client.DB().SelectContext(ctx, &rows,
		`SELECT * FROM item_queue ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to list queue rows: %w", err)
	}
	return rows, nil
}
