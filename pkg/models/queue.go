package models

import "time"

// QueueStatus is the processing-queue status of an item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusUnprocessed QueueStatus = "unprocessed"
	QueueStatusProcessing  QueueStatus = "processing"
	QueueStatusProcessed   QueueStatus = "processed"
	QueueStatusFailed      QueueStatus = "failed"
)

// QueueRow is the per-item processing-queue record. Exactly one row exists
// per item.
type QueueRow struct {
	ItemID     string      `db:"item_id" json:"item_id"`
	Status     QueueStatus `db:"status" json:"status"`
	Phase      string      `db:"phase" json:"phase,omitempty"`
	Priority   int         `db:"priority" json:"priority"`
	RetryCount int         `db:"retry_count" json:"retry_count"`
	LastError  string      `db:"last_error" json:"last_error,omitempty"`

	// Claim bookkeeping for orphan recovery.
	ClaimedBy       *string    `db:"claimed_by" json:"claimed_by,omitempty"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`

	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
