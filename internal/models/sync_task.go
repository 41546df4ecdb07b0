package models

import "time"

const (
	SyncTaskUpsert       = "upsert"
	SyncTaskUpdateStatus = "update_status"
	SyncTaskDelete       = "delete"
)

const (
	SyncStatusPending    = "pending"
	SyncStatusProcessing = "processing"
	SyncStatusRetry      = "retry"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
)

// SyncTask is a durable job for the booking read-model mirror.
type SyncTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	BookingID   int64      `json:"booking_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
