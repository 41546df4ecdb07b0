package database

import (
	"context"
	"fmt"
	"time"

	"inkslot/internal/models"
)

const syncTaskColumns = `id, task_type, booking_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	if task.Status == "" {
		task.Status = models.SyncStatusPending
	}
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, `INSERT INTO sync_queue (
				task_type, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskType,
		task.BookingID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

// GetPendingSyncTasks returns pending tasks and retries whose backoff elapsed.
func (db *DB) GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error) {
	return db.querySyncTasks(ctx, `SELECT `+syncTaskColumns+` FROM sync_queue
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		models.SyncStatusPending, models.SyncStatusRetry, time.Now().UTC(), limit,
	)
}

func (db *DB) GetFailedSyncTasks(ctx context.Context) ([]models.SyncTask, error) {
	return db.querySyncTasks(ctx, `SELECT `+syncTaskColumns+` FROM sync_queue
		WHERE status = ? ORDER BY created_at DESC`, models.SyncStatusFailed)
}

func (db *DB) querySyncTasks(ctx context.Context, query string, args ...any) ([]models.SyncTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		var t models.SyncTask
		err := rows.Scan(
			&t.ID, &t.TaskType, &t.BookingID, &t.Payload, &t.Status, &t.RetryCount,
			&t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (db *DB) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []any
	now := time.Now().UTC()

	var lastErr *string
	if errMsg != "" {
		lastErr = &errMsg
	}
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		nextRetryAt = &utc
	}

	switch status {
	case models.SyncStatusRetry:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, lastErr, nextRetryAt, id}
	case models.SyncStatusCompleted, models.SyncStatusFailed:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []any{status, lastErr, nextRetryAt, now, id}
	default:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, lastErr, nextRetryAt, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return nil
}
