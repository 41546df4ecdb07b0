package postgres

import (
	"context"
	"fmt"
	"time"

	"inkslot/internal/models"
)

const syncTaskColumns = `id, task_type, booking_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (s *Store) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	if task.Status == "" {
		task.Status = models.SyncStatusPending
	}
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `INSERT INTO sync_queue (
			task_type, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		task.TaskType, task.BookingID, task.Payload, task.Status, task.RetryCount, task.LastError, now, task.NextRetryAt,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("create sync task: %w", err)
	}
	task.CreatedAt = now
	return nil
}

func (s *Store) GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+syncTaskColumns+` FROM sync_queue
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at ASC, id ASC LIMIT $4`,
		models.SyncStatusPending, models.SyncStatusRetry, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync tasks: %w", err)
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
			return nil, fmt.Errorf("scan sync task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var lastErr *string
	if errMsg != "" {
		lastErr = &errMsg
	}

	var processedAt *time.Time
	retryInc := 0
	switch status {
	case models.SyncStatusRetry:
		retryInc = 1
	case models.SyncStatusCompleted, models.SyncStatusFailed:
		now := time.Now().UTC()
		processedAt = &now
	}

	_, err := s.pool.Exec(ctx, `UPDATE sync_queue
		SET status = $1, last_error = $2, next_retry_at = $3,
		    retry_count = retry_count + $4,
		    processed_at = COALESCE($5, processed_at)
		WHERE id = $6`, status, lastErr, nextRetryAt, retryInc, processedAt, id)
	if err != nil {
		return fmt.Errorf("update sync task status: %w", err)
	}
	return nil
}
