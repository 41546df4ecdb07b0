package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/models"
)

func scanTask(row scanner) (*models.StaffTask, error) {
	var t models.StaffTask
	var assigned sql.NullString
	var claimedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Title, &assigned, &t.CreatedAt, &claimedAt); err != nil {
		return nil, err
	}
	if assigned.Valid {
		t.AssignedTo = &assigned.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	return &t, nil
}

func (db *DB) CreateTask(ctx context.Context, title string) (*models.StaffTask, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `INSERT INTO staff_tasks (title, created_at) VALUES (?, ?)`, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &models.StaffTask{ID: id, Title: title, CreatedAt: now}, nil
}

func (db *DB) GetTask(ctx context.Context, id int64) (*models.StaffTask, error) {
	t, err := scanTask(db.QueryRowContext(ctx,
		`SELECT id, title, assigned_to, created_at, claimed_at FROM staff_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func (db *DB) ListTasks(ctx context.Context, onlyOpen bool) ([]*models.StaffTask, error) {
	query := `SELECT id, title, assigned_to, created_at, claimed_at FROM staff_tasks`
	if onlyOpen {
		query += ` WHERE assigned_to IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.StaffTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask assigns the task to userID only if nobody holds it.
func (db *DB) ClaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE staff_tasks SET assigned_to = ?, claimed_at = ? WHERE id = ? AND assigned_to IS NULL`,
		userID, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := db.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}
	return db.GetTask(ctx, id)
}

// UnclaimTask returns the task to the pool; only the assignee may do so.
func (db *DB) UnclaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE staff_tasks SET assigned_to = NULL, claimed_at = NULL WHERE id = ? AND assigned_to = ?`,
		id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to unclaim task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := db.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotAssignee
	}
	return db.GetTask(ctx, id)
}
