package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/models"

	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, title, assigned_to, created_at, claimed_at`

func scanTask(row pgx.Row) (*models.StaffTask, error) {
	var t models.StaffTask
	if err := row.Scan(&t.ID, &t.Title, &t.AssignedTo, &t.CreatedAt, &t.ClaimedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, title string) (*models.StaffTask, error) {
	return scanTask(s.pool.QueryRow(ctx,
		`INSERT INTO staff_tasks (title, created_at) VALUES ($1, $2) RETURNING `+taskColumns,
		title, time.Now().UTC()))
}

func (s *Store) GetTask(ctx context.Context, id int64) (*models.StaffTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM staff_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, onlyOpen bool) ([]*models.StaffTask, error) {
	query := `SELECT ` + taskColumns + ` FROM staff_tasks`
	if onlyOpen {
		query += ` WHERE assigned_to IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.StaffTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) ClaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `UPDATE staff_tasks SET assigned_to = $1, claimed_at = $2
		WHERE id = $3 AND assigned_to IS NULL RETURNING `+taskColumns, userID, time.Now().UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, database.ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *Store) UnclaimTask(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `UPDATE staff_tasks SET assigned_to = NULL, claimed_at = NULL
		WHERE id = $1 AND assigned_to = $2 RETURNING `+taskColumns, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, database.ErrNotAssignee
	}
	if err != nil {
		return nil, fmt.Errorf("unclaim task: %w", err)
	}
	return t, nil
}
