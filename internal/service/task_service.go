package service

import (
	"context"
	"fmt"
	"strings"

	"inkslot/internal/domain"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
)

// TaskService manages the staff task pool.
type TaskService struct {
	repo   domain.TaskRepository
	logger *zerolog.Logger
}

func NewTaskService(repo domain.TaskRepository, logger *zerolog.Logger) *TaskService {
	l := logger.With().Str("component", "task_service").Logger()
	return &TaskService{repo: repo, logger: &l}
}

func (s *TaskService) CreateTask(ctx context.Context, title string) (*models.StaffTask, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	return s.repo.CreateTask(ctx, title)
}

func (s *TaskService) ListTasks(ctx context.Context, onlyOpen bool) ([]*models.StaffTask, error) {
	return s.repo.ListTasks(ctx, onlyOpen)
}

// Claim assigns the task to userID. Only one concurrent claimant wins.
func (s *TaskService) Claim(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	task, err := s.repo.ClaimTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("task_id", id).Str("user_id", userID).Msg("task claimed")
	return task, nil
}

func (s *TaskService) Unclaim(ctx context.Context, id int64, userID string) (*models.StaffTask, error) {
	task, err := s.repo.UnclaimTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("task_id", id).Str("user_id", userID).Msg("task released")
	return task, nil
}
