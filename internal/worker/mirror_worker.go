package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/domain"
	"inkslot/internal/metrics"
	"inkslot/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MirrorClient applies booking changes to the staff-facing read model.
type MirrorClient interface {
	UpsertBooking(ctx context.Context, b *models.Booking) error
	DeleteBookingRow(ctx context.Context, bookingID int64) error
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) error
	ReplaceBookings(ctx context.Context, bookings []*models.Booking) error
}

// mirrorPayload is persisted in SyncTask.Payload as JSON.
type mirrorPayload struct {
	BookingID int64           `json:"booking_id"`
	Booking   *models.Booking `json:"booking,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// MirrorWorker consumes sync_queue tasks and applies them to the mirror.
// Tasks are durable in the database; Redis and the local channel only speed up pickup.
type MirrorWorker struct {
	repo          domain.SyncQueueRepository
	mirror        MirrorClient
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.SyncTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

func NewMirrorWorker(repo domain.SyncQueueRepository, mirror MirrorClient, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *MirrorWorker {
	l := logger.With().Str("component", "mirror_worker").Logger()
	return &MirrorWorker{
		repo:          repo,
		mirror:        mirror,
		redis:         redisClient,
		retryPolicy:   retry.withDefaults(),
		queue:         make(chan models.SyncTask, models.WorkerQueueSize),
		redisQueueKey: "mirror:queue",
		deadLetterKey: "mirror:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        &l,
	}
}

// EnqueueTask persists the task and schedules it via Redis or the in-memory queue.
func (w *MirrorWorker) EnqueueTask(ctx context.Context, taskType string, bookingID int64, booking *models.Booking, status string) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if bookingID == 0 && booking != nil {
		bookingID = booking.ID
	}
	if bookingID == 0 {
		return errors.New("booking id is required")
	}

	payloadBytes, err := json.Marshal(mirrorPayload{BookingID: bookingID, Booking: booking, Status: status})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.SyncTask{
		TaskType:  taskType,
		BookingID: bookingID,
		Payload:   string(payloadBytes),
		Status:    models.SyncStatusPending,
	}
	if err := w.repo.CreateSyncTask(ctx, &task); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}

	if w.redis != nil {
		err := w.pushRedis(ctx, w.redisQueueKey, task)
		if err == nil {
			return nil
		}
		w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, fallback to memory queue")
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the worker loop until ctx is done.
func (w *MirrorWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("mirror worker started")
	defer w.logger.Info().Msg("mirror worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}
		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		processed, err := w.pollOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending sync tasks")
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// pollOnce processes one batch of due tasks straight from the database.
func (w *MirrorWorker) pollOnce(ctx context.Context) (int, error) {
	tasks, err := w.repo.GetPendingSyncTasks(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks), nil
}

// Resync rewrites the mirror from the given bookings.
func (w *MirrorWorker) Resync(ctx context.Context, bookings []*models.Booking) error {
	if err := w.mirror.ReplaceBookings(ctx, bookings); err != nil {
		return fmt.Errorf("replace mirror: %w", err)
	}
	w.logger.Info().Int("bookings", len(bookings)).Msg("mirror resynced")
	return nil
}

func (w *MirrorWorker) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *MirrorWorker) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error().Err(err).Msg("redis BRPOP error")
		}
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *MirrorWorker) processTask(ctx context.Context, task *models.SyncTask) {
	payload, err := decodePayload(task.Payload)
	if err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := w.handleTask(ctx, task.TaskType, payload); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncMirrorTask(models.SyncStatusCompleted)
	if err := w.repo.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

func (w *MirrorWorker) handleTask(ctx context.Context, taskType string, payload mirrorPayload) error {
	switch taskType {
	case models.SyncTaskUpsert:
		if payload.Booking == nil {
			return errors.New("booking payload missing")
		}
		return w.mirror.UpsertBooking(ctx, payload.Booking)
	case models.SyncTaskDelete:
		if payload.BookingID == 0 {
			return errors.New("booking id missing")
		}
		return w.mirror.DeleteBookingRow(ctx, payload.BookingID)
	case models.SyncTaskUpdateStatus:
		if payload.BookingID == 0 || payload.Status == "" {
			return errors.New("booking id or status missing")
		}
		return w.mirror.UpdateBookingStatus(ctx, payload.BookingID, payload.Status)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (w *MirrorWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	metrics.IncMirrorTask(models.SyncStatusRetry)
	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("mirror task failed, will retry")
	if err := w.repo.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *MirrorWorker) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	metrics.IncMirrorTask(models.SyncStatusFailed)
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Int64("booking_id", task.BookingID).Msg("mirror task failed")
	if err := w.repo.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	if w.redis != nil {
		if err := w.pushRedis(ctx, w.deadLetterKey, *task); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
		}
	}
}

func decodePayload(raw string) (mirrorPayload, error) {
	var payload mirrorPayload
	err := json.Unmarshal([]byte(raw), &payload)
	return payload, err
}

func (w *MirrorWorker) pushRedis(ctx context.Context, key string, task models.SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
