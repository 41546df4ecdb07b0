package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/domain"
	"inkslot/internal/events"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
)

// SlotDeletedPayload is published after a slot is removed.
type SlotDeletedPayload struct {
	SlotID    int64   `json:"slot_id"`
	Cancelled []int64 `json:"cancelled_bookings,omitempty"`
}

type SlotService struct {
	repo       domain.SlotRepository
	eventBus   domain.EventPublisher
	syncWorker domain.SyncWorker
	logger     *zerolog.Logger
}

func NewSlotService(repo domain.SlotRepository, eventBus domain.EventPublisher, syncWorker domain.SyncWorker, logger *zerolog.Logger) *SlotService {
	l := logger.With().Str("component", "slot_service").Logger()
	return &SlotService{
		repo:       repo,
		eventBus:   eventBus,
		syncWorker: syncWorker,
		logger:     &l,
	}
}

func (s *SlotService) CreateSlot(ctx context.Context, w models.SlotWindow, maxBookings int) (*models.Slot, error) {
	slot, err := s.repo.CreateSlot(ctx, w, maxBookings)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("slot_id", slot.ID).Str("service_type", string(slot.ServiceType)).
		Time("starts_at", slot.StartsAt).Int("max_bookings", slot.MaxBookings).Msg("slot created")
	return slot, nil
}

// GenerateSlots splits [DayStart, DayEnd) of the given date into windows of
// Duration. A trailing remainder shorter than Duration is not turned into a slot.
func (s *SlotService) GenerateSlots(ctx context.Context, req models.GenerateSlotsRequest) (*models.GenerateSlotsResult, error) {
	windows, err := splitDay(req)
	if err != nil {
		return nil, err
	}

	created, skipped, err := s.repo.CreateSlots(ctx, windows, req.MaxBookings)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("service_type", string(req.ServiceType)).
		Str("date", req.Date.Format(models.DateLayout)).
		Int("created", len(created)).
		Int("skipped", skipped).
		Msg("slots generated")

	if created == nil {
		created = []*models.Slot{}
	}
	return &models.GenerateSlotsResult{Created: created, Skipped: skipped}, nil
}

func splitDay(req models.GenerateSlotsRequest) ([]models.SlotWindow, error) {
	if !req.ServiceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, req.ServiceType)
	}
	if req.Date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrValidation)
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}
	if req.MaxBookings < 1 {
		return nil, fmt.Errorf("%w: max_bookings must be positive", ErrValidation)
	}

	dayStart, err := time.Parse(models.TimeLayout, req.DayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: day_start: %v", ErrValidation, err)
	}
	dayEnd, err := time.Parse(models.TimeLayout, req.DayEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: day_end: %v", ErrValidation, err)
	}

	y, m, d := req.Date.Date()
	loc := req.Date.Location()
	start := time.Date(y, m, d, dayStart.Hour(), dayStart.Minute(), 0, 0, loc)
	end := time.Date(y, m, d, dayEnd.Hour(), dayEnd.Minute(), 0, 0, loc)
	if !end.After(start) {
		return nil, fmt.Errorf("%w: day_end must be after day_start", ErrValidation)
	}

	var windows []models.SlotWindow
	for t := start; !t.Add(req.Duration).After(end); t = t.Add(req.Duration) {
		windows = append(windows, models.SlotWindow{
			ServiceType: req.ServiceType,
			StartsAt:    t,
			EndsAt:      t.Add(req.Duration),
		})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: duration %s does not fit between %s and %s", ErrValidation, req.Duration, req.DayStart, req.DayEnd)
	}
	return windows, nil
}

func (s *SlotService) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return s.repo.GetSlot(ctx, id)
}

func (s *SlotService) ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error) {
	if filter.ServiceType != "" && !filter.ServiceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrValidation, filter.ServiceType)
	}
	if filter.Date != "" {
		if _, err := time.Parse(models.DateLayout, filter.Date); err != nil {
			return nil, fmt.Errorf("%w: date must be %s", ErrValidation, models.DateLayout)
		}
	}
	return s.repo.ListSlots(ctx, filter)
}

func (s *SlotService) UpdateCapacity(ctx context.Context, id int64, maxBookings int) (*models.Slot, error) {
	slot, err := s.repo.UpdateSlotCapacity(ctx, id, maxBookings)
	if errors.Is(err, database.ErrCapacityBelowUsage) || errors.Is(err, database.ErrInvalidWindow) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("slot_id", id).Int("max_bookings", maxBookings).Msg("slot capacity updated")
	return slot, nil
}

// DeleteSlot removes an empty slot. With cascade every active booking is
// cancelled first and returned.
func (s *SlotService) DeleteSlot(ctx context.Context, id int64, cascade bool) ([]*models.Booking, error) {
	if !cascade {
		if err := s.repo.DeleteSlot(ctx, id); err != nil {
			return nil, err
		}
		s.publishSlotDeleted(id, nil)
		return []*models.Booking{}, nil
	}

	cancelled, err := s.repo.DeleteSlotCascade(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(cancelled))
	for _, b := range cancelled {
		ids = append(ids, b.ID)
		publishBookingEvent(s.eventBus, s.logger, events.EventBookingCancelled, b, "admin", "")
		enqueueBookingSync(ctx, s.syncWorker, s.logger, b, models.SyncTaskUpdateStatus)
	}
	s.logger.Warn().Int64("slot_id", id).Int("cancelled", len(cancelled)).Msg("slot deleted with cascade")
	s.publishSlotDeleted(id, ids)

	if cancelled == nil {
		cancelled = []*models.Booking{}
	}
	return cancelled, nil
}

func (s *SlotService) publishSlotDeleted(id int64, cancelled []int64) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(events.EventSlotDeleted, SlotDeletedPayload{SlotID: id, Cancelled: cancelled}); err != nil {
		s.logger.Error().Err(err).Int64("slot_id", id).Msg("publish event error")
	}
}
