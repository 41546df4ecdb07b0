package service

import (
	"context"
	"fmt"

	"inkslot/internal/database"
	"inkslot/internal/domain"
	"inkslot/internal/events"
	"inkslot/internal/metrics"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
)

// ModerationService is the staff side of the booking lifecycle.
type ModerationService struct {
	repo       domain.Repository
	eventBus   domain.EventPublisher
	syncWorker domain.SyncWorker
	logger     *zerolog.Logger
}

func NewModerationService(repo domain.Repository, eventBus domain.EventPublisher, syncWorker domain.SyncWorker, logger *zerolog.Logger) *ModerationService {
	l := logger.With().Str("component", "moderation_service").Logger()
	return &ModerationService{
		repo:       repo,
		eventBus:   eventBus,
		syncWorker: syncWorker,
		logger:     &l,
	}
}

func (s *ModerationService) ListBookings(ctx context.Context, status models.BookingStatus) ([]*models.Booking, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.repo.ListBookings(ctx, models.BookingFilter{Status: status})
}

// AdminDecision accepts or rejects a booking that is still awaiting a decision.
// Accepting a payment_pending booking is an explicit override of the payment gate.
func (s *ModerationService) AdminDecision(ctx context.Context, bookingID int64, decision models.Decision) (*models.Booking, error) {
	var action models.Action
	switch decision {
	case models.DecisionAccept:
		action = models.ActionAccept
	case models.DecisionReject:
		action = models.ActionReject
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}
	tr, _ := models.TransitionFor(action)

	updated, applied, err := s.repo.TransitionBooking(ctx, bookingID, tr)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: booking %d is %s", database.ErrInvalidTransition, bookingID, updated.Status)
	}

	metrics.IncTransition(string(action))
	s.logger.Info().
		Int64("booking_id", updated.ID).
		Str("decision", string(decision)).
		Str("payment_status", string(updated.PaymentStatus)).
		Msg("admin decision applied")

	eventType := events.EventBookingConfirmed
	if decision == models.DecisionReject {
		eventType = events.EventBookingCancelled
	}
	publishBookingEvent(s.eventBus, s.logger, eventType, updated, "admin", "")
	enqueueBookingSync(ctx, s.syncWorker, s.logger, updated, models.SyncTaskUpdateStatus)
	return updated, nil
}

// CheckConsistency compares every slot counter with its active bookings and
// optionally rewrites drifted counters.
func (s *ModerationService) CheckConsistency(ctx context.Context, repair bool) (*models.ConsistencyReport, error) {
	drifts, checked, err := s.repo.CapacityDrifts(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetCapacityDrift(len(drifts))

	report := &models.ConsistencyReport{Checked: checked, Drifts: drifts}
	for _, d := range drifts {
		s.logger.Warn().
			Int64("slot_id", d.SlotID).
			Int("current_bookings", d.CurrentBookings).
			Int("active_bookings", d.ActiveBookings).
			Msg("capacity drift detected")
		if s.eventBus != nil {
			if err := s.eventBus.PublishJSON(events.EventCapacityDrift, d); err != nil {
				s.logger.Error().Err(err).Int64("slot_id", d.SlotID).Msg("publish event error")
			}
		}

		if !repair {
			continue
		}
		if err := s.repo.RepairSlotCounter(ctx, d.SlotID); err != nil {
			return report, fmt.Errorf("repair slot %d: %w", d.SlotID, err)
		}
		report.Repaired++
	}
	return report, nil
}
