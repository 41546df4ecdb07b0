package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"inkslot/internal/events"
	"inkslot/internal/metrics"
	"inkslot/internal/models"
)

// ExpirePendingPayments cancels payment_pending bookings older than the payment
// TTL. Before cancelling, the gateway is asked whether the intent actually
// succeeded; such bookings are confirmed instead.
func (s *BookingService) ExpirePendingPayments(ctx context.Context, now time.Time) (*models.SweepResult, error) {
	cutoff := now.Add(-s.opts.PaymentTTL)
	bookings, err := s.repo.ListExpiredPending(ctx, cutoff, s.opts.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list expired bookings: %w", err)
	}

	result := &models.SweepResult{Scanned: len(bookings)}
	for _, booking := range bookings {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		outcome, err := s.sweepBooking(ctx, booking)
		if err != nil {
			result.Errors++
			s.logger.Error().Err(err).Int64("booking_id", booking.ID).Msg("sweep booking failed")
			continue
		}
		switch outcome {
		case sweepExpired:
			result.Expired++
		case sweepConfirmed:
			result.Confirmed++
		}
	}

	metrics.AddSweep(result.Expired, result.Confirmed)
	if result.Scanned > 0 {
		s.logger.Info().
			Int("scanned", result.Scanned).
			Int("expired", result.Expired).
			Int("confirmed", result.Confirmed).
			Int("errors", result.Errors).
			Msg("payment ttl sweep finished")
	}
	return result, nil
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepExpired
	sweepConfirmed
)

func (s *BookingService) sweepBooking(ctx context.Context, booking *models.Booking) (sweepOutcome, error) {
	if s.gateway != nil {
		outcome, settled, err := s.reconcileIntents(ctx, booking)
		if err != nil || settled {
			return outcome, err
		}
	}

	tr, _ := models.TransitionFor(models.ActionExpire)
	updated, applied, err := s.repo.TransitionBooking(ctx, booking.ID, tr)
	if err != nil {
		return sweepSkipped, err
	}
	if !applied {
		return sweepSkipped, nil
	}

	metrics.IncTransition(string(tr.Action))
	s.logger.Info().Int64("booking_id", updated.ID).Int64("slot_id", updated.SlotID).Msg("booking expired")
	s.publishEvent(events.EventBookingExpired, updated, "sweeper", "")
	s.enqueueSync(ctx, updated, models.SyncTaskUpdateStatus)
	return sweepExpired, nil
}

// reconcileIntents asks the gateway about every intent opened for the booking.
// settled is true when the booking must not be expired on this pass.
func (s *BookingService) reconcileIntents(ctx context.Context, booking *models.Booking) (sweepOutcome, bool, error) {
	intents, err := s.repo.ListPaymentIntents(ctx, booking.ID)
	if err != nil {
		return sweepSkipped, true, fmt.Errorf("list intents: %w", err)
	}
	orderIDs := make([]string, 0, len(intents)+1)
	for _, in := range intents {
		orderIDs = append(orderIDs, in.GatewayOrderID)
	}
	if booking.PaymentIntentID != nil && !slices.Contains(orderIDs, *booking.PaymentIntentID) {
		orderIDs = append(orderIDs, *booking.PaymentIntentID)
	}

	pending := false
	for _, orderID := range orderIDs {
		lookup, err := s.gateway.Lookup(ctx, orderID)
		if err != nil {
			// без ответа шлюза бронь не трогаем, следующий проход повторит
			return sweepSkipped, true, fmt.Errorf("gateway lookup %s: %w", orderID, err)
		}
		switch lookup.Status {
		case models.IntentSucceeded:
			if lookup.BookingRef != bookingRef(booking.ID) || lookup.Amount != booking.FinalPrice {
				s.logger.Error().Int64("booking_id", booking.ID).Str("order_id", orderID).
					Int64("amount", lookup.Amount).Msg("succeeded intent does not match booking")
				continue
			}
			if _, err := s.applyPayment(ctx, booking, orderID); err != nil {
				return sweepSkipped, true, err
			}
			return sweepConfirmed, true, nil
		case models.IntentProcessing:
			pending = true
		default:
			if err := s.repo.UpdatePaymentIntentStatus(ctx, orderID, lookup.Status); err != nil {
				s.logger.Warn().Err(err).Str("order_id", orderID).Msg("intent status update failed")
			}
		}
	}
	return sweepSkipped, pending, nil
}
