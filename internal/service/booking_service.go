package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/domain"
	"inkslot/internal/events"
	"inkslot/internal/metrics"
	"inkslot/internal/models"
	"inkslot/internal/payment"

	"github.com/rs/zerolog"
)

// BookingOptions are the tunables of the reservation engine.
type BookingOptions struct {
	PaymentTTL      time.Duration
	CancelCutoff    time.Duration
	SweepBatch      int
	RateLimit       int
	RateLimitWindow time.Duration
	VerificationTTL time.Duration
}

func (o *BookingOptions) applyDefaults() {
	if o.PaymentTTL <= 0 {
		o.PaymentTTL = models.DefaultPaymentTTL * time.Second
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = models.DefaultSweepBatch
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = models.RateLimitWindow * time.Second
	}
	if o.VerificationTTL <= 0 {
		o.VerificationTTL = models.VerificationCacheTTL * time.Second
	}
}

// BookingService is the reservation engine: it admits bookings against slot
// capacity and drives them through the payment-gated lifecycle.
type BookingService struct {
	repo       domain.Repository
	catalog    domain.Catalog
	gateway    domain.PaymentGateway
	guard      domain.GuardRepository
	eventBus   domain.EventPublisher
	syncWorker domain.SyncWorker
	opts       BookingOptions
	now        func() time.Time
	logger     *zerolog.Logger
}

func NewBookingService(
	repo domain.Repository,
	catalog domain.Catalog,
	gateway domain.PaymentGateway,
	guard domain.GuardRepository,
	eventBus domain.EventPublisher,
	syncWorker domain.SyncWorker,
	opts BookingOptions,
	logger *zerolog.Logger,
) *BookingService {
	opts.applyDefaults()
	l := logger.With().Str("component", "booking_service").Logger()
	return &BookingService{
		repo:       repo,
		catalog:    catalog,
		gateway:    gateway,
		guard:      guard,
		eventBus:   eventBus,
		syncWorker: syncWorker,
		opts:       opts,
		now:        time.Now,
		logger:     &l,
	}
}

func (s *BookingService) CreateBooking(ctx context.Context, req models.CreateBookingRequest) (*models.BookingResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ServiceItemID = strings.TrimSpace(req.ServiceItemID)
	switch {
	case req.SlotID <= 0:
		return nil, fmt.Errorf("%w: slot_id is required", ErrValidation)
	case req.UserID == "":
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	case req.ServiceItemID == "":
		return nil, fmt.Errorf("%w: service_item_id is required", ErrValidation)
	}
	method, err := models.ParsePaymentMethod(string(req.PaymentMethod))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.checkRateLimit(ctx, req.UserID); err != nil {
		return nil, err
	}

	item, err := s.catalog.Item(ctx, req.ServiceItemID)
	if err != nil {
		return nil, err
	}
	slot, err := s.repo.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.ServiceType != item.ServiceType {
		return nil, fmt.Errorf("%w: item %s is not bookable on a %s slot", ErrValidation, item.ID, slot.ServiceType)
	}
	if !slot.StartsAt.After(s.now()) {
		return nil, fmt.Errorf("%w: slot %d has already started", ErrValidation, slot.ID)
	}

	booking := &models.Booking{
		SlotID:        slot.ID,
		UserID:        req.UserID,
		ServiceItemID: item.ID,
		FinalPrice:    item.Price,
		Currency:      item.Currency,
		PaymentMethod: method,
		Status:        method.InitialStatus(),
		PaymentStatus: models.PaymentPending,
	}
	if err := s.reserve(ctx, booking); err != nil {
		return nil, err
	}

	s.logger.Info().Int64("booking_id", booking.ID).Int64("slot_id", slot.ID).Str("user_id", booking.UserID).
		Str("status", string(booking.Status)).Msg("booking created")
	s.publishEvent(events.EventBookingCreated, booking, "user", "")
	s.enqueueSync(ctx, booking, models.SyncTaskUpsert)

	result := &models.BookingResult{Booking: booking}
	if method == models.PaymentOnline && s.gateway != nil {
		// бронь остаётся payment_pending, клиент может запросить intent повторно
		intent, err := s.createIntent(ctx, booking)
		if err != nil {
			s.logger.Error().Err(err).Int64("booking_id", booking.ID).Msg("payment intent creation failed")
		} else {
			result.PaymentIntent = intent
		}
	}
	return result, nil
}

// reserve runs the capacity claim and insert, retrying a transient storage failure once.
func (s *BookingService) reserve(ctx context.Context, booking *models.Booking) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.repo.ReserveAndCreateBooking(ctx, booking)
		if err == nil {
			metrics.IncReservation("created")
			return nil
		}
		if errors.Is(err, database.ErrSlotFull) {
			metrics.IncReservation("slot_full")
			return err
		}
		if errors.Is(err, database.ErrSlotNotFound) || ctx.Err() != nil {
			metrics.IncReservation("failed")
			return err
		}
		s.logger.Warn().Err(err).Int64("slot_id", booking.SlotID).Int("attempt", attempt+1).Msg("reservation attempt failed")
	}
	metrics.IncReservation("failed")
	return fmt.Errorf("%w: %v", ErrReservationFailed, err)
}

func (s *BookingService) checkRateLimit(ctx context.Context, userID string) error {
	if s.guard == nil || s.opts.RateLimit <= 0 {
		return nil
	}
	allowed, err := s.guard.CheckRateLimit(ctx, "bookings:"+userID, s.opts.RateLimit, s.opts.RateLimitWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed, allowing")
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// CreatePaymentIntent returns the booking's open gateway intent, opening a new
// one only when every earlier intent has failed or been cancelled.
func (s *BookingService) CreatePaymentIntent(ctx context.Context, bookingID int64, userID string) (*models.PaymentIntent, error) {
	if s.gateway == nil {
		return nil, ErrGatewayDisabled
	}
	booking, err := s.ownedBooking(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.StatusPaymentPending {
		return nil, fmt.Errorf("%w: booking is %s", database.ErrInvalidTransition, booking.Status)
	}

	intents, err := s.repo.ListPaymentIntents(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	for i := len(intents) - 1; i >= 0; i-- {
		if intents[i].LastStatus.Open() && intents[i].Amount == booking.FinalPrice {
			return intents[i], nil
		}
	}
	return s.createIntent(ctx, booking)
}

func (s *BookingService) createIntent(ctx context.Context, booking *models.Booking) (*models.PaymentIntent, error) {
	intent, err := s.gateway.CreateIntent(ctx, booking.FinalPrice, booking.Currency, bookingRef(booking.ID))
	if err != nil {
		return nil, err
	}
	intent.BookingID = booking.ID
	if err := s.repo.AttachPaymentIntent(ctx, intent); err != nil {
		return nil, err
	}
	booking.PaymentIntentID = &intent.GatewayOrderID
	return intent, nil
}

// VerifyPayment handles the client's report of a completed payment. Only
// successful results are cached, so a payer whose intent was still processing
// can retry and be confirmed.
func (s *BookingService) VerifyPayment(ctx context.Context, req models.VerifyPaymentRequest) (bool, error) {
	if req.BookingID <= 0 || strings.TrimSpace(req.GatewayOrderID) == "" {
		return false, fmt.Errorf("%w: booking_id and gateway_order_id are required", ErrValidation)
	}
	if s.gateway == nil {
		return false, ErrGatewayDisabled
	}

	booking, err := s.repo.GetBooking(ctx, req.BookingID)
	if err != nil {
		return false, err
	}
	key := verificationKey(req)
	if booking.Status == models.StatusConfirmed && booking.PaymentStatus == models.PaymentPaid {
		s.rememberVerification(ctx, key, booking.ID, req.GatewayOrderID)
		return true, nil
	}

	if s.guard != nil {
		cached, err := s.guard.GetVerification(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("verification cache read failed")
		} else if cached != nil && cached.Verified {
			metrics.IncVerification("cached")
			return true, nil
		}
	}

	valid, err := s.verifyWithGateway(ctx, booking, req)
	if err != nil {
		metrics.IncVerification("error")
		return false, err
	}
	if !valid {
		metrics.IncVerification("invalid")
		s.logger.Warn().Int64("booking_id", booking.ID).Str("order_id", req.GatewayOrderID).Msg("payment verification failed")
		return false, ErrPaymentVerificationFailed
	}

	if _, err := s.applyPayment(ctx, booking, req.GatewayOrderID); err != nil {
		return false, err
	}
	metrics.IncVerification("valid")
	s.rememberVerification(ctx, key, booking.ID, req.GatewayOrderID)
	return true, nil
}

// verifyWithGateway checks the order belongs to the booking and charges its price
// before asking the gateway.
func (s *BookingService) verifyWithGateway(ctx context.Context, booking *models.Booking, req models.VerifyPaymentRequest) (bool, error) {
	intent, err := s.repo.GetPaymentIntent(ctx, req.GatewayOrderID)
	if errors.Is(err, database.ErrIntentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if intent.BookingID != booking.ID || intent.Amount != booking.FinalPrice {
		return false, nil
	}

	valid, err := s.gateway.Verify(ctx, bookingRef(booking.ID), models.SignaturePayload{
		GatewayOrderID: req.GatewayOrderID,
		Signature:      req.Signature,
	})
	if err != nil {
		return false, err
	}
	if !valid {
		if err := s.repo.UpdatePaymentIntentStatus(ctx, req.GatewayOrderID, models.IntentUnverified); err != nil {
			s.logger.Warn().Err(err).Str("order_id", req.GatewayOrderID).Msg("intent status update failed")
		}
	}
	return valid, nil
}

func (s *BookingService) rememberVerification(ctx context.Context, key string, bookingID int64, orderID string) {
	if s.guard == nil {
		return
	}
	rec := &models.VerificationRecord{BookingID: bookingID, OrderID: orderID, Verified: true, VerifiedAt: s.now().UTC()}
	if err := s.guard.SetVerification(ctx, key, rec, s.opts.VerificationTTL); err != nil {
		s.logger.Warn().Err(err).Int64("booking_id", bookingID).Msg("verification cache write failed")
	}
}

// applyPayment moves a booking to paid after a verified payment for orderID.
// Money for a cancelled booking is reported as orphaned and ErrInvalidTransition returned.
func (s *BookingService) applyPayment(ctx context.Context, booking *models.Booking, orderID string) (*models.Booking, error) {
	if err := s.repo.UpdatePaymentIntentStatus(ctx, orderID, models.IntentSucceeded); err != nil && !errors.Is(err, database.ErrIntentNotFound) {
		return nil, err
	}

	action := models.ActionVerifyPayment
	if booking.Status == models.StatusConfirmed {
		if booking.PaymentStatus == models.PaymentPaid {
			return booking, nil
		}
		action = models.ActionRecordPayment
	}
	tr, _ := models.TransitionFor(action)

	updated, applied, err := s.repo.TransitionBooking(ctx, booking.ID, tr)
	if err != nil {
		return nil, err
	}
	if !applied {
		switch {
		case updated.Status == models.StatusConfirmed && updated.PaymentStatus == models.PaymentPaid:
			return updated, nil
		case updated.Status == models.StatusCancelled:
			s.logger.Error().Int64("booking_id", updated.ID).Str("order_id", orderID).
				Str("cancel_reason", string(updated.CancelReason)).Msg("payment received for cancelled booking, refund required")
			s.publishEvent(events.EventPaymentOrphaned, updated, "gateway", orderID)
			return nil, fmt.Errorf("%w: booking %d is cancelled", database.ErrInvalidTransition, updated.ID)
		default:
			return nil, fmt.Errorf("%w: cannot record payment on %s booking", database.ErrInvalidTransition, updated.Status)
		}
	}

	metrics.IncTransition(string(action))
	s.logger.Info().Int64("booking_id", updated.ID).Str("order_id", orderID).Msg("payment recorded")
	eventType := events.EventBookingConfirmed
	if action == models.ActionRecordPayment {
		eventType = events.EventPaymentRecorded
	}
	s.publishEvent(eventType, updated, "gateway", orderID)
	s.enqueueSync(ctx, updated, models.SyncTaskUpdateStatus)
	return updated, nil
}

// HandleWebhook applies a signed gateway notification. Unknown event types are acknowledged.
func (s *BookingService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s.gateway == nil {
		return ErrGatewayDisabled
	}
	event, err := s.gateway.ParseWebhook(payload, signatureHeader)
	if errors.Is(err, payment.ErrUnhandledEvent) {
		return nil
	}
	if err != nil {
		return err
	}

	booking, err := s.bookingForEvent(ctx, event)
	if err != nil {
		return err
	}
	log := s.logger.With().Str("event_id", event.ID).Str("intent_id", event.IntentID).Int64("booking_id", booking.ID).Logger()

	if !event.Succeeded {
		if err := s.repo.UpdatePaymentIntentStatus(ctx, event.IntentID, models.IntentFailed); err != nil && !errors.Is(err, database.ErrIntentNotFound) {
			return err
		}
		tr, _ := models.TransitionFor(models.ActionPaymentFailed)
		updated, applied, err := s.repo.TransitionBooking(ctx, booking.ID, tr)
		if err != nil {
			return err
		}
		if applied {
			metrics.IncTransition(string(tr.Action))
			s.publishEvent(events.EventPaymentFailed, updated, "gateway", event.IntentID)
		}
		log.Info().Bool("applied", applied).Msg("payment failure recorded")
		return nil
	}

	_, err = s.applyPayment(ctx, booking, event.IntentID)
	if errors.Is(err, database.ErrInvalidTransition) {
		// уже залогировано; повторная доставка вебхука ничего не изменит
		log.Warn().Err(err).Msg("webhook payment not applied")
		return nil
	}
	return err
}

func (s *BookingService) bookingForEvent(ctx context.Context, event *models.GatewayEvent) (*models.Booking, error) {
	if id, err := strconv.ParseInt(event.BookingRef, 10, 64); err == nil {
		return s.repo.GetBooking(ctx, id)
	}
	intent, err := s.repo.GetPaymentIntent(ctx, event.IntentID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetBooking(ctx, intent.BookingID)
}

// UserCancel cancels the caller's booking. A confirmed booking can only be
// cancelled when a cutoff is configured and the slot starts after it.
func (s *BookingService) UserCancel(ctx context.Context, bookingID int64, userID string) (*models.Booking, error) {
	booking, err := s.ownedBooking(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if booking.Status == models.StatusCancelled {
		return booking, nil
	}

	action := models.ActionUserCancel
	if booking.Status == models.StatusConfirmed {
		if err := s.checkCancelCutoff(ctx, booking); err != nil {
			return nil, err
		}
		action = models.ActionLateCancel
	}
	tr, _ := models.TransitionFor(action)

	updated, applied, err := s.repo.TransitionBooking(ctx, booking.ID, tr)
	if err != nil {
		return nil, err
	}
	if !applied {
		if updated.Status == models.StatusCancelled {
			return updated, nil
		}
		return nil, fmt.Errorf("%w: booking is %s", database.ErrInvalidTransition, updated.Status)
	}

	metrics.IncTransition(string(action))
	s.logger.Info().Int64("booking_id", updated.ID).Str("user_id", userID).Msg("booking cancelled by user")
	s.publishEvent(events.EventBookingCancelled, updated, "user", "")
	s.enqueueSync(ctx, updated, models.SyncTaskUpdateStatus)
	return updated, nil
}

func (s *BookingService) checkCancelCutoff(ctx context.Context, booking *models.Booking) error {
	if s.opts.CancelCutoff <= 0 {
		return fmt.Errorf("%w: confirmed bookings cannot be cancelled", database.ErrInvalidTransition)
	}
	slot, err := s.repo.GetSlot(ctx, booking.SlotID)
	if err != nil {
		return err
	}
	if !s.now().Before(slot.StartsAt.Add(-s.opts.CancelCutoff)) {
		return fmt.Errorf("%w: cancellation window closed", database.ErrInvalidTransition)
	}
	return nil
}

func (s *BookingService) ownedBooking(ctx context.Context, bookingID int64, userID string) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, ErrNotOwner
	}
	return booking, nil
}

func (s *BookingService) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

func (s *BookingService) ListUserBookings(ctx context.Context, userID string) ([]*models.Booking, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	return s.repo.ListBookings(ctx, models.BookingFilter{UserID: userID})
}

func (s *BookingService) publishEvent(eventType string, booking *models.Booking, changedBy, orderID string) {
	publishBookingEvent(s.eventBus, s.logger, eventType, booking, changedBy, orderID)
}

func (s *BookingService) enqueueSync(ctx context.Context, booking *models.Booking, taskType string) {
	enqueueBookingSync(ctx, s.syncWorker, s.logger, booking, taskType)
}

func publishBookingEvent(bus domain.EventPublisher, logger *zerolog.Logger, eventType string, booking *models.Booking, changedBy, orderID string) {
	if bus == nil {
		return
	}

	payload := events.BookingEventPayload{
		BookingID:     booking.ID,
		SlotID:        booking.SlotID,
		UserID:        booking.UserID,
		ServiceItemID: booking.ServiceItemID,
		Status:        string(booking.Status),
		PaymentStatus: string(booking.PaymentStatus),
		CancelReason:  string(booking.CancelReason),
		FinalPrice:    booking.FinalPrice,
		Currency:      booking.Currency,
		ChangedBy:     changedBy,
		OrderID:       orderID,
	}

	if err := bus.PublishJSON(eventType, payload); err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}

func enqueueBookingSync(ctx context.Context, worker domain.SyncWorker, logger *zerolog.Logger, booking *models.Booking, taskType string) {
	if worker == nil {
		return
	}

	var status string
	if taskType == models.SyncTaskUpdateStatus {
		status = string(booking.Status)
	}

	if err := worker.EnqueueTask(ctx, taskType, booking.ID, booking, status); err != nil {
		logger.Error().Err(err).Int64("booking_id", booking.ID).Str("task", taskType).Msg("mirror enqueue error")
	}
}

func bookingRef(id int64) string {
	return strconv.FormatInt(id, 10)
}

func verificationKey(req models.VerifyPaymentRequest) string {
	sum := sha256.Sum256([]byte(req.Signature))
	return fmt.Sprintf("%d:%s:%s", req.BookingID, req.GatewayOrderID, hex.EncodeToString(sum[:8]))
}
