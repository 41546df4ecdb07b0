package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/domain"
	"inkslot/internal/events"
	"inkslot/internal/models"
	"inkslot/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBooking_CapacityUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		full    int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.bookings.CreateBooking(context.Background(), models.CreateBookingRequest{
				SlotID:        slot.ID,
				UserID:        fmt.Sprintf("user-%d", i),
				ServiceItemID: "koi-sleeve",
				PaymentMethod: models.PaymentAtCounter,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, database.ErrSlotFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	assert.Equal(t, 7, full)
	assert.Equal(t, 3, env.counter(t, slot.ID))
	assert.Equal(t, 3, env.recorder.count(events.EventBookingCreated))
}

func TestCreateBooking_SingleUnitRace(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	errs := make(chan error, 2)
	for _, user := range []string{"a", "b"} {
		go func(user string) {
			_, err := env.bookings.CreateBooking(context.Background(), models.CreateBookingRequest{
				SlotID: slot.ID, UserID: user, ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentOnline,
			})
			errs <- err
		}(user)
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], database.ErrSlotFull)

	all, err := env.db.ListBookings(context.Background(), models.BookingFilter{SlotID: slot.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateBooking_Online(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 2)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	assert.Equal(t, models.StatusPaymentPending, res.Booking.Status)
	assert.Equal(t, models.PaymentPending, res.Booking.PaymentStatus)
	assert.Equal(t, int64(5000), res.Booking.FinalPrice)
	assert.Equal(t, "inr", res.Booking.Currency)
	require.NotNil(t, res.PaymentIntent)
	assert.Equal(t, res.Booking.ID, res.PaymentIntent.BookingID)

	stored, err := env.db.GetBooking(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaymentIntentID)
	assert.Equal(t, res.PaymentIntent.GatewayOrderID, *stored.PaymentIntentID)
	assert.Equal(t, 1, env.counter(t, slot.ID))
}

func TestCreateBooking_Validation(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	tattoo := env.slot(t, models.ServiceTattoo, 0, 2)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     models.CreateBookingRequest
		wantErr error
	}{
		{
			name:    "missing user",
			req:     models.CreateBookingRequest{SlotID: tattoo.ID, ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentOnline},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown payment method",
			req:     models.CreateBookingRequest{SlotID: tattoo.ID, UserID: "u", ServiceItemID: "koi-sleeve", PaymentMethod: "crypto"},
			wantErr: ErrValidation,
		},
		{
			name:    "inactive item",
			req:     models.CreateBookingRequest{SlotID: tattoo.ID, UserID: "u", ServiceItemID: "retired", PaymentMethod: models.PaymentOnline},
			wantErr: ErrItemNotFound,
		},
		{
			name:    "item for another service",
			req:     models.CreateBookingRequest{SlotID: tattoo.ID, UserID: "u", ServiceItemID: "helix", PaymentMethod: models.PaymentOnline},
			wantErr: ErrValidation,
		},
		{
			name:    "missing slot",
			req:     models.CreateBookingRequest{SlotID: 404, UserID: "u", ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentOnline},
			wantErr: database.ErrSlotNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.bookings.CreateBooking(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, env.counter(t, tattoo.ID))
}

func TestCreateBooking_StartedSlot(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 1)
	env.bookings.now = func() time.Time { return testStart.Add(time.Minute) }

	_, err := env.bookings.CreateBooking(context.Background(), models.CreateBookingRequest{
		SlotID: slot.ID, UserID: "u", ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentAtCounter,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateBooking_RateLimited(t *testing.T) {
	env := newTestEnv(t, BookingOptions{RateLimit: 1, RateLimitWindow: time.Minute})
	slot := env.slot(t, models.ServiceTattoo, 0, 5)

	env.book(t, slot.ID, "eager", models.PaymentAtCounter)
	_, err := env.bookings.CreateBooking(context.Background(), models.CreateBookingRequest{
		SlotID: slot.ID, UserID: "eager", ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentAtCounter,
	})
	assert.ErrorIs(t, err, ErrRateLimited)

	env.book(t, slot.ID, "patient", models.PaymentAtCounter)
	assert.Equal(t, 2, env.counter(t, slot.ID))
}

type flakyRepo struct {
	domain.Repository
	failures int
	calls    int
}

func (r *flakyRepo) ReserveAndCreateBooking(ctx context.Context, booking *models.Booking) error {
	r.calls++
	if r.calls <= r.failures {
		return errors.New("database is locked")
	}
	return r.Repository.ReserveAndCreateBooking(ctx, booking)
}

func TestCreateBooking_RetriesTransientFailureOnce(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 2)
	catalog := NewCatalogService(testItems, env.logger)
	req := models.CreateBookingRequest{SlotID: slot.ID, UserID: "u", ServiceItemID: "koi-sleeve", PaymentMethod: models.PaymentAtCounter}

	t.Run("RecoversOnRetry", func(t *testing.T) {
		repo := &flakyRepo{Repository: env.db, failures: 1}
		svc := NewBookingService(repo, catalog, nil, nil, nil, nil, BookingOptions{}, env.logger)
		res, err := svc.CreateBooking(context.Background(), req)
		require.NoError(t, err)
		assert.NotZero(t, res.Booking.ID)
		assert.Equal(t, 2, repo.calls)
	})

	t.Run("SurfacesReservationFailed", func(t *testing.T) {
		repo := &flakyRepo{Repository: env.db, failures: 2}
		svc := NewBookingService(repo, catalog, nil, nil, nil, nil, BookingOptions{}, env.logger)
		_, err := svc.CreateBooking(context.Background(), req)
		assert.ErrorIs(t, err, ErrReservationFailed)
		assert.Equal(t, 2, repo.calls)
	})

	assert.Equal(t, 1, env.counter(t, slot.ID))
}

func TestVerifyPayment(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 2)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	orderID := res.PaymentIntent.GatewayOrderID
	ref := fmt.Sprint(res.Booking.ID)

	t.Run("InvalidSignature", func(t *testing.T) {
		ok, err := env.bookings.VerifyPayment(ctx, models.VerifyPaymentRequest{
			BookingID: res.Booking.ID, GatewayOrderID: orderID, Signature: "deadbeef",
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrPaymentVerificationFailed)

		b, err := env.db.GetBooking(ctx, res.Booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaymentPending, b.Status)
		assert.Equal(t, 1, env.counter(t, slot.ID))
	})

	t.Run("ForeignOrder", func(t *testing.T) {
		ok, err := env.bookings.VerifyPayment(ctx, models.VerifyPaymentRequest{
			BookingID: res.Booking.ID, GatewayOrderID: "order_other", Signature: env.gateway.Sign("order_other", ref),
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrPaymentVerificationFailed)
	})

	valid := models.VerifyPaymentRequest{
		BookingID: res.Booking.ID, GatewayOrderID: orderID, Signature: env.gateway.Sign(orderID, ref),
	}

	t.Run("ValidConfirms", func(t *testing.T) {
		ok, err := env.bookings.VerifyPayment(ctx, valid)
		require.NoError(t, err)
		assert.True(t, ok)

		b, err := env.db.GetBooking(ctx, res.Booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, b.Status)
		assert.Equal(t, models.PaymentPaid, b.PaymentStatus)
		assert.Equal(t, 1, env.counter(t, slot.ID))

		intent, err := env.db.GetPaymentIntent(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, models.IntentSucceeded, intent.LastStatus)
	})

	t.Run("Idempotent", func(t *testing.T) {
		ok, err := env.bookings.VerifyPayment(ctx, valid)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, env.recorder.count(events.EventBookingConfirmed))
	})
}

func TestVerifyPayment_CancelledBookingIsOrphaned(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	_, err := env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
	require.NoError(t, err)

	orderID := res.PaymentIntent.GatewayOrderID
	ok, err := env.bookings.VerifyPayment(ctx, models.VerifyPaymentRequest{
		BookingID:      res.Booking.ID,
		GatewayOrderID: orderID,
		Signature:      env.gateway.Sign(orderID, fmt.Sprint(res.Booking.ID)),
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, database.ErrInvalidTransition)
	assert.Equal(t, 1, env.recorder.count(events.EventPaymentOrphaned))
	assert.Equal(t, 0, env.counter(t, slot.ID))
}

func TestVerifyPayment_AfterAdminAcceptRecordsPayment(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 1)
	moderation := NewModerationService(env.db, env.bus, nil, env.logger)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	accepted, err := moderation.AdminDecision(ctx, res.Booking.ID, models.DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, accepted.Status)
	assert.Equal(t, models.PaymentPending, accepted.PaymentStatus)

	orderID := res.PaymentIntent.GatewayOrderID
	ok, err := env.bookings.VerifyPayment(ctx, models.VerifyPaymentRequest{
		BookingID:      res.Booking.ID,
		GatewayOrderID: orderID,
		Signature:      env.gateway.Sign(orderID, fmt.Sprint(res.Booking.ID)),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := env.db.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, b.PaymentStatus)
	assert.Equal(t, 1, env.recorder.count(events.EventPaymentRecorded))
	assert.Equal(t, 1, env.counter(t, slot.ID))
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testGatewaySecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 3)

	t.Run("Succeeded", func(t *testing.T) {
		res := env.book(t, slot.ID, "u1", models.PaymentOnline)
		body := []byte(fmt.Sprintf(`{"id":"evt_1","gateway_order_id":%q,"booking_ref":"%d","succeeded":true}`,
			res.PaymentIntent.GatewayOrderID, res.Booking.ID))
		require.NoError(t, env.bookings.HandleWebhook(ctx, body, signWebhook(body)))

		b, err := env.db.GetBooking(ctx, res.Booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, b.Status)
		assert.Equal(t, models.PaymentPaid, b.PaymentStatus)

		// повторная доставка
		require.NoError(t, env.bookings.HandleWebhook(ctx, body, signWebhook(body)))
	})

	t.Run("FailedResolvesBookingByIntent", func(t *testing.T) {
		res := env.book(t, slot.ID, "u2", models.PaymentOnline)
		body := []byte(fmt.Sprintf(`{"id":"evt_2","gateway_order_id":%q,"succeeded":false}`, res.PaymentIntent.GatewayOrderID))
		require.NoError(t, env.bookings.HandleWebhook(ctx, body, signWebhook(body)))

		b, err := env.db.GetBooking(ctx, res.Booking.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaymentPending, b.Status)
		assert.Equal(t, models.PaymentFailed, b.PaymentStatus)
		assert.Equal(t, 1, env.recorder.count(events.EventPaymentFailed))
	})

	t.Run("BadSignature", func(t *testing.T) {
		err := env.bookings.HandleWebhook(ctx, []byte(`{"id":"evt_3"}`), "00")
		assert.Error(t, err)
	})
}

func TestUserCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("ReleasesCapacityOnce", func(t *testing.T) {
		env := newTestEnv(t, BookingOptions{})
		slot := env.slot(t, models.ServiceTattoo, 0, 1)
		res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)

		b, err := env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, b.Status)
		assert.Equal(t, models.CancelByUser, b.CancelReason)

		again, err := env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, again.Status)
		assert.Equal(t, 0, env.counter(t, slot.ID))
		assert.Equal(t, 1, env.recorder.count(events.EventBookingCancelled))
	})

	t.Run("NotOwner", func(t *testing.T) {
		env := newTestEnv(t, BookingOptions{})
		slot := env.slot(t, models.ServiceTattoo, 0, 1)
		res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)

		_, err := env.bookings.UserCancel(ctx, res.Booking.ID, "intruder")
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.Equal(t, 1, env.counter(t, slot.ID))
	})

	t.Run("ConfirmedWithoutCutoff", func(t *testing.T) {
		env := newTestEnv(t, BookingOptions{})
		slot := env.slot(t, models.ServiceTattoo, 0, 1)
		res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)
		_, err := NewModerationService(env.db, nil, nil, env.logger).AdminDecision(ctx, res.Booking.ID, models.DecisionAccept)
		require.NoError(t, err)

		_, err = env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
		assert.ErrorIs(t, err, database.ErrInvalidTransition)
		assert.Equal(t, 1, env.counter(t, slot.ID))
	})

	t.Run("ConfirmedBeforeCutoff", func(t *testing.T) {
		env := newTestEnv(t, BookingOptions{CancelCutoff: 24 * time.Hour})
		slot := env.slot(t, models.ServiceTattoo, 0, 1)
		res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)
		_, err := NewModerationService(env.db, nil, nil, env.logger).AdminDecision(ctx, res.Booking.ID, models.DecisionAccept)
		require.NoError(t, err)

		env.bookings.now = func() time.Time { return testStart.Add(-time.Hour) }
		_, err = env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
		assert.ErrorIs(t, err, database.ErrInvalidTransition)

		env.bookings.now = func() time.Time { return testStart.Add(-48 * time.Hour) }
		b, err := env.bookings.UserCancel(ctx, res.Booking.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, b.Status)
		assert.Equal(t, 0, env.counter(t, slot.ID))
	})
}

func TestCreatePaymentIntent(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 2)

	online := env.book(t, slot.ID, "u1", models.PaymentOnline)
	firstOrder := online.PaymentIntent.GatewayOrderID

	t.Run("ReusesOpenIntent", func(t *testing.T) {
		intent, err := env.bookings.CreatePaymentIntent(ctx, online.Booking.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, firstOrder, intent.GatewayOrderID)
		assert.Equal(t, int64(5000), intent.Amount)

		intents, err := env.db.ListPaymentIntents(ctx, online.Booking.ID)
		require.NoError(t, err)
		assert.Len(t, intents, 1)
	})

	t.Run("NewIntentAfterFailure", func(t *testing.T) {
		body := []byte(fmt.Sprintf(`{"id":"evt_f","gateway_order_id":%q,"succeeded":false}`, firstOrder))
		require.NoError(t, env.bookings.HandleWebhook(ctx, body, signWebhook(body)))

		intent, err := env.bookings.CreatePaymentIntent(ctx, online.Booking.ID, "u1")
		require.NoError(t, err)
		assert.NotEqual(t, firstOrder, intent.GatewayOrderID)

		intents, err := env.db.ListPaymentIntents(ctx, online.Booking.ID)
		require.NoError(t, err)
		require.Len(t, intents, 2)
		assert.Equal(t, firstOrder, intents[0].GatewayOrderID)
		assert.Equal(t, models.IntentFailed, intents[0].LastStatus)
	})

	t.Run("Rejected", func(t *testing.T) {
		_, err := env.bookings.CreatePaymentIntent(ctx, online.Booking.ID, "u2")
		assert.ErrorIs(t, err, ErrNotOwner)

		counter := env.book(t, slot.ID, "u1", models.PaymentAtCounter)
		_, err = env.bookings.CreatePaymentIntent(ctx, counter.Booking.ID, "u1")
		assert.ErrorIs(t, err, database.ErrInvalidTransition)
	})
}

// scriptedGateway answers Verify from a fixed list of verdicts, like a gateway
// whose intent is still processing on the first check.
type scriptedGateway struct {
	*payment.SignedGateway
	mu       sync.Mutex
	verdicts []bool
	calls    int
}

func (g *scriptedGateway) Verify(ctx context.Context, bookingRef string, payload models.SignaturePayload) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.verdicts) == 0 {
		return false, nil
	}
	v := g.verdicts[0]
	g.verdicts = g.verdicts[1:]
	return v, nil
}

func TestVerifyPayment_RetryAfterProcessingIntent(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	gw := &scriptedGateway{SignedGateway: env.gateway, verdicts: []bool{false, true}}
	env.bookings = NewBookingService(env.db, NewCatalogService(testItems, env.logger), gw, env.guard, env.bus, nil, BookingOptions{}, env.logger)
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	req := models.VerifyPaymentRequest{BookingID: res.Booking.ID, GatewayOrderID: res.PaymentIntent.GatewayOrderID}

	ok, err := env.bookings.VerifyPayment(ctx, req)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)

	ok, err = env.bookings.VerifyPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, gw.calls)

	b, err := env.db.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, b.Status)
	assert.Equal(t, models.PaymentPaid, b.PaymentStatus)
}

func TestVerifyPayment_ConfirmedByWebhookAfterFailure(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	gw := &scriptedGateway{SignedGateway: env.gateway, verdicts: []bool{false}}
	env.bookings = NewBookingService(env.db, NewCatalogService(testItems, env.logger), gw, env.guard, env.bus, nil, BookingOptions{}, env.logger)
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	orderID := res.PaymentIntent.GatewayOrderID
	req := models.VerifyPaymentRequest{BookingID: res.Booking.ID, GatewayOrderID: orderID}

	_, err := env.bookings.VerifyPayment(ctx, req)
	require.ErrorIs(t, err, ErrPaymentVerificationFailed)

	body := []byte(fmt.Sprintf(`{"id":"evt_ok","gateway_order_id":%q,"booking_ref":"%d","succeeded":true}`, orderID, res.Booking.ID))
	require.NoError(t, env.bookings.HandleWebhook(ctx, body, signWebhook(body)))

	ok, err := env.bookings.VerifyPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, gw.calls)
}

func TestExpirePendingPayments(t *testing.T) {
	env := newTestEnv(t, BookingOptions{PaymentTTL: 30 * time.Minute})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 3)

	abandoned := env.book(t, slot.ID, "u1", models.PaymentOnline)
	paid := env.book(t, slot.ID, "u2", models.PaymentOnline)
	counter := env.book(t, slot.ID, "u3", models.PaymentAtCounter)

	// платёж прошёл, но клиент не вернулся с подписью
	orderID := paid.PaymentIntent.GatewayOrderID
	ok, err := env.gateway.Verify(ctx, fmt.Sprint(paid.Booking.ID), models.SignaturePayload{
		GatewayOrderID: orderID,
		Signature:      env.gateway.Sign(orderID, fmt.Sprint(paid.Booking.ID)),
	})
	require.NoError(t, err)
	require.True(t, ok)

	early, err := env.bookings.ExpirePendingPayments(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, early.Scanned)

	result, err := env.bookings.ExpirePendingPayments(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Confirmed)
	assert.Equal(t, 0, result.Errors)

	b, err := env.db.GetBooking(ctx, abandoned.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, b.Status)
	assert.Equal(t, models.CancelPaymentExpired, b.CancelReason)

	b, err = env.db.GetBooking(ctx, paid.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, b.Status)
	assert.Equal(t, models.PaymentPaid, b.PaymentStatus)

	b, err = env.db.GetBooking(ctx, counter.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingVerification, b.Status)

	assert.Equal(t, 2, env.counter(t, slot.ID))
	assert.Equal(t, 1, env.recorder.count(events.EventBookingExpired))
}

func TestListUserBookings(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 3)
	env.book(t, slot.ID, "u1", models.PaymentAtCounter)
	env.book(t, slot.ID, "u1", models.PaymentOnline)
	env.book(t, slot.ID, "u2", models.PaymentOnline)

	mine, err := env.bookings.ListUserBookings(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = env.bookings.ListUserBookings(context.Background(), " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExpirePendingPayments_EarlierIntentPaid(t *testing.T) {
	env := newTestEnv(t, BookingOptions{PaymentTTL: 30 * time.Minute})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	res := env.book(t, slot.ID, "u1", models.PaymentOnline)
	firstOrder := res.PaymentIntent.GatewayOrderID
	ref := fmt.Sprint(res.Booking.ID)

	// первая попытка считалась неудачной, клиент открыл вторую
	require.NoError(t, env.db.UpdatePaymentIntentStatus(ctx, firstOrder, models.IntentFailed))
	second, err := env.bookings.CreatePaymentIntent(ctx, res.Booking.ID, "u1")
	require.NoError(t, err)
	require.NotEqual(t, firstOrder, second.GatewayOrderID)

	// деньги всё же пришли по первому intent, а колбэк потерялся
	ok, err := env.gateway.Verify(ctx, ref, models.SignaturePayload{
		GatewayOrderID: firstOrder,
		Signature:      env.gateway.Sign(firstOrder, ref),
	})
	require.NoError(t, err)
	require.True(t, ok)

	result, err := env.bookings.ExpirePendingPayments(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, 1, result.Confirmed)

	b, err := env.db.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, b.Status)
	assert.Equal(t, models.PaymentPaid, b.PaymentStatus)
	assert.Equal(t, 1, env.counter(t, slot.ID))
}

func TestCreateBooking_EventPayload(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 1)

	var payload map[string]any
	env.bus.Subscribe(events.EventBookingCreated, func(e *events.Event) error {
		return json.Unmarshal(e.Payload, &payload)
	})
	res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)

	require.NotNil(t, payload)
	assert.Equal(t, float64(res.Booking.ID), payload["booking_id"])
	assert.Equal(t, float64(slot.ID), payload["slot_id"])
	assert.Equal(t, "pending_verification", payload["status"])
	assert.NotContains(t, payload, "starts_at")
	assert.NotContains(t, payload, "gateway_order_id")
}
