package service

import (
	"context"
	"testing"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/events"
	"inkslot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminDecision(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	slot := env.slot(t, models.ServiceTattoo, 0, 3)
	moderation := NewModerationService(env.db, env.bus, nil, env.logger)

	t.Run("AcceptCounterBooking", func(t *testing.T) {
		res := env.book(t, slot.ID, "u1", models.PaymentAtCounter)
		b, err := moderation.AdminDecision(ctx, res.Booking.ID, models.DecisionAccept)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, b.Status)
		assert.Equal(t, 1, env.counter(t, slot.ID))

		_, err = moderation.AdminDecision(ctx, res.Booking.ID, models.DecisionReject)
		assert.ErrorIs(t, err, database.ErrInvalidTransition)
		assert.Equal(t, 1, env.counter(t, slot.ID))
	})

	t.Run("RejectThenCancelReleasesOnce", func(t *testing.T) {
		res := env.book(t, slot.ID, "u2", models.PaymentAtCounter)
		require.Equal(t, 2, env.counter(t, slot.ID))

		b, err := moderation.AdminDecision(ctx, res.Booking.ID, models.DecisionReject)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, b.Status)
		assert.Equal(t, models.CancelAdminReject, b.CancelReason)
		assert.Equal(t, 1, env.counter(t, slot.ID))

		_, err = env.bookings.UserCancel(ctx, res.Booking.ID, "u2")
		require.NoError(t, err)
		assert.Equal(t, 1, env.counter(t, slot.ID))
	})

	t.Run("UnknownDecision", func(t *testing.T) {
		_, err := moderation.AdminDecision(ctx, 1, models.Decision("maybe"))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("MissingBooking", func(t *testing.T) {
		_, err := moderation.AdminDecision(ctx, 999, models.DecisionAccept)
		assert.ErrorIs(t, err, database.ErrBookingNotFound)
	})
}

func TestListBookingsByStatus(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	slot := env.slot(t, models.ServiceTattoo, 0, 3)
	moderation := NewModerationService(env.db, nil, nil, env.logger)
	env.book(t, slot.ID, "u1", models.PaymentAtCounter)
	env.book(t, slot.ID, "u2", models.PaymentOnline)

	pending, err := moderation.ListBookings(context.Background(), models.StatusPendingVerification)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u1", pending[0].UserID)

	all, err := moderation.ListBookings(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = moderation.ListBookings(context.Background(), models.BookingStatus("lost"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCheckConsistency(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	moderation := NewModerationService(env.db, env.bus, nil, env.logger)

	healthy := env.slot(t, models.ServiceTattoo, 0, 2)
	env.book(t, healthy.ID, "u1", models.PaymentAtCounter)
	broken := env.slot(t, models.ServiceTattoo, 3*time.Hour, 3)
	env.book(t, broken.ID, "u2", models.PaymentAtCounter)
	_, err := env.db.ExecContext(ctx, `UPDATE slots SET current_bookings = 3, is_available = 0 WHERE id = ?`, broken.ID)
	require.NoError(t, err)

	report, err := moderation.CheckConsistency(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, broken.ID, report.Drifts[0].SlotID)
	assert.Zero(t, report.Repaired)
	assert.Equal(t, 3, env.counter(t, broken.ID))
	assert.Equal(t, 1, env.recorder.count(events.EventCapacityDrift))

	report, err = moderation.CheckConsistency(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, env.counter(t, broken.ID))

	report, err = moderation.CheckConsistency(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}
