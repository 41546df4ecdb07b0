package postgres

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2030, 5, 14, 10, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INKSLOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INKSLOT_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	logger := zerolog.Nop()
	s, err := Open(ctx, dsn, &logger)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE payment_intents, bookings, slots, staff_tasks, sync_queue RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateSlot(t *testing.T, s *Store, offset time.Duration, maxBookings int) *models.Slot {
	t.Helper()
	slot, err := s.CreateSlot(context.Background(), models.SlotWindow{
		ServiceType: models.ServicePiercing,
		StartsAt:    testStart.Add(offset),
		EndsAt:      testStart.Add(offset + time.Hour),
	}, maxBookings)
	require.NoError(t, err)
	return slot
}

func newBooking(slotID int64, user string) *models.Booking {
	return &models.Booking{
		SlotID:        slotID,
		UserID:        user,
		ServiceItemID: "helix",
		FinalPrice:    1500,
		Currency:      models.DefaultCurrency,
		PaymentMethod: models.PaymentOnline,
		Status:        models.StatusPaymentPending,
		PaymentStatus: models.PaymentPending,
	}
}

func TestStore_SlotLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	slot := mustCreateSlot(t, s, 0, 2)
	assert.Equal(t, "2030-05-14", slot.Date)
	assert.True(t, slot.IsAvailable)

	_, err := s.CreateSlot(ctx, models.SlotWindow{
		ServiceType: models.ServicePiercing,
		StartsAt:    testStart,
		EndsAt:      testStart.Add(time.Hour),
	}, 1)
	assert.ErrorIs(t, err, database.ErrOverlap)

	updated, err := s.UpdateSlotCapacity(ctx, slot.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.MaxBookings)

	require.NoError(t, s.DeleteSlot(ctx, slot.ID))
	_, err = s.GetSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, database.ErrSlotNotFound)
}

func TestStore_ConcurrentReservations(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	slot := mustCreateSlot(t, s, 0, 3)

	var wg sync.WaitGroup
	var ok, full int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "user"))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, database.ErrSlotFull):
				atomic.AddInt32(&full, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok)
	assert.Equal(t, int32(7), full)

	got, err := s.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentBookings)
	assert.False(t, got.IsAvailable)
}

func TestStore_ConcurrentReservationsWithFreeCapacity(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	const callers = 25
	slot := mustCreateSlot(t, s, 0, callers)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "user"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, callers, got.CurrentBookings)
	assert.False(t, got.IsAvailable)

	assert.ErrorIs(t, s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "late")), database.ErrSlotFull)
}

func TestStore_TransitionReleasesOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	slot := mustCreateSlot(t, s, 0, 1)

	b := newBooking(slot.ID, "user")
	require.NoError(t, s.ReserveAndCreateBooking(ctx, b))

	tr, _ := models.TransitionFor(models.ActionUserCancel)
	cancelled, applied, err := s.TransitionBooking(ctx, b.ID, tr)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.CancelByUser, cancelled.CancelReason)

	_, applied, err = s.TransitionBooking(ctx, b.ID, tr)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentBookings)
	assert.True(t, got.IsAvailable)
}

func TestStore_DeleteSlotCascade(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	slot := mustCreateSlot(t, s, 0, 2)

	require.NoError(t, s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "a")))
	require.NoError(t, s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "b")))

	assert.ErrorIs(t, s.DeleteSlot(ctx, slot.ID), database.ErrSlotInUse)

	cancelled, err := s.DeleteSlotCascade(ctx, slot.ID)
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
	for _, b := range cancelled {
		assert.Equal(t, models.CancelSlotDeleted, b.CancelReason)
	}
}

func TestStore_CapacityDriftRepair(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	slot := mustCreateSlot(t, s, 0, 3)
	require.NoError(t, s.ReserveAndCreateBooking(ctx, newBooking(slot.ID, "a")))
	require.NoError(t, s.ReserveSlot(ctx, slot.ID))

	drifts, checked, err := s.CapacityDrifts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)
	require.Len(t, drifts, 1)
	assert.Equal(t, 2, drifts[0].CurrentBookings)
	assert.Equal(t, 1, drifts[0].ActiveBookings)

	require.NoError(t, s.RepairSlotCounter(ctx, slot.ID))
	drifts, _, err = s.CapacityDrifts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestStore_ClaimTask(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "sterilise station 2")
	require.NoError(t, err)

	claimed, err := s.ClaimTask(ctx, task.ID, "alex")
	require.NoError(t, err)
	assert.True(t, claimed.Claimed())

	_, err = s.ClaimTask(ctx, task.ID, "sam")
	assert.ErrorIs(t, err, database.ErrAlreadyClaimed)

	_, err = s.UnclaimTask(ctx, task.ID, "sam")
	assert.ErrorIs(t, err, database.ErrNotAssignee)
}
