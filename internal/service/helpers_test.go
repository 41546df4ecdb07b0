package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/events"
	"inkslot/internal/models"
	"inkslot/internal/payment"
	"inkslot/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testGatewaySecret = "counter-secret"

var testStart = time.Date(2030, 5, 14, 10, 0, 0, 0, time.UTC)

var testItems = []models.ServiceItem{
	{ID: "koi-sleeve", Name: "Koi sleeve", ServiceType: models.ServiceTattoo, Price: 5000, Currency: "INR", IsActive: true},
	{ID: "helix", Name: "Helix", ServiceType: models.ServicePiercing, Price: 1500, IsActive: true},
	{ID: "retired", Name: "Retired flash", ServiceType: models.ServiceTattoo, Price: 100, IsActive: false},
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) handle(e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Type)
	return nil
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	db       *database.DB
	gateway  *payment.SignedGateway
	guard    *repository.MemoryGuardRepository
	bus      *events.EventBus
	recorder *eventRecorder
	logger   *zerolog.Logger
	bookings *BookingService
}

func newTestEnv(t *testing.T, opts BookingOptions) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:       db,
		gateway:  payment.NewSignedGateway(testGatewaySecret, &logger),
		guard:    repository.NewMemoryGuardRepository(),
		bus:      events.NewEventBus(),
		recorder: &eventRecorder{},
		logger:   &logger,
	}
	env.bus.SubscribeAll(env.recorder.handle)
	env.bookings = NewBookingService(db, NewCatalogService(testItems, &logger), env.gateway, env.guard, env.bus, nil, opts, &logger)
	return env
}

func (e *testEnv) slot(t *testing.T, serviceType models.ServiceType, offset time.Duration, maxBookings int) *models.Slot {
	t.Helper()
	slot, err := e.db.CreateSlot(context.Background(), models.SlotWindow{
		ServiceType: serviceType,
		StartsAt:    testStart.Add(offset),
		EndsAt:      testStart.Add(offset + time.Hour),
	}, maxBookings)
	require.NoError(t, err)
	return slot
}

func (e *testEnv) counter(t *testing.T, slotID int64) int {
	t.Helper()
	slot, err := e.db.GetSlot(context.Background(), slotID)
	require.NoError(t, err)
	return slot.CurrentBookings
}

func (e *testEnv) book(t *testing.T, slotID int64, user string, method models.PaymentMethod) *models.BookingResult {
	t.Helper()
	res, err := e.bookings.CreateBooking(context.Background(), models.CreateBookingRequest{
		SlotID:        slotID,
		UserID:        user,
		ServiceItemID: "koi-sleeve",
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return res
}
