package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inkslot/internal/config"
	"inkslot/internal/database"
	"inkslot/internal/events"
	"inkslot/internal/models"
	"inkslot/internal/payment"
	"inkslot/internal/repository"
	"inkslot/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-secret"

var testStart = time.Date(2030, 5, 14, 10, 0, 0, 0, time.UTC)

var testItems = []models.ServiceItem{
	{ID: "koi-sleeve", Name: "Koi sleeve", ServiceType: models.ServiceTattoo, Price: 5000, Currency: "INR", IsActive: true},
	{ID: "helix", Name: "Helix", ServiceType: models.ServicePiercing, Price: 1500, IsActive: true},
}

type caller struct {
	key, extra string
}

var (
	appCaller   = caller{"app-key", "app-extra"}
	adminCaller = caller{"admin-key", "admin-extra"}
	readCaller  = caller{"read-key", "read-extra"}
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			HeaderUserID: "x-user-id",
			APIKeys: []config.APIClientKey{
				{Key: appCaller.key, Extra: appCaller.extra, Name: "app", Permissions: []string{PermissionReadSlots, PermissionBookings}},
				{Key: adminCaller.key, Extra: adminCaller.extra, Name: "desk", Permissions: []string{PermissionAdmin}},
				{Key: readCaller.key, Extra: readCaller.extra, Name: "kiosk", Permissions: []string{PermissionReadSlots}},
			},
		},
	}
}

type testAPI struct {
	db      *database.DB
	gateway *payment.SignedGateway
	slots   *service.SlotService
	handler http.Handler
}

func newTestAPI(t *testing.T, cfg config.APIConfig) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gateway := payment.NewSignedGateway(testSecret, &logger)
	bus := events.NewEventBus()
	catalog := service.NewCatalogService(testItems, &logger)
	slots := service.NewSlotService(db, bus, nil, &logger)

	srv := NewHTTPServer(cfg, Services{
		Bookings:   service.NewBookingService(db, catalog, gateway, repository.NewMemoryGuardRepository(), bus, nil, service.BookingOptions{}, &logger),
		Moderation: service.NewModerationService(db, bus, nil, &logger),
		Slots:      slots,
		Tasks:      service.NewTaskService(db, &logger),
		Catalog:    catalog,
		Store:      db,
	}, &logger)

	return &testAPI{db: db, gateway: gateway, slots: slots, handler: srv.Handler()}
}

func (a *testAPI) slot(t *testing.T, serviceType models.ServiceType, maxBookings int) *models.Slot {
	t.Helper()
	slot, err := a.db.CreateSlot(context.Background(), models.SlotWindow{
		ServiceType: serviceType,
		StartsAt:    testStart,
		EndsAt:      testStart.Add(time.Hour),
	}, maxBookings)
	require.NoError(t, err)
	return slot
}

// do sends body as JSON and decodes the response into out when out is non-nil.
func (a *testAPI) do(t *testing.T, c caller, user, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("x-api-key", c.key)
		req.Header.Set("x-api-extra", c.extra)
	}
	if user != "" {
		req.Header.Set("x-user-id", user)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}
