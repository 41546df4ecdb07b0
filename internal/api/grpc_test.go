package api

import (
	"context"
	"net"
	"testing"

	"inkslot/internal/config"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startBufconnServer(t *testing.T, api *testAPI, cfg config.APIConfig) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	logger := zerolog.Nop()

	srv, err := newGRPCServer(&cfg, api.slots, lis, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func withKey(c caller) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-api-key", c.key, "x-api-extra", c.extra)
}

func TestGRPCSlotService(t *testing.T) {
	cfg := testAPIConfig()
	api := newTestAPI(t, cfg)
	slot := api.slot(t, models.ServiceTattoo, 2)
	client := NewSlotClient(startBufconnServer(t, api, cfg))

	t.Run("ListSlots", func(t *testing.T) {
		req, err := structpb.NewStruct(map[string]any{"date": slot.Date, "service_type": "tattoo"})
		require.NoError(t, err)

		resp, err := client.ListSlots(withKey(readCaller), req)
		require.NoError(t, err)
		slots := resp.GetFields()["slots"].GetListValue().GetValues()
		require.Len(t, slots, 1)
		fields := slots[0].GetStructValue().GetFields()
		assert.Equal(t, float64(slot.ID), fields["id"].GetNumberValue())
		assert.Equal(t, float64(2), fields["max_bookings"].GetNumberValue())
		assert.True(t, fields["is_available"].GetBoolValue())
	})

	t.Run("GetSlot", func(t *testing.T) {
		resp, err := client.GetSlot(withKey(readCaller), slot.ID)
		require.NoError(t, err)
		assert.Equal(t, "tattoo", resp.GetFields()["service_type"].GetStringValue())
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := client.GetSlot(withKey(readCaller), 999)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("BadDate", func(t *testing.T) {
		req, err := structpb.NewStruct(map[string]any{"date": "tomorrow"})
		require.NoError(t, err)
		_, err = client.ListSlots(withKey(readCaller), req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		_, err := client.ListSlots(context.Background(), nil)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		_, err := client.GetSlot(withKey(adminCaller), slot.ID)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})
}

func TestGRPCHealth(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	api := newTestAPI(t, cfg)
	conn := startBufconnServer(t, api, cfg)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: slotServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	api := newTestAPI(t, cfg)
	slot := api.slot(t, models.ServiceTattoo, 1)
	client := NewSlotClient(startBufconnServer(t, api, cfg))

	_, err := client.GetSlot(withKey(readCaller), slot.ID)
	require.NoError(t, err)
	_, err = client.GetSlot(withKey(readCaller), slot.ID)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestBuildTLSConfig(t *testing.T) {
	_, err := buildTLSConfig(config.APITLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = buildTLSConfig(config.APITLSConfig{Enabled: true, CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.Error(t, err)
}

func TestSlotClientRejectsBadID(t *testing.T) {
	_, err := NewSlotClient(nil).GetSlot(context.Background(), 0)
	assert.Error(t, err)
}
