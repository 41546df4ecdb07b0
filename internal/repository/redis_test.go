package repository

import (
	"context"
	"testing"
	"time"

	"inkslot/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGuardRepository(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	repo := NewRedisGuardRepository(client)
	ctx := context.Background()

	t.Run("LeaseIsExclusive", func(t *testing.T) {
		token, ok, err := repo.AcquireLease(ctx, "sweep", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEmpty(t, token)

		_, ok, err = repo.AcquireLease(ctx, "sweep", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// чужой токен не снимает аренду
		require.NoError(t, repo.ReleaseLease(ctx, "sweep", "someone-else"))
		assert.True(t, s.Exists("lease:sweep"))

		require.NoError(t, repo.ReleaseLease(ctx, "sweep", token))
		assert.False(t, s.Exists("lease:sweep"))
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		_, ok, err := repo.AcquireLease(ctx, "consistency", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		s.FastForward(2 * time.Second)

		_, ok, err = repo.AcquireLease(ctx, "consistency", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RateLimit", func(t *testing.T) {
		key := "bookings:user-1"
		window := time.Second

		for i := 0; i < 2; i++ {
			allowed, err := repo.CheckRateLimit(ctx, key, 2, window)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		allowed, err := repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.False(t, allowed)

		s.FastForward(window + time.Millisecond)

		allowed, err = repo.CheckRateLimit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Verification", func(t *testing.T) {
		got, err := repo.GetVerification(ctx, "42:pi_1")
		require.NoError(t, err)
		assert.Nil(t, got)

		rec := &models.VerificationRecord{
			BookingID:  42,
			OrderID:    "pi_1",
			Verified:   true,
			VerifiedAt: time.Date(2030, 5, 14, 10, 0, 0, 0, time.UTC),
		}
		require.NoError(t, repo.SetVerification(ctx, "42:pi_1", rec, time.Hour))

		got, err = repo.GetVerification(ctx, "42:pi_1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.BookingID, got.BookingID)
		assert.True(t, got.Verified)
		assert.True(t, rec.VerifiedAt.Equal(got.VerifiedAt))

		s.FastForward(2 * time.Hour)
		got, err = repo.GetVerification(ctx, "42:pi_1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisGuardRepository(nil)
		_, err := repo.GetVerification(ctx, "x")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("UnavailableServer", func(t *testing.T) {
		dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer dead.Close()
		_, _, err := NewRedisGuardRepository(dead).AcquireLease(ctx, "sweep", time.Second)
		assert.Error(t, err)
	})
}

func TestClose(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	assert.NoError(t, Close(client))
	assert.NoError(t, Close(nil))
}
