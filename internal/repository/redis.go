package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/config"
	"inkslot/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errNilClient = errors.New("redis client is nil")

// releaseLeaseScript deletes the lease only when the caller still holds it.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuardRepository keeps leases, rate-limit counters and verification
// records in Redis so that every API instance sees the same state.
type RedisGuardRepository struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisGuardRepository(client *redis.Client) *RedisGuardRepository {
	return &RedisGuardRepository{client: client}
}

func leaseKey(name string) string       { return "lease:" + name }
func rateLimitKey(key string) string    { return "rate_limit:" + key }
func verificationKey(key string) string { return "verification:" + key }

// AcquireLease takes the named lease for ttl. The returned token is needed to release it.
func (r *RedisGuardRepository) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if r.client == nil {
		return "", false, errNilClient
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisGuardRepository) ReleaseLease(ctx context.Context, name, token string) error {
	if r.client == nil {
		return errNilClient
	}
	if err := releaseLeaseScript.Run(ctx, r.client, []string{leaseKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

func (r *RedisGuardRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}
	k := rateLimitKey(key)
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, k, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}
	return count <= int64(limit), nil
}

// GetVerification returns nil without error when nothing is cached.
func (r *RedisGuardRepository) GetVerification(ctx context.Context, key string) (*models.VerificationRecord, error) {
	if r.client == nil {
		return nil, errNilClient
	}
	val, err := r.client.Get(ctx, verificationKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification from redis: %w", err)
	}

	var rec models.VerificationRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification: %w", err)
	}
	return &rec, nil
}

func (r *RedisGuardRepository) SetVerification(ctx context.Context, key string, rec *models.VerificationRecord, ttl time.Duration) error {
	if r.client == nil {
		return errNilClient
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal verification: %w", err)
	}
	if err := r.client.Set(ctx, verificationKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set verification in redis: %w", err)
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
