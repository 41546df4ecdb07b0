package repository

import (
	"context"
	"sync"
	"time"

	"inkslot/internal/domain"
	"inkslot/internal/models"

	"github.com/rs/zerolog"
)

const failoverRecheck = time.Minute

// FailoverGuardRepository routes to the primary guard store and switches to the
// fallback after the primary fails, probing the primary again once a minute.
type FailoverGuardRepository struct {
	primary  domain.GuardRepository
	fallback domain.GuardRepository
	logger   *zerolog.Logger

	mu        sync.Mutex
	isDown    bool
	lastCheck time.Time
}

func NewFailoverGuardRepository(primary, fallback domain.GuardRepository, logger *zerolog.Logger) *FailoverGuardRepository {
	l := logger.With().Str("component", "guard_failover").Logger()
	return &FailoverGuardRepository{
		primary:  primary,
		fallback: fallback,
		logger:   &l,
	}
}

// target picks the store for the next call.
func (r *FailoverGuardRepository) target() (domain.GuardRepository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isDown {
		return r.primary, true
	}
	if time.Since(r.lastCheck) > failoverRecheck {
		r.lastCheck = time.Now()
		return r.primary, true
	}
	return r.fallback, false
}

// observe records the outcome of a primary call and reports whether to fall back.
func (r *FailoverGuardRepository) observe(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		if r.isDown {
			r.logger.Info().Msg("Primary guard repository recovered")
		}
		r.isDown = false
		return false
	}
	if !r.isDown {
		r.logger.Error().Err(err).Msg("Primary guard repository failed, falling back to memory")
	}
	r.isDown = true
	r.lastCheck = time.Now()
	return true
}

func (r *FailoverGuardRepository) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if repo, primary := r.target(); primary {
		token, ok, err := repo.AcquireLease(ctx, name, ttl)
		if !r.observe(err) {
			return token, ok, nil
		}
	}
	return r.fallback.AcquireLease(ctx, name, ttl)
}

func (r *FailoverGuardRepository) ReleaseLease(ctx context.Context, name, token string) error {
	if repo, primary := r.target(); primary {
		if !r.observe(repo.ReleaseLease(ctx, name, token)) {
			return nil
		}
	}
	return r.fallback.ReleaseLease(ctx, name, token)
}

func (r *FailoverGuardRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if repo, primary := r.target(); primary {
		allowed, err := repo.CheckRateLimit(ctx, key, limit, window)
		if !r.observe(err) {
			return allowed, nil
		}
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}

func (r *FailoverGuardRepository) GetVerification(ctx context.Context, key string) (*models.VerificationRecord, error) {
	if repo, primary := r.target(); primary {
		rec, err := repo.GetVerification(ctx, key)
		if !r.observe(err) {
			return rec, nil
		}
	}
	return r.fallback.GetVerification(ctx, key)
}

func (r *FailoverGuardRepository) SetVerification(ctx context.Context, key string, rec *models.VerificationRecord, ttl time.Duration) error {
	if repo, primary := r.target(); primary {
		if !r.observe(repo.SetVerification(ctx, key, rec, ttl)) {
			return nil
		}
	}
	return r.fallback.SetVerification(ctx, key, rec, ttl)
}
