package repository

import (
	"context"
	"sync"
	"time"

	"inkslot/internal/models"

	"github.com/google/uuid"
)

// MemoryGuardRepository is the single-instance fallback for RedisGuardRepository.
type MemoryGuardRepository struct {
	mu            sync.Mutex
	leases        map[string]memoryEntry
	rateLimits    map[string]*rateLimitEntry
	verifications map[string]memoryEntry
	now           func() time.Time
}

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemoryGuardRepository() *MemoryGuardRepository {
	return &MemoryGuardRepository{
		leases:        make(map[string]memoryEntry),
		rateLimits:    make(map[string]*rateLimitEntry),
		verifications: make(map[string]memoryEntry),
		now:           time.Now,
	}
}

func (r *MemoryGuardRepository) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.leases[name]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	r.leases[name] = memoryEntry{value: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (r *MemoryGuardRepository) ReleaseLease(ctx context.Context, name, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.leases[name]; ok && e.value == token {
		delete(r.leases, name)
	}
	return nil
}

func (r *MemoryGuardRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}

func (r *MemoryGuardRepository) GetVerification(ctx context.Context, key string) (*models.VerificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.verifications[key]
	if !ok || !r.now().Before(e.expiresAt) {
		delete(r.verifications, key)
		return nil, nil
	}
	rec := e.value.(models.VerificationRecord)
	return &rec, nil
}

func (r *MemoryGuardRepository) SetVerification(ctx context.Context, key string, rec *models.VerificationRecord, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.verifications[key] = memoryEntry{value: *rec, expiresAt: r.now().Add(ttl)}
	return nil
}
