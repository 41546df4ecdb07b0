package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const maxReserveAttempts = 5

// Store is the Postgres implementation of the booking repository, used when
// several API instances share one database.
type Store struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, connString string, logger *zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	s := NewStore(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(pool *pgxpool.Pool, logger *zerolog.Logger) *Store {
	l := logger.With().Str("component", "postgres").Logger()
	return &Store{pool: pool, logger: &l}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			id BIGSERIAL PRIMARY KEY,
			service_type TEXT NOT NULL,
			date TEXT NOT NULL,
			starts_at TIMESTAMPTZ NOT NULL,
			ends_at TIMESTAMPTZ NOT NULL,
			max_bookings INTEGER NOT NULL CHECK (max_bookings > 0),
			current_bookings INTEGER NOT NULL DEFAULT 0 CHECK (current_bookings >= 0),
			is_available BOOLEAN NOT NULL DEFAULT TRUE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id BIGSERIAL PRIMARY KEY,
			slot_id BIGINT NOT NULL REFERENCES slots(id),
			user_id TEXT NOT NULL,
			service_item_id TEXT NOT NULL,
			final_price BIGINT NOT NULL,
			currency TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_status TEXT NOT NULL,
			cancel_reason TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
			gateway_order_id TEXT PRIMARY KEY,
			booking_id BIGINT NOT NULL REFERENCES bookings(id),
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			client_token TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS staff_tasks (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			assigned_to TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id BIGSERIAL PRIMARY KEY,
			task_type TEXT NOT NULL,
			booking_id BIGINT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_window ON slots(service_type, starts_at, ends_at) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_slots_date ON slots(date)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_slot_status ON bookings(slot_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
