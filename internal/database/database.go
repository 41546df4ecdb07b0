package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// maxReserveAttempts bounds the compare-and-swap loop on a slot counter.
const maxReserveAttempts = 5

type DB struct {
	*sql.DB
	logger *zerolog.Logger
	path   string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate&_loc=UTC"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps :memory: databases shared too.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := newWithConn(conn, logger)
	db.path = path

	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return db, nil
}

func newWithConn(conn *sql.DB, logger *zerolog.Logger) *DB {
	l := logger.With().Str("component", "database").Logger()
	return &DB{DB: conn, logger: &l}
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS slots (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            service_type TEXT NOT NULL,
            date TEXT NOT NULL,
            starts_at DATETIME NOT NULL,
            ends_at DATETIME NOT NULL,
            max_bookings INTEGER NOT NULL CHECK (max_bookings > 0),
            current_bookings INTEGER NOT NULL DEFAULT 0 CHECK (current_bookings >= 0),
            is_available BOOLEAN NOT NULL DEFAULT 1,
            version INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            deleted_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            slot_id INTEGER NOT NULL REFERENCES slots(id),
            user_id TEXT NOT NULL,
            service_item_id TEXT NOT NULL,
            final_price INTEGER NOT NULL,
            currency TEXT NOT NULL,
            payment_method TEXT NOT NULL,
            status TEXT NOT NULL,
            payment_status TEXT NOT NULL,
            cancel_reason TEXT NOT NULL DEFAULT '',
            payment_intent_id TEXT,
            version INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS payment_intents (
            gateway_order_id TEXT PRIMARY KEY,
            booking_id INTEGER NOT NULL REFERENCES bookings(id),
            amount INTEGER NOT NULL,
            currency TEXT NOT NULL,
            client_token TEXT NOT NULL DEFAULT '',
            last_status TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS staff_tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            assigned_to TEXT,
            created_at DATETIME NOT NULL,
            claimed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            booking_id INTEGER NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_window ON slots(service_type, starts_at, ends_at) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_slots_date ON slots(date)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_slot_status ON bookings(slot_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_intents_booking ON payment_intents(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", firstLine(query), err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits when fn returns nil.
// fn must only use tx: the pool holds a single connection.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func firstLine(q string) string {
	if i := strings.IndexByte(q, '\n'); i > 0 {
		return q[:i]
	}
	return q
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
