package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkslot/internal/models"
)

const slotColumns = `id, service_type, date, starts_at, ends_at, max_bookings, current_bookings,
	is_available, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (*models.Slot, error) {
	var s models.Slot
	err := row.Scan(
		&s.ID, &s.ServiceType, &s.Date, &s.StartsAt, &s.EndsAt, &s.MaxBookings, &s.CurrentBookings,
		&s.IsAvailable, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.StartsAt = s.StartsAt.UTC()
	s.EndsAt = s.EndsAt.UTC()
	return &s, nil
}

func normalizeWindow(w models.SlotWindow, maxBookings int) (models.SlotWindow, error) {
	w.StartsAt = w.StartsAt.UTC().Truncate(time.Second)
	w.EndsAt = w.EndsAt.UTC().Truncate(time.Second)
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	if maxBookings < 1 {
		return w, fmt.Errorf("%w: max_bookings must be positive, got %d", ErrInvalidWindow, maxBookings)
	}
	return w, nil
}

// CreateSlot persists a new slot with an empty counter.
// Identical windows for the same service are rejected; partial overlaps are allowed.
func (db *DB) CreateSlot(ctx context.Context, w models.SlotWindow, maxBookings int) (*models.Slot, error) {
	w, err := normalizeWindow(w, maxBookings)
	if err != nil {
		return nil, err
	}

	var slot *models.Slot
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		slot, txErr = createSlot(ctx, tx, w, maxBookings, time.Now().UTC())
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// CreateSlots inserts a batch of windows in one transaction, skipping identical existing ones.
func (db *DB) CreateSlots(ctx context.Context, windows []models.SlotWindow, maxBookings int) ([]*models.Slot, int, error) {
	normalized := make([]models.SlotWindow, 0, len(windows))
	for _, w := range windows {
		nw, err := normalizeWindow(w, maxBookings)
		if err != nil {
			return nil, 0, err
		}
		normalized = append(normalized, nw)
	}

	var created []*models.Slot
	skipped := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, w := range normalized {
			slot, err := createSlot(ctx, tx, w, maxBookings, now)
			if errors.Is(err, ErrOverlap) {
				skipped++
				continue
			}
			if err != nil {
				return err
			}
			created = append(created, slot)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return created, skipped, nil
}

func createSlot(ctx context.Context, q querier, w models.SlotWindow, maxBookings int, now time.Time) (*models.Slot, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE service_type = ? AND starts_at = ? AND ends_at = ? AND deleted_at IS NULL`,
		w.ServiceType, w.StartsAt, w.EndsAt,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check slot window: %w", err)
	}
	if exists > 0 {
		return nil, ErrOverlap
	}

	slot := &models.Slot{
		ServiceType: w.ServiceType,
		Date:        w.StartsAt.Format(models.DateLayout),
		StartsAt:    w.StartsAt,
		EndsAt:      w.EndsAt,
		MaxBookings: maxBookings,
		IsAvailable: true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := q.ExecContext(ctx, `INSERT INTO slots (
				service_type, date, starts_at, ends_at, max_bookings, current_bookings,
				is_available, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, 1, 1, ?, ?)`,
		slot.ServiceType, slot.Date, slot.StartsAt, slot.EndsAt, slot.MaxBookings, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOverlap
		}
		return nil, fmt.Errorf("failed to create slot: %w", err)
	}

	slot.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return slot, nil
}

func (db *DB) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return getSlot(ctx, db, id)
}

func getSlot(ctx context.Context, q querier, id int64) (*models.Slot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ? AND deleted_at IS NULL`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

func (db *DB) ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any

	if filter.Date != "" {
		where = append(where, "date = ?")
		args = append(args, filter.Date)
	}
	if filter.ServiceType != "" {
		where = append(where, "service_type = ?")
		args = append(args, filter.ServiceType)
	}
	if filter.OnlyAvailable {
		where = append(where, "is_available = 1")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + slotColumns + ` FROM slots WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY starts_at ASC, id ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]*models.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// UpdateSlotCapacity changes max_bookings, refusing values below the current counter.
func (db *DB) UpdateSlotCapacity(ctx context.Context, id int64, maxBookings int) (*models.Slot, error) {
	if maxBookings < 1 {
		return nil, fmt.Errorf("%w: max_bookings must be positive, got %d", ErrInvalidWindow, maxBookings)
	}

	var slot *models.Slot
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE slots
			SET max_bookings = ?, is_available = (current_bookings < ?), version = version + 1, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL AND current_bookings <= ?`,
			maxBookings, maxBookings, time.Now().UTC(), id, maxBookings,
		)
		if err != nil {
			return fmt.Errorf("failed to update slot capacity: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getSlot(ctx, tx, id); err != nil {
				return err
			}
			return ErrCapacityBelowUsage
		}
		slot, err = getSlot(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// DeleteSlot soft-deletes a slot that holds no bookings.
func (db *DB) DeleteSlot(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return deleteEmptySlot(ctx, tx, id, time.Now().UTC())
	})
}

func deleteEmptySlot(ctx context.Context, q querier, id int64, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE slots SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL AND current_bookings = 0`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getSlot(ctx, q, id); err != nil {
			return err
		}
		return ErrSlotInUse
	}
	return nil
}

// ReserveSlot claims one unit of capacity outside of booking creation.
func (db *DB) ReserveSlot(ctx context.Context, id int64) error {
	return reserveSlot(ctx, db, id, time.Now().UTC())
}

// ReleaseSlot gives back one unit of capacity, never going below zero.
func (db *DB) ReleaseSlot(ctx context.Context, id int64) error {
	return releaseSlot(ctx, db, id, time.Now().UTC())
}

// reserveSlot is a compare-and-swap on the slot version. A lost race re-reads
// the counter and tries again, a full slot fails immediately.
func reserveSlot(ctx context.Context, q querier, id int64, now time.Time) error {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		var current, maxBookings int
		var version int64
		err := q.QueryRowContext(ctx,
			`SELECT current_bookings, max_bookings, version FROM slots WHERE id = ? AND deleted_at IS NULL`, id,
		).Scan(&current, &maxBookings, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSlotNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read slot counter: %w", err)
		}
		if current >= maxBookings {
			return ErrSlotFull
		}

		res, err := q.ExecContext(ctx, `UPDATE slots
			SET current_bookings = current_bookings + 1,
			    is_available = (current_bookings + 1 < max_bookings),
			    version = version + 1,
			    updated_at = ?
			WHERE id = ? AND version = ? AND current_bookings < max_bookings`,
			now, id, version,
		)
		if err != nil {
			return fmt.Errorf("failed to reserve slot: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("reserve slot %d: %w", id, ErrConcurrentModification)
}

func releaseSlot(ctx context.Context, q querier, id int64, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE slots
		SET current_bookings = MAX(current_bookings - 1, 0),
		    is_available = (MAX(current_bookings - 1, 0) < max_bookings),
		    version = version + 1,
		    updated_at = ?
		WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlotNotFound
	}
	return nil
}
