package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkslot/internal/database"
	"inkslot/internal/models"

	"github.com/jackc/pgx/v5"
)

const slotColumns = `id, service_type, date, starts_at, ends_at, max_bookings, current_bookings,
	is_available, version, created_at, updated_at`

func scanSlot(row pgx.Row) (*models.Slot, error) {
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
		return w, fmt.Errorf("%w: %v", database.ErrInvalidWindow, err)
	}
	if maxBookings < 1 {
		return w, fmt.Errorf("%w: max_bookings must be positive, got %d", database.ErrInvalidWindow, maxBookings)
	}
	return w, nil
}

func (s *Store) CreateSlot(ctx context.Context, w models.SlotWindow, maxBookings int) (*models.Slot, error) {
	w, err := normalizeWindow(w, maxBookings)
	if err != nil {
		return nil, err
	}
	var slot *models.Slot
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		slot, txErr = createSlot(ctx, tx, w, maxBookings, time.Now().UTC())
		return txErr
	})
	return slot, err
}

func (s *Store) CreateSlots(ctx context.Context, windows []models.SlotWindow, maxBookings int) ([]*models.Slot, int, error) {
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, w := range normalized {
			slot, err := createSlot(ctx, tx, w, maxBookings, now)
			if errors.Is(err, database.ErrOverlap) {
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
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM slots WHERE service_type = $1 AND starts_at = $2 AND ends_at = $3 AND deleted_at IS NULL
		)`, w.ServiceType, w.StartsAt, w.EndsAt).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check slot window: %w", err)
	}
	if exists {
		return nil, database.ErrOverlap
	}

	row := q.QueryRow(ctx, `
		INSERT INTO slots (service_type, date, starts_at, ends_at, max_bookings, current_bookings,
			is_available, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, TRUE, 1, $6, $6)
		RETURNING `+slotColumns,
		w.ServiceType, w.StartsAt.Format(models.DateLayout), w.StartsAt, w.EndsAt, maxBookings, now,
	)
	slot, err := scanSlot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, database.ErrOverlap
		}
		return nil, fmt.Errorf("create slot: %w", err)
	}
	return slot, nil
}

func (s *Store) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return getSlot(ctx, s.pool, id)
}

func getSlot(ctx context.Context, q querier, id int64) (*models.Slot, error) {
	slot, err := scanSlot(q.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (s *Store) ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Date != "" {
		where = append(where, "date = "+arg(filter.Date))
	}
	if filter.ServiceType != "" {
		where = append(where, "service_type = "+arg(filter.ServiceType))
	}
	if filter.OnlyAvailable {
		where = append(where, "is_available")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}

	query := `SELECT ` + slotColumns + ` FROM slots WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY starts_at ASC, id ASC LIMIT ` + arg(limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]*models.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *Store) UpdateSlotCapacity(ctx context.Context, id int64, maxBookings int) (*models.Slot, error) {
	if maxBookings < 1 {
		return nil, fmt.Errorf("%w: max_bookings must be positive, got %d", database.ErrInvalidWindow, maxBookings)
	}
	slot, err := scanSlot(s.pool.QueryRow(ctx, `
		UPDATE slots
		SET max_bookings = $1, is_available = (current_bookings < $1), version = version + 1, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL AND current_bookings <= $1
		RETURNING `+slotColumns, maxBookings, time.Now().UTC(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetSlot(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, database.ErrCapacityBelowUsage
	}
	if err != nil {
		return nil, fmt.Errorf("update slot capacity: %w", err)
	}
	return slot, nil
}

func (s *Store) DeleteSlot(ctx context.Context, id int64) error {
	return deleteEmptySlot(ctx, s.pool, id, time.Now().UTC())
}

func deleteEmptySlot(ctx context.Context, q querier, id int64, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE slots SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL AND current_bookings = 0`, now, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getSlot(ctx, q, id); err != nil {
			return err
		}
		return database.ErrSlotInUse
	}
	return nil
}

func (s *Store) ReserveSlot(ctx context.Context, id int64) error {
	return reserveSlot(ctx, s.pool, id, time.Now().UTC())
}

func (s *Store) ReleaseSlot(ctx context.Context, id int64) error {
	return releaseSlot(ctx, s.pool, id, time.Now().UTC())
}

// reserveSlot increments the counter only while it is below the ceiling. The
// row lock serialises writers and READ COMMITTED re-checks the predicate on the
// latest row, so zero rows means the slot is full or gone.
func reserveSlot(ctx context.Context, q querier, id int64, now time.Time) error {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		tag, err := q.Exec(ctx, `UPDATE slots
			SET current_bookings = current_bookings + 1,
			    is_available = (current_bookings + 1 < max_bookings),
			    version = version + 1,
			    updated_at = $1
			WHERE id = $2 AND deleted_at IS NULL AND current_bookings < max_bookings`, now, id)
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var current, maxBookings int
		err = q.QueryRow(ctx,
			`SELECT current_bookings, max_bookings FROM slots WHERE id = $1 AND deleted_at IS NULL`, id,
		).Scan(&current, &maxBookings)
		if errors.Is(err, pgx.ErrNoRows) {
			return database.ErrSlotNotFound
		}
		if err != nil {
			return fmt.Errorf("read slot counter: %w", err)
		}
		if current >= maxBookings {
			return database.ErrSlotFull
		}
		// место освободилось между UPDATE и SELECT, пробуем снова
	}
	return fmt.Errorf("reserve slot %d: %w", id, database.ErrConcurrentModification)
}

func releaseSlot(ctx context.Context, q querier, id int64, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE slots
		SET current_bookings = GREATEST(current_bookings - 1, 0),
		    is_available = (GREATEST(current_bookings - 1, 0) < max_bookings),
		    version = version + 1,
		    updated_at = $1
		WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrSlotNotFound
	}
	return nil
}
