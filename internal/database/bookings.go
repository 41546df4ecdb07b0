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

const bookingColumns = `id, slot_id, user_id, service_item_id, final_price, currency, payment_method,
	status, payment_status, cancel_reason, payment_intent_id, version, created_at, updated_at`

func scanBooking(row scanner) (*models.Booking, error) {
	var b models.Booking
	var intentID sql.NullString
	err := row.Scan(
		&b.ID, &b.SlotID, &b.UserID, &b.ServiceItemID, &b.FinalPrice, &b.Currency, &b.PaymentMethod,
		&b.Status, &b.PaymentStatus, &b.CancelReason, &intentID, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if intentID.Valid {
		b.PaymentIntentID = &intentID.String
	}
	return &b, nil
}

// ReserveAndCreateBooking claims one unit of the slot and inserts the booking
// in a single transaction. Either both writes land or neither does.
func (db *DB) ReserveAndCreateBooking(ctx context.Context, booking *models.Booking) error {
	now := time.Now().UTC()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := reserveSlot(ctx, tx, booking.SlotID, now); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `INSERT INTO bookings (
				slot_id, user_id, service_item_id, final_price, currency, payment_method,
				status, payment_status, cancel_reason, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 1, ?, ?)`,
			booking.SlotID,
			booking.UserID,
			booking.ServiceItemID,
			booking.FinalPrice,
			booking.Currency,
			booking.PaymentMethod,
			booking.Status,
			booking.PaymentStatus,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking in tx: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id in tx: %w", err)
		}
		booking.ID = id
		return nil
	})
	if err != nil {
		return err
	}

	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	booking.CancelReason = models.CancelNone
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return getBooking(ctx, db, id)
}

func getBooking(ctx context.Context, q querier, id int64) (*models.Booking, error) {
	b, err := scanBooking(q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (db *DB) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.SlotID != 0 {
		where = append(where, "slot_id = ?")
		args = append(args, filter.SlotID)
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return queryBookings(ctx, db, query, args...)
}

// ListExpiredPending returns payment_pending bookings created before cutoff, oldest first.
func (db *DB) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	return queryBookings(ctx, db, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND created_at < ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		models.StatusPaymentPending, cutoff.UTC(), limit,
	)
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]*models.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	bookings := make([]*models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// TransitionBooking applies tr to the booking if its current status allows it.
// The status update is conditional on the status that was read, and a transition
// into cancelled releases the slot in the same transaction. When the current
// status does not allow tr, the unchanged booking is returned with applied=false.
func (db *DB) TransitionBooking(ctx context.Context, id int64, tr models.Transition) (*models.Booking, bool, error) {
	var (
		booking *models.Booking
		applied bool
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		booking, applied, err = transitionBooking(ctx, tx, id, tr, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return booking, applied, nil
}

func transitionBooking(ctx context.Context, q querier, id int64, tr models.Transition, now time.Time) (*models.Booking, bool, error) {
	current, err := getBooking(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	if !tr.Allows(current.Status) {
		return current, false, nil
	}

	res, err := q.ExecContext(ctx, `UPDATE bookings
		SET status = ?,
		    payment_status = CASE WHEN ? = '' THEN payment_status ELSE ? END,
		    cancel_reason = CASE WHEN ? = '' THEN cancel_reason ELSE ? END,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		tr.To,
		tr.PaymentStatus, tr.PaymentStatus,
		tr.CancelReason, tr.CancelReason,
		now,
		id, current.Status, current.Version,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update booking status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, ErrConcurrentModification
	}

	if tr.Releases() && current.Status.Active() {
		if err := releaseSlot(ctx, q, current.SlotID, now); err != nil {
			return nil, false, err
		}
	}

	updated, err := getBooking(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// DeleteSlotCascade cancels every active booking of the slot, releasing one unit
// per booking, then soft-deletes the slot. Cancelled bookings are returned.
func (db *DB) DeleteSlotCascade(ctx context.Context, slotID int64) ([]*models.Booking, error) {
	tr, _ := models.TransitionFor(models.ActionSlotDeleted)

	var cancelled []*models.Booking
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSlot(ctx, tx, slotID); err != nil {
			return err
		}

		active, err := queryBookings(ctx, tx, `SELECT `+bookingColumns+` FROM bookings
			WHERE slot_id = ? AND status IN (?, ?, ?) ORDER BY id`,
			slotID, models.StatusPendingVerification, models.StatusPaymentPending, models.StatusConfirmed,
		)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, b := range active {
			updated, applied, err := transitionBooking(ctx, tx, b.ID, tr, now)
			if err != nil {
				return err
			}
			if applied {
				cancelled = append(cancelled, updated)
			}
		}

		return deleteEmptySlot(ctx, tx, slotID, now)
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}
