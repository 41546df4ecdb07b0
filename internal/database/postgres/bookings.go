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

const bookingColumns = `id, slot_id, user_id, service_item_id, final_price, currency, payment_method,
	status, payment_status, cancel_reason, payment_intent_id, version, created_at, updated_at`

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(
		&b.ID, &b.SlotID, &b.UserID, &b.ServiceItemID, &b.FinalPrice, &b.Currency, &b.PaymentMethod,
		&b.Status, &b.PaymentStatus, &b.CancelReason, &b.PaymentIntentID, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ReserveAndCreateBooking(ctx context.Context, booking *models.Booking) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := reserveSlot(ctx, tx, booking.SlotID, now); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `INSERT INTO bookings (
				slot_id, user_id, service_item_id, final_price, currency, payment_method,
				status, payment_status, cancel_reason, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', 1, $9, $9)
			RETURNING id`,
			booking.SlotID, booking.UserID, booking.ServiceItemID, booking.FinalPrice, booking.Currency,
			booking.PaymentMethod, booking.Status, booking.PaymentStatus, now,
		).Scan(&booking.ID)
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
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

func (s *Store) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return getBooking(ctx, s.pool, id)
}

func getBooking(ctx context.Context, q querier, id int64) (*models.Booking, error) {
	b, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *Store) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.SlotID != 0 {
		where = append(where, "slot_id = "+arg(filter.SlotID))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	return queryBookings(ctx, s.pool, query, args...)
}

func (s *Store) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Booking, error) {
	return queryBookings(ctx, s.pool, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC, id ASC LIMIT $3`,
		models.StatusPaymentPending, cutoff.UTC(), limit,
	)
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]*models.Booking, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	bookings := make([]*models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (s *Store) TransitionBooking(ctx context.Context, id int64, tr models.Transition) (*models.Booking, bool, error) {
	var (
		booking *models.Booking
		applied bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		booking, applied, err = transitionBooking(ctx, tx, id, tr, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return booking, applied, nil
}

// transitionBooking locks the booking row so concurrent actions on the same
// booking serialize; the status and version guard still protect the write.
func transitionBooking(ctx context.Context, q querier, id int64, tr models.Transition, now time.Time) (*models.Booking, bool, error) {
	current, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, database.ErrBookingNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get booking: %w", err)
	}
	if !tr.Allows(current.Status) {
		return current, false, nil
	}

	updated, err := scanBooking(q.QueryRow(ctx, `UPDATE bookings
		SET status = $1,
		    payment_status = CASE WHEN $2 = '' THEN payment_status ELSE $2 END,
		    cancel_reason = CASE WHEN $3 = '' THEN cancel_reason ELSE $3 END,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5 AND status = $6 AND version = $7
		RETURNING `+bookingColumns,
		tr.To, string(tr.PaymentStatus), string(tr.CancelReason), now, id, current.Status, current.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, database.ErrConcurrentModification
	}
	if err != nil {
		return nil, false, fmt.Errorf("update booking status: %w", err)
	}

	if tr.Releases() && current.Status.Active() {
		if err := releaseSlot(ctx, q, current.SlotID, now); err != nil {
			return nil, false, err
		}
	}
	return updated, true, nil
}

func (s *Store) DeleteSlotCascade(ctx context.Context, slotID int64) ([]*models.Booking, error) {
	tr, _ := models.TransitionFor(models.ActionSlotDeleted)

	var cancelled []*models.Booking
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := getSlot(ctx, tx, slotID); err != nil {
			return err
		}

		active, err := queryBookings(ctx, tx, `SELECT `+bookingColumns+` FROM bookings
			WHERE slot_id = $1 AND status = ANY($2) ORDER BY id`,
			slotID, activeStatuses(),
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

func activeStatuses() []string {
	out := make([]string, 0, len(models.ActiveStatuses))
	for _, st := range models.ActiveStatuses {
		out = append(out, string(st))
	}
	return out
}

func (s *Store) AttachPaymentIntent(ctx context.Context, intent *models.PaymentIntent) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := getBooking(ctx, tx, intent.BookingID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO payment_intents (
				gateway_order_id, booking_id, amount, currency, client_token, last_status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (gateway_order_id) DO UPDATE SET last_status = EXCLUDED.last_status, updated_at = EXCLUDED.updated_at`,
			intent.GatewayOrderID, intent.BookingID, intent.Amount, intent.Currency,
			intent.ClientToken, intent.LastStatus, now,
		)
		if err != nil {
			return fmt.Errorf("save payment intent: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE bookings SET payment_intent_id = $1, version = version + 1, updated_at = $2 WHERE id = $3`,
			intent.GatewayOrderID, now, intent.BookingID,
		)
		if err != nil {
			return fmt.Errorf("link payment intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	intent.CreatedAt = now
	intent.UpdatedAt = now
	return nil
}

func (s *Store) GetPaymentIntent(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error) {
	var p models.PaymentIntent
	err := s.pool.QueryRow(ctx, `SELECT gateway_order_id, booking_id, amount, currency, client_token,
			last_status, created_at, updated_at
		FROM payment_intents WHERE gateway_order_id = $1`, gatewayOrderID,
	).Scan(&p.GatewayOrderID, &p.BookingID, &p.Amount, &p.Currency, &p.ClientToken,
		&p.LastStatus, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPaymentIntents(ctx context.Context, bookingID int64) ([]*models.PaymentIntent, error) {
	rows, err := s.pool.Query(ctx, `SELECT gateway_order_id, booking_id, amount, currency, client_token,
			last_status, created_at, updated_at
		FROM payment_intents WHERE booking_id = $1 ORDER BY created_at, gateway_order_id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	defer rows.Close()

	var intents []*models.PaymentIntent
	for rows.Next() {
		var p models.PaymentIntent
		if err := rows.Scan(&p.GatewayOrderID, &p.BookingID, &p.Amount, &p.Currency, &p.ClientToken,
			&p.LastStatus, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment intent: %w", err)
		}
		intents = append(intents, &p)
	}
	return intents, rows.Err()
}

func (s *Store) UpdatePaymentIntentStatus(ctx context.Context, gatewayOrderID string, status models.IntentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_intents SET last_status = $1, updated_at = $2 WHERE gateway_order_id = $3`,
		status, time.Now().UTC(), gatewayOrderID,
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrIntentNotFound
	}
	return nil
}

func (s *Store) CapacityDrifts(ctx context.Context) ([]models.CapacityDrift, int, error) {
	rows, err := s.pool.Query(ctx, `SELECT s.id, s.current_bookings, s.max_bookings, COUNT(b.id)
		FROM slots s
		LEFT JOIN bookings b ON b.slot_id = s.id AND b.status = ANY($1)
		WHERE s.deleted_at IS NULL
		GROUP BY s.id, s.current_bookings, s.max_bookings
		ORDER BY s.id`, activeStatuses())
	if err != nil {
		return nil, 0, fmt.Errorf("check capacity: %w", err)
	}
	defer rows.Close()

	checked := 0
	drifts := make([]models.CapacityDrift, 0)
	for rows.Next() {
		var d models.CapacityDrift
		var active int64
		if err := rows.Scan(&d.SlotID, &d.CurrentBookings, &d.MaxBookings, &active); err != nil {
			return nil, 0, fmt.Errorf("scan capacity row: %w", err)
		}
		d.ActiveBookings = int(active)
		checked++
		if d.CurrentBookings != d.ActiveBookings {
			drifts = append(drifts, d)
		}
	}
	return drifts, checked, rows.Err()
}

func (s *Store) RepairSlotCounter(ctx context.Context, slotID int64) error {
	tag, err := s.pool.Exec(ctx, `WITH active AS (
			SELECT COUNT(*)::int AS n FROM bookings WHERE slot_id = $1 AND status = ANY($2)
		)
		UPDATE slots
		SET current_bookings = active.n,
		    is_available = (active.n < max_bookings),
		    version = version + 1,
		    updated_at = $3
		FROM active
		WHERE id = $1`, slotID, activeStatuses(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("repair slot counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrSlotNotFound
	}
	s.logger.Warn().Int64("slot_id", slotID).Msg("slot counter repaired")
	return nil
}
