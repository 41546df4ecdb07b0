package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inkslot/internal/models"
)

// AttachPaymentIntent stores the gateway intent and links it to its booking.
// Re-attaching the same gateway order only refreshes its status.
func (db *DB) AttachPaymentIntent(ctx context.Context, intent *models.PaymentIntent) error {
	now := time.Now().UTC()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBooking(ctx, tx, intent.BookingID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `INSERT INTO payment_intents (
				gateway_order_id, booking_id, amount, currency, client_token, last_status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(gateway_order_id) DO UPDATE SET last_status = excluded.last_status, updated_at = excluded.updated_at`,
			intent.GatewayOrderID, intent.BookingID, intent.Amount, intent.Currency,
			intent.ClientToken, intent.LastStatus, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to save payment intent: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE bookings SET payment_intent_id = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			intent.GatewayOrderID, now, intent.BookingID,
		)
		if err != nil {
			return fmt.Errorf("failed to link payment intent: %w", err)
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

func (db *DB) GetPaymentIntent(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error) {
	var p models.PaymentIntent
	err := db.QueryRowContext(ctx, `SELECT gateway_order_id, booking_id, amount, currency, client_token,
			last_status, created_at, updated_at
		FROM payment_intents WHERE gateway_order_id = ?`, gatewayOrderID,
	).Scan(&p.GatewayOrderID, &p.BookingID, &p.Amount, &p.Currency, &p.ClientToken,
		&p.LastStatus, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return &p, nil
}

// ListPaymentIntents returns every intent opened for the booking, oldest first.
func (db *DB) ListPaymentIntents(ctx context.Context, bookingID int64) ([]*models.PaymentIntent, error) {
	rows, err := db.QueryContext(ctx, `SELECT gateway_order_id, booking_id, amount, currency, client_token,
			last_status, created_at, updated_at
		FROM payment_intents WHERE booking_id = ? ORDER BY created_at, rowid`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	defer rows.Close()

	var intents []*models.PaymentIntent
	for rows.Next() {
		var p models.PaymentIntent
		if err := rows.Scan(&p.GatewayOrderID, &p.BookingID, &p.Amount, &p.Currency, &p.ClientToken,
			&p.LastStatus, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment intent: %w", err)
		}
		intents = append(intents, &p)
	}
	return intents, rows.Err()
}

func (db *DB) UpdatePaymentIntentStatus(ctx context.Context, gatewayOrderID string, status models.IntentStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE payment_intents SET last_status = ?, updated_at = ? WHERE gateway_order_id = ?`,
		status, time.Now().UTC(), gatewayOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment intent: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIntentNotFound
	}
	return nil
}
