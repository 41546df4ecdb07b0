package database

import (
	"context"
	"fmt"
	"time"

	"inkslot/internal/models"
)

// CapacityDrifts compares every live slot counter with the number of active bookings.
func (db *DB) CapacityDrifts(ctx context.Context) ([]models.CapacityDrift, int, error) {
	rows, err := db.QueryContext(ctx, `SELECT s.id, s.current_bookings, s.max_bookings, COUNT(b.id)
		FROM slots s
		LEFT JOIN bookings b ON b.slot_id = s.id AND b.status IN (?, ?, ?)
		WHERE s.deleted_at IS NULL
		GROUP BY s.id, s.current_bookings, s.max_bookings
		ORDER BY s.id`,
		models.StatusPendingVerification, models.StatusPaymentPending, models.StatusConfirmed,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to check capacity: %w", err)
	}
	defer rows.Close()

	checked := 0
	drifts := make([]models.CapacityDrift, 0)
	for rows.Next() {
		var d models.CapacityDrift
		if err := rows.Scan(&d.SlotID, &d.CurrentBookings, &d.MaxBookings, &d.ActiveBookings); err != nil {
			return nil, 0, fmt.Errorf("failed to scan capacity row: %w", err)
		}
		checked++
		if d.CurrentBookings != d.ActiveBookings {
			drifts = append(drifts, d)
		}
	}
	return drifts, checked, rows.Err()
}

// RepairSlotCounter resets the counter to the number of active bookings.
func (db *DB) RepairSlotCounter(ctx context.Context, slotID int64) error {
	const active = `(SELECT COUNT(*) FROM bookings WHERE slot_id = ? AND status IN (?, ?, ?))`
	args := []any{slotID, models.StatusPendingVerification, models.StatusPaymentPending, models.StatusConfirmed}

	query := `UPDATE slots
		SET current_bookings = ` + active + `,
		    is_available = (` + active + ` < max_bookings),
		    version = version + 1,
		    updated_at = ?
		WHERE id = ?`

	params := append(append(append([]any{}, args...), args...), time.Now().UTC(), slotID)
	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to repair slot counter: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlotNotFound
	}
	db.logger.Warn().Int64("slot_id", slotID).Msg("slot counter repaired")
	return nil
}
