package db

import (
	"context"
	"fmt"
	"time"
)

// RecordArrival persists an observed arrival. If an arrival already exists
// for the same (stop, scheduled_arrival) within the dedup window (its time
// is at least observedUnix minus the window), the two observations are the
// same physical arrival and the existing row's time and difference are
// updated in place. Otherwise a new row is inserted.
func (db *DB) RecordArrival(ctx context.Context, stopID, scheduledArrivalID, observedUnix, difference int64, dupWindow time.Duration) error {
	db.LockWrite()
	defer db.UnlockWrite()

	cutoff := observedUnix - int64(dupWindow.Seconds())

	result, err := db.conn.ExecContext(ctx, db.rebind(`
		UPDATE arrival SET time = ?, difference = ?
		WHERE stop_id = ? AND scheduled_arrival_id = ? AND time >= ?
	`), observedUnix, difference, stopID, scheduledArrivalID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to update arrival: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if updated > 0 {
		return nil
	}

	_, err = db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO arrival (stop_id, scheduled_arrival_id, time, difference)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stop_id, scheduled_arrival_id, time) DO UPDATE SET
			difference = excluded.difference
	`), stopID, scheduledArrivalID, observedUnix, difference)
	if err != nil {
		return fmt.Errorf("failed to insert arrival: %w", err)
	}
	return nil
}
