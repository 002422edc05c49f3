package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ScheduleClass is one version of a schedule for a (route, direction,
// service_class). Only one row per triple may be active at a time; the
// partial unique index in the schema enforces this.
type ScheduleClass struct {
	ID           int64
	RouteID      int64
	Direction    string
	ServiceClass string
	Name         string
	IsActive     bool
}

// ActiveScheduleClass returns the active schedule class for the triple, or
// nil if none is active.
func (db *DB) ActiveScheduleClass(ctx context.Context, routeID int64, direction, serviceClass string) (*ScheduleClass, error) {
	var sc ScheduleClass
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT id, route_id, direction, service_class, name, is_active
		FROM schedule_class
		WHERE route_id = ? AND direction = ? AND service_class = ? AND is_active
	`), routeID, direction, serviceClass).Scan(
		&sc.ID, &sc.RouteID, &sc.Direction, &sc.ServiceClass, &sc.Name, &sc.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule class: %w", err)
	}
	return &sc, nil
}

// ActivateScheduleClass returns the existing active schedule class if its
// name matches, and otherwise inserts a new active row for the triple.
// Deactivating a superseded predecessor is the caller's job, before this
// is called, so the reconciler can batch deactivations.
func (db *DB) ActivateScheduleClass(ctx context.Context, routeID int64, direction, serviceClass, name string) (*ScheduleClass, error) {
	existing, err := db.ActiveScheduleClass(ctx, routeID, direction, serviceClass)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Name == name {
		return existing, nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	sc := ScheduleClass{
		RouteID:      routeID,
		Direction:    direction,
		ServiceClass: serviceClass,
		Name:         name,
		IsActive:     true,
	}
	err = db.conn.QueryRowContext(ctx, db.rebind(`
		INSERT INTO schedule_class (route_id, direction, service_class, name, is_active)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), routeID, direction, serviceClass, name, true).Scan(&sc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert schedule class: %w", err)
	}
	return &sc, nil
}

// DeactivateScheduleClasses deactivates every schedule class of a route.
func (db *DB) DeactivateScheduleClasses(ctx context.Context, routeID int64) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, db.rebind(
		"UPDATE schedule_class SET is_active = ? WHERE route_id = ?",
	), false, routeID)
	if err != nil {
		return fmt.Errorf("failed to deactivate schedule classes: %w", err)
	}
	return nil
}

// DeactivateScheduleClass deactivates a single schedule class.
func (db *DB) DeactivateScheduleClass(ctx context.Context, scheduleClassID int64) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, db.rebind(
		"UPDATE schedule_class SET is_active = ? WHERE id = ?",
	), false, scheduleClassID)
	if err != nil {
		return fmt.Errorf("failed to deactivate schedule class %d: %w", scheduleClassID, err)
	}
	return nil
}

// StopScheduleClassRow is the input to BulkUpsertStopScheduleClasses
type StopScheduleClassRow struct {
	StopID          int64
	ScheduleClassID int64
	StopOrder       int
}

// BulkUpsertStopScheduleClasses inserts stop/schedule-class associations,
// ignoring rows that already exist.
func (db *DB) BulkUpsertStopScheduleClasses(ctx context.Context, rows []StopScheduleClassRow) error {
	if len(rows) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO stop_schedule_class (stop_id, schedule_class_id, stop_order)
		VALUES (?, ?, ?)
		ON CONFLICT (stop_id, schedule_class_id, stop_order) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare stop schedule class statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.StopID, row.ScheduleClassID, row.StopOrder); err != nil {
			return fmt.Errorf("failed to upsert stop schedule class for stop %d: %w", row.StopID, err)
		}
	}

	return tx.Commit()
}

// StopScheduleClassIDs returns the stop_schedule_class row IDs of a
// schedule class, keyed by stop ID.
func (db *DB) StopScheduleClassIDs(ctx context.Context, scheduleClassID int64) (map[int64]int64, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(
		"SELECT id, stop_id FROM stop_schedule_class WHERE schedule_class_id = ?",
	), scheduleClassID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop schedule classes: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]int64)
	for rows.Next() {
		var id, stopID int64
		if err := rows.Scan(&id, &stopID); err != nil {
			return nil, fmt.Errorf("failed to scan stop schedule class: %w", err)
		}
		ids[stopID] = id
	}
	return ids, rows.Err()
}

// ScheduledArrivalRow is the input to BulkUpsertScheduledArrivals. Time is
// seconds after midnight of the service day, in [0, 86400).
type ScheduledArrivalRow struct {
	StopScheduleClassID int64
	BlockID             int64
	Time                int
}

// BulkUpsertScheduledArrivals inserts scheduled arrivals, ignoring rows
// that already exist.
func (db *DB) BulkUpsertScheduledArrivals(ctx context.Context, rows []ScheduledArrivalRow) error {
	if len(rows) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO scheduled_arrival (stop_schedule_class_id, block_id, time)
		VALUES (?, ?, ?)
		ON CONFLICT (stop_schedule_class_id, block_id, time) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare scheduled arrival statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.StopScheduleClassID, row.BlockID, row.Time); err != nil {
			return fmt.Errorf("failed to upsert scheduled arrival for block %d: %w", row.BlockID, err)
		}
	}

	return tx.Commit()
}

// ScheduledArrival is a scheduled arrival joined with its stop, as loaded
// for a route worker.
type ScheduledArrival struct {
	ID      int64
	StopID  int64
	StopTag string
	BlockID int64
	Time    int
}

// ScheduledArrivalsForRoute returns all scheduled arrivals of the route's
// active schedule classes for the given service class.
func (db *DB) ScheduledArrivalsForRoute(ctx context.Context, routeID int64, serviceClass string) ([]ScheduledArrival, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT sa.id, s.id, s.tag, sa.block_id, sa.time
		FROM scheduled_arrival sa
		JOIN stop_schedule_class ssc ON ssc.id = sa.stop_schedule_class_id
		JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
		JOIN stop s ON s.id = ssc.stop_id
		WHERE sc.route_id = ? AND sc.service_class = ? AND sc.is_active
	`), routeID, serviceClass)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled arrivals: %w", err)
	}
	defer rows.Close()

	var arrivals []ScheduledArrival
	for rows.Next() {
		var sa ScheduledArrival
		if err := rows.Scan(&sa.ID, &sa.StopID, &sa.StopTag, &sa.BlockID, &sa.Time); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled arrival: %w", err)
		}
		arrivals = append(arrivals, sa)
	}
	return arrivals, rows.Err()
}
