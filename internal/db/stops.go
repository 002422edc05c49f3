package db

import (
	"context"
	"fmt"
)

// Stop is a single stop on a route. Latitude and longitude are nil when
// the provider did not supply coordinates for the stop.
type Stop struct {
	ID        int64
	RouteID   int64
	Tag       string
	Title     string
	Latitude  *float64
	Longitude *float64
}

// StopRow is the input to BulkUpsertStops
type StopRow struct {
	Tag       string
	Title     string
	Latitude  *float64
	Longitude *float64
}

// BulkUpsertStops inserts stops for a route, updating title and
// coordinates of stops that already exist.
func (db *DB) BulkUpsertStops(ctx context.Context, routeID int64, rows []StopRow) error {
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
		INSERT INTO stop (route_id, tag, title, latitude, longitude) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (route_id, tag) DO UPDATE SET
			title = excluded.title,
			latitude = excluded.latitude,
			longitude = excluded.longitude
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare stop statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, routeID, row.Tag, row.Title, row.Latitude, row.Longitude); err != nil {
			return fmt.Errorf("failed to upsert stop %s: %w", row.Tag, err)
		}
	}

	return tx.Commit()
}

// StopsByTag returns all stops of a route keyed by stop tag.
func (db *DB) StopsByTag(ctx context.Context, routeID int64) (map[string]Stop, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, route_id, tag, title, latitude, longitude
		FROM stop WHERE route_id = ?
	`), routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	stops := make(map[string]Stop)
	for rows.Next() {
		var stop Stop
		if err := rows.Scan(&stop.ID, &stop.RouteID, &stop.Tag, &stop.Title, &stop.Latitude, &stop.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops[stop.Tag] = stop
	}
	return stops, rows.Err()
}

// WorkerStopTags returns the tags of the stops participating in any active
// schedule class for the route and service class. This is the stop set a
// route worker polls predictions for.
func (db *DB) WorkerStopTags(ctx context.Context, routeID int64, serviceClass string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT DISTINCT s.tag
		FROM stop s
		JOIN stop_schedule_class ssc ON ssc.stop_id = s.id
		JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
		WHERE sc.route_id = ? AND sc.service_class = ? AND sc.is_active
	`), routeID, serviceClass)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker stops: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan stop tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
