package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Route is a transit route as stored in the route table
type Route struct {
	ID    int64
	Tag   string
	Title string
}

// RouteRow is the input to BulkUpsertRoutes
type RouteRow struct {
	Tag   string
	Title string
}

// BulkUpsertRoutes inserts routes, updating the title of routes that
// already exist. Routes are never deleted.
func (db *DB) BulkUpsertRoutes(ctx context.Context, rows []RouteRow) error {
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
		INSERT INTO route (tag, title) VALUES (?, ?)
		ON CONFLICT (tag) DO UPDATE SET title = excluded.title
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare route statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Tag, row.Title); err != nil {
			return fmt.Errorf("failed to upsert route %s: %w", row.Tag, err)
		}
	}

	return tx.Commit()
}

// RouteByTag returns the route with the given tag, or nil if none exists.
func (db *DB) RouteByTag(ctx context.Context, tag string) (*Route, error) {
	var route Route
	err := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT id, tag, title FROM route WHERE tag = ?",
	), tag).Scan(&route.ID, &route.Tag, &route.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query route %s: %w", tag, err)
	}
	return &route, nil
}

// ListRoutes returns all routes ordered by tag.
func (db *DB) ListRoutes(ctx context.Context) ([]Route, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, tag, title FROM route ORDER BY tag")
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var route Route
		if err := rows.Scan(&route.ID, &route.Tag, &route.Title); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// ActiveRoutes returns the routes that have at least one active schedule
// class for the given service class.
func (db *DB) ActiveRoutes(ctx context.Context, serviceClass string) ([]Route, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT DISTINCT r.id, r.tag, r.title
		FROM route r
		JOIN schedule_class sc ON sc.route_id = r.id
		WHERE sc.service_class = ? AND sc.is_active
		ORDER BY r.tag
	`), serviceClass)
	if err != nil {
		return nil, fmt.Errorf("failed to query active routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var route Route
		if err := rows.Scan(&route.ID, &route.Tag, &route.Title); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}
