package db

import (
	"context"
	"fmt"
)

// Queries backing the read-only HTTP API. These never write.

// RouteStatus is a route plus whether it currently has any active schedule
// class.
type RouteStatus struct {
	Tag      string
	Title    string
	IsActive bool
}

// RoutesWithStatus returns all routes with their active flag, optionally
// filtered by it.
func (db *DB) RoutesWithStatus(ctx context.Context, isActive *bool) ([]RouteStatus, error) {
	query := `
		SELECT r.tag, r.title,
			EXISTS (SELECT 1 FROM schedule_class sc WHERE sc.route_id = r.id AND sc.is_active)
		FROM route r`
	var args []interface{}
	if isActive != nil {
		query += `
		WHERE EXISTS (SELECT 1 FROM schedule_class sc WHERE sc.route_id = r.id AND sc.is_active) = ?`
		args = append(args, *isActive)
	}
	query += `
		ORDER BY r.tag`

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []RouteStatus
	for rows.Next() {
		var route RouteStatus
		if err := rows.Scan(&route.Tag, &route.Title, &route.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// RouteStop is a stop of a route with its position along the route in an
// active schedule class.
type RouteStop struct {
	Tag       string
	Title     string
	Latitude  *float64
	Longitude *float64
	Direction string
	Order     int
}

// StopsForRoute returns the stops of a route restricted to active schedule
// classes, ordered by direction then stop order. An empty direction
// returns both directions.
func (db *DB) StopsForRoute(ctx context.Context, routeTag, direction string) ([]RouteStop, error) {
	query := `
		SELECT DISTINCT s.tag, s.title, s.latitude, s.longitude, sc.direction, ssc.stop_order
		FROM stop s
		JOIN stop_schedule_class ssc ON ssc.stop_id = s.id
		JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
		JOIN route r ON r.id = sc.route_id
		WHERE r.tag = ? AND sc.is_active`
	args := []interface{}{routeTag}
	if direction != "" {
		query += " AND sc.direction = ?"
		args = append(args, direction)
	}
	query += " ORDER BY sc.direction, ssc.stop_order"

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	var stops []RouteStop
	for rows.Next() {
		var stop RouteStop
		if err := rows.Scan(&stop.Tag, &stop.Title, &stop.Latitude, &stop.Longitude, &stop.Direction, &stop.Order); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops = append(stops, stop)
	}
	return stops, rows.Err()
}

// ArrivalBucket is a count of arrivals a whole number of minutes away from
// their scheduled time. Negative minutes are early, positive late.
type ArrivalBucket struct {
	Minutes int `json:"minutes"`
	Count   int `json:"count"`
}

// ArrivalBuckets counts arrivals bucketed by difference in whole minutes,
// truncated toward zero. endTime, routeTag and stopTag are optional
// filters.
func (db *DB) ArrivalBuckets(ctx context.Context, startTime int64, endTime *int64, routeTag, stopTag string) ([]ArrivalBucket, error) {
	query := `
		SELECT a.difference / 60 AS minutes, COUNT(*)
		FROM arrival a
		JOIN scheduled_arrival sa ON sa.id = a.scheduled_arrival_id
		JOIN stop_schedule_class ssc ON ssc.id = sa.stop_schedule_class_id
		JOIN schedule_class sc ON sc.id = ssc.schedule_class_id
		JOIN route r ON r.id = sc.route_id
		JOIN stop s ON s.id = a.stop_id
		WHERE a.time >= ?`
	args := []interface{}{startTime}
	if endTime != nil {
		query += " AND a.time <= ?"
		args = append(args, *endTime)
	}
	if routeTag != "" {
		query += " AND r.tag = ?"
		args = append(args, routeTag)
	}
	if stopTag != "" {
		query += " AND s.tag = ?"
		args = append(args, stopTag)
	}
	query += " GROUP BY minutes ORDER BY minutes"

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query arrival buckets: %w", err)
	}
	defer rows.Close()

	var buckets []ArrivalBucket
	for rows.Next() {
		var bucket ArrivalBucket
		if err := rows.Scan(&bucket.Minutes, &bucket.Count); err != nil {
			return nil, fmt.Errorf("failed to scan arrival bucket: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

// StopTagExists reports whether any stop with the tag exists.
func (db *DB) StopTagExists(ctx context.Context, tag string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, db.rebind(
		"SELECT EXISTS (SELECT 1 FROM stop WHERE tag = ?)",
	), tag).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query stop %s: %w", tag, err)
	}
	return exists, nil
}
