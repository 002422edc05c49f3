package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pmaris/how-late-is-muni/internal/db"
	"github.com/pmaris/how-late-is-muni/internal/nextbus"
)

const secondsPerDay = 86400

// Provider is the subset of the NextBus client the reconciler uses
type Provider interface {
	ListRoutes(ctx context.Context) ([]nextbus.RouteInfo, error)
	RouteConfig(ctx context.Context, routeTag string) (map[string]nextbus.StopCoordinates, error)
	Schedule(ctx context.Context, routeTag string) ([]nextbus.RouteSchedule, error)
}

// Store is the subset of the database the reconciler writes through
type Store interface {
	BulkUpsertRoutes(ctx context.Context, rows []db.RouteRow) error
	RouteByTag(ctx context.Context, tag string) (*db.Route, error)
	ActiveScheduleClass(ctx context.Context, routeID int64, direction, serviceClass string) (*db.ScheduleClass, error)
	ActivateScheduleClass(ctx context.Context, routeID int64, direction, serviceClass, name string) (*db.ScheduleClass, error)
	DeactivateScheduleClasses(ctx context.Context, routeID int64) error
	BulkUpsertStops(ctx context.Context, routeID int64, rows []db.StopRow) error
	StopsByTag(ctx context.Context, routeID int64) (map[string]db.Stop, error)
	BulkUpsertStopScheduleClasses(ctx context.Context, rows []db.StopScheduleClassRow) error
	StopScheduleClassIDs(ctx context.Context, scheduleClassID int64) (map[int64]int64, error)
	BulkUpsertScheduledArrivals(ctx context.Context, rows []db.ScheduledArrivalRow) error
}

// Reconciler diffs the provider's published schedules against the store,
// activating new schedule versions and upserting the stops, stop ordering
// and scheduled arrivals they carry.
type Reconciler struct {
	store    Store
	provider Provider
}

// New creates a reconciler
func New(store Store, provider Provider) *Reconciler {
	return &Reconciler{store: store, provider: provider}
}

// UpdateRoutes fetches the agency's route list and upserts it. Returns
// the fetched routes.
func (r *Reconciler) UpdateRoutes(ctx context.Context) ([]nextbus.RouteInfo, error) {
	routes, err := r.provider.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get route list: %w", err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route list response contained no routes")
	}

	rows := make([]db.RouteRow, 0, len(routes))
	for _, route := range routes {
		rows = append(rows, db.RouteRow{Tag: route.Tag, Title: route.Title})
	}
	if err := r.store.BulkUpsertRoutes(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to upsert routes: %w", err)
	}

	log.Printf("Updated %d routes", len(routes))
	return routes, nil
}

// ReconcileAll updates the route list and reconciles every route's
// schedule. Routes are reconciled concurrently; a route that fails is
// logged and skipped for this run.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	routes, err := r.UpdateRoutes(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, info := range routes {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			route, err := r.store.RouteByTag(ctx, tag)
			if err != nil {
				log.Printf("Warning: failed to load route %s: %v", tag, err)
				return
			}
			if route == nil {
				log.Printf("Warning: route %s missing after upsert", tag)
				return
			}
			if err := r.ReconcileRoute(ctx, *route); err != nil {
				log.Printf("Warning: failed to reconcile route %s: %v", tag, err)
			}
		}(info.Tag)
	}
	wg.Wait()

	return nil
}

// pendingSchedule is a fetched schedule that is new or supersedes the
// stored version for its (direction, service class).
type pendingSchedule struct {
	schedule nextbus.RouteSchedule
	class    *db.ScheduleClass
}

// ReconcileRoute reconciles a single route's schedules against the store.
// A route without a published schedule is a no-op, as is a route whose
// fetched schedule versions all match the active ones.
func (r *Reconciler) ReconcileRoute(ctx context.Context, route db.Route) error {
	schedules, err := r.provider.Schedule(ctx, route.Tag)
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		log.Printf("Route %s has no published schedule", route.Tag)
		return nil
	}

	var toAdd []pendingSchedule
	for _, schedule := range schedules {
		existing, err := r.store.ActiveScheduleClass(ctx, route.ID, schedule.Direction, schedule.ServiceClass)
		if err != nil {
			return err
		}
		if existing == nil || existing.Name != schedule.Name {
			toAdd = append(toAdd, pendingSchedule{schedule: schedule})
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	// The coordinates are fetched before any store mutation so that a
	// transient provider failure leaves the active schedule untouched.
	coordinates, err := r.provider.RouteConfig(ctx, route.Tag)
	if err != nil {
		return err
	}

	// Any new version supersedes the route's schedule wholesale.
	if err := r.store.DeactivateScheduleClasses(ctx, route.ID); err != nil {
		return err
	}
	for i := range toAdd {
		sc, err := r.store.ActivateScheduleClass(ctx, route.ID,
			toAdd[i].schedule.Direction, toAdd[i].schedule.ServiceClass, toAdd[i].schedule.Name)
		if err != nil {
			return err
		}
		log.Printf("Activated schedule class %s for route %s (%s %s)",
			sc.Name, route.Tag, sc.Direction, sc.ServiceClass)
		toAdd[i].class = sc
	}

	if err := r.upsertStops(ctx, route, toAdd, coordinates); err != nil {
		return err
	}

	// Reload once so scheduled-arrival construction does not hit the
	// database per stop.
	stops, err := r.store.StopsByTag(ctx, route.ID)
	if err != nil {
		return err
	}

	for _, pending := range toAdd {
		if err := r.upsertScheduledArrivals(ctx, route, pending, stops); err != nil {
			return err
		}
	}
	return nil
}

// upsertStops persists the union of stops mentioned in the pending
// schedules. A stop without coordinates in the route config is still
// persisted, with null coordinates.
func (r *Reconciler) upsertStops(ctx context.Context, route db.Route, toAdd []pendingSchedule, coordinates map[string]nextbus.StopCoordinates) error {
	seen := make(map[string]bool)
	var rows []db.StopRow
	for _, pending := range toAdd {
		for _, stop := range pending.schedule.Stops {
			if seen[stop.Tag] {
				continue
			}
			seen[stop.Tag] = true

			row := db.StopRow{Tag: stop.Tag, Title: stop.Title}
			if coords, ok := coordinates[stop.Tag]; ok {
				lat, lon := coords.Latitude, coords.Longitude
				row.Latitude = &lat
				row.Longitude = &lon
			} else {
				log.Printf("Warning: no coordinates for stop %s on route %s", stop.Tag, route.Tag)
			}
			rows = append(rows, row)
		}
	}
	return r.store.BulkUpsertStops(ctx, route.ID, rows)
}

// upsertScheduledArrivals persists one pending schedule's stop ordering
// and scheduled arrival times.
func (r *Reconciler) upsertScheduledArrivals(ctx context.Context, route db.Route, pending pendingSchedule, stops map[string]db.Stop) error {
	seenAssociations := make(map[int64]bool)
	var associations []db.StopScheduleClassRow
	for i, scheduleStop := range pending.schedule.Stops {
		stop, ok := stops[scheduleStop.Tag]
		if !ok {
			log.Printf("Warning: stop %s in schedule for route %s is not a stop of the route",
				scheduleStop.Tag, route.Tag)
			continue
		}
		if seenAssociations[stop.ID] {
			continue
		}
		seenAssociations[stop.ID] = true
		associations = append(associations, db.StopScheduleClassRow{
			StopID:          stop.ID,
			ScheduleClassID: pending.class.ID,
			StopOrder:       i + 1,
		})
	}
	if err := r.store.BulkUpsertStopScheduleClasses(ctx, associations); err != nil {
		return err
	}

	associationIDs, err := r.store.StopScheduleClassIDs(ctx, pending.class.ID)
	if err != nil {
		return err
	}

	type arrivalKey struct {
		association int64
		blockID     int64
		time        int
	}
	seenArrivals := make(map[arrivalKey]bool)
	var arrivals []db.ScheduledArrivalRow
	for _, trip := range pending.schedule.Trips {
		for _, tripStop := range trip.Stops {
			// -1 marks a stop the trip skips
			if tripStop.EpochMS == -1 {
				continue
			}
			stop, ok := stops[tripStop.Tag]
			if !ok {
				log.Printf("Warning: trip stop %s in schedule for route %s is not a stop of the route",
					tripStop.Tag, route.Tag)
				continue
			}
			associationID, ok := associationIDs[stop.ID]
			if !ok {
				log.Printf("Warning: trip stop %s on route %s is not in the schedule's stop list",
					tripStop.Tag, route.Tag)
				continue
			}

			// The provider expresses post-midnight arrivals of a service
			// day as offsets past 24h; the store keeps them modulo one day.
			seconds := int(tripStop.EpochMS / 1000)
			if seconds >= secondsPerDay {
				seconds -= secondsPerDay
			}

			key := arrivalKey{association: associationID, blockID: trip.BlockID, time: seconds}
			if seenArrivals[key] {
				continue
			}
			seenArrivals[key] = true
			arrivals = append(arrivals, db.ScheduledArrivalRow{
				StopScheduleClassID: associationID,
				BlockID:             trip.BlockID,
				Time:                seconds,
			})
		}
	}

	if err := r.store.BulkUpsertScheduledArrivals(ctx, arrivals); err != nil {
		return err
	}

	log.Printf("Route %s: %d stops, %d scheduled arrivals for schedule class %s (%s %s)",
		route.Tag, len(associations), len(arrivals), pending.class.Name,
		pending.class.Direction, pending.class.ServiceClass)
	return nil
}
