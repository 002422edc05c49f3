package worker

import (
	"context"
	"log"
	"time"

	"github.com/pmaris/how-late-is-muni/internal/db"
	"github.com/pmaris/how-late-is-muni/internal/nextbus"
)

// arrivalThreshold is the farthest away, in predicted seconds, a vehicle
// may have been in the previous snapshot for its disappearance to count
// as an arrival. Vehicles farther out that vanish from the predictions
// were rerouted or dropped, not arrived.
const arrivalThreshold = 500

// staleGapFactor scales the poll interval into the maximum tolerated gap
// between two snapshots; beyond it the inferred arrivals are inaccurate
// and the batch is discarded.
const staleGapFactor = 3

// PredictionProvider is the subset of the NextBus client a worker polls
type PredictionProvider interface {
	PredictionsForMultiStops(ctx context.Context, routeTag string, stopTags []string) (nextbus.PredictionSet, error)
}

// Store is the subset of the database a worker reads and writes
type Store interface {
	WorkerStopTags(ctx context.Context, routeID int64, serviceClass string) ([]string, error)
	ScheduledArrivalsForRoute(ctx context.Context, routeID int64, serviceClass string) ([]db.ScheduledArrival, error)
	RecordArrival(ctx context.Context, stopID, scheduledArrivalID, observedUnix, difference int64, dupWindow time.Duration) error
}

// scheduledIndex holds a route's scheduled arrivals keyed
// stop tag -> block ID, as loaded once at worker start-up.
type scheduledIndex map[string]map[int64][]db.ScheduledArrival

// RouteWorker infers vehicle arrivals for one route by polling
// predictions and differencing consecutive snapshots.
type RouteWorker struct {
	route        db.Route
	serviceClass string
	store        Store
	provider     PredictionProvider

	updateInterval  time.Duration
	dupWindow       time.Duration
	singleThreshold int

	now func() time.Time
}

// Options are the tunables of a route worker
type Options struct {
	UpdateInterval         time.Duration
	DuplicateArrivalWindow time.Duration
	SingleArrivalThreshold int
}

// NewRouteWorker creates a worker for one route and service class
func NewRouteWorker(route db.Route, serviceClass string, store Store, provider PredictionProvider, opts Options) *RouteWorker {
	return &RouteWorker{
		route:           route,
		serviceClass:    serviceClass,
		store:           store,
		provider:        provider,
		updateInterval:  opts.UpdateInterval,
		dupWindow:       opts.DuplicateArrivalWindow,
		singleThreshold: opts.SingleArrivalThreshold,
		now:             time.Now,
	}
}

// Run polls predictions until the context is cancelled. Each iteration
// fetches a snapshot, infers arrivals against the previous snapshot,
// matches them to scheduled arrivals and persists the observations. A
// failed fetch is logged and retried on the next tick.
func (w *RouteWorker) Run(ctx context.Context) error {
	index, err := w.loadScheduledArrivals(ctx)
	if err != nil {
		return err
	}

	stopTags, err := w.store.WorkerStopTags(ctx, w.route.ID, w.serviceClass)
	if err != nil {
		return err
	}
	if len(stopTags) == 0 {
		log.Printf("Route %s has no stops for service class %s, worker exiting",
			w.route.Tag, w.serviceClass)
		return nil
	}

	log.Printf("Route %s: worker started (%d stops, service class %s)",
		w.route.Tag, len(stopTags), w.serviceClass)

	current := nextbus.PredictionSet{}
	currentTime := w.now().Unix()
	for {
		snapshot, err := w.provider.PredictionsForMultiStops(ctx, w.route.Tag, stopTags)
		retrieveTime := w.now().Unix()
		if err != nil {
			log.Printf("Route %s: failed to get predictions: %v", w.route.Tag, err)
		} else {
			previous := current
			previousTime := currentTime
			current = snapshot
			currentTime = retrieveTime

			arrivals := inferArrivals(previous, previousTime, current, currentTime)

			gap := currentTime - previousTime
			if gap > int64(staleGapFactor*w.updateInterval.Seconds()) {
				log.Printf("Route %s: predictions were not updated for %d seconds, discarding inferred arrivals",
					w.route.Tag, gap)
			} else {
				w.saveArrivals(ctx, arrivals, currentTime, index)
			}
		}

		select {
		case <-ctx.Done():
			log.Printf("Route %s: worker stopping", w.route.Tag)
			return nil
		case <-time.After(w.updateInterval):
		}
	}
}

// loadScheduledArrivals builds the stop tag -> block ID index of the
// route's scheduled arrivals for the current service class.
func (w *RouteWorker) loadScheduledArrivals(ctx context.Context) (scheduledIndex, error) {
	arrivals, err := w.store.ScheduledArrivalsForRoute(ctx, w.route.ID, w.serviceClass)
	if err != nil {
		return nil, err
	}

	index := make(scheduledIndex)
	for _, arrival := range arrivals {
		blocks, ok := index[arrival.StopTag]
		if !ok {
			blocks = make(map[int64][]db.ScheduledArrival)
			index[arrival.StopTag] = blocks
		}
		blocks[arrival.BlockID] = append(blocks[arrival.BlockID], arrival)
	}
	return index, nil
}

// inferArrivals compares two consecutive prediction snapshots and returns
// the block IDs that arrived at each stop between them. A block (or one
// of its trips) that disappeared from the predictions counts as arrived
// only if its predicted arrival was within arrivalThreshold seconds, or
// within the gap between the two snapshots. The returned lists may
// contain a block ID more than once, once per dropped trip; the arrival
// dedup window collapses those at persistence.
func inferArrivals(previous nextbus.PredictionSet, previousTime int64, current nextbus.PredictionSet, currentTime int64) map[string][]int64 {
	gap := currentTime - previousTime

	arrivals := make(map[string][]int64)
	for stopTag, blocks := range previous {
		currentBlocks, ok := current[stopTag]
		if !ok {
			log.Printf("Warning: stop %s is not in the current set of predictions", stopTag)
			continue
		}

		var stopArrivals []int64
		for blockID, trips := range blocks {
			currentTrips, ok := currentBlocks[blockID]
			if !ok {
				if len(trips) == 0 {
					continue
				}
				soonest := -1
				for _, seconds := range trips {
					if soonest == -1 || seconds < soonest {
						soonest = seconds
					}
				}
				if soonest < arrivalThreshold || int64(soonest) < gap {
					stopArrivals = append(stopArrivals, blockID)
				}
				continue
			}

			for tripTag, seconds := range trips {
				if _, ok := currentTrips[tripTag]; ok {
					continue
				}
				if seconds < arrivalThreshold || gap > int64(seconds) {
					stopArrivals = append(stopArrivals, blockID)
				}
			}
		}

		if len(stopArrivals) > 0 {
			arrivals[stopTag] = stopArrivals
		}
	}
	return arrivals
}

// closestScheduledArrival matches an observed arrival, expressed as
// seconds since midnight of the service day, to one of the candidate
// scheduled arrivals. With a single candidate the match must be within
// singleThreshold seconds: stops that begin or end a trip have one
// scheduled time per block for the whole day, and matching arbitrary
// observations to it would produce garbage deviations. With multiple
// candidates the closest wins, with distances computed across the
// midnight boundary in both directions.
func closestScheduledArrival(candidates []db.ScheduledArrival, arrivalSeconds, singleThreshold int) *db.ScheduledArrival {
	if len(candidates) == 0 {
		return nil
	}

	if len(candidates) == 1 {
		if abs(arrivalSeconds-candidates[0].Time) <= singleThreshold {
			return &candidates[0]
		}
		return nil
	}

	var closest *db.ScheduledArrival
	closestDistance := 0
	for i := range candidates {
		distance := wrapDistance(arrivalSeconds, candidates[i].Time)
		if closest == nil || distance < closestDistance {
			closest = &candidates[i]
			closestDistance = distance
		}
	}
	return closest
}

// wrapDistance is the distance in seconds between an observed and a
// scheduled time of day, considering the midnight wrap on both sides.
func wrapDistance(arrivalSeconds, scheduledSeconds int) int {
	const day = 24 * 60 * 60
	distance := abs(arrivalSeconds - scheduledSeconds)
	if d := abs(arrivalSeconds - scheduledSeconds - day); d < distance {
		distance = d
	}
	if d := abs(arrivalSeconds - (scheduledSeconds - day)); d < distance {
		distance = d
	}
	return distance
}

// saveArrivals matches each inferred arrival to its scheduled arrival and
// persists the observation with its deviation. Arrivals with no scheduled
// counterpart are discarded.
func (w *RouteWorker) saveArrivals(ctx context.Context, arrivals map[string][]int64, observedUnix int64, index scheduledIndex) {
	arrivalSeconds := secondsSinceMidnight(time.Unix(observedUnix, 0))

	for stopTag, blockIDs := range arrivals {
		for _, blockID := range blockIDs {
			candidates := index[stopTag][blockID]
			if len(candidates) == 0 {
				log.Printf("Warning: block ID %d at stop %s is not in scheduled arrivals", blockID, stopTag)
				continue
			}

			matched := closestScheduledArrival(candidates, arrivalSeconds, w.singleThreshold)
			if matched == nil {
				continue
			}

			difference := int64(arrivalSeconds - matched.Time)
			if err := w.store.RecordArrival(ctx, matched.StopID, matched.ID, observedUnix, difference, w.dupWindow); err != nil {
				log.Printf("Route %s: failed to record arrival at stop %s: %v", w.route.Tag, stopTag, err)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
