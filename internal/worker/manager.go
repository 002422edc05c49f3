package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmaris/how-late-is-muni/internal/db"
)

// supervisorInterval is how often the manager checks for a service-day
// rollover.
const supervisorInterval = time.Minute

// Reconciler triggers a schedule reconciliation pass across day switches
type Reconciler interface {
	ReconcileAll(ctx context.Context) error
}

// ManagerStore is the subset of the database the manager reads, plus
// everything its workers need.
type ManagerStore interface {
	Store
	ActiveRoutes(ctx context.Context, serviceClass string) ([]db.Route, error)
}

// Manager supervises one RouteWorker per active route. It rotates the
// worker set at the service-day boundary, reconciling schedules across
// the rotation.
type Manager struct {
	store      ManagerStore
	provider   PredictionProvider
	reconciler Reconciler
	opts       Options

	// daySwitchTime is the seconds-since-midnight threshold a new
	// calendar day must pass before rolling over, so that late-night
	// service still running after midnight is not cut mid-run.
	daySwitchTime int

	serviceClass string
	interval     time.Duration

	cancelWorkers context.CancelFunc
	workerWG      sync.WaitGroup

	now func() time.Time
}

// NewManager creates a supervisor
func NewManager(store ManagerStore, provider PredictionProvider, reconciler Reconciler, daySwitchTime int, opts Options) *Manager {
	return &Manager{
		store:         store,
		provider:      provider,
		reconciler:    reconciler,
		opts:          opts,
		daySwitchTime: daySwitchTime,
		interval:      supervisorInterval,
		now:           time.Now,
	}
}

// Run starts the supervisor and blocks until the context is cancelled.
// Workers are joined before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.switchDay(ctx, ""); err != nil {
		return err
	}

	currentDay := m.now().Format("2006-01-02")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopWorkers()
			log.Println("Manager stopped")
			return nil
		case <-ticker.C:
			now := m.now()
			newDay := now.Format("2006-01-02")
			if newDay == currentDay || secondsSinceMidnight(now) <= m.daySwitchTime {
				continue
			}
			if err := m.switchDay(ctx, m.serviceClass); err != nil {
				log.Printf("Warning: day switch failed: %v", err)
				continue
			}
			currentDay = newDay
		}
	}
}

// switchDay reconciles schedules, recomputes the active route set for the
// new service class and replaces the worker set. Stopping the old workers
// is a barrier: none of them persists after switchDay returns.
func (m *Manager) switchDay(ctx context.Context, previousServiceClass string) error {
	if previousServiceClass == "" {
		log.Println("Starting workers")
	} else {
		log.Printf("Switching day from service class %s", previousServiceClass)
	}

	if err := m.reconciler.ReconcileAll(ctx); err != nil {
		// Stale schedules are still usable; keep going with what the
		// store has.
		log.Printf("Warning: schedule reconciliation failed: %v", err)
	}

	m.serviceClass = CurrentServiceClass(m.now())

	routes, err := m.store.ActiveRoutes(ctx, m.serviceClass)
	if err != nil {
		return err
	}

	m.stopWorkers()
	m.startWorkers(ctx, routes)
	return nil
}

// startWorkers spawns one worker goroutine per active route. A panicking
// worker is logged and lost until the next day switch; it never takes
// down the manager.
func (m *Manager) startWorkers(ctx context.Context, routes []db.Route) {
	workerCtx, cancel := context.WithCancel(ctx)
	m.cancelWorkers = cancel

	// The generation tag makes log lines attributable to one worker set
	// across rotations.
	generation := uuid.NewString()[:8]
	log.Printf("Starting %d workers for service class %s (generation %s)",
		len(routes), m.serviceClass, generation)

	for _, route := range routes {
		worker := NewRouteWorker(route, m.serviceClass, m.store, m.provider, m.opts)
		m.workerWG.Add(1)
		go func(route db.Route) {
			defer m.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Worker for route %s (generation %s) panicked: %v", route.Tag, generation, r)
				}
			}()
			if err := worker.Run(workerCtx); err != nil {
				log.Printf("Worker for route %s (generation %s) failed: %v", route.Tag, generation, err)
			}
		}(route)
	}
}

// stopWorkers signals every worker and joins them.
func (m *Manager) stopWorkers() {
	if m.cancelWorkers == nil {
		return
	}
	log.Println("Stopping all workers")
	m.cancelWorkers()
	m.workerWG.Wait()
	m.cancelWorkers = nil
}
