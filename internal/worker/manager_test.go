package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pmaris/how-late-is-muni/internal/db"
	"github.com/pmaris/how-late-is-muni/internal/nextbus"
)

// fakeClock is a settable clock shared between the test and the manager
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeManagerStore implements ManagerStore in memory, counting
// ActiveRoutes calls and optionally failing one of them.
type fakeManagerStore struct {
	fakeWorkerStore
	routes           []db.Route
	activeRouteCalls atomic.Int64
	failCall         int64
	lastServiceClass atomic.Value
}

func (s *fakeManagerStore) ActiveRoutes(ctx context.Context, serviceClass string) ([]db.Route, error) {
	call := s.activeRouteCalls.Add(1)
	if s.failCall != 0 && call == s.failCall {
		return nil, errors.New("database is locked")
	}
	s.lastServiceClass.Store(serviceClass)
	return s.routes, nil
}

func (s *fakeManagerStore) serviceClass() string {
	if v := s.lastServiceClass.Load(); v != nil {
		return v.(string)
	}
	return ""
}

type fakeReconciler struct {
	calls atomic.Int64
}

func (r *fakeReconciler) ReconcileAll(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

// idleProvider returns empty snapshots so workers poll without inferring
// anything.
type idleProvider struct{}

func (idleProvider) PredictionsForMultiStops(ctx context.Context, routeTag string, stopTags []string) (nextbus.PredictionSet, error) {
	return nextbus.PredictionSet{}, nil
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}

func newTestManager(store ManagerStore, reconciler Reconciler, clock *fakeClock) *Manager {
	m := NewManager(store, idleProvider{}, reconciler, 9000, Options{
		UpdateInterval: time.Minute,
	})
	m.interval = 2 * time.Millisecond
	m.now = clock.now
	return m
}

func TestManager_NoRotationBeforeDaySwitchTime(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)}
	store := &fakeManagerStore{}
	reconciler := &fakeReconciler{}
	m := newTestManager(store, reconciler, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "initial start", func() bool { return reconciler.calls.Load() == 1 })

	// The calendar day advanced but it is only 01:00, before the 02:30
	// switch threshold: late-night service is still running.
	clock.set(time.Date(2026, 8, 25, 1, 0, 0, 0, time.Local))
	time.Sleep(30 * time.Millisecond)
	if got := reconciler.calls.Load(); got != 1 {
		t.Errorf("got %d reconciliations, want 1 (no rotation before day switch time)", got)
	}

	// Same day, past the threshold: the date predicate still holds it back
	// once a rotation has happened for the day.
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestManager_RotatesAfterDateChangeAndThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 21, 12, 0, 0, 0, time.Local)} // Friday
	store := &fakeManagerStore{}
	reconciler := &fakeReconciler{}
	m := newTestManager(store, reconciler, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "initial start", func() bool { return reconciler.calls.Load() == 1 })
	if got := store.serviceClass(); got != ServiceClassWeekday {
		t.Errorf("got service class %s, want %s", got, ServiceClassWeekday)
	}

	// Saturday 03:00, past the 02:30 threshold: both predicates hold.
	clock.set(time.Date(2026, 8, 22, 3, 0, 0, 0, time.Local))
	waitFor(t, "day switch", func() bool { return reconciler.calls.Load() == 2 })
	if got := store.serviceClass(); got != ServiceClassSaturday {
		t.Errorf("got service class %s after rotation, want %s", got, ServiceClassSaturday)
	}

	// The gate closes again until the next date change.
	time.Sleep(30 * time.Millisecond)
	if got := reconciler.calls.Load(); got != 2 {
		t.Errorf("got %d reconciliations, want 2 (one rotation per day)", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestManager_FailedRotationRetriesNextTick(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 21, 12, 0, 0, 0, time.Local)}
	// The second ActiveRoutes call (the first rotation attempt) fails.
	store := &fakeManagerStore{failCall: 2}
	reconciler := &fakeReconciler{}
	m := newTestManager(store, reconciler, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "initial start", func() bool { return reconciler.calls.Load() == 1 })

	clock.set(time.Date(2026, 8, 22, 3, 0, 0, 0, time.Local))
	// The failed attempt does not advance the manager's day, so the next
	// tick retries and succeeds: at least two further reconciliations.
	waitFor(t, "rotation retry", func() bool { return reconciler.calls.Load() >= 3 })
	waitFor(t, "service class update", func() bool { return store.serviceClass() == ServiceClassSaturday })

	// Once a rotation succeeds the retries stop.
	settled := reconciler.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := reconciler.calls.Load(); got != settled {
		t.Errorf("got %d reconciliations after settling at %d, want no more retries", got, settled)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

// slowExitProvider blocks until cancellation and marks its exit only
// after a delay, to catch a stop that does not wait for its workers.
type slowExitProvider struct {
	exited atomic.Bool
}

func (p *slowExitProvider) PredictionsForMultiStops(ctx context.Context, routeTag string, stopTags []string) (nextbus.PredictionSet, error) {
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	p.exited.Store(true)
	return nil, ctx.Err()
}

func TestManager_StopWorkersJoinsBeforeReturning(t *testing.T) {
	store := &fakeManagerStore{routes: []db.Route{{ID: 1, Tag: "38R"}}}
	store.stopTags = []string{"1234"}
	provider := &slowExitProvider{}
	m := NewManager(store, provider, &fakeReconciler{}, 9000, Options{
		UpdateInterval: time.Minute,
	})

	m.startWorkers(context.Background(), store.routes)
	m.stopWorkers()

	if !provider.exited.Load() {
		t.Error("stopWorkers returned before the worker finished")
	}
}

// panickingProvider panics on every poll
type panickingProvider struct{}

func (panickingProvider) PredictionsForMultiStops(ctx context.Context, routeTag string, stopTags []string) (nextbus.PredictionSet, error) {
	panic("poll exploded")
}

func TestManager_WorkerPanicDoesNotKillSupervisor(t *testing.T) {
	store := &fakeManagerStore{routes: []db.Route{{ID: 1, Tag: "38R"}}}
	store.stopTags = []string{"1234"}
	m := NewManager(store, panickingProvider{}, &fakeReconciler{}, 9000, Options{
		UpdateInterval: time.Minute,
	})

	m.startWorkers(context.Background(), store.routes)

	// The panic is recovered inside the worker goroutine; the WaitGroup
	// still drains and the manager can rotate again.
	m.stopWorkers()

	if err := m.switchDay(context.Background(), ServiceClassWeekday); err != nil {
		t.Errorf("switchDay after worker panic returned %v", err)
	}
	m.stopWorkers()
}
