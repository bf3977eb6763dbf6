package service

import (
	"context"
	"testing"
	"time"

	"github.com/mkarren/webpilot/internal/port/reasoner"
	"github.com/mkarren/webpilot/internal/port/toolrunner"

	"github.com/mkarren/webpilot/internal/domain/run"
)

func newTestScheduler(store *mockStore, engine *Engine) *Scheduler {
	return NewScheduler(store, engine, 10*time.Millisecond, 10*time.Minute)
}

func TestSchedulerSingleFlight(t *testing.T) {
	store := newMockStore()
	s := newTestScheduler(store, newTestEngine(store, &mockBackend{}, &mockRunner{}))

	// Simulate a tick already in flight: the next tick must be a no-op.
	s.inflight.Store(true)
	s.Tick(context.Background())
	if store.oldestQueuedCalls != 0 {
		t.Fatalf("expected no dequeue while a tick is in flight, got %d", store.oldestQueuedCalls)
	}

	s.inflight.Store(false)
	s.Tick(context.Background())
	if store.oldestQueuedCalls != 1 {
		t.Fatalf("expected one dequeue after the guard cleared, got %d", store.oldestQueuedCalls)
	}
}

func TestSchedulerIdleTicks(t *testing.T) {
	store := newMockStore()
	s := newTestScheduler(store, newTestEngine(store, &mockBackend{}, &mockRunner{}))

	// An empty queue is the steady state: OldestQueued reports it as
	// (nil, nil) and the tick ends quietly.
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}
	if store.oldestQueuedCalls != 3 {
		t.Fatalf("expected 3 dequeue attempts, got %d", store.oldestQueuedCalls)
	}
	if len(store.auditEntries) != 0 {
		t.Fatalf("expected no audit noise on idle ticks, got %d entries", len(store.auditEntries))
	}
}

func TestSchedulerDequeuesOldestFirst(t *testing.T) {
	store := newMockStore()
	backend := &mockBackend{
		planFn: func(reasoner.Request) (string, error) {
			return stepsJSON("Open the page"), nil
		},
	}
	runner := &mockRunner{}
	s := newTestScheduler(store, newTestEngine(store, backend, runner))

	_ = store.CreateRun(context.Background(), &run.Run{ID: "old", Prompt: "first", Status: run.StatusQueued})
	_ = store.CreateRun(context.Background(), &run.Run{ID: "new", Prompt: "second", Status: run.StatusQueued})

	s.Tick(context.Background())

	first, _ := store.GetRun(context.Background(), "old")
	second, _ := store.GetRun(context.Background(), "new")
	if first.Status != run.StatusCompleted {
		t.Fatalf("expected oldest run executed, got %q", first.Status)
	}
	if second.Status != run.StatusQueued {
		t.Fatalf("expected newer run still queued, got %q", second.Status)
	}
	if first.StartedAt == nil {
		t.Fatal("expected start time stamped")
	}
}

func TestSchedulerRecoversStuckRuns(t *testing.T) {
	store := newMockStore()
	s := newTestScheduler(store, newTestEngine(store, &mockBackend{}, &mockRunner{}))

	stuck := &run.Run{ID: "stuck", Prompt: "hung task", Status: run.StatusRunning, RequiresHuman: true, Error: "whatever"}
	_ = store.CreateRun(context.Background(), stuck)
	store.mu.Lock()
	store.runs["stuck"].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	store.mu.Unlock()

	s.recoverStuck(context.Background())

	got, _ := store.GetRun(context.Background(), "stuck")
	if got.Status != run.StatusQueued {
		t.Fatalf("expected requeued, got %q", got.Status)
	}
	if got.RequiresHuman {
		t.Fatal("expected human-intervention flag cleared")
	}
	if got.Error != "" {
		t.Fatalf("expected error cleared, got %q", got.Error)
	}
	if got.Checkpoint.ResumeRequestedAt == nil {
		t.Fatal("expected resume request stamped into the checkpoint")
	}
}

func TestSchedulerFreshRunNotRecovered(t *testing.T) {
	store := newMockStore()
	s := newTestScheduler(store, newTestEngine(store, &mockBackend{}, &mockRunner{}))

	fresh := &run.Run{ID: "fresh", Prompt: "live task", Status: run.StatusRunning}
	_ = store.CreateRun(context.Background(), fresh)

	s.recoverStuck(context.Background())

	got, _ := store.GetRun(context.Background(), "fresh")
	if got.Status != run.StatusRunning {
		t.Fatalf("expected still running, got %q", got.Status)
	}
}

func TestSchedulerPanicBoundary(t *testing.T) {
	store := newMockStore()
	backend := &mockBackend{
		planFn: func(reasoner.Request) (string, error) {
			return stepsJSON("Open the page"), nil
		},
	}
	runner := &mockRunner{
		fn: func(toolrunner.Request) (*toolrunner.Observation, error) {
			panic("executor blew up")
		},
	}
	s := newTestScheduler(store, newTestEngine(store, backend, runner))

	_ = store.CreateRun(context.Background(), &run.Run{ID: "boom", Prompt: "task", Status: run.StatusQueued})

	s.Tick(context.Background()) // must not panic the caller

	got, _ := store.GetRun(context.Background(), "boom")
	if got.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if got.ErrorID == "" {
		t.Fatal("expected an opaque error id")
	}
	if got.Error == "" || got.Error == "executor blew up" {
		t.Fatalf("expected a generic user-facing message, got %q", got.Error)
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	store := newMockStore()
	s := newTestScheduler(store, newTestEngine(store, &mockBackend{}, &mockRunner{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second call must not spawn another poller
	s.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	// With a single poller and single-flight ticking, each tick dequeues at
	// most once; overlapping pollers would race the counter upward faster
	// than the tick interval allows.
	store.mu.Lock()
	calls := store.oldestQueuedCalls
	store.mu.Unlock()
	if calls > 8 {
		t.Fatalf("expected at most ~5 ticks from one poller, got %d dequeues", calls)
	}
}
