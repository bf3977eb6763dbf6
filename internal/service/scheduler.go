package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/database"
)

// Scheduler is the process-wide poller that picks at most one queued run per
// tick, recovers stuck runs, and drives the engine. It is constructed once
// and owned by the process; Start is idempotent.
type Scheduler struct {
	store  database.Store
	engine *Engine

	pollInterval time.Duration
	stuckAfter   time.Duration

	started  atomic.Bool
	inflight atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(store database.Store, engine *Engine, pollInterval, stuckAfter time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		engine:       engine,
		pollInterval: pollInterval,
		stuckAfter:   stuckAfter,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the repeating poll. Calling it again while running is a no-op,
// so any code path that enqueues a run can call it unconditionally.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	slog.Info("scheduler started", "poll_interval", s.pollInterval, "stuck_after", s.stuckAfter)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for an in-flight tick's goroutine exit.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	<-s.done
}

// Tick runs one poll: recover stuck runs, dequeue the oldest queued run, and
// execute it synchronously. Overlapping ticks are skipped via the in-flight
// guard so concurrent triggers never double-process a run.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inflight.CompareAndSwap(false, true) {
		return
	}
	defer s.inflight.Store(false)

	s.recoverStuck(ctx)

	r, err := s.store.OldestQueued(ctx)
	if err != nil {
		slog.Error("dequeue failed", "error", err)
		return
	}
	if r == nil {
		return
	}

	if err := s.store.MarkRunning(ctx, r.ID); err != nil {
		slog.Error("mark running failed", "run_id", r.ID, "error", err)
		return
	}
	_ = s.store.AppendRunLog(ctx, r.ID, fmt.Sprintf("run picked up by scheduler at %s", time.Now().UTC().Format(time.RFC3339)))

	s.runOne(ctx, r.ID)
}

// runOne is the fault boundary around the engine. Tool and backend errors are
// handled inside the engine; anything that escapes here is an infrastructure
// fault that fails this run only, never the poller.
func (s *Scheduler) runOne(ctx context.Context, runID string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.failRun(ctx, runID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	if err := s.engine.Execute(ctx, runID); err != nil {
		s.failRun(ctx, runID, err.Error())
	}
}

func (s *Scheduler) failRun(ctx context.Context, runID, detail string) {
	errID := uuid.NewString()
	slog.Error("run failed at scheduler boundary", "run_id", runID, "error_id", errID, "detail", detail)
	if err := s.store.CompleteRun(ctx, runID, run.StatusFailed,
		"internal error, see server logs", errID, false); err != nil {
		slog.Error("record run failure failed", "run_id", runID, "error", err)
	}
}

// recoverStuck requeues runs stuck in running past the staleness threshold,
// clearing their error and human-intervention flag and stamping a resume
// request into the checkpoint.
func (s *Scheduler) recoverStuck(ctx context.Context) {
	stale, err := s.store.StaleRunning(ctx, time.Now().UTC().Add(-s.stuckAfter))
	if err != nil {
		slog.Error("stale run sweep failed", "error", err)
		return
	}

	for i := range stale {
		r := &stale[i]
		now := time.Now().UTC()
		r.Checkpoint.ResumeRequestedAt = &now
		r.Checkpoint.ResumeProcessedAt = nil
		if err := s.store.SaveCheckpoint(ctx, r.ID, &r.Checkpoint); err != nil {
			slog.Error("stamp resume request failed", "run_id", r.ID, "error", err)
			continue
		}
		if err := s.store.RequeueRun(ctx, r.ID); err != nil {
			slog.Error("requeue stuck run failed", "run_id", r.ID, "error", err)
			continue
		}

		meta, _ := json.Marshal(map[string]any{
			"reason":     "stale-running",
			"updated_at": r.UpdatedAt,
		})
		if err := s.store.AppendAudit(ctx, &audit.Entry{
			RunID:    r.ID,
			Level:    audit.LevelWarn,
			Message:  "stuck run requeued",
			Metadata: meta,
		}); err != nil {
			slog.Warn("append audit failed", "run_id", r.ID, "error", err)
		}
		slog.Warn("stuck run requeued", "run_id", r.ID, "last_update", r.UpdatedAt)
	}
}
