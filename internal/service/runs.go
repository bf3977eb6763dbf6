package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mkarren/webpilot/internal/domain"
	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/database"
)

// RunService is the boundary for creating, listing, approving, stopping, and
// purging runs. Execution itself belongs to the scheduler and engine.
type RunService struct {
	store     database.Store
	scheduler *Scheduler

	artifactsDir string
	listLimit    int
}

func NewRunService(store database.Store, scheduler *Scheduler, artifactsDir string, listLimit int) *RunService {
	return &RunService{
		store:        store,
		scheduler:    scheduler,
		artifactsDir: artifactsDir,
		listLimit:    listLimit,
	}
}

// Create validates the request, stores the run in queued status, and starts
// the scheduler if it is not already polling.
func (s *RunService) Create(ctx context.Context, req *run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	headless := true
	if req.RunHeadless != nil {
		headless = *req.RunHeadless
	}

	r := &run.Run{
		ID:             uuid.NewString(),
		Prompt:         req.Prompt,
		Model:          req.Model,
		Tools:          req.Tools,
		SearchProvider: req.SearchProvider,
		AgentBrowser:   req.AgentBrowser,
		RunHeadless:    headless,
		Status:         run.StatusQueued,
		Checkpoint: run.Checkpoint{
			Settings: run.DefaultSettings(),
		},
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.appendAudit(ctx, r.ID, audit.LevelInfo, "run queued", map[string]any{"prompt": r.Prompt})
	slog.Info("run created", "run_id", r.ID)

	if s.scheduler != nil {
		s.scheduler.Start(context.WithoutCancel(ctx))
	}
	return r, nil
}

// Get returns one run by id.
func (s *RunService) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns recent runs enriched with browser log and snapshot counts.
func (s *RunService) List(ctx context.Context) ([]run.Summary, error) {
	runs, err := s.store.ListRuns(ctx, s.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	summaries := make([]run.Summary, len(runs))
	for i := range runs {
		logs, snaps, err := s.store.BrowserLogCounts(ctx, runs[i].ID)
		if err != nil {
			slog.Warn("browser log count failed", "run_id", runs[i].ID, "error", err)
		}
		summaries[i] = run.Summary{
			Run:             runs[i],
			BrowserLogCount: logs,
			SnapshotCount:   snaps,
		}
	}
	return summaries, nil
}

// Audit returns the control-decision trace for one run.
func (s *RunService) Audit(ctx context.Context, runID string, limit int) ([]audit.Entry, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, runID, limit)
}

// Approve resumes a waiting_human run. When the run is suspended on a step
// approval, the grant is single-use: it names exactly one step id, and the
// engine clears it on consumption. A run suspended without a pending approval
// step (a loop-guard wait_human verdict) has nothing to grant against; it is
// resume-stamped and requeued as-is.
func (s *RunService) Approve(ctx context.Context, runID string) (*run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != run.StatusWaitingHuman {
		return nil, fmt.Errorf("%w: run is %s, not waiting for approval", domain.ErrConflict, r.Status)
	}

	stepID := r.Checkpoint.ApprovalRequestedStepID
	if stepID != "" {
		r.Checkpoint.ApprovalGrantedStepID = stepID
		if err := s.store.SaveCheckpoint(ctx, runID, &r.Checkpoint); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
		s.appendAudit(ctx, runID, audit.LevelInfo, "approval granted", map[string]any{"step_id": stepID})
		slog.Info("approval granted", "run_id", runID, "step_id", stepID)
	} else {
		if err := s.StampResume(ctx, runID); err != nil {
			return nil, fmt.Errorf("stamp resume: %w", err)
		}
		s.appendAudit(ctx, runID, audit.LevelInfo, "resume granted", nil)
		slog.Info("resume granted", "run_id", runID)
	}

	if err := s.store.RequeueRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("requeue run: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.Start(context.WithoutCancel(ctx))
	}
	return s.store.GetRun(ctx, runID)
}

// Stop transitions a non-terminal run to stopped. Running runs finish their
// current step first; there is no mid-step cancellation.
func (s *RunService) Stop(ctx context.Context, runID string) (*run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run already %s", domain.ErrConflict, r.Status)
	}

	if err := s.store.CompleteRun(ctx, runID, run.StatusStopped, "stopped by user", "", false); err != nil {
		return nil, fmt.Errorf("stop run: %w", err)
	}
	s.appendAudit(ctx, runID, audit.LevelInfo, "run stopped", nil)
	slog.Info("run stopped", "run_id", runID)
	return s.store.GetRun(ctx, runID)
}

// Purge deletes all runs in terminal statuses and their on-disk artifacts,
// returning the number of runs removed.
func (s *RunService) Purge(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteTerminalRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete terminal runs: %w", err)
	}

	for _, id := range ids {
		dir := filepath.Join(s.artifactsDir, id)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove run artifacts failed", "run_id", id, "dir", dir, "error", err)
		}
	}
	slog.Info("terminal runs purged", "count", len(ids))
	return len(ids), nil
}

// StampResume marks a checkpoint as resume-requested so the engine records
// the resumption on its next pass. Used by Approve for suspensions that have
// no pending approval step; stuck-run recovery stamps through the scheduler
// sweep instead.
func (s *RunService) StampResume(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	r.Checkpoint.ResumeRequestedAt = &now
	r.Checkpoint.ResumeProcessedAt = nil
	return s.store.SaveCheckpoint(ctx, runID, &r.Checkpoint)
}

func (s *RunService) appendAudit(ctx context.Context, runID string, level audit.Level, msg string, meta map[string]any) {
	var data json.RawMessage
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			data = b
		}
	}
	if err := s.store.AppendAudit(ctx, &audit.Entry{
		RunID:    runID,
		Level:    level,
		Message:  msg,
		Metadata: data,
	}); err != nil {
		slog.Warn("append audit failed", "run_id", runID, "error", err)
	}
}
