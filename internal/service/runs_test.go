package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mkarren/webpilot/internal/domain"
	"github.com/mkarren/webpilot/internal/domain/run"
)

func newTestRunService(store *mockStore, artifactsDir string) *RunService {
	return NewRunService(store, nil, artifactsDir, 50)
}

func TestRunServiceCreate(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	got, err := svc.Create(context.Background(), &run.CreateRequest{Prompt: "Open example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != run.StatusQueued {
		t.Fatalf("expected queued, got %q", got.Status)
	}
	if !got.RunHeadless {
		t.Fatal("expected headless to default to true")
	}
	if got.Checkpoint.Settings.MaxSteps == 0 {
		t.Fatal("expected default settings resolved at creation")
	}
}

func TestRunServiceCreateRejectsBlankPrompt(t *testing.T) {
	svc := newTestRunService(newMockStore(), t.TempDir())

	for _, prompt := range []string{"", "   "} {
		_, err := svc.Create(context.Background(), &run.CreateRequest{Prompt: prompt})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("prompt %q: expected validation error, got %v", prompt, err)
		}
	}
}

func TestRunServiceCreateHonorsHeadlessFalse(t *testing.T) {
	svc := newTestRunService(newMockStore(), t.TempDir())

	headless := false
	got, err := svc.Create(context.Background(), &run.CreateRequest{Prompt: "watch it work", RunHeadless: &headless})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RunHeadless {
		t.Fatal("expected headless false to be honored")
	}
}

func TestRunServiceApprove(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	r := &run.Run{
		ID:            "r1",
		Prompt:        "buy a thing",
		Status:        run.StatusWaitingHuman,
		RequiresHuman: true,
		Checkpoint:    run.Checkpoint{ApprovalRequestedStepID: "s1"},
	}
	_ = store.CreateRun(context.Background(), r)

	got, err := svc.Approve(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != run.StatusQueued {
		t.Fatalf("expected requeued, got %q", got.Status)
	}
	if got.Checkpoint.ApprovalGrantedStepID != "s1" {
		t.Fatalf("expected grant for s1, got %q", got.Checkpoint.ApprovalGrantedStepID)
	}
	if got.RequiresHuman {
		t.Fatal("expected human-intervention flag cleared on requeue")
	}
}

func TestRunServiceApproveConflictsWhenNotWaiting(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	_ = store.CreateRun(context.Background(), &run.Run{ID: "running", Prompt: "p", Status: run.StatusRunning})
	if _, err := svc.Approve(context.Background(), "running"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a run not waiting, got %v", err)
	}
}

func TestRunServiceApproveResumesWithoutPendingApproval(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	// A loop-guard wait_human suspension has no approval step to grant
	// against; approve must still give the run a way back into the queue.
	_ = store.CreateRun(context.Background(), &run.Run{
		ID:            "suspended",
		Prompt:        "p",
		Status:        run.StatusWaitingHuman,
		RequiresHuman: true,
	})

	got, err := svc.Approve(context.Background(), "suspended")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != run.StatusQueued {
		t.Fatalf("expected requeued, got %q", got.Status)
	}
	if got.Checkpoint.ApprovalGrantedStepID != "" {
		t.Fatalf("expected no grant without a pending approval, got %q", got.Checkpoint.ApprovalGrantedStepID)
	}
	if got.Checkpoint.ResumeRequestedAt == nil {
		t.Fatal("expected resume stamp on the checkpoint")
	}
	if got.Checkpoint.ResumeProcessedAt != nil {
		t.Fatal("expected resume-processed stamp cleared until the engine picks it up")
	}
	if got.RequiresHuman {
		t.Fatal("expected human-intervention flag cleared on requeue")
	}
}

func TestRunServiceStop(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	_ = store.CreateRun(context.Background(), &run.Run{ID: "r1", Prompt: "p", Status: run.StatusQueued})

	got, err := svc.Stop(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != run.StatusStopped {
		t.Fatalf("expected stopped, got %q", got.Status)
	}

	if _, err := svc.Stop(context.Background(), "r1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict when stopping a terminal run, got %v", err)
	}
}

func TestRunServicePurge(t *testing.T) {
	store := newMockStore()
	dir := t.TempDir()
	svc := newTestRunService(store, dir)

	_ = store.CreateRun(context.Background(), &run.Run{ID: "done", Prompt: "p", Status: run.StatusCompleted})
	_ = store.CreateRun(context.Background(), &run.Run{ID: "live", Prompt: "p", Status: run.StatusRunning})

	artifacts := filepath.Join(dir, "done")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		t.Fatal(err)
	}

	count, err := svc.Purge(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 purged run, got %d", count)
	}
	if _, err := os.Stat(artifacts); !os.IsNotExist(err) {
		t.Fatal("expected artifacts directory removed")
	}
	if _, err := store.GetRun(context.Background(), "live"); err != nil {
		t.Fatalf("running run must survive a purge: %v", err)
	}
}

func TestRunServiceListIncludesArtifactCounts(t *testing.T) {
	store := newMockStore()
	svc := newTestRunService(store, t.TempDir())

	_ = store.CreateRun(context.Background(), &run.Run{ID: "r1", Prompt: "p", Status: run.StatusCompleted})
	_ = store.AppendBrowserLog(context.Background(), "r1", "log", "navigated")
	_ = store.AppendBrowserLog(context.Background(), "r1", "log", "clicked")

	summaries, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 run, got %d", len(summaries))
	}
	if summaries[0].BrowserLogCount != 2 {
		t.Fatalf("expected 2 browser log lines, got %d", summaries[0].BrowserLogCount)
	}
}
