package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkarren/webpilot/internal/domain"
	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/memory"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/reasoner"
	"github.com/mkarren/webpilot/internal/port/toolrunner"
)

// mockStore is an in-memory database.Store. Checkpoints round-trip through
// JSON on save and load so tests exercise the same serialization boundary as
// the real store.
type mockStore struct {
	mu    sync.Mutex
	runs  map[string]*run.Run
	order []string

	memoryItems  []memory.Item
	memorySeq    int64
	auditEntries []audit.Entry
	browserLogs  map[string][]string

	oldestQueuedCalls int
	checkpointSaves   int
	saveErr           error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:        make(map[string]*run.Run),
		browserLogs: make(map[string][]string),
	}
}

func (s *mockStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	cp := *r
	s.runs[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return copyRun(r), nil
}

func (s *mockStore) ListRuns(_ context.Context, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *copyRun(s.runs[s.order[i]]))
	}
	return out, nil
}

func (s *mockStore) OldestQueued(_ context.Context) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldestQueuedCalls++
	for _, id := range s.order {
		if s.runs[id].Status == run.StatusQueued {
			return copyRun(s.runs[id]), nil
		}
	}
	return nil, nil
}

func (s *mockStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = run.StatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *mockStore) CompleteRun(_ context.Context, id string, status run.Status, errMsg, errID string, requiresHuman bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.Error = errMsg
	r.ErrorID = errID
	r.RequiresHuman = requiresHuman
	r.UpdatedAt = now
	if status.IsTerminal() {
		r.FinishedAt = &now
	}
	return nil
}

func (s *mockStore) RequeueRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = run.StatusQueued
	r.RequiresHuman = false
	r.Error = ""
	r.ErrorID = ""
	r.FinishedAt = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *mockStore) AppendRunLog(_ context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Log = append(r.Log, line)
	return nil
}

func (s *mockStore) StaleRunning(_ context.Context, olderThan time.Time) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, id := range s.order {
		r := s.runs[id]
		if r.Status == run.StatusRunning && r.UpdatedAt.Before(olderThan) {
			out = append(out, *copyRun(r))
		}
	}
	return out, nil
}

func (s *mockStore) DeleteTerminalRuns(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	var kept []string
	for _, id := range s.order {
		if s.runs[id].Status.IsTerminal() {
			deleted = append(deleted, id)
			delete(s.runs, id)
		} else {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return deleted, nil
}

func (s *mockStore) SaveCheckpoint(_ context.Context, id string, cp *run.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var stored run.Checkpoint
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	now := time.Now().UTC()
	stored.UpdatedAt = now
	r.Checkpoint = stored
	r.ActiveStepID = cp.ActiveStepID
	r.LastCheckpointAt = &now
	r.UpdatedAt = now
	s.checkpointSaves++
	return nil
}

func (s *mockStore) AppendMemory(_ context.Context, item *memory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySeq++
	item.Seq = s.memorySeq
	s.memoryItems = append(s.memoryItems, *item)
	return nil
}

func (s *mockStore) ListMemory(_ context.Context, runID, scope string, afterSeq int64, limit int) ([]memory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Item
	for i := len(s.memoryItems) - 1; i >= 0 && len(out) < limit; i-- {
		it := s.memoryItems[i]
		if (runID == "" || it.RunID == runID) && it.Scope == scope && it.Seq > afterSeq {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *mockStore) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.auditEntries) + 1)
	e.CreatedAt = time.Now().UTC()
	s.auditEntries = append(s.auditEntries, *e)
	return nil
}

func (s *mockStore) ListAudit(_ context.Context, runID string, limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for i := len(s.auditEntries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.auditEntries[i].RunID == runID {
			out = append(out, s.auditEntries[i])
		}
	}
	return out, nil
}

func (s *mockStore) AppendBrowserLog(_ context.Context, runID, kind, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browserLogs[runID] = append(s.browserLogs[runID], kind+": "+line)
	return nil
}

func (s *mockStore) BrowserLogCounts(_ context.Context, runID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.browserLogs[runID]), 0, nil
}

func (s *mockStore) auditMessages(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.auditEntries {
		if e.RunID == runID {
			out = append(out, e.Message)
		}
	}
	return out
}

func copyRun(r *run.Run) *run.Run {
	data, _ := json.Marshal(r)
	var out run.Run
	_ = json.Unmarshal(data, &out)
	return &out
}

// mockBackend dispatches on the system prompt so one fake serves the planner,
// gate, judge, and finalizer. Unset roles report the backend as unavailable.
type mockBackend struct {
	mu      sync.Mutex
	planFn  func(req reasoner.Request) (string, error)
	gateFn  func(req reasoner.Request) (string, error)
	judgeFn func(req reasoner.Request) (string, error)
	finalFn func(req reasoner.Request) (string, error)

	planCalls  int
	gateCalls  int
	judgeCalls int
}

func (b *mockBackend) Complete(_ context.Context, req reasoner.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch req.System {
	case plannerSystemPrompt:
		b.planCalls++
		if b.planFn != nil {
			return b.planFn(req)
		}
	case approvalSystemPrompt:
		b.gateCalls++
		if b.gateFn != nil {
			return b.gateFn(req)
		}
	case loopJudgeSystemPrompt:
		b.judgeCalls++
		if b.judgeFn != nil {
			return b.judgeFn(req)
		}
	case verifySystemPrompt, reviewSystemPrompt:
		if b.finalFn != nil {
			return b.finalFn(req)
		}
	}
	return "", errors.New("backend unavailable")
}

// mockRunner records executions and answers from a scripted function.
type mockRunner struct {
	mu       sync.Mutex
	fn       func(req toolrunner.Request) (*toolrunner.Observation, error)
	executed []toolrunner.Request
}

func (m *mockRunner) Execute(_ context.Context, req toolrunner.Request) (*toolrunner.Observation, error) {
	m.mu.Lock()
	m.executed = append(m.executed, req)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(req)
	}
	return &toolrunner.Observation{OK: true}, nil
}

func (m *mockRunner) executedTitles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	for i, req := range m.executed {
		out[i] = req.Step.Title
	}
	return out
}

// newTestEngine wires an engine with mocks and disables backoff sleeps.
func newTestEngine(store *mockStore, backend reasoner.Backend, runner toolrunner.Runner) *Engine {
	mem := NewMemoryService(store)
	planner := NewPlannerService(backend, mem, "test-model", 1024)
	gate := NewApprovalService(backend, nil, "test-model", 1024, time.Minute)
	guard := NewLoopGuardService(backend, mem, "test-model", 1024)
	fin := NewFinalizerService(store, backend, mem, "test-model", 1024)

	e := NewEngine(store, planner, gate, guard, fin, runner)
	e.sleep = func(context.Context, time.Duration) {}
	return e
}

func seedRunning(store *mockStore, id, prompt string) *run.Run {
	r := &run.Run{
		ID:     id,
		Prompt: prompt,
		Status: run.StatusRunning,
		Checkpoint: run.Checkpoint{
			Settings: run.DefaultSettings(),
		},
	}
	_ = store.CreateRun(context.Background(), r)
	return r
}

func stepsJSON(titles ...string) string {
	steps := make([]map[string]any, len(titles))
	for i, t := range titles {
		steps[i] = map[string]any{"title": t, "tool": "browser"}
	}
	data, _ := json.Marshal(map[string]any{"task_type": "browse", "steps": steps})
	return string(data)
}
