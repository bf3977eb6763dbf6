package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	wpotel "github.com/mkarren/webpilot/internal/adapter/otel"
	"github.com/mkarren/webpilot/internal/adapter/ws"
	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/loopguard"
	"github.com/mkarren/webpilot/internal/domain/plan"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/database"
	"github.com/mkarren/webpilot/internal/port/messagequeue"
	"github.com/mkarren/webpilot/internal/port/toolrunner"
)

// Engine is the control loop for a single run. It drives the state machine
// LOAD -> PLAN -> STEP -> {APPROVE, EXECUTE, LOOP_CHECK} -> CHECKPOINT,
// persisting the full checkpoint after every transition, until the run
// reaches a terminal status or suspends for human input.
type Engine struct {
	store     database.Store
	planner   *PlannerService
	gate      *ApprovalService
	guard     *LoopGuardService
	finalizer *FinalizerService
	tools     toolrunner.Runner

	hub     *ws.Hub
	queue   messagequeue.Queue
	metrics *wpotel.Metrics

	// sleep is replaceable in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration)
}

func NewEngine(store database.Store, planner *PlannerService, gate *ApprovalService, guard *LoopGuardService, finalizer *FinalizerService, tools toolrunner.Runner) *Engine {
	return &Engine{
		store:     store,
		planner:   planner,
		gate:      gate,
		guard:     guard,
		finalizer: finalizer,
		tools:     tools,
		sleep:     sleepCtx,
	}
}

// SetHub attaches the WebSocket hub for live run events.
func (e *Engine) SetHub(hub *ws.Hub) { e.hub = hub }

// SetQueue attaches the message queue for the durable run-event stream.
func (e *Engine) SetQueue(q messagequeue.Queue) { e.queue = q }

// SetMetrics attaches the metric instruments.
func (e *Engine) SetMetrics(m *wpotel.Metrics) { e.metrics = m }

// Execute runs the control loop for one run until termination or suspension.
// The caller (the scheduler) has already transitioned the run to running.
// Backend and tool failures are handled internally; a returned error means an
// infrastructure fault the scheduler must convert to a failed run.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	ctx, span := wpotel.StartRunSpan(ctx, r.ID)
	defer span.End()
	started := time.Now()

	cp := &r.Checkpoint
	cp.Settings = cp.Settings.Clamped()
	resetRunningSteps(cp)

	if cp.ResumeRequestedAt != nil && cp.ResumeProcessedAt == nil {
		now := time.Now().UTC()
		cp.ResumeProcessedAt = &now
		e.audit(ctx, r.ID, audit.LevelInfo, "resume processed", map[string]any{
			"requested_at": cp.ResumeRequestedAt,
		})
	}

	if e.metrics != nil {
		e.metrics.RunsStarted.Add(ctx, 1)
	}
	e.emitStatus(ctx, r, run.StatusRunning, "", "")

	// Loop context carries a loop-guard or deadlock description into the
	// next planner call. Cleared after a successful plan.
	planContext := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(cp.Steps) > 0 && plan.AllCompleted(cp.Steps) {
			return e.terminate(ctx, span, r, cp, started, run.StatusCompleted, "", false)
		}
		if cp.StepsExecuted >= cp.Settings.MaxSteps {
			return e.terminate(ctx, span, r, cp, started, run.StatusFailed,
				fmt.Sprintf("step budget exhausted after %d executions", cp.StepsExecuted), true)
		}

		if !plan.HasPending(cp.Steps) || plan.Deadlocked(cp.Steps) {
			done, err := e.planMore(ctx, r, cp, &planContext)
			if err != nil {
				return err
			}
			if done {
				return e.terminate(ctx, span, r, cp, started, run.StatusFailed,
					terminalPlanError(cp), suggestsStuck(cp))
			}
			continue
		}

		step := plan.NextReady(cp.Steps)
		if step == nil {
			// Pending steps exist but none is ready and none is running.
			// Deadlocked should have caught this; treat as a planning fault.
			planContext = "The previous plan deadlocked: pending steps have unmet dependencies."
			cp.DiscardPending()
			continue
		}

		if suspended, err := e.approve(ctx, r, cp, step); err != nil {
			return err
		} else if suspended {
			return nil
		}

		if err := e.executeStep(ctx, r, cp, step); err != nil {
			return err
		}

		if cp.StepsExecuted%cp.Settings.LoopCheckEvery == 0 {
			suspended, terminal, err := e.loopCheck(ctx, r, cp, &planContext)
			if err != nil {
				return err
			}
			if suspended {
				return nil
			}
			if terminal {
				return e.terminate(ctx, span, r, cp, started, run.StatusFailed,
					"loop detected and self-check budget exhausted", true)
			}
		}
	}
}

// planMore invokes the planner, enforcing the replan budget. The first plan
// for a run is free; every later call counts against MaxReplanCalls. It
// returns done=true when budgets are exhausted or planning faults persist,
// which the caller converts to a terminal failed status.
func (e *Engine) planMore(ctx context.Context, r *run.Run, cp *run.Checkpoint, planContext *string) (done bool, err error) {
	replan := len(cp.Steps) > 0
	if replan {
		if cp.ReplanCalls >= cp.Settings.MaxReplanCalls {
			return true, nil
		}
		cp.ReplanCalls++
		if plan.Deadlocked(cp.Steps) {
			if *planContext == "" {
				*planContext = "The previous plan deadlocked: pending steps have unmet dependencies."
			}
			cp.DiscardPending()
		} else if *planContext == "" && plan.AnyFailed(cp.Steps) {
			*planContext = "Earlier steps in the previous plan failed. Take a different approach for the remaining work."
		}
	}

	pctx, span := wpotel.StartPlanSpan(ctx, r.ID, replan)
	planErr := e.planner.Plan(pctx, r, cp, *planContext)
	span.End()

	if planErr != nil {
		cp.LastError = planErr.Error()
		e.audit(ctx, r.ID, audit.LevelWarn, "planning fault", map[string]any{
			"error":  planErr.Error(),
			"replan": replan,
		})
		if !replan {
			// A failed initial plan consumes replan budget too.
			cp.ReplanCalls++
		}
		if err := e.saveCheckpoint(ctx, r, cp); err != nil {
			return false, err
		}
		if cp.ReplanCalls >= cp.Settings.MaxReplanCalls {
			return true, nil
		}
		e.sleep(ctx, cp.Settings.Backoff(cp.ReplanCalls))
		return false, nil
	}

	*planContext = ""
	if err := e.saveCheckpoint(ctx, r, cp); err != nil {
		return false, err
	}
	e.audit(ctx, r.ID, audit.LevelInfo, "plan saved", map[string]any{
		"steps":   len(cp.Steps),
		"replans": cp.ReplanCalls,
	})
	return false, nil
}

// approve runs the approval gate for one step. It returns suspended=true when
// the run was parked in waiting_human pending an external grant.
func (e *Engine) approve(ctx context.Context, r *run.Run, cp *run.Checkpoint, step *plan.Step) (suspended bool, err error) {
	if step.Tool == plan.ToolNone {
		return false, nil
	}

	// A grant is single-use and bound to one step id. A new step occurrence
	// after a replan gets a fresh evaluation.
	if cp.ApprovalGrantedStepID == step.ID {
		cp.ApprovalGrantedStepID = ""
		cp.ApprovalRequestedStepID = ""
		e.audit(ctx, r.ID, audit.LevelInfo, "approval grant consumed", map[string]any{
			"step_id": step.ID,
		})
		return false, nil
	}

	verdict := e.gate.Evaluate(ctx, r, step)
	e.audit(ctx, r.ID, audit.LevelInfo, "approval verdict", map[string]any{
		"step_id":  step.ID,
		"required": verdict.Required,
		"source":   verdict.Source,
		"reason":   verdict.Reason,
		"risk":     verdict.RiskLevel,
	})
	if !verdict.Required {
		return false, nil
	}

	cp.ApprovalRequestedStepID = step.ID
	if e.metrics != nil {
		e.metrics.ApprovalsAsked.Add(ctx, 1)
	}
	if err := e.saveCheckpoint(ctx, r, cp); err != nil {
		return false, err
	}
	reason := "approval required"
	if verdict.Reason != "" {
		reason += ": " + verdict.Reason
	}
	if err := e.store.CompleteRun(ctx, r.ID, run.StatusWaitingHuman, reason, "", true); err != nil {
		return false, fmt.Errorf("suspend run: %w", err)
	}
	e.emitStatus(ctx, r, run.StatusWaitingHuman, step.ID, reason)
	slog.Info("run suspended for approval", "run_id", r.ID, "step_id", step.ID)
	return true, nil
}

// executeStep delegates one step to the tool executor and applies the retry
// budget. Transport errors and ok=false observations are both step failures.
func (e *Engine) executeStep(ctx context.Context, r *run.Run, cp *run.Checkpoint, step *plan.Step) error {
	step.Status = plan.StepStatusRunning
	cp.ActiveStepID = step.ID
	if err := e.saveCheckpoint(ctx, r, cp); err != nil {
		return err
	}
	e.emitStep(ctx, r, step)

	sctx, span := wpotel.StartStepSpan(ctx, step.ID, step.Tool)
	obs, execErr := e.tools.Execute(sctx, toolrunner.Request{
		RunID:          r.ID,
		Step:           *step,
		Prompt:         r.Prompt,
		Browser:        r.AgentBrowser,
		Headless:       r.RunHeadless,
		SearchProvider: r.SearchProvider,
	})
	span.End()

	cp.StepsExecuted++
	if e.metrics != nil {
		e.metrics.StepsExecuted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", step.Tool),
		))
	}

	outcome := run.StepOutcome{
		StepID: step.ID,
		Title:  step.Title,
		Tool:   step.Tool,
		At:     time.Now().UTC(),
	}

	failure := ""
	switch {
	case execErr != nil:
		failure = execErr.Error()
	case obs == nil:
		failure = "executor returned no observation"
	case !obs.OK:
		failure = obs.Error
		if failure == "" {
			failure = "step did not meet success criteria"
		}
	}

	if obs != nil {
		outcome.URL = obs.URL
	}

	if failure != "" {
		step.Attempts++
		cp.LastError = failure
		outcome.Status = string(plan.StepStatusFailed)
		outcome.Error = failure
		if step.Attempts >= cp.Settings.MaxStepAttempts {
			step.Status = plan.StepStatusFailed
		} else {
			step.Status = plan.StepStatusPending
		}
		slog.Warn("step failed", "run_id", r.ID, "step_id", step.ID,
			"attempts", step.Attempts, "error", failure)
	} else {
		step.Status = plan.StepStatusCompleted
		outcome.Status = string(plan.StepStatusCompleted)
		slog.Info("step completed", "run_id", r.ID, "step_id", step.ID, "title", step.Title)
	}

	cp.RecordOutcome(outcome)
	cp.ActiveStepID = ""
	now := time.Now().UTC()
	cp.CheckpointStepID = step.ID
	cp.CheckpointAt = &now

	if err := e.saveCheckpoint(ctx, r, cp); err != nil {
		return err
	}
	e.audit(ctx, r.ID, audit.LevelInfo, "step "+string(step.Status), map[string]any{
		"step_id":  step.ID,
		"title":    step.Title,
		"attempts": step.Attempts,
		"error":    failure,
	})
	e.emitStep(ctx, r, step)
	return nil
}

// loopCheck runs the loop guard and applies the verdict. It returns
// suspended=true when the run was parked in waiting_human, and terminal=true
// when the self-check budget is exhausted while patterns keep firing.
func (e *Engine) loopCheck(ctx context.Context, r *run.Run, cp *run.Checkpoint, planContext *string) (suspended, terminal bool, err error) {
	if cp.SelfChecks >= cp.Settings.MaxSelfChecks {
		// Budget gone: a still-firing pattern is now a terminal condition.
		// Detection only, no judge call.
		if sig := loopguard.Detect(toRecords(cp.History)); sig != nil {
			return false, true, nil
		}
		return false, false, nil
	}

	j := e.guard.Check(ctx, r, cp)
	if j == nil {
		return false, false, nil
	}

	cp.SelfChecks++
	if e.metrics != nil {
		e.metrics.LoopSignals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pattern", string(j.Signal.Pattern)),
		))
	}
	e.audit(ctx, r.ID, audit.LevelWarn, "loop guard verdict", map[string]any{
		"pattern": string(j.Signal.Pattern),
		"verdict": string(j.Verdict),
		"reason":  j.Reason,
		"titles":  j.Signal.Titles,
	})

	switch j.Verdict {
	case VerdictReplan:
		cp.DiscardPending()
		if j.Replacement != nil && !j.Replacement.Empty() {
			budget := cp.Settings.MaxSteps - len(cp.Steps)
			steps := j.Replacement.Normalize(budget, newStepID)
			cp.Steps = append(cp.Steps, steps...)
		} else {
			*planContext = fmt.Sprintf("Loop detected (%s): %s. Plan a different approach.",
				j.Signal.Pattern, j.Reason)
		}
		if err := e.saveCheckpoint(ctx, r, cp); err != nil {
			return false, false, err
		}
		e.sleep(ctx, cp.Settings.Backoff(cp.ReplanCalls))
		return false, false, nil

	case VerdictWaitHuman:
		if err := e.saveCheckpoint(ctx, r, cp); err != nil {
			return false, false, err
		}
		reason := "loop guard requested human intervention: " + j.Reason
		if err := e.store.CompleteRun(ctx, r.ID, run.StatusWaitingHuman, reason, "", true); err != nil {
			return false, false, fmt.Errorf("suspend run: %w", err)
		}
		e.emitStatus(ctx, r, run.StatusWaitingHuman, "", reason)
		slog.Info("run suspended by loop guard", "run_id", r.ID, "pattern", j.Signal.Pattern)
		return true, false, nil

	default:
		if err := e.saveCheckpoint(ctx, r, cp); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
}

// terminate persists the terminal status, emits events, and runs the
// finalizer.
func (e *Engine) terminate(ctx context.Context, span trace.Span, r *run.Run, cp *run.Checkpoint, started time.Time, status run.Status, errMsg string, requiresHuman bool) error {
	if err := e.saveCheckpoint(ctx, r, cp); err != nil {
		return err
	}

	errID := ""
	if status == run.StatusFailed {
		errID = newStepID()
		span.SetStatus(codes.Error, errMsg)
	}
	if err := e.store.CompleteRun(ctx, r.ID, status, errMsg, errID, requiresHuman); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	if e.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(status)))
		if status == run.StatusCompleted {
			e.metrics.RunsCompleted.Add(ctx, 1, attrs)
		} else {
			e.metrics.RunsFailed.Add(ctx, 1, attrs)
		}
		e.metrics.RunDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}

	e.emitStatus(ctx, r, status, "", errMsg)
	slog.Info("run finished", "run_id", r.ID, "status", status,
		"steps_executed", cp.StepsExecuted, "error", errMsg)

	e.finalizer.Finalize(ctx, r, cp, status)
	return nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, r *run.Run, cp *run.Checkpoint) error {
	if err := e.store.SaveCheckpoint(ctx, r.ID, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// audit appends a best-effort audit entry. Failures are logged, never fatal.
func (e *Engine) audit(ctx context.Context, runID string, level audit.Level, msg string, meta map[string]any) {
	var data json.RawMessage
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			data = b
		}
	}
	if err := e.store.AppendAudit(ctx, &audit.Entry{
		RunID:    runID,
		Level:    level,
		Message:  msg,
		Metadata: data,
	}); err != nil {
		slog.Warn("append audit failed", "run_id", runID, "message", msg, "error", err)
	}
}

func (e *Engine) emitStatus(ctx context.Context, r *run.Run, status run.Status, stepID, msg string) {
	if e.queue != nil {
		payload, err := json.Marshal(messagequeue.RunEventPayload{
			RunID:   r.ID,
			Type:    "status",
			Status:  string(status),
			StepID:  stepID,
			Message: msg,
		})
		if err == nil {
			if err := e.queue.Publish(ctx, messagequeue.SubjectForRun(r.ID), payload); err != nil {
				slog.Debug("publish run event failed", "run_id", r.ID, "error", err)
			}
		}
	}
	if e.hub != nil {
		e.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
			RunID:  r.ID,
			Status: string(status),
			StepID: stepID,
			Error:  msg,
		})
	}
}

func (e *Engine) emitStep(ctx context.Context, r *run.Run, step *plan.Step) {
	if e.queue != nil {
		payload, err := json.Marshal(messagequeue.RunEventPayload{
			RunID:  r.ID,
			Type:   "step",
			Status: string(step.Status),
			StepID: step.ID,
		})
		if err == nil {
			if err := e.queue.Publish(ctx, messagequeue.SubjectForRun(r.ID), payload); err != nil {
				slog.Debug("publish run event failed", "run_id", r.ID, "error", err)
			}
		}
	}
	if e.hub != nil {
		e.hub.BroadcastEvent(ctx, ws.EventRunStep, ws.RunStepEvent{
			RunID:  r.ID,
			StepID: step.ID,
			Title:  step.Title,
			Tool:   step.Tool,
			Status: string(step.Status),
		})
	}
}

// resetRunningSteps returns crash-interrupted steps to pending so a resumed
// run re-executes them.
func resetRunningSteps(cp *run.Checkpoint) {
	for i := range cp.Steps {
		if cp.Steps[i].Status == plan.StepStatusRunning {
			cp.Steps[i].Status = plan.StepStatusPending
		}
	}
	cp.ActiveStepID = ""
}

// terminalPlanError picks the message for a run that ran out of plan.
func terminalPlanError(cp *run.Checkpoint) string {
	if cp.LastError != "" {
		return cp.LastError
	}
	return fmt.Sprintf("replan budget exhausted after %d calls", cp.ReplanCalls)
}

// suggestsStuck reports whether the recent history looks like a stuck state
// rather than a clean failure, which sets the human-intervention flag.
func suggestsStuck(cp *run.Checkpoint) bool {
	n := len(cp.History)
	if n >= 2 {
		a, b := cp.History[n-1], cp.History[n-2]
		if a.Error != "" && a.Error == b.Error {
			return true
		}
	}
	return cp.ReplanCalls >= cp.Settings.MaxReplanCalls ||
		cp.SelfChecks >= cp.Settings.MaxSelfChecks
}

func newStepID() string { return uuid.NewString() }

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
