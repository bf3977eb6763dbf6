package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mkarren/webpilot/internal/domain/plan"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/reasoner"
)

const plannerSystemPrompt = `You are the planning component of an autonomous web agent.
Given a task, produce a JSON plan. Respond with a single JSON object:
{
  "task_type": "<short classification>",
  "brief": "<one-paragraph summary of the approach>",
  "next_actions": ["<short action>", ...],
  "risks": ["<risk>", ...],
  "steps": [
    {"title": "...", "tool": "browser|search|none", "expected": "...",
     "success_criteria": "...", "phase": "...", "priority": 1,
     "depends_on": [<indices of prerequisite steps>]}
  ]
}
For complex tasks you may instead return "goals", each with "subgoals" and
their "steps". Keep steps small and verifiable. No prose outside the JSON.`

// PlannerService calls the reasoning backend to produce or refresh the step
// plan for a run.
type PlannerService struct {
	backend reasoner.Backend
	mem     *MemoryService

	defaultModel string
	maxTokens    int
}

func NewPlannerService(backend reasoner.Backend, mem *MemoryService, defaultModel string, maxTokens int) *PlannerService {
	return &PlannerService{
		backend:      backend,
		mem:          mem,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

// Plan invokes the backend and appends normalized pending steps to the
// checkpoint, capped so the total never exceeds MaxSteps. extraContext
// carries a loop-guard signal description on a forced replan; it is empty on
// a fresh plan. Any backend or parse failure is returned as a recoverable
// planning fault.
func (s *PlannerService) Plan(ctx context.Context, r *run.Run, cp *run.Checkpoint, extraContext string) error {
	budget := cp.Settings.MaxSteps - len(cp.Steps)
	if budget <= 0 {
		return fmt.Errorf("plan: step budget exhausted (%d steps)", len(cp.Steps))
	}

	user := s.buildUserPrompt(ctx, r, cp, extraContext)

	text, err := s.backend.Complete(ctx, reasoner.Request{
		Model:       s.model(r),
		System:      plannerSystemPrompt,
		User:        user,
		Temperature: 0.2,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("planner backend: %w", err)
	}

	resp, err := plan.ParseResponse(text)
	if err != nil {
		return fmt.Errorf("planner response: %w", err)
	}
	if resp.Empty() {
		return fmt.Errorf("planner response: empty plan")
	}

	steps := resp.Normalize(budget, uuid.NewString)
	if len(steps) == 0 {
		return fmt.Errorf("planner response: no executable steps")
	}

	cp.Steps = append(cp.Steps, steps...)
	if resp.TaskType != "" {
		cp.TaskType = resp.TaskType
	}
	if resp.Brief != "" {
		cp.Brief = resp.Brief
	}
	if len(resp.NextActions) > 0 {
		cp.NextActions = resp.NextActions
	}
	if len(resp.Risks) > 0 {
		cp.Risks = resp.Risks
	}

	slog.Info("plan produced", "run_id", r.ID, "steps", len(steps), "task_type", cp.TaskType)
	return nil
}

func (s *PlannerService) model(r *run.Run) string {
	if r.Model != "" {
		return r.Model
	}
	return s.defaultModel
}

func (s *PlannerService) buildUserPrompt(ctx context.Context, r *run.Run, cp *run.Checkpoint, extraContext string) string {
	var b strings.Builder

	b.WriteString("Task: ")
	b.WriteString(r.Prompt)
	b.WriteString("\n")

	if len(r.Tools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(r.Tools, ", "))
	}
	if r.SearchProvider != "" {
		fmt.Fprintf(&b, "Search provider: %s\n", r.SearchProvider)
	}

	if recalled, err := s.mem.Recall(ctx, cp.SummaryCheckpoint, 10); err != nil {
		slog.Warn("memory recall failed", "run_id", r.ID, "error", err)
	} else if recalled != "" {
		b.WriteString("\nNotes from earlier sessions:\n")
		b.WriteString(recalled)
	}

	if n := len(cp.History); n > 0 {
		b.WriteString("\nRecent step outcomes:\n")
		for _, o := range cp.History {
			fmt.Fprintf(&b, "- %q (%s) -> %s", o.Title, o.Tool, o.Status)
			if o.URL != "" {
				fmt.Fprintf(&b, " at %s", o.URL)
			}
			if o.Error != "" {
				fmt.Fprintf(&b, " (error: %s)", o.Error)
			}
			b.WriteString("\n")
		}
		last := cp.History[n-1]
		if last.URL != "" {
			fmt.Fprintf(&b, "\nCurrent page: %s\n", last.URL)
		}
	}

	if done := completedTitles(cp.Steps); len(done) > 0 {
		b.WriteString("\nAlready completed (do not repeat):\n")
		for _, t := range done {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	if cp.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s\n", cp.LastError)
	}
	if extraContext != "" {
		b.WriteString("\n")
		b.WriteString(extraContext)
		b.WriteString("\n")
	}

	b.WriteString("\nPlan the remaining work.")
	return b.String()
}

func completedTitles(steps []plan.Step) []string {
	var out []string
	for i := range steps {
		if steps[i].Status == plan.StepStatusCompleted {
			out = append(out, steps[i].Title)
		}
	}
	return out
}
