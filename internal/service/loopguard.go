package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkarren/webpilot/internal/domain/loopguard"
	"github.com/mkarren/webpilot/internal/domain/plan"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/reasoner"
)

// LoopVerdict is the judge's decision when a repetition pattern fires.
type LoopVerdict string

const (
	VerdictContinue  LoopVerdict = "continue"
	VerdictReplan    LoopVerdict = "replan"
	VerdictWaitHuman LoopVerdict = "wait_human"
)

// LoopJudgment is the outcome of one loop-guard escalation.
type LoopJudgment struct {
	Signal      *loopguard.Signal
	Verdict     LoopVerdict
	Reason      string
	Replacement *plan.Response // optional replacement plan on a replan verdict
}

const loopJudgeSystemPrompt = `You supervise an autonomous web agent that appears to be
stuck in a loop. Decide whether it should continue as planned, replan, or
stop and wait for a human. Respond with a single JSON object:
{"verdict": "continue|replan|wait_human", "reason": "<short>",
 "steps": [...optional replacement steps...], "goals": [...or goals...]}
Replacement steps use the same shape as the planner's output.`

// LoopGuardService runs heuristic loop detection over recent step outcomes
// and escalates detected patterns to an LLM judge.
type LoopGuardService struct {
	backend reasoner.Backend
	mem     *MemoryService

	defaultModel string
	maxTokens    int
}

func NewLoopGuardService(backend reasoner.Backend, mem *MemoryService, defaultModel string, maxTokens int) *LoopGuardService {
	return &LoopGuardService{
		backend:      backend,
		mem:          mem,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

// Check runs detection over the checkpoint history. It returns nil when no
// pattern fires. When one does, the judge is consulted; a judge failure or
// unparsable reply defaults to continue so a transient backend error never
// suspends a run.
func (s *LoopGuardService) Check(ctx context.Context, r *run.Run, cp *run.Checkpoint) *LoopJudgment {
	signal := loopguard.Detect(toRecords(cp.History))
	if signal == nil {
		return nil
	}

	j := &LoopJudgment{Signal: signal, Verdict: VerdictContinue, Reason: signal.Reason}

	text, err := s.backend.Complete(ctx, reasoner.Request{
		Model:       s.model(r),
		System:      loopJudgeSystemPrompt,
		User:        s.buildJudgePrompt(ctx, r, cp, signal),
		Temperature: 0,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		slog.Warn("loop judge unavailable, continuing", "run_id", r.ID, "pattern", signal.Pattern, "error", err)
		return j
	}

	var reply struct {
		Verdict string         `json:"verdict"`
		Reason  string         `json:"reason"`
		Steps   []plan.StepDef `json:"steps,omitempty"`
		Goals   []plan.Goal    `json:"goals,omitempty"`
	}
	if err := json.Unmarshal([]byte(extractObject(text)), &reply); err != nil {
		slog.Warn("loop judge reply unparsable, continuing", "run_id", r.ID, "error", err)
		return j
	}

	switch LoopVerdict(reply.Verdict) {
	case VerdictReplan:
		j.Verdict = VerdictReplan
	case VerdictWaitHuman:
		j.Verdict = VerdictWaitHuman
	case VerdictContinue:
		j.Verdict = VerdictContinue
	default:
		slog.Warn("loop judge returned unknown verdict, continuing", "run_id", r.ID, "verdict", reply.Verdict)
		return j
	}
	if reply.Reason != "" {
		j.Reason = reply.Reason
	}
	if len(reply.Steps) > 0 || len(reply.Goals) > 0 {
		j.Replacement = &plan.Response{Steps: reply.Steps, Goals: reply.Goals}
	}
	return j
}

func (s *LoopGuardService) model(r *run.Run) string {
	if r.Model != "" {
		return r.Model
	}
	return s.defaultModel
}

func (s *LoopGuardService) buildJudgePrompt(ctx context.Context, r *run.Run, cp *run.Checkpoint, signal *loopguard.Signal) string {
	var b strings.Builder

	b.WriteString("Task: ")
	b.WriteString(r.Prompt)
	b.WriteString("\n\nDetected pattern: ")
	b.WriteString(string(signal.Pattern))
	b.WriteString("\nReason: ")
	b.WriteString(signal.Reason)
	b.WriteString("\n\nRecent outcomes:\n")
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

	if n := len(cp.History); n > 0 && cp.History[n-1].URL != "" {
		fmt.Fprintf(&b, "\nCurrent page: %s\n", cp.History[n-1].URL)
	}

	if pending := pendingTitles(cp.Steps); len(pending) > 0 {
		b.WriteString("\nRemaining plan:\n")
		for _, t := range pending {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	if recalled, err := s.mem.Recall(ctx, cp.SummaryCheckpoint, 5); err == nil && recalled != "" {
		b.WriteString("\nNotes from earlier sessions:\n")
		b.WriteString(recalled)
	}

	b.WriteString("\nShould the agent continue, replan, or wait for a human?")
	return b.String()
}

func toRecords(history []run.StepOutcome) []loopguard.Record {
	recs := make([]loopguard.Record, len(history))
	for i, o := range history {
		recs[i] = loopguard.Record{
			Title:  o.Title,
			Tool:   o.Tool,
			URL:    o.URL,
			Failed: o.Status == string(plan.StepStatusFailed),
		}
	}
	return recs
}

func pendingTitles(steps []plan.Step) []string {
	var out []string
	for i := range steps {
		if steps[i].Status == plan.StepStatusPending {
			out = append(out, steps[i].Title)
		}
	}
	return out
}
