package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/memory"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/database"
	"github.com/mkarren/webpilot/internal/port/reasoner"
)

const verifySystemPrompt = `You verify whether an autonomous web agent achieved its task.
Given the task, the executed plan, and the final page context, judge the outcome.
Respond with a single JSON object:
{"passed": true|false, "summary": "<what was and was not achieved>"}`

const reviewSystemPrompt = `You write a short self-improvement review for an autonomous
web agent after a finished run. Respond with a single JSON object:
{"summary": "...", "mistakes": ["..."], "improvements": ["..."],
 "guardrails": ["..."], "tool_adjustments": ["..."], "confidence": 0.0-1.0}`

// Verification is the judge's pass/fail assessment of a finished run.
type Verification struct {
	Passed  bool   `json:"passed"`
	Summary string `json:"summary,omitempty"`
}

// Review is the post-run self-improvement assessment.
type Review struct {
	Summary         string   `json:"summary"`
	Mistakes        []string `json:"mistakes,omitempty"`
	Improvements    []string `json:"improvements,omitempty"`
	Guardrails      []string `json:"guardrails,omitempty"`
	ToolAdjustments []string `json:"tool_adjustments,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
}

// FinalizerService runs the post-run verification pass and self-improvement
// review, persisting both as audit and memory entries.
type FinalizerService struct {
	store   database.Store
	backend reasoner.Backend
	mem     *MemoryService

	defaultModel string
	maxTokens    int
}

func NewFinalizerService(store database.Store, backend reasoner.Backend, mem *MemoryService, defaultModel string, maxTokens int) *FinalizerService {
	return &FinalizerService{
		store:        store,
		backend:      backend,
		mem:          mem,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

// Finalize runs exactly once per run termination. Verification and review
// failures degrade to nil results and are logged; they never block the
// terminal transition, which the engine has already persisted.
func (s *FinalizerService) Finalize(ctx context.Context, r *run.Run, cp *run.Checkpoint, status run.Status) {
	verification := s.verify(ctx, r, cp, status)
	review := s.review(ctx, r, cp, status, verification)

	meta := map[string]any{"status": string(status)}
	if verification != nil {
		meta["verification"] = verification
	}
	if review != nil {
		meta["review"] = review
	}
	data, err := json.Marshal(meta)
	if err != nil {
		slog.Error("marshal finalizer metadata", "run_id", r.ID, "error", err)
		data = nil
	}

	if err := s.store.AppendAudit(ctx, &audit.Entry{
		RunID:    r.ID,
		Level:    audit.LevelInfo,
		Message:  "self-improvement review",
		Metadata: data,
	}); err != nil {
		slog.Warn("persist finalizer audit failed", "run_id", r.ID, "error", err)
	}

	if review != nil && review.Summary != "" {
		content := reviewMemoryContent(review)
		md := map[string]string{"type": "self-review", "run_status": string(status)}
		if review.Confidence > 0 {
			md["confidence"] = fmt.Sprintf("%.2f", review.Confidence)
		}
		if err := s.mem.Append(ctx, r.ID, memory.ScopeSession, content, md); err != nil {
			slog.Warn("persist review memory failed", "run_id", r.ID, "error", err)
		}
	}
}

func (s *FinalizerService) verify(ctx context.Context, r *run.Run, cp *run.Checkpoint, status run.Status) *Verification {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(r.Prompt)
	fmt.Fprintf(&b, "\nFinal status: %s\n", status)
	if cp.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", cp.LastError)
	}
	b.WriteString("\nExecuted plan:\n")
	for i := range cp.Steps {
		fmt.Fprintf(&b, "- %q -> %s\n", cp.Steps[i].Title, cp.Steps[i].Status)
	}
	if n := len(cp.History); n > 0 && cp.History[n-1].URL != "" {
		fmt.Fprintf(&b, "\nFinal page: %s (%s)\n", cp.History[n-1].URL, cp.History[n-1].Title)
	}

	text, err := s.backend.Complete(ctx, reasoner.Request{
		Model:       s.model(r),
		System:      verifySystemPrompt,
		User:        b.String(),
		Temperature: 0,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		slog.Warn("verification call failed", "run_id", r.ID, "error", err)
		return nil
	}

	var v Verification
	if err := json.Unmarshal([]byte(extractObject(text)), &v); err != nil {
		slog.Warn("verification reply unparsable", "run_id", r.ID, "error", err)
		return nil
	}
	return &v
}

func (s *FinalizerService) review(ctx context.Context, r *run.Run, cp *run.Checkpoint, status run.Status, verification *Verification) *Review {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(r.Prompt)
	fmt.Fprintf(&b, "\nFinal status: %s\n", status)
	if verification != nil {
		fmt.Fprintf(&b, "Verification: passed=%t %s\n", verification.Passed, verification.Summary)
	}
	if cp.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", cp.LastError)
	}
	b.WriteString("\nStep history:\n")
	for _, o := range cp.History {
		fmt.Fprintf(&b, "- %q (%s) -> %s", o.Title, o.Tool, o.Status)
		if o.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", o.Error)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nSteps executed: %d, replans: %d, self-checks: %d\n",
		cp.StepsExecuted, cp.ReplanCalls, cp.SelfChecks)

	text, err := s.backend.Complete(ctx, reasoner.Request{
		Model:       s.model(r),
		System:      reviewSystemPrompt,
		User:        b.String(),
		Temperature: 0.3,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		slog.Warn("self-review call failed", "run_id", r.ID, "error", err)
		return nil
	}

	var rev Review
	if err := json.Unmarshal([]byte(extractObject(text)), &rev); err != nil {
		slog.Warn("self-review reply unparsable", "run_id", r.ID, "error", err)
		return nil
	}
	return &rev
}

func (s *FinalizerService) model(r *run.Run) string {
	if r.Model != "" {
		return r.Model
	}
	return s.defaultModel
}

func reviewMemoryContent(rev *Review) string {
	var b strings.Builder
	b.WriteString(rev.Summary)
	for _, m := range rev.Mistakes {
		b.WriteString("\nMistake: ")
		b.WriteString(m)
	}
	for _, im := range rev.Improvements {
		b.WriteString("\nImprove: ")
		b.WriteString(im)
	}
	for _, g := range rev.Guardrails {
		b.WriteString("\nGuardrail: ")
		b.WriteString(g)
	}
	return b.String()
}
