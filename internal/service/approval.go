package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mkarren/webpilot/internal/domain/plan"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/cache"
	"github.com/mkarren/webpilot/internal/port/reasoner"
)

// riskKeywords is the fixed vocabulary the heuristic tier matches against the
// step title and run prompt, case-insensitively.
var riskKeywords = []string{
	"login", "log in", "signin", "sign in",
	"checkout", "payment", "pay ", "purchase", "buy ",
	"delete", "remove", "transfer",
	"admin", "password", "credential",
	"submit order", "unsubscribe",
}

const approvalSystemPrompt = `You review one planned step of an autonomous web agent
and decide whether it needs human approval before execution. Irreversible or
sensitive actions (payments, logins, deletions, account changes) require
approval. Respond with a single JSON object:
{"requires_approval": true|false, "reason": "<short>", "risk_level": "low|medium|high"}`

// ApprovalVerdict is the gate's decision for one step.
type ApprovalVerdict struct {
	Required  bool   `json:"requires_approval"`
	Reason    string `json:"reason,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Source    string `json:"source"` // "heuristic", "model", or "none"
}

// ApprovalService is the two-tier gate deciding whether a step requires human
// sign-off before execution.
type ApprovalService struct {
	backend reasoner.Backend
	cache   cache.Cache

	defaultModel string
	maxTokens    int
	verdictTTL   time.Duration
}

func NewApprovalService(backend reasoner.Backend, c cache.Cache, defaultModel string, maxTokens int, verdictTTL time.Duration) *ApprovalService {
	return &ApprovalService{
		backend:      backend,
		cache:        c,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		verdictTTL:   verdictTTL,
	}
}

// Evaluate runs the heuristic tier and, when a backend is available, the
// model tier. A model failure falls back to the heuristic result alone; the
// gate never blocks on an unreachable judge. Steps with tool "none" never
// require approval.
func (s *ApprovalService) Evaluate(ctx context.Context, r *run.Run, step *plan.Step) ApprovalVerdict {
	if step.Tool == plan.ToolNone {
		return ApprovalVerdict{Required: false, Source: "none"}
	}

	heuristic := s.matchKeywords(step.Title, r.Prompt)

	model, ok := s.modelVerdict(ctx, r, step)
	if !ok {
		if heuristic != "" {
			return ApprovalVerdict{
				Required:  true,
				Reason:    "matched risk keyword: " + heuristic,
				RiskLevel: "medium",
				Source:    "heuristic",
			}
		}
		return ApprovalVerdict{Required: false, Source: "heuristic"}
	}

	// The heuristic can escalate a model "no", never the other way around.
	if !model.Required && heuristic != "" {
		model.Required = true
		model.Reason = "matched risk keyword: " + heuristic
		model.Source = "heuristic"
	}
	return model
}

// matchKeywords returns the first risk keyword found in the step title or run
// prompt, or "" when neither matches.
func (s *ApprovalService) matchKeywords(title, prompt string) string {
	haystack := strings.ToLower(title + " " + prompt)
	for _, kw := range riskKeywords {
		if strings.Contains(haystack, kw) {
			return strings.TrimSpace(kw)
		}
	}
	return ""
}

func (s *ApprovalService) modelVerdict(ctx context.Context, r *run.Run, step *plan.Step) (ApprovalVerdict, bool) {
	if s.backend == nil {
		return ApprovalVerdict{}, false
	}

	key := verdictCacheKey(step.Title, r.Prompt)
	if s.cache != nil {
		if data, hit, err := s.cache.Get(ctx, key); err == nil && hit {
			var v ApprovalVerdict
			if json.Unmarshal(data, &v) == nil {
				return v, true
			}
		}
	}

	user := "Step: " + step.Title + "\nTool: " + step.Tool + "\nTask: " + r.Prompt
	if step.Expected != "" {
		user += "\nExpected: " + step.Expected
	}

	model := r.Model
	if model == "" {
		model = s.defaultModel
	}
	text, err := s.backend.Complete(ctx, reasoner.Request{
		Model:       model,
		System:      approvalSystemPrompt,
		User:        user,
		Temperature: 0,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		slog.Warn("approval model tier unavailable", "run_id", r.ID, "step_id", step.ID, "error", err)
		return ApprovalVerdict{}, false
	}

	var v ApprovalVerdict
	if err := json.Unmarshal([]byte(extractObject(text)), &v); err != nil {
		slog.Warn("approval model reply unparsable", "run_id", r.ID, "step_id", step.ID, "error", err)
		return ApprovalVerdict{}, false
	}
	v.Source = "model"

	if s.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, key, data, s.verdictTTL)
		}
	}
	return v, true
}

func verdictCacheKey(title, prompt string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(title) + "\x00" + prompt))
	return "approval:" + hex.EncodeToString(sum[:])
}
