package service

import (
	"context"
	"testing"
	"time"

	"github.com/mkarren/webpilot/internal/domain/plan"
	"github.com/mkarren/webpilot/internal/domain/run"
	"github.com/mkarren/webpilot/internal/port/reasoner"
)

func newTestGate(backend reasoner.Backend) *ApprovalService {
	return NewApprovalService(backend, nil, "test-model", 1024, time.Minute)
}

func TestApprovalToolNoneNeverRequires(t *testing.T) {
	gate := newTestGate(&mockBackend{})
	r := &run.Run{ID: "r1", Prompt: "delete my account"} // risky prompt, no tool
	step := &plan.Step{ID: "s1", Title: "Summarize findings", Tool: plan.ToolNone}

	v := gate.Evaluate(context.Background(), r, step)
	if v.Required {
		t.Fatal("tool 'none' must never require approval")
	}
}

func TestApprovalHeuristicFlagsCheckoutOnModelOutage(t *testing.T) {
	// No gateFn configured: the model tier fails, leaving the heuristic alone.
	gate := newTestGate(&mockBackend{})
	r := &run.Run{ID: "r1", Prompt: "Buy me a coffee maker"}
	step := &plan.Step{ID: "s1", Title: "Proceed to checkout", Tool: "browser"}

	v := gate.Evaluate(context.Background(), r, step)
	if !v.Required {
		t.Fatal("expected heuristic to flag a checkout step")
	}
	if v.Source != "heuristic" {
		t.Fatalf("expected heuristic source, got %q", v.Source)
	}
}

func TestApprovalBenignStepPasses(t *testing.T) {
	gate := newTestGate(&mockBackend{})
	r := &run.Run{ID: "r1", Prompt: "Read the front page"}
	step := &plan.Step{ID: "s1", Title: "Navigate to example.com", Tool: "browser"}

	v := gate.Evaluate(context.Background(), r, step)
	if v.Required {
		t.Fatalf("expected no approval for a benign step, got %+v", v)
	}
}

func TestApprovalModelVerdictHonored(t *testing.T) {
	backend := &mockBackend{
		gateFn: func(reasoner.Request) (string, error) {
			return `{"requires_approval": true, "reason": "irreversible subscription change", "risk_level": "high"}`, nil
		},
	}
	gate := newTestGate(backend)
	r := &run.Run{ID: "r1", Prompt: "Change my plan"}
	step := &plan.Step{ID: "s1", Title: "Confirm the plan change", Tool: "browser"}

	v := gate.Evaluate(context.Background(), r, step)
	if !v.Required {
		t.Fatal("expected model verdict to require approval")
	}
	if v.Source != "model" || v.RiskLevel != "high" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestApprovalHeuristicEscalatesModelNo(t *testing.T) {
	backend := &mockBackend{
		gateFn: func(reasoner.Request) (string, error) {
			return `{"requires_approval": false, "reason": "looks routine", "risk_level": "low"}`, nil
		},
	}
	gate := newTestGate(backend)
	r := &run.Run{ID: "r1", Prompt: "Tidy up my mailbox"}
	step := &plan.Step{ID: "s1", Title: "Delete all archived mail", Tool: "browser"}

	v := gate.Evaluate(context.Background(), r, step)
	if !v.Required {
		t.Fatal("keyword match must escalate a model 'no'")
	}
}

func TestApprovalKeywordMatchIsCaseInsensitive(t *testing.T) {
	gate := newTestGate(&mockBackend{})
	r := &run.Run{ID: "r1", Prompt: "help with the account"}
	step := &plan.Step{ID: "s1", Title: "Enter the PASSWORD on the form", Tool: "browser"}

	v := gate.Evaluate(context.Background(), r, step)
	if !v.Required {
		t.Fatal("expected case-insensitive keyword matching")
	}
}
