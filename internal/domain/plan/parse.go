package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON indicates no JSON object could be located in a planner response.
var ErrNoJSON = errors.New("no JSON object in response")

// Response is the structured output parsed from a planner or loop-guard
// reply. Either Steps (flat) or Goals (hierarchical) is populated.
type Response struct {
	TaskType    string    `json:"task_type,omitempty"`
	Brief       string    `json:"brief,omitempty"`
	NextActions []string  `json:"next_actions,omitempty"`
	Risks       []string  `json:"risks,omitempty"`
	Steps       []StepDef `json:"steps,omitempty"`
	Goals       []Goal    `json:"goals,omitempty"`
}

// Empty returns true when the response carries no steps at all.
func (r *Response) Empty() bool {
	if len(r.Steps) > 0 {
		return false
	}
	for _, g := range r.Goals {
		if len(g.Steps) > 0 {
			return false
		}
		for _, sg := range g.Subgoals {
			if len(sg.Steps) > 0 {
				return false
			}
		}
	}
	return true
}

// Normalize converts the response into executable pending steps, flattening a
// hierarchy when present and truncating to budget.
func (r *Response) Normalize(budget int, newID func() string) []Step {
	if len(r.Goals) > 0 {
		return Flatten(r.Goals, budget, newID)
	}
	return Materialize(r.Steps, budget, newID)
}

// ParseResponse parses JSON-shaped planner text. It tries a strict parse
// first, then strips markdown fences, then falls back to extracting the
// first-{ to last-} substring. Malformed text returns a wrapped ErrNoJSON;
// callers treat that as a recoverable planning fault, never a fatal error.
func ParseResponse(text string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err == nil {
		return &resp, nil
	}

	extracted := extractJSON(text)
	if extracted == "" {
		return nil, fmt.Errorf("parse planner response: %w", ErrNoJSON)
	}
	if err := json.Unmarshal([]byte(extracted), &resp); err != nil {
		return nil, fmt.Errorf("parse planner response: %w", err)
	}
	return &resp, nil
}

// extractJSON strips markdown code fences and falls back to scanning for the
// outermost brace pair. Returns "" when no object is found.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return ""
}
