// Package plan defines plan steps and the pure transformations the control
// loop applies to them: ready-step selection, hierarchy flattening, and
// parsing of JSON-shaped planner responses.
package plan

// ToolNone marks a step that performs no external tool call and therefore
// never requires approval.
const ToolNone = "none"

// StepStatus represents the lifecycle state of an individual step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// IsTerminal returns true if the step is in a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// Step represents one unit of planned work.
type Step struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Tool            string     `json:"tool"`
	Expected        string     `json:"expected,omitempty"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Phase           string     `json:"phase,omitempty"`
	Priority        int        `json:"priority,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Status          StepStatus `json:"status"`
	Attempts        int        `json:"attempts"`
	GoalID          string     `json:"goal_id,omitempty"`
	SubgoalID       string     `json:"subgoal_id,omitempty"`
}
