package run

import (
	"time"

	"github.com/mkarren/webpilot/internal/domain/plan"
)

// Checkpoint is the complete resumable snapshot of a run's progress. It is
// written after every step transition, loop-guard verdict, and approval
// decision, and read once at run start. Replaying a checkpoint reproduces the
// same next action given the same external responses.
type Checkpoint struct {
	Steps                   []plan.Step       `json:"steps,omitempty"`
	ActiveStepID            string            `json:"active_step_id,omitempty"`
	LastError               string            `json:"last_error,omitempty"`
	TaskType                string            `json:"task_type,omitempty"`
	ResumeRequestedAt       *time.Time        `json:"resume_requested_at,omitempty"`
	ResumeProcessedAt       *time.Time        `json:"resume_processed_at,omitempty"`
	ApprovalRequestedStepID string            `json:"approval_requested_step_id,omitempty"`
	ApprovalGrantedStepID   string            `json:"approval_granted_step_id,omitempty"`
	Brief                   string            `json:"brief,omitempty"`
	NextActions             []string          `json:"next_actions,omitempty"`
	Risks                   []string          `json:"risks,omitempty"`
	CheckpointStepID        string            `json:"checkpoint_step_id,omitempty"`
	CheckpointAt            *time.Time        `json:"checkpoint_at,omitempty"`
	SummaryCheckpoint       int64             `json:"summary_checkpoint,omitempty"` // memory watermark (last summarized seq)
	Settings                Settings          `json:"settings"`
	Preferences             map[string]string `json:"preferences,omitempty"`
	History                 []StepOutcome     `json:"history,omitempty"`
	StepsExecuted           int               `json:"steps_executed"`
	ReplanCalls             int               `json:"replan_calls"`
	SelfChecks              int               `json:"self_checks"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// StepOutcome records one finished step execution for loop detection.
type StepOutcome struct {
	StepID string    `json:"step_id"`
	Title  string    `json:"title"`
	Tool   string    `json:"tool"`
	Status string    `json:"status"` // "completed" or "failed"
	URL    string    `json:"url,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// maxHistory bounds the retained outcome window. The loop guard only ever
// inspects the last four entries.
const maxHistory = 12

// RecordOutcome appends an outcome, trimming the window to maxHistory.
func (c *Checkpoint) RecordOutcome(o StepOutcome) {
	c.History = append(c.History, o)
	if len(c.History) > maxHistory {
		c.History = c.History[len(c.History)-maxHistory:]
	}
}

// PendingSteps returns the number of steps still awaiting execution.
func (c *Checkpoint) PendingSteps() int {
	n := 0
	for i := range c.Steps {
		if c.Steps[i].Status == plan.StepStatusPending {
			n++
		}
	}
	return n
}

// DiscardPending marks all pending steps failed-out of the plan by dropping
// them. Completed and failed steps are kept so a replan retains progress
// context. Used when a loop-guard verdict orders a replan.
func (c *Checkpoint) DiscardPending() {
	kept := c.Steps[:0]
	for i := range c.Steps {
		if c.Steps[i].Status != plan.StepStatusPending {
			kept = append(kept, c.Steps[i])
		}
	}
	c.Steps = kept
}
