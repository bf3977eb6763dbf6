// Package run defines the AgentRun domain entity for autonomous browser tasks.
package run

import "time"

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
	StatusWaitingHuman Status = "waiting_human"
)

// IsTerminal returns true if the run is in a final state. waiting_human counts
// as terminal for the scheduler: the run leaves the queue until an external
// actor grants approval and requeues it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusWaitingHuman:
		return true
	}
	return false
}

// Run represents one requested autonomous task from prompt to terminal status.
type Run struct {
	ID               string     `json:"id"`
	Prompt           string     `json:"prompt"`
	Model            string     `json:"model,omitempty"`
	Tools            []string   `json:"tools,omitempty"`
	SearchProvider   string     `json:"search_provider,omitempty"`
	AgentBrowser     string     `json:"agent_browser,omitempty"`
	RunHeadless      bool       `json:"run_headless"`
	Status           Status     `json:"status"`
	RequiresHuman    bool       `json:"requires_human_intervention"`
	Error            string     `json:"error,omitempty"`
	ErrorID          string     `json:"error_id,omitempty"`
	Log              []string   `json:"log,omitempty"`
	ActiveStepID     string     `json:"active_step_id,omitempty"`
	Checkpoint       Checkpoint `json:"checkpoint"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	SearchProvider string   `json:"search_provider,omitempty"`
	AgentBrowser   string   `json:"agent_browser,omitempty"`
	RunHeadless    *bool    `json:"run_headless,omitempty"` // nil = default true
}

// Summary is a run enriched with derived artifact counts for listings.
type Summary struct {
	Run
	BrowserLogCount int `json:"browser_log_count"`
	SnapshotCount   int `json:"snapshot_count"`
}
