package messagequeue

// Subjects for the run event stream.
const (
	SubjectRunEvents = "runs.events" // runs.events.<run_id>
)

// SubjectForRun returns the event subject for one run.
func SubjectForRun(runID string) string {
	return SubjectRunEvents + "." + runID
}

// RunEventPayload is published on every control decision and status change.
type RunEventPayload struct {
	RunID   string            `json:"run_id"`
	Type    string            `json:"type"` // "status", "step", "checkpoint", "loopguard", "approval", "review"
	Status  string            `json:"status,omitempty"`
	StepID  string            `json:"step_id,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
