package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventRunStatus = "run.status"
	EventRunStep   = "run.step"
	EventRunLog    = "run.log"
)

// RunStatusEvent is broadcast when a run's status changes.
type RunStatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	StepID string `json:"step_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunStepEvent is broadcast when a step starts or finishes.
type RunStepEvent struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
	Title  string `json:"title"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

// RunLogEvent is broadcast when a run emits a log line.
type RunLogEvent struct {
	RunID string `json:"run_id"`
	Line  string `json:"line"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
