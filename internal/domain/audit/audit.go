// Package audit defines the append-only control-decision trace for runs.
package audit

import (
	"encoding/json"
	"time"
)

// Level classifies an audit entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry records one control decision (queued, checkpoint saved, loop-guard
// verdict, approval verdict, self-improvement review).
type Entry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Level     Level           `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
