// Package memory provides the domain model for scoped agent memory entries.
// Entries are append-only: never mutated, only superseded by newer entries.
package memory

import (
	"errors"
	"time"
)

// ScopeSession is the default scope for per-session notes and reviews.
const ScopeSession = "session"

// Item represents a single free-text memory entry the agent can recall.
type Item struct {
	Seq       int64             `json:"seq"`
	RunID     string            `json:"run_id"`
	Scope     string            `json:"scope"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Validate checks that an Item has all required fields.
func (i *Item) Validate() error {
	if i.RunID == "" {
		return errors.New("run_id is required")
	}
	if i.Scope == "" {
		return errors.New("scope is required")
	}
	if i.Content == "" {
		return errors.New("content is required")
	}
	return nil
}
