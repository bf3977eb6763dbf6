package run

import (
	"fmt"
	"strings"

	"github.com/mkarren/webpilot/internal/domain"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusQueued:       true,
	StatusRunning:      true,
	StatusCompleted:    true,
	StatusFailed:       true,
	StatusStopped:      true,
	StatusWaitingHuman: true,
}

// Validate checks that a Run has all required fields and valid values.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if r.Status != "" && !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	return nil
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required: %w", domain.ErrValidation)
	}
	return nil
}
