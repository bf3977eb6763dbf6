// Package toolrunner defines the port for the browser-automation executor.
package toolrunner

import (
	"context"

	"github.com/mkarren/webpilot/internal/domain/plan"
)

// Request carries one step invocation to the execution plane.
type Request struct {
	RunID          string    `json:"run_id"`
	Step           plan.Step `json:"step"`
	Prompt         string    `json:"prompt"`
	Browser        string    `json:"browser,omitempty"`
	Headless       bool      `json:"headless"`
	SearchProvider string    `json:"search_provider,omitempty"`
}

// Observation is the executor's report for one step.
type Observation struct {
	OK          bool   `json:"ok"`
	Observation string `json:"observation,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Runner executes a single step to completion (success, failure, or timeout).
// A transport error and an Observation with OK=false are both step failures.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Observation, error)
}
