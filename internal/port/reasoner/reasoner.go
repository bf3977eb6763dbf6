// Package reasoner defines the port for the text-completion backend.
package reasoner

import "context"

// Request is one completion call. Callers parse the returned text as JSON,
// tolerating an object embedded in surrounding prose.
type Request struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Backend is the reasoning-backend port. Implementations must surface non-2xx
// responses as errors; callers treat every error as recoverable.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}
