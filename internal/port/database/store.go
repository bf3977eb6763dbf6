// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/mkarren/webpilot/internal/domain/audit"
	"github.com/mkarren/webpilot/internal/domain/memory"
	"github.com/mkarren/webpilot/internal/domain/run"
)

// Store is the port interface for database operations.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, limit int) ([]run.Run, error)
	// OldestQueued returns (nil, nil) when the queue is empty.
	OldestQueued(ctx context.Context) (*run.Run, error)
	MarkRunning(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id string, status run.Status, errMsg, errID string, requiresHuman bool) error
	RequeueRun(ctx context.Context, id string) error
	AppendRunLog(ctx context.Context, id, line string) error
	StaleRunning(ctx context.Context, olderThan time.Time) ([]run.Run, error)
	DeleteTerminalRuns(ctx context.Context) ([]string, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, id string, cp *run.Checkpoint) error

	// Memory. An empty runID matches entries from every run; session-scoped
	// recall uses that so reviews written by earlier runs stay reachable.
	AppendMemory(ctx context.Context, item *memory.Item) error
	ListMemory(ctx context.Context, runID, scope string, afterSeq int64, limit int) ([]memory.Item, error)

	// Audit
	AppendAudit(ctx context.Context, e *audit.Entry) error
	ListAudit(ctx context.Context, runID string, limit int) ([]audit.Entry, error)

	// Browser diagnostics (written by the tool transport, read for listings)
	AppendBrowserLog(ctx context.Context, runID, kind, line string) error
	BrowserLogCounts(ctx context.Context, runID string) (logs, snapshots int, err error)
}
