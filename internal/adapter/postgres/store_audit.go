package postgres

import (
	"context"
	"fmt"

	"github.com/mkarren/webpilot/internal/domain/audit"
)

// --- Audit log ---

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO audit_log (run_id, level, message, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		e.RunID, e.Level, e.Message, metadata)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, runID string, limit int) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, level, message, metadata, created_at
		 FROM audit_log WHERE run_id = $1 ORDER BY id DESC LIMIT $2`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Browser diagnostics ---

func (s *Store) AppendBrowserLog(ctx context.Context, runID, kind, line string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO browser_logs (run_id, kind, line) VALUES ($1, $2, $3)`,
		runID, kind, line)
	if err != nil {
		return fmt.Errorf("append browser log: %w", err)
	}
	return nil
}

func (s *Store) BrowserLogCounts(ctx context.Context, runID string) (logs, snapshots int, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE kind = 'log'),
		   COUNT(*) FILTER (WHERE kind = 'snapshot')
		 FROM browser_logs WHERE run_id = $1`, runID)
	if err := row.Scan(&logs, &snapshots); err != nil {
		return 0, 0, fmt.Errorf("browser log counts: %w", err)
	}
	return logs, snapshots, nil
}
