package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkarren/webpilot/internal/domain/memory"
)

// --- Agent memory ---

func (s *Store) AppendMemory(ctx context.Context, item *memory.Item) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	metadataJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_memory (run_id, scope, content, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING seq, created_at`,
		item.RunID, item.Scope, item.Content, metadataJSON)
	if err := row.Scan(&item.Seq, &item.CreatedAt); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

// ListMemory returns entries newest first. An empty runID matches all runs,
// which is how session-scoped recall reaches reviews from earlier runs.
func (s *Store) ListMemory(ctx context.Context, runID, scope string, afterSeq int64, limit int) ([]memory.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, run_id, scope, content, metadata, created_at
		 FROM agent_memory
		 WHERE scope = $1 AND seq > $2 AND ($3 = '' OR run_id = $3)
		 ORDER BY seq DESC LIMIT $4`,
		scope, afterSeq, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var items []memory.Item
	for rows.Next() {
		var item memory.Item
		var metadataJSON []byte
		if err := rows.Scan(&item.Seq, &item.RunID, &item.Scope, &item.Content, &metadataJSON, &item.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &item.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal memory metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
