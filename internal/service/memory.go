package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mkarren/webpilot/internal/domain/memory"
	"github.com/mkarren/webpilot/internal/port/database"
)

// MemoryService appends and recalls scoped free-text memory entries used as
// planner and loop-guard context.
type MemoryService struct {
	store database.Store
}

func NewMemoryService(store database.Store) *MemoryService {
	return &MemoryService{store: store}
}

// Append stores a new memory entry.
func (s *MemoryService) Append(ctx context.Context, runID, scope, content string, metadata map[string]string) error {
	item := &memory.Item{
		RunID:     runID,
		Scope:     scope,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate memory item: %w", err)
	}
	if err := s.store.AppendMemory(ctx, item); err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

// Recall returns the most recent session entries after the given watermark,
// formatted as a context block for prompts. Session memory is shared across
// runs: the self-reviews one run writes are exactly what the next run's
// planner needs, so recall is not filtered by run id. Empty string when
// nothing is stored.
func (s *MemoryService) Recall(ctx context.Context, afterSeq int64, limit int) (string, error) {
	items, err := s.store.ListMemory(ctx, "", memory.ScopeSession, afterSeq, limit)
	if err != nil {
		return "", fmt.Errorf("list memory: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	var b strings.Builder
	// ListMemory returns newest first; render oldest first for the prompt.
	for i := len(items) - 1; i >= 0; i-- {
		b.WriteString("- ")
		b.WriteString(items[i].Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}
