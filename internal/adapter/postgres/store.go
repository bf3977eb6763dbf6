package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarren/webpilot/internal/domain"
	"github.com/mkarren/webpilot/internal/domain/run"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, prompt, model, tools, search_provider, agent_browser, run_headless,
	status, requires_human, error, error_id, log, active_step_id, checkpoint,
	last_checkpoint_at, created_at, updated_at, started_at, finished_at`

// rowScanner abstracts pgx.Row and pgx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (run.Run, error) {
	var r run.Run
	var checkpointJSON []byte
	err := row.Scan(
		&r.ID, &r.Prompt, &r.Model, &r.Tools, &r.SearchProvider, &r.AgentBrowser, &r.RunHeadless,
		&r.Status, &r.RequiresHuman, &r.Error, &r.ErrorID, &r.Log, &r.ActiveStepID, &checkpointJSON,
		&r.LastCheckpointAt, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return run.Run{}, err
	}
	if len(checkpointJSON) > 0 {
		if err := json.Unmarshal(checkpointJSON, &r.Checkpoint); err != nil {
			return run.Run{}, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
	}
	return r, nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	checkpointJSON, err := json.Marshal(r.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if r.Tools == nil {
		r.Tools = []string{}
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (prompt, model, tools, search_provider, agent_browser, run_headless, status, checkpoint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+runColumns,
		r.Prompt, r.Model, r.Tools, r.SearchProvider, r.AgentBrowser, r.RunHeadless, run.StatusQueued, checkpointJSON)

	created, err := scanRun(row)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	*r = created
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) OldestQueued(ctx context.Context) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY created_at ASC LIMIT 1`,
		run.StatusQueued)

	r, err := scanRun(row)
	if err != nil {
		// An empty queue is the steady state, not an error.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest queued: %w", err)
	}
	return &r, nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, started_at = COALESCE(started_at, now()), updated_at = now()
		 WHERE id = $1`, id, run.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark running %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, id string, status run.Status, errMsg, errID string, requiresHuman bool) error {
	finished := "now()"
	if !status.IsTerminal() {
		finished = "finished_at"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, error_id = $4, requires_human = $5,
		        finished_at = `+finished+`, updated_at = now()
		 WHERE id = $1`, id, status, errMsg, errID, requiresHuman)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) RequeueRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, requires_human = FALSE, error = '', error_id = '',
		        finished_at = NULL, updated_at = now()
		 WHERE id = $1`, id, run.StatusQueued)
	if err != nil {
		return fmt.Errorf("requeue run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendRunLog(ctx context.Context, id, line string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET log = array_append(log, $2), updated_at = now() WHERE id = $1`, id, line)
	if err != nil {
		return fmt.Errorf("append run log %s: %w", id, err)
	}
	return nil
}

func (s *Store) StaleRunning(ctx context.Context, olderThan time.Time) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`,
		run.StatusRunning, olderThan)
	if err != nil {
		return nil, fmt.Errorf("stale running: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteTerminalRuns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM runs WHERE status = ANY($1) RETURNING id`,
		[]string{
			string(run.StatusCompleted), string(run.StatusFailed),
			string(run.StatusStopped), string(run.StatusWaitingHuman),
		})
	if err != nil {
		return nil, fmt.Errorf("delete terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp *run.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	checkpointJSON, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET checkpoint = $2, active_step_id = $3, last_checkpoint_at = now(), updated_at = now()
		 WHERE id = $1`, id, checkpointJSON, cp.ActiveStepID)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save checkpoint %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
