package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"thermal-gate/internal/models"
)

// Postgres persists tasks, history, and power state via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, name, priority, action, status, enqueued_at, started_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var actionJSON []byte
	var started pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.Name, &t.Priority, &actionJSON, &t.Status, &t.EnqueuedAt, &started); err != nil {
		return models.Task{}, err
	}
	if err := json.Unmarshal(actionJSON, &t.Action); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal action: %w", err)
	}
	if started.Valid {
		at := started.Time
		t.StartedAt = &at
	}
	return t, nil
}

// Enqueue inserts a pending task with a fresh id.
func (s *Postgres) Enqueue(ctx context.Context, name string, action models.ActionSpec, priority int) (models.Task, error) {
	if err := validatePriority(priority); err != nil {
		return models.Task{}, err
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal action: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, priority, action, status, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, name, priority, actionJSON, models.StatusPending, now)
	if err != nil {
		return models.Task{}, wrapStorage("insert task", err)
	}

	return models.Task{
		ID:         id,
		Name:       name,
		Priority:   priority,
		Action:     action,
		Status:     models.StatusPending,
		EnqueuedAt: now,
	}, nil
}

// ListPending returns pending tasks in execution order.
func (s *Postgres) ListPending(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1
		ORDER BY priority ASC, enqueued_at ASC, id ASC
	`, models.StatusPending)
	if err != nil {
		return nil, wrapStorage("list pending", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapStorage("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list pending", err)
	}
	return out, nil
}

// NextEligible returns the head of the pending order, or nil when empty.
func (s *Postgres) NextEligible(ctx context.Context) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1
		ORDER BY priority ASC, enqueued_at ASC, id ASC
		LIMIT 1
	`, models.StatusPending)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("next eligible", err)
	}
	return &t, nil
}

// Get fetches a live task by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: task %s not found", models.ErrInvalidState, id)
	}
	if err != nil {
		return models.Task{}, wrapStorage("get task", err)
	}
	return t, nil
}

// MarkRunning transitions pending to running. The conditional WHERE clause
// enforces the single-running invariant even with concurrent callers.
func (s *Postgres) MarkRunning(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
		  AND NOT EXISTS (SELECT 1 FROM tasks WHERE status = $2)
	`, id, models.StatusRunning, now.UTC(), models.StatusPending)
	if err != nil {
		return wrapStorage("mark running", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not pending or another task is running", models.ErrInvalidState, id)
	}
	return nil
}

// MarkTerminal records the outcome of a running task.
func (s *Postgres) MarkTerminal(ctx context.Context, id, outcome string, durationSeconds float64, detail string, now time.Time) error {
	status := models.StatusSucceeded
	if outcome == models.OutcomeFailed {
		status = models.StatusFailed
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, outcome = $3, duration_seconds = $4, detail = $5, completed_at = $6, updated_at = $6
		WHERE id = $1 AND status = $7
	`, id, status, outcome, durationSeconds, detail, now.UTC(), models.StatusRunning)
	if err != nil {
		return wrapStorage("mark terminal", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not running", models.ErrInvalidState, id)
	}
	return nil
}

// Cancel removes a pending task.
func (s *Postgres) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks WHERE id = $1 AND status = $2
	`, id, models.StatusPending)
	if err != nil {
		return wrapStorage("cancel task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not pending", models.ErrInvalidState, id)
	}
	return nil
}

// Requeue returns an orphaned running task to pending.
func (s *Postgres) Requeue(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusRunning)
	if err != nil {
		return wrapStorage("requeue task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not running", models.ErrInvalidState, id)
	}
	return nil
}

// ArchiveTerminal moves terminal rows into history in one transaction.
func (s *Postgres) ArchiveTerminal(ctx context.Context) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, wrapStorage("begin archive tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO task_history (task_id, name, outcome, duration_seconds, detail, completed_at)
		SELECT id, name, outcome, duration_seconds, COALESCE(detail, ''), completed_at
		FROM tasks WHERE status IN ($1, $2)
	`, models.StatusSucceeded, models.StatusFailed)
	if err != nil {
		return 0, wrapStorage("copy to history", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM tasks WHERE status IN ($1, $2)
	`, models.StatusSucceeded, models.StatusFailed); err != nil {
		return 0, wrapStorage("delete terminal tasks", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapStorage("commit archive", err)
	}
	return int(tag.RowsAffected()), nil
}

// Running lists tasks marked running.
func (s *Postgres) Running(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY started_at ASC
	`, models.StatusRunning)
	if err != nil {
		return nil, wrapStorage("list running", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapStorage("scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountPending reports queue depth.
func (s *Postgres) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, wrapStorage("count pending", err)
	}
	return n, nil
}

// History returns the newest entries first.
func (s *Postgres) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, name, outcome, duration_seconds, detail, completed_at
		FROM task_history ORDER BY completed_at DESC, seq DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, wrapStorage("query history", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// HistorySince returns entries completed after the watermark, oldest first.
func (s *Postgres) HistorySince(ctx context.Context, watermark time.Time, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, name, outcome, duration_seconds, detail, completed_at
		FROM task_history WHERE completed_at > $1
		ORDER BY completed_at ASC, seq ASC LIMIT $2
	`, watermark.UTC(), limit)
	if err != nil {
		return nil, wrapStorage("query history since", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func scanHistory(rows pgx.Rows) ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.TaskID, &e.Name, &e.Outcome, &e.DurationSeconds, &e.Detail, &e.CompletedAt); err != nil {
			return nil, wrapStorage("scan history", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadPowerState returns the persisted power record, if any.
func (s *Postgres) LoadPowerState(ctx context.Context) (models.PowerStatus, bool, error) {
	var state string
	var st models.PowerStatus
	err := s.pool.QueryRow(ctx, `
		SELECT state, last_transition_at FROM power_state WHERE singleton
	`).Scan(&state, &st.LastTransitionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PowerStatus{}, false, nil
	}
	if err != nil {
		return models.PowerStatus{}, false, wrapStorage("load power state", err)
	}
	st.State = models.PowerState(state)
	return st, true, nil
}

// SavePowerState upserts the single power record.
func (s *Postgres) SavePowerState(ctx context.Context, st models.PowerStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO power_state (singleton, state, last_transition_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET state = $1, last_transition_at = $2
	`, string(st.State), st.LastTransitionAt.UTC())
	if err != nil {
		return wrapStorage("save power state", err)
	}
	return nil
}
