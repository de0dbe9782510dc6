// Package store persists the task queue, the execution history, and the
// power-mode record. Stores are explicit objects handed to constructors;
// there is no ambient global state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thermal-gate/internal/models"
)

// TaskStore owns task records. All lifecycle transitions go through it so the
// single-running invariant holds under concurrent enqueue calls.
type TaskStore interface {
	// Enqueue inserts a pending task and assigns a fresh id.
	Enqueue(ctx context.Context, name string, action models.ActionSpec, priority int) (models.Task, error)
	// ListPending returns pending tasks ordered by (priority, enqueued_at).
	ListPending(ctx context.Context) ([]models.Task, error)
	// NextEligible returns the highest-priority pending task, or nil when
	// the queue is empty. It does not consider thermal conditions.
	NextEligible(ctx context.Context) (*models.Task, error)
	// Get fetches a task by id from the live queue.
	Get(ctx context.Context, id string) (models.Task, error)
	// MarkRunning transitions a pending task to running. Fails with
	// ErrInvalidState if the task is not pending or another task runs.
	MarkRunning(ctx context.Context, id string, now time.Time) error
	// MarkTerminal records the outcome of a running task.
	MarkTerminal(ctx context.Context, id, outcome string, durationSeconds float64, detail string, now time.Time) error
	// Cancel removes a pending task. Running or terminal tasks cannot be
	// cancelled.
	Cancel(ctx context.Context, id string) error
	// Requeue returns a running task to pending. Used only for operator
	// reconciliation of tasks orphaned by a crash.
	Requeue(ctx context.Context, id string) error
	// ArchiveTerminal moves terminal tasks to history and deletes them from
	// the live queue. Returns how many were archived.
	ArchiveTerminal(ctx context.Context) (int, error)
	// Running lists tasks currently marked running (0 or 1 in normal
	// operation; more only after external interference).
	Running(ctx context.Context) ([]models.Task, error)
	// CountPending reports queue depth for telemetry.
	CountPending(ctx context.Context) (int64, error)
	// History returns the most recent history entries, newest first.
	History(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	// HistorySince returns entries completed strictly after the watermark,
	// oldest first, for incremental export.
	HistorySince(ctx context.Context, watermark time.Time, limit int) ([]models.HistoryEntry, error)
}

// PowerStateStore persists the power-mode record across restarts.
type PowerStateStore interface {
	// LoadPowerState returns the recorded status and whether one exists.
	LoadPowerState(ctx context.Context) (models.PowerStatus, bool, error)
	// SavePowerState overwrites the recorded status.
	SavePowerState(ctx context.Context, st models.PowerStatus) error
}

// Store is the combined persistence surface the daemon wires up.
type Store interface {
	TaskStore
	PowerStateStore
}

func wrapStorage(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(models.ErrStorage, err))
}

func validatePriority(priority int) error {
	if priority < models.PriorityHighest || priority > models.PriorityLowest {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]",
			models.ErrInvalidState, priority, models.PriorityHighest, models.PriorityLowest)
	}
	return nil
}
