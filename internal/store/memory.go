package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"thermal-gate/internal/models"
)

// Memory is an in-process Store with the same transition rules as Postgres.
// It backs unit tests and --dev runs; nothing survives the process.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	outcome map[string]models.HistoryEntry // terminal but not yet archived
	seq     map[string]int                 // insertion order, tie-break after priority+time
	nextSeq int
	history []models.HistoryEntry

	power    models.PowerStatus
	hasPower bool

	// FailEnqueue simulates storage unavailability in tests.
	FailEnqueue bool
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]*models.Task),
		outcome: make(map[string]models.HistoryEntry),
		seq:     make(map[string]int),
	}
}

func (m *Memory) Enqueue(_ context.Context, name string, action models.ActionSpec, priority int) (models.Task, error) {
	if err := validatePriority(priority); err != nil {
		return models.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEnqueue {
		return models.Task{}, wrapStorage("insert task", fmt.Errorf("store unavailable"))
	}
	t := models.Task{
		ID:         uuid.New().String(),
		Name:       name,
		Priority:   priority,
		Action:     action,
		Status:     models.StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	m.tasks[t.ID] = &t
	m.seq[t.ID] = m.nextSeq
	m.nextSeq++
	return t, nil
}

func (m *Memory) pendingLocked() []models.Task {
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.StatusPending {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func (m *Memory) ListPending(context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(), nil
}

func (m *Memory) NextEligible(context.Context) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingLocked()
	if len(pending) == 0 {
		return nil, nil
	}
	head := pending[0]
	return &head, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: task %s not found", models.ErrInvalidState, id)
	}
	return *t, nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Status == models.StatusRunning {
			return fmt.Errorf("%w: task %s is already running", models.ErrInvalidState, t.ID)
		}
	}
	t, ok := m.tasks[id]
	if !ok || t.Status != models.StatusPending {
		return fmt.Errorf("%w: task %s is not pending", models.ErrInvalidState, id)
	}
	at := now.UTC()
	t.Status = models.StatusRunning
	t.StartedAt = &at
	return nil
}

func (m *Memory) MarkTerminal(_ context.Context, id, outcome string, durationSeconds float64, detail string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.StatusRunning {
		return fmt.Errorf("%w: task %s is not running", models.ErrInvalidState, id)
	}
	if outcome == models.OutcomeFailed {
		t.Status = models.StatusFailed
	} else {
		t.Status = models.StatusSucceeded
	}
	m.outcome[id] = models.HistoryEntry{
		TaskID:          id,
		Name:            t.Name,
		Outcome:         outcome,
		DurationSeconds: durationSeconds,
		Detail:          detail,
		CompletedAt:     now.UTC(),
	}
	return nil
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.StatusPending {
		return fmt.Errorf("%w: task %s is not pending", models.ErrInvalidState, id)
	}
	delete(m.tasks, id)
	delete(m.seq, id)
	return nil
}

func (m *Memory) Requeue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.StatusRunning {
		return fmt.Errorf("%w: task %s is not running", models.ErrInvalidState, id)
	}
	t.Status = models.StatusPending
	t.StartedAt = nil
	return nil
}

func (m *Memory) ArchiveTerminal(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status != models.StatusSucceeded && t.Status != models.StatusFailed {
			continue
		}
		if e, ok := m.outcome[id]; ok {
			m.history = append(m.history, e)
		}
		delete(m.tasks, id)
		delete(m.seq, id)
		delete(m.outcome, id)
		n++
	}
	sort.SliceStable(m.history, func(i, j int) bool {
		return m.history[i].CompletedAt.Before(m.history[j].CompletedAt)
	})
	return n, nil
}

func (m *Memory) Running(context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.StatusRunning {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *Memory) CountPending(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) History(_ context.Context, limit int) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	// Newest first.
	out := make([]models.HistoryEntry, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

func (m *Memory) HistorySince(_ context.Context, watermark time.Time, limit int) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.HistoryEntry
	for _, e := range m.history {
		if e.CompletedAt.After(watermark) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) LoadPowerState(context.Context) (models.PowerStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power, m.hasPower, nil
}

func (m *Memory) SavePowerState(_ context.Context, st models.PowerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power = st
	m.hasPower = true
	return nil
}
