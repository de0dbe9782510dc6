package models

import (
	"time"
)

// Task lifecycle states persisted in the store.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Task outcomes recorded in history.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Priority bounds: 1 runs first, 10 runs last.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
)

// ActionSpec describes what a task does. The queue and scheduler never
// interpret the payload; a registered runner for Kind does.
type ActionSpec struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Task is a deferred unit of work persisted in the store.
type Task struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Priority   int        `json:"priority"`
	Action     ActionSpec `json:"action"`
	Status     string     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// HistoryEntry is an append-only record of a finished task.
type HistoryEntry struct {
	TaskID          string    `json:"task_id"`
	Name            string    `json:"name"`
	Outcome         string    `json:"outcome"`
	DurationSeconds float64   `json:"duration_seconds"`
	Detail          string    `json:"detail,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// PowerState is the power-profile mode the machine is in.
type PowerState string

const (
	PowerNormal    PowerState = "normal"
	PowerLowPower  PowerState = "low_power"
	PowerEmergency PowerState = "emergency"
)

// Valid reports whether s is one of the three known states.
func (s PowerState) Valid() bool {
	switch s {
	case PowerNormal, PowerLowPower, PowerEmergency:
		return true
	}
	return false
}

// PowerStatus is the persisted power-mode record. LastTransitionAt is the
// sole basis for dwell-time hysteresis.
type PowerStatus struct {
	State            PowerState `json:"state"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
}
