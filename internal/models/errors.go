package models

import "errors"

// Error taxonomy. Transient failures (sensor, profile apply) are absorbed and
// retried by the daemon loop; usage errors (invalid state) surface to the
// caller and are never retried.
var (
	// ErrSensorUnavailable means the reading could not be taken this cycle.
	// Callers treat the cycle as unfavorable; never fatal.
	ErrSensorUnavailable = errors.New("sensor unavailable")

	// ErrStorage wraps failures of the persistence store. Fatal to the
	// operation that hit it; the daemon loop logs and moves on.
	ErrStorage = errors.New("storage error")

	// ErrInvalidState marks an illegal queue transition (unknown id, double
	// run, cancelling a running task).
	ErrInvalidState = errors.New("invalid task state")

	// ErrWaitTimeout is returned by WaitAndRun when conditions never
	// admitted the task; the task stays pending.
	ErrWaitTimeout = errors.New("wait timeout")

	// ErrProfileApply means the power profile controller rejected a
	// transition; the recorded state is not advanced and the transition is
	// retried on the next evaluation cycle.
	ErrProfileApply = errors.New("profile apply failed")
)
