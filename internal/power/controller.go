// Package power drives the machine's energy profile off the thermal signal.
// The controller is a hysteretic state machine over normal, low_power, and
// emergency; the recorded state always reflects the last profile that was
// actually applied.
package power

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"thermal-gate/internal/models"
	"thermal-gate/internal/store"
	"thermal-gate/internal/telemetry"
	"thermal-gate/internal/thermal"
)

// ProfileApplier switches the platform's power profile. Apply must be
// idempotent: applying the current state is a no-op.
type ProfileApplier interface {
	Apply(ctx context.Context, state models.PowerState) error
}

// Settings are the tunables of the state machine.
type Settings struct {
	Thresholds thermal.Thresholds
	MinDwell   time.Duration
}

// Controller is the hysteretic power-mode state machine. Reconcile runs on
// the daemon loop only; the mutex exists so State can be read from HTTP
// handlers while a reconcile is in flight.
type Controller struct {
	store   store.PowerStateStore
	applier ProfileApplier

	mu               sync.Mutex
	state            models.PowerState
	lastTransitionAt time.Time
}

// NewController restores the recorded state from the store, defaulting to
// normal when nothing has been persisted yet.
func NewController(ctx context.Context, st store.PowerStateStore, applier ProfileApplier) (*Controller, error) {
	c := &Controller{store: st, applier: applier, state: models.PowerNormal}
	rec, ok, err := st.LoadPowerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load power state: %w", err)
	}
	if ok && rec.State.Valid() {
		c.state = rec.State
		c.lastTransitionAt = rec.LastTransitionAt
	}
	telemetry.SetPowerState(string(c.state))
	return c, nil
}

// State returns the recorded state and when it was entered.
func (c *Controller) State() (models.PowerState, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastTransitionAt
}

// Reconcile evaluates the transition table once for the given reading.
// It returns the state in effect afterwards. A failed profile apply keeps
// the recorded state so the same transition is retried next cycle.
func (c *Controller) Reconcile(ctx context.Context, r thermal.Reading, s Settings, now time.Time) (models.PowerState, error) {
	cur, since := c.State()
	target, reason := decide(cur, since, r, s, now)
	if target == cur {
		return cur, nil
	}

	if err := c.applier.Apply(ctx, target); err != nil {
		telemetry.ProfileApplyFailures.Inc()
		return cur, fmt.Errorf("%w: %s -> %s: %v", models.ErrProfileApply, cur, target, err)
	}
	rec := models.PowerStatus{State: target, LastTransitionAt: now.UTC()}
	if err := c.store.SavePowerState(ctx, rec); err != nil {
		// The profile is applied but the record is stale; the next cycle
		// re-decides from the same recorded state and Apply is idempotent.
		return cur, fmt.Errorf("persist power state: %w", err)
	}

	telemetry.PowerTransitions.WithLabelValues(string(cur), string(target)).Inc()
	telemetry.SetPowerState(string(target))
	log.Printf("power: %s -> %s (%s)", cur, target, reason)
	c.mu.Lock()
	c.state = target
	c.lastTransitionAt = now.UTC()
	c.mu.Unlock()
	return target, nil
}

// decide picks the target state. Emergency bypasses dwell; everything else
// honors it. A clock stepping backwards counts as zero elapsed time.
func decide(cur models.PowerState, since time.Time, r thermal.Reading, s Settings, now time.Time) (models.PowerState, string) {
	// Emergency preempts immediately, with or without a dwell budget, but
	// only on a real reading.
	if r.Valid && r.TemperatureC >= s.Thresholds.CriticalC {
		return models.PowerEmergency, fmt.Sprintf("%.1fC >= critical %.1fC", r.TemperatureC, s.Thresholds.CriticalC)
	}

	elapsed := now.Sub(since)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed < s.MinDwell {
		return cur, "within dwell window"
	}

	switch cur {
	case models.PowerNormal:
		if r.Valid && r.TemperatureC > s.Thresholds.CeilingC {
			return models.PowerLowPower, fmt.Sprintf("%.1fC > ceiling %.1fC", r.TemperatureC, s.Thresholds.CeilingC)
		}
	case models.PowerLowPower, models.PowerEmergency:
		if r.Valid && r.TemperatureC <= s.Thresholds.RecoveryC {
			return models.PowerNormal, fmt.Sprintf("%.1fC <= recovery %.1fC", r.TemperatureC, s.Thresholds.RecoveryC)
		}
	}
	return cur, "no transition"
}

// IsProfileApply reports whether err came from a failed profile apply.
func IsProfileApply(err error) bool {
	return errors.Is(err, models.ErrProfileApply)
}
