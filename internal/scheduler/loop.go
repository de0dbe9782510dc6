// Package scheduler admits queued tasks when thermal conditions allow. One
// tick runs to completion before the next is considered; there is no
// preemption of a running action.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"thermal-gate/internal/config"
	"thermal-gate/internal/lease"
	"thermal-gate/internal/models"
	"thermal-gate/internal/power"
	"thermal-gate/internal/sensor"
	"thermal-gate/internal/store"
	"thermal-gate/internal/telemetry"
	"thermal-gate/internal/thermal"
)

// Tick outcomes.
const (
	OutcomeUnfavorable = "unfavorable"
	OutcomeBusy        = "busy"
	OutcomeIdle        = "idle"
	OutcomeRan         = "ran"
)

// Runner executes one kind of task action.
type Runner func(ctx context.Context, task models.Task) error

// TickResult reports what a single tick decided and did.
type TickResult struct {
	Outcome      string          `json:"outcome"`
	Verdict      thermal.Verdict `json:"-"`
	VerdictName  string          `json:"verdict"`
	TemperatureC float64         `json:"temperature_c"`
	ReadingValid bool            `json:"reading_valid"`
	TaskID       string          `json:"task_id,omitempty"`
	TaskName     string          `json:"task_name,omitempty"`
	TaskOutcome  string          `json:"task_outcome,omitempty"`
	Duration     float64         `json:"duration_seconds,omitempty"`
}

// Loop ties the task queue to the thermal evaluator. All task mutations go
// through the store's transition operations; the loop never writes fields
// directly.
type Loop struct {
	store   store.TaskStore
	sensor  sensor.Provider
	power   *power.Controller
	lease   *lease.Lease // nil when Redis is not configured
	runtime *config.Runtime
	runners map[string]Runner
}

// New wires a scheduler loop. The lease may be nil for single-process use.
func New(st store.TaskStore, sp sensor.Provider, pc *power.Controller, ls *lease.Lease, rt *config.Runtime) *Loop {
	return &Loop{
		store:   st,
		sensor:  sp,
		power:   pc,
		lease:   ls,
		runtime: rt,
		runners: make(map[string]Runner),
	}
}

// Register binds a runner to an action kind.
func (l *Loop) Register(kind string, r Runner) {
	if kind == "" || r == nil {
		return
	}
	l.runners[kind] = r
}

// sample takes one reading, mapping failure to an invalid reading. The
// sensor's own timeout bounds the call.
func (l *Loop) sample(ctx context.Context) thermal.Reading {
	r, err := l.sensor.Sample(ctx)
	if err != nil {
		telemetry.SensorFailures.Inc()
		log.Printf("scheduler: sensor unavailable: %v", err)
		return thermal.Reading{At: time.Now()}
	}
	telemetry.TemperatureGauge.Set(r.TemperatureC)
	return r
}

func newTickResult(reading thermal.Reading, verdict thermal.Verdict) TickResult {
	return TickResult{
		Verdict:      verdict,
		VerdictName:  verdict.String(),
		TemperatureC: reading.TemperatureC,
		ReadingValid: reading.Valid,
	}
}

// Tick samples, evaluates, and runs at most one task. Safe to call on a
// fixed interval or on demand.
func (l *Loop) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	return l.tickWith(ctx, l.sample(ctx), now)
}

func (l *Loop) tickWith(ctx context.Context, reading thermal.Reading, now time.Time) (TickResult, error) {
	tun := l.runtime.Tunables()
	verdict := thermal.Evaluate(reading, tun.Thresholds, tun.Window, now)
	res := newTickResult(reading, verdict)

	if verdict == thermal.Unfavorable {
		res.Outcome = OutcomeUnfavorable
		telemetry.TicksTotal.WithLabelValues(res.Outcome).Inc()
		return res, nil
	}

	running, err := l.store.Running(ctx)
	if err != nil {
		return res, err
	}
	if len(running) > 0 {
		res.Outcome = OutcomeBusy
		res.TaskID = running[0].ID
		telemetry.TicksTotal.WithLabelValues(res.Outcome).Inc()
		return res, nil
	}

	next, err := l.store.NextEligible(ctx)
	if err != nil {
		return res, err
	}
	if next == nil {
		res.Outcome = OutcomeIdle
		telemetry.TicksTotal.WithLabelValues(res.Outcome).Inc()
		return res, nil
	}

	outcome, duration, err := l.runTask(ctx, *next)
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeRan
	res.TaskID = next.ID
	res.TaskName = next.Name
	res.TaskOutcome = outcome
	res.Duration = duration
	telemetry.TicksTotal.WithLabelValues(res.Outcome).Inc()
	return res, nil
}

// Preview reports the admission decision without mutating anything. Used by
// the operator's dry-run surface.
func (l *Loop) Preview(ctx context.Context, now time.Time) (TickResult, error) {
	reading := l.sample(ctx)
	tun := l.runtime.Tunables()
	verdict := thermal.Evaluate(reading, tun.Thresholds, tun.Window, now)
	res := newTickResult(reading, verdict)

	if verdict == thermal.Unfavorable {
		res.Outcome = OutcomeUnfavorable
		return res, nil
	}
	running, err := l.store.Running(ctx)
	if err != nil {
		return res, err
	}
	if len(running) > 0 {
		res.Outcome = OutcomeBusy
		res.TaskID = running[0].ID
		return res, nil
	}
	next, err := l.store.NextEligible(ctx)
	if err != nil {
		return res, err
	}
	if next == nil {
		res.Outcome = OutcomeIdle
		return res, nil
	}
	res.Outcome = OutcomeRan
	res.TaskID = next.ID
	res.TaskName = next.Name
	return res, nil
}

// runTask marks the task running immediately before invoking its action,
// records the outcome, and archives it. A failing action is recorded as
// failed and never retried here; re-scheduling is the caller's decision.
func (l *Loop) runTask(ctx context.Context, t models.Task) (string, float64, error) {
	if err := l.store.MarkRunning(ctx, t.ID, time.Now()); err != nil {
		return "", 0, err
	}

	runner, ok := l.runners[t.Action.Kind]
	var runErr error
	start := time.Now()
	if !ok {
		runErr = fmt.Errorf("no runner registered for action kind %q", t.Action.Kind)
	} else {
		runErr = runner(ctx, t)
	}
	duration := time.Since(start).Seconds()

	outcome := models.OutcomeSucceeded
	detail := ""
	if runErr != nil {
		outcome = models.OutcomeFailed
		detail = runErr.Error()
		log.Printf("scheduler: task %s (%s) failed after %.1fs: %v", t.ID, t.Name, duration, runErr)
	} else {
		log.Printf("scheduler: task %s (%s) succeeded in %.1fs", t.ID, t.Name, duration)
	}

	if err := l.store.MarkTerminal(ctx, t.ID, outcome, duration, detail, time.Now()); err != nil {
		return outcome, duration, err
	}
	if _, err := l.store.ArchiveTerminal(ctx); err != nil {
		return outcome, duration, err
	}
	telemetry.TasksCompleted.WithLabelValues(outcome).Inc()
	return outcome, duration, nil
}

// WaitAndRun polls until the named task is admissible, runs it, or gives up
// after maxWait with ErrWaitTimeout, leaving the task pending.
func (l *Loop) WaitAndRun(ctx context.Context, id string, maxWait time.Duration) (TickResult, error) {
	deadline := time.Now().Add(maxWait)
	for {
		t, err := l.store.Get(ctx, id)
		if err != nil {
			return TickResult{}, err
		}
		if t.Status != models.StatusPending {
			return TickResult{}, fmt.Errorf("%w: task %s is %s, not pending", models.ErrInvalidState, id, t.Status)
		}

		reading := l.sample(ctx)
		tun := l.runtime.Tunables()
		now := time.Now()
		verdict := thermal.Evaluate(reading, tun.Thresholds, tun.Window, now)
		if verdict != thermal.Unfavorable {
			running, err := l.store.Running(ctx)
			if err != nil {
				return TickResult{}, err
			}
			if len(running) == 0 {
				next, err := l.store.NextEligible(ctx)
				if err != nil {
					return TickResult{}, err
				}
				if next != nil && next.ID == id {
					outcome, duration, err := l.runTask(ctx, *next)
					if err != nil {
						return TickResult{}, err
					}
					res := newTickResult(reading, verdict)
					res.Outcome = OutcomeRan
					res.TaskID = id
					res.TaskName = t.Name
					res.TaskOutcome = outcome
					res.Duration = duration
					return res, nil
				}
			}
		}

		if time.Now().After(deadline) {
			return TickResult{}, fmt.Errorf("%w: task %s not runnable within %s", models.ErrWaitTimeout, id, maxWait)
		}
		select {
		case <-ctx.Done():
			return TickResult{}, ctx.Err()
		case <-time.After(tun.WaitPoll):
		}
	}
}

// Run is the daemon loop: renew the lease, reconcile power, tick, repeat.
// Per-cycle failures are logged and absorbed; only context cancellation or
// losing the lease stops the loop.
//
// The lease is renewed on its own cadence, well inside the TTL, so the poll
// interval (which the tunables file can lengthen at runtime) never lets the
// lease expire under a healthy daemon.
func (l *Loop) Run(ctx context.Context) error {
	leaseLost := make(chan error, 1)
	if l.lease != nil {
		held, err := l.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire scheduler lease: %w", err)
		}
		if !held {
			holder, _ := l.lease.Holder(ctx)
			return fmt.Errorf("scheduler lease held by %q; refusing to run a second scheduler", holder)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.lease.Release(releaseCtx)
		}()
		go l.keepLease(ctx, leaseLost)
	}

	for {
		interval := l.runtime.Tunables().PollInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-leaseLost:
			return err
		case <-time.After(interval):
		}

		now := time.Now()
		reading := l.sample(ctx)

		if l.power != nil {
			tun := l.runtime.Tunables()
			if _, err := l.power.Reconcile(ctx, reading, power.Settings{
				Thresholds: tun.Thresholds,
				MinDwell:   tun.MinDwell,
			}, now); err != nil {
				// Profile apply failures retry next cycle; nothing here is fatal.
				log.Printf("scheduler: power reconcile: %v", err)
			}
		}

		if _, err := l.tickWith(ctx, reading, now); err != nil {
			if errors.Is(err, models.ErrStorage) {
				log.Printf("scheduler: storage error, skipping cycle: %v", err)
			} else {
				log.Printf("scheduler: tick: %v", err)
			}
		}

		if depth, err := l.store.CountPending(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// keepLease renews the scheduler lease at a third of its TTL. Transient
// Redis errors are retried on the next beat; only a lease that is genuinely
// gone, or taken by another owner, stops the loop.
func (l *Loop) keepLease(ctx context.Context, lost chan<- error) {
	period := l.lease.TTL() / 3
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.lease.Renew(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, lease.ErrNotHeld) {
				lost <- fmt.Errorf("scheduler lease lost: %w", err)
				return
			}
			log.Printf("scheduler: lease renew failed, retrying: %v", err)
		}
	}
}

// ReportOrphans logs tasks left running by an earlier process. They are not
// resumed and not discarded; the operator requeues or fails them explicitly.
func (l *Loop) ReportOrphans(ctx context.Context) error {
	orphans, err := l.store.Running(ctx)
	if err != nil {
		return err
	}
	for _, t := range orphans {
		log.Printf("scheduler: task %s (%s) was running when the previous process stopped; requeue or fail it via the operator API", t.ID, t.Name)
	}
	return nil
}
