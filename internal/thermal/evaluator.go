// Package thermal classifies temperature readings into the tri-state verdict
// that gates both the power-mode controller and the task scheduler.
package thermal

import (
	"fmt"
	"time"
)

// Reading is a single temperature sample. Valid=false means the sensor could
// not be read this cycle; the temperature field is meaningless then and must
// never be taken as zero degrees.
type Reading struct {
	TemperatureC float64
	Valid        bool
	At           time.Time
}

// ReadingAt returns a valid reading taken at t.
func ReadingAt(tempC float64, t time.Time) Reading {
	return Reading{TemperatureC: tempC, Valid: true, At: t}
}

// Verdict is the tri-state classification of current conditions.
type Verdict int

const (
	Unfavorable Verdict = iota
	Acceptable
	Ideal
)

func (v Verdict) String() string {
	switch v {
	case Unfavorable:
		return "unfavorable"
	case Acceptable:
		return "acceptable"
	case Ideal:
		return "ideal"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Thresholds are the temperature boundaries driving verdicts and power-mode
// transitions. RecoveryC must sit strictly below CeilingC so that recovery
// requires a real cool-down, not a dip under the ceiling.
type Thresholds struct {
	CeilingC  float64 `yaml:"ceiling_c"`
	IdealC    float64 `yaml:"ideal_c"`
	RecoveryC float64 `yaml:"recovery_c"`
	CriticalC float64 `yaml:"critical_c"`
}

// Validate checks the ordering invariants between thresholds.
func (t Thresholds) Validate() error {
	if t.RecoveryC >= t.CeilingC {
		return fmt.Errorf("recovery threshold %.1f must be below ceiling %.1f", t.RecoveryC, t.CeilingC)
	}
	if t.CeilingC >= t.CriticalC {
		return fmt.Errorf("ceiling %.1f must be below critical threshold %.1f", t.CeilingC, t.CriticalC)
	}
	if t.IdealC > t.CeilingC {
		return fmt.Errorf("ideal threshold %.1f must not exceed ceiling %.1f", t.IdealC, t.CeilingC)
	}
	return nil
}

// TimeWindow is a preferred time-of-day interval in minutes since midnight.
// Start > End means the window wraps midnight (22:00-06:00). A zero window
// matches nothing.
type TimeWindow struct {
	StartMinute int `yaml:"-"`
	EndMinute   int `yaml:"-"`
}

// ParseWindow builds a window from "HH:MM" boundaries. Empty strings yield
// the zero window.
func ParseWindow(start, end string) (TimeWindow, error) {
	if start == "" && end == "" {
		return TimeWindow{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window end: %w", err)
	}
	return TimeWindow{StartMinute: s, EndMinute: e}, nil
}

func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse %q: %w", v, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", v)
	}
	return h*60 + m, nil
}

// IsZero reports whether the window is unset.
func (w TimeWindow) IsZero() bool {
	return w.StartMinute == 0 && w.EndMinute == 0
}

// Contains reports whether t's local time-of-day falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	// Wraps midnight.
	return minute >= w.StartMinute || minute < w.EndMinute
}

// Evaluate turns a reading into a verdict. Pure; safe for concurrent use.
// A missing reading is unfavorable: it is never safe to act on unknown
// temperature.
func Evaluate(r Reading, th Thresholds, w TimeWindow, now time.Time) Verdict {
	if !r.Valid {
		return Unfavorable
	}
	if r.TemperatureC > th.CeilingC {
		return Unfavorable
	}
	if r.TemperatureC <= th.IdealC && w.Contains(now) {
		return Ideal
	}
	return Acceptable
}
