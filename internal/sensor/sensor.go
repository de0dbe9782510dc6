// Package sensor acquires thermal readings from the platform. Acquisition is
// best effort: a provider must answer within its timeout or report the
// reading as unavailable so the cycle is treated as unfavorable.
package sensor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"thermal-gate/internal/models"
	"thermal-gate/internal/thermal"
)

// Provider samples the current thermal state. Implementations must not block
// past their configured timeout.
type Provider interface {
	Sample(ctx context.Context) (thermal.Reading, error)
}

// Sysfs reads a Linux thermal zone file (millidegrees Celsius).
type Sysfs struct {
	Path    string
	Timeout time.Duration
}

// NewSysfs builds a provider for a thermal zone path such as
// /sys/class/thermal/thermal_zone0/temp.
func NewSysfs(path string, timeout time.Duration) *Sysfs {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Sysfs{Path: path, Timeout: timeout}
}

// Sample reads the zone file once. Any failure maps to ErrSensorUnavailable
// with an invalid reading; callers treat that as unfavorable, never as zero
// degrees.
func (s *Sysfs) Sample(ctx context.Context) (thermal.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	type result struct {
		tempC float64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := os.ReadFile(s.Path)
		if err != nil {
			ch <- result{err: err}
			return
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			ch <- result{err: fmt.Errorf("parse %s: %w", s.Path, err)}
			return
		}
		ch <- result{tempC: milli / 1000.0}
	}()

	select {
	case <-ctx.Done():
		return thermal.Reading{At: time.Now()}, fmt.Errorf("%w: sample timed out after %s", models.ErrSensorUnavailable, s.Timeout)
	case res := <-ch:
		if res.err != nil {
			return thermal.Reading{At: time.Now()}, fmt.Errorf("%w: %v", models.ErrSensorUnavailable, res.err)
		}
		return thermal.ReadingAt(res.tempC, time.Now()), nil
	}
}

// Fixed is a test provider returning a preset reading or error. Safe to
// update while a loop polls it.
type Fixed struct {
	mu      sync.Mutex
	Reading thermal.Reading
	Err     error
}

// Set swaps the reading a concurrent poller will see next.
func (f *Fixed) Set(r thermal.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reading = r
	f.Err = nil
}

func (f *Fixed) Sample(context.Context) (thermal.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return thermal.Reading{At: f.Reading.At}, f.Err
	}
	return f.Reading, nil
}
