// Package scheduler decides, per chamber, whether lights should be ON
// or OFF for the current wall-clock time. It holds no transport state;
// the service layer issues the actual commands.
package scheduler

import (
	"sync"
	"time"

	"growchamber"
)

// WindowActive reports whether now falls inside the daily window
// [onTime, offTime). A window with onTime > offTime wraps past
// midnight; onTime == offTime is an empty interval, i.e. always off.
// The window's Enabled flag is the caller's concern.
func WindowActive(w growchamber.ScheduleWindow, now time.Time) (bool, error) {
	on, err := growchamber.ParseClock(w.OnTime)
	if err != nil {
		return false, err
	}
	off, err := growchamber.ParseClock(w.OffTime)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	switch {
	case on == off:
		return false, nil
	case on < off:
		return cur >= on && cur < off, nil
	default:
		// Wraps midnight: two sub-intervals, [on, 24:00) and [00:00, off).
		return cur >= on || cur < off, nil
	}
}

// Engine tracks the last successfully applied ON/OFF state per chamber
// so that ticks are idempotent: an unchanged clock and configuration
// produce no commands.
type Engine struct {
	mu      sync.Mutex
	applied map[int]bool
}

func NewEngine() *Engine {
	return &Engine{applied: make(map[int]bool)}
}

// Changed reports whether the chamber needs a command to reach want.
// A chamber never seen before always needs one.
func (e *Engine) Changed(chamber int, want bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	got, ok := e.applied[chamber]
	return !ok || got != want
}

// Commit records a state that was successfully applied. Failed applies
// are never committed, so the next tick naturally retries them.
func (e *Engine) Commit(chamber int, on bool) {
	e.mu.Lock()
	e.applied[chamber] = on
	e.mu.Unlock()
}

// Forget drops tracking for a chamber.
func (e *Engine) Forget(chamber int) {
	e.mu.Lock()
	delete(e.applied, chamber)
	e.mu.Unlock()
}

// Retain drops tracking for every chamber not in keep. Chambers whose
// schedule was disabled or removed start fresh when they come back.
func (e *Engine) Retain(keep map[int]bool) {
	e.mu.Lock()
	for chamber := range e.applied {
		if !keep[chamber] {
			delete(e.applied, chamber)
		}
	}
	e.mu.Unlock()
}
