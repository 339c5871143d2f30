// Package engine schedules and executes run step attempts.
package engine

import (
	"context"
	"errors"
	"sync"
)

// Sentinel causes for user-initiated aborts. The cause string distinguishes a
// pause from a hard stop downstream.
var (
	ErrStoppedByUser = errors.New("Stopped by user")
	ErrPausedByUser  = errors.New("Paused by user")
)

// Controllers is the process-wide registry of live run cancel handles. It is
// the single mutable global shared across runs.
type Controllers struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewControllers() *Controllers {
	return &Controllers{cancels: map[string]context.CancelCauseFunc{}}
}

// Register installs the cancel handle for a run, replacing any stale one.
func (c *Controllers) Register(runID string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[runID] = cancel
}

// Release removes the handle once the scheduler task exits.
func (c *Controllers) Release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, runID)
}

// Owns reports whether a live scheduler holds this run.
func (c *Controllers) Owns(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancels[runID]
	return ok
}

func (c *Controllers) signal(runID string, cause error) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel(cause)
	return true
}

// Stop aborts the run's current provider call and marks the run cancelled.
func (c *Controllers) Stop(runID string) bool {
	return c.signal(runID, ErrStoppedByUser)
}

// Pause aborts the current provider call with a pause cause; the run stays
// resumable.
func (c *Controllers) Pause(runID string) bool {
	return c.signal(runID, ErrPausedByUser)
}
