package services

import (
	"sync"
	"time"
)

// BuildClock records when the last build started and when the last hot
// update was applied. Both default to the moment the clock was created.
type BuildClock struct {
	mu         sync.RWMutex
	buildStart time.Time
	hmrApplied time.Time
	now        func() time.Time
}

func NewBuildClock() *BuildClock {
	return newBuildClockAt(time.Now)
}

func newBuildClockAt(now func() time.Time) *BuildClock {
	t := now()
	return &BuildClock{buildStart: t, hmrApplied: t, now: now}
}

func (c *BuildClock) MarkBuildStart() {
	c.mu.Lock()
	c.buildStart = c.now()
	c.mu.Unlock()
}

func (c *BuildClock) MarkHMRApplied() {
	c.mu.Lock()
	c.hmrApplied = c.now()
	c.mu.Unlock()
}

func (c *BuildClock) SinceBuildStart() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.buildStart)
}

func (c *BuildClock) SinceHMRApplied() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.hmrApplied)
}

// Snapshot returns both timestamps.
func (c *BuildClock) Snapshot() (buildStart, hmrApplied time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildStart, c.hmrApplied
}
