package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a manual wall clock in Unix milliseconds. It only
// moves when a test moves it, so retry schedules and client stamps repeat
// exactly across runs. Pass its Now method wherever a wall source is taken.
//
// Safe for concurrent use.
type DeterministicClock struct {
	mu  sync.Mutex
	now int64
}

// NewDeterministicClock creates a clock at the epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Now returns the current time without advancing.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t, which may be in the past.
func (c *DeterministicClock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d milliseconds and returns the new time.
func (c *DeterministicClock) Advance(d int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Sleep advances the clock by a duration, truncated to milliseconds.
func (c *DeterministicClock) Sleep(d time.Duration) {
	c.Advance(d.Milliseconds())
}
