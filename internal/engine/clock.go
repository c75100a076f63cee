package engine

import (
	"sync"
	"time"
)

// Clock stamps local writes with client timestamps in milliseconds.
//
// It is a hybrid clock: Now returns the wall time unless that would not
// move past the last returned or observed time, in which case it returns
// last+1. Two writes on one replica therefore never share a timestamp, and
// a write made after observing a remote stamp always sorts after it even
// when the local wall clock lags.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	wall func() int64
	last int64
}

// WallMillis is the default wall source.
func WallMillis() int64 {
	return time.Now().UnixMilli()
}

// NewClock creates a clock reading wall. A nil wall uses WallMillis.
func NewClock(wall func() int64) *Clock {
	if wall == nil {
		wall = WallMillis
	}
	return &Clock{wall: wall}
}

// Now returns the next timestamp. Calls are strictly increasing.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.wall()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// Observe advances the clock past a timestamp seen on a remote write.
func (c *Clock) Observe(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.last {
		c.last = t
	}
}

// Current returns the last issued or observed timestamp without advancing.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
