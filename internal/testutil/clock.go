package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a Clock.
var Epoch = time.Date(2026, time.January, 15, 9, 30, 0, 0, time.UTC)

// Clock is a controllable wall clock for tests.
//
// Each call to Now returns the current time and then advances it by the
// configured tick, so consecutive checkpoints get distinct timestamps
// without sleeping. A zero tick freezes the clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// NewTickingClock creates a clock starting at start that advances by tick
// after every read.
func NewTickingClock(start time.Time, tick time.Duration) *Clock {
	return &Clock{now: start, tick: tick}
}

// Now returns the current time and advances the clock by its tick.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.tick)
	return t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
