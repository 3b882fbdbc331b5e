package testutil

import (
	"sync"
	"time"
)

// Clock is a controllable time source for tests.
//
// Components take a func() time.Time for their timestamp source;
// passing Clock.Now makes committed_at and cursor timestamps
// deterministic. Timestamps never affect ordering, so tests that
// advance the clock are exercising metadata only.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default starting instant for test clocks.
var Epoch = time.Unix(1700000000, 0).UTC()

// NewClock creates a clock frozen at start. A zero start uses Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current instant without advancing.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Tick advances by one second. Convenient for one-line test setups.
func (c *Clock) Tick() time.Time {
	return c.Advance(time.Second)
}
