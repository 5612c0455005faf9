package testutil

import (
	"sync"
	"time"
)

// Epoch is where a Clock starts.
var Epoch = time.Date(2024, time.March, 1, 9, 30, 0, 0, time.UTC)

// Clock is a fake wall clock. Every Now advances it by one step, so
// timestamps and sealed journal names are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock at Epoch that steps one second per call.
func NewClock() *Clock {
	return &Clock{now: Epoch, step: time.Second}
}

// Now advances the clock and returns the new time. It has the signature
// of time.Now so it can be injected directly.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Peek returns the current time without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SetStep changes how far each Now advances.
func (c *Clock) SetStep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}
