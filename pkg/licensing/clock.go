// Package licensing holds the pure license and subscription domain: models,
// key canonicalization, the two state machines and the access evaluator.
//
// Nothing in this package performs I/O. Services in internal/ load snapshots,
// call into these functions with an explicit "now", and persist the result.
package licensing

import (
	"sync"
	"time"
)

// Clock is the time source used by services. State machines take now as an
// argument instead.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and replay tooling.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock frozen at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Days converts a day count to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
