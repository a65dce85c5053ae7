// Package clock provides the time sources behind run ids, version timestamps and
// history file suffixes.
package clock

import (
	"sync"
	"time"
)

// System reads the wall clock in UTC so stored timestamps compare across hosts.
type System struct{}

// New returns the wall clock.
func New() System { return System{} }

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Stepped is a deterministic clock. Each call to Now returns the current instant
// and then advances it by step; a zero step freezes time.
type Stepped struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepped starts a Stepped clock at start.
func NewStepped(start time.Time, step time.Duration) *Stepped {
	return &Stepped{now: start, step: step}
}

// Now implements crawler.Clock.
func (c *Stepped) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Set moves the clock to t.
func (c *Stepped) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
