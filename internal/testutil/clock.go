package testutil

import (
	"sync"

	"github.com/roach88/docsync/internal/model"
)

// ManualClock is a model.Clock for tests. Every call to Now advances the
// clock by one microsecond, so successive local writes get distinct,
// reproducible times.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu     sync.Mutex
	micros int64
}

// NewManualClock creates a clock whose first Now returns start+1µs.
func NewManualClock(startMicros int64) *ManualClock {
	return &ManualClock{micros: startMicros}
}

// Now advances the clock by one microsecond and returns the new time.
func (c *ManualClock) Now() model.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micros++
	return model.TimestampFromMicros(c.micros)
}

// Current returns the time without advancing.
func (c *ManualClock) Current() model.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.TimestampFromMicros(c.micros)
}

// Advance moves the clock forward by micros.
func (c *ManualClock) Advance(micros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micros += micros
}

// Reset moves the clock back to startMicros.
//
// Used for test reuse.
func (c *ManualClock) Reset(startMicros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micros = startMicros
}
