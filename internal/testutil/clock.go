package testutil

import (
	"sync"
	"time"

	"sitesync/internal/core"
)

// Epoch is the start time of FixedClock. Version labels derived from it
// read "20240115103000".
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

var _ core.Clock = (*StubClock)(nil)

// StubClock is a core.Clock that only moves when Advance is called.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to Epoch.
func FixedClock() *StubClock {
	return NewStubClock(Epoch)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowUS returns the clock in microseconds, the unit journal rows use.
func (c *StubClock) NowUS() int64 {
	return c.Now().UnixMicro()
}

// Advance moves the clock forward by d. A scan after Advance gets a new
// version label.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
