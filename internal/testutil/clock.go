package testutil

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// fixedInstant is the instant FixedClock starts at. Its epoch millis
// (1705314600000) become the suffix of credential names in tests.
var fixedInstant = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a ds.Clock that only moves when told to.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock at 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(fixedInstant)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, so the next credential name differs.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out run IDs "run-1", "run-2", ... in call order.
type StubIDGenerator struct {
	n atomic.Int64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return "run-" + strconv.FormatInt(g.n.Add(1), 10)
}
