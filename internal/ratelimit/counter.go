// Package ratelimit bounds how much of something gets through: Counter
// throttles repeated diagnostics, Window and Limiter cap per-command output
// volume over a sliding set of ticks.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks occurrences of a repeating condition and allows it to be
// logged at most once per interval. It is safe for concurrent use.
type Counter struct {
	interval   time.Duration
	now        func() time.Time
	lastLog    atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter constructs a Counter that allows a log at most once per interval.
// A zero or negative interval disables throttling (always logs).
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// NewCounterWithClock is NewCounter with an injected time source.
func NewCounterWithClock(interval time.Duration, now func() time.Time) Counter {
	return Counter{interval: interval, now: now}
}

// Inc records one occurrence and reports the running total and whether this
// occurrence may be logged.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UTC().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && ts-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, ts) {
		return total, true
	}
	c.suppressed.Add(1)
	return total, false
}

// TakeSuppressed returns how many occurrences were refused since the last
// call and resets that count.
func (c *Counter) TakeSuppressed() uint64 {
	if c == nil {
		return 0
	}
	return c.suppressed.Swap(0)
}

// Total reports every occurrence recorded so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
