package relay

import (
	"sync/atomic"
	"time"
)

// Clock issues strictly increasing timestamps across the whole process, even when the wall
// clock stalls or steps backwards.
type Clock struct {
	now  func() time.Time
	last atomic.Int64
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	for {
		current := c.last.Load()
		next := c.now().UnixNano()
		if next <= current {
			next = current + 1
		}
		if c.last.CompareAndSwap(current, next) {
			return time.Unix(0, next).UTC()
		}
	}
}
