// Package monotonic hands out strictly increasing int64 timestamps, used as
// archive keys so two events never share a key even within one tick.
package monotonic

import (
	"fmt"
	"sync"
	"time"
)

// Clock is safe for concurrent use.
type Clock struct {
	precision time.Duration
	source    func() time.Time

	lk   sync.Mutex
	last int64
}

// NewClock supports second, millisecond, microsecond and nanosecond precision.
func NewClock(precision time.Duration) (*Clock, error) {
	switch precision {
	case time.Second, time.Millisecond, time.Microsecond, time.Nanosecond:
	default:
		return nil, fmt.Errorf("invalid precision: %v", precision)
	}
	return &Clock{precision: precision, source: time.Now}, nil
}

// Now returns the wall clock in the clock's precision, bumped past the
// previous value when the wall clock has not moved or has gone backwards.
func (c *Clock) Now() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()

	now := c.source().UnixNano() / int64(c.precision)
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Last returns the most recent value handed out, zero if none.
func (c *Clock) Last() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.last
}
