// Package atomic_clock is lock-free timestamp storage over int64 nanoseconds.
// Use for time accounting like "last seen". Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func source() int64 { return time.Now().UnixNano() }

func (c *Clock) get() int64    { return atomic.LoadInt64(&c.v) }
func (c *Clock) set(new int64) { atomic.StoreInt64(&c.v, new) }

func (c *Clock) IsZero() bool { return c.get() == 0 }

func (c *Clock) SetNow()             { c.set(source()) }
func (c *Clock) SetTime(t time.Time) { c.set(t.UnixNano()) }

// Time returns zero time.Time for zero clock.
func (c *Clock) Time() time.Time {
	v := c.get()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (c *Clock) Unix() int64     { return c.get() / int64(time.Second) }
func (c *Clock) UnixNano() int64 { return c.get() }

func Now() *Clock { return &Clock{v: source()} }

// Since returns 0 for zero clock.
func Since(begin *Clock) time.Duration {
	v := begin.get()
	if v == 0 {
		return 0
	}
	return time.Duration(source() - v)
}
