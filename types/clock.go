package types

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock returns the time on the same clock the compositor uses for
// presentation timestamps.
type Clock interface {
	Now() time.Duration
}

type MonotonicClock struct{}

var _ Clock = MonotonicClock{}

func (MonotonicClock) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(err)
	}
	return time.Duration(ts.Nano())
}

// ManualClock is a clock that is advanced explicitly.
type ManualClock struct {
	current atomic.Int64
}

var _ Clock = (*ManualClock)(nil)

func NewManualClock(start time.Duration) *ManualClock {
	c := &ManualClock{}
	c.current.Store(int64(start))
	return c
}

func (c *ManualClock) Now() time.Duration {
	return time.Duration(c.current.Load())
}

func (c *ManualClock) Set(t time.Duration) {
	c.current.Store(int64(t))
}

func (c *ManualClock) Advance(d time.Duration) {
	c.current.Add(int64(d))
}
