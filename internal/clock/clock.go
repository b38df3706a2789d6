// Package clock lets transaction timeouts and sweep loops run against either
// wall time or a manually advanced clock in tests.
package clock

import "time"

// Clock abstracts the time functions used by the coordinator and participants.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock with the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ensure returns clk when non-nil, otherwise Real.
func Ensure(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// Elapsed reports how long ago t was according to clk. The zero time is
// treated as infinitely old.
func Elapsed(clk Clock, t time.Time) time.Duration {
	if t.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return Ensure(clk).Now().Sub(t)
}
