// Package clock abstracts wall time and cancellable timers so the delivery
// and call state machines can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the state machines depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously from
	// Advance (fake) once d has elapsed. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// UnixMilli returns c.Now() in Unix milliseconds.
func UnixMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}
