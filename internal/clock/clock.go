// Package clock abstracts time so timer-driven logic (the pinentry outcome
// timeout, the fallback launch cooldown) can be tested deterministically.
// Grounded on the same Clock/AfterFunc/Timer shape used across the example
// corpus's agent/process libraries.
package clock

import "time"

// Timer represents a scheduled AfterFunc call. It has no channel; callers
// only Stop it, as with the Timer returned by time.AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the timer. Returns true if the call stops the timer before
// it fired.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Clock abstracts time.Now and time.AfterFunc.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *Timer
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
