package clock

import "time"

// Fake is a manually-advanced Clock for deterministic tests: AfterFunc
// never schedules a real timer, it just records the callback for the test
// to fire (or not) explicitly via Fire.
type Fake struct {
	now     time.Time
	pending []fakeTimer
}

type fakeTimer struct {
	id      int
	fn      func()
	stopped bool
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time { return f.now }

// AfterFunc records fn without scheduling real time; call Fire to invoke it.
func (f *Fake) AfterFunc(_ time.Duration, fn func()) *Timer {
	id := len(f.pending)
	f.pending = append(f.pending, fakeTimer{id: id, fn: fn})
	return &Timer{stopFunc: func() bool {
		if f.pending[id].stopped {
			return false
		}
		f.pending[id].stopped = true
		return true
	}}
}

// Fire invokes every still-pending timer's callback, in registration order,
// then clears the pending list. Stopped timers are skipped.
func (f *Fake) Fire() {
	pending := f.pending
	f.pending = nil
	for _, t := range pending {
		if !t.stopped {
			t.fn()
		}
	}
}

// Pending reports how many timers are currently scheduled and unstopped.
func (f *Fake) Pending() int {
	n := 0
	for _, t := range f.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock's Now() forward by d without firing any timers —
// callers that care about elapsed wall time (not used by pinentrymgr, which
// only cares about whether Fire was called) can still observe it via Now.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
