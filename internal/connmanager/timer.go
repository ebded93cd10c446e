package connmanager

import "time"

// Timer wraps time.Timer with a Reset that is safe to call repeatedly from
// a single goroutine, for arming and rearming a connection's timeout as it
// moves connect-timeout -> idle/handshake/application-close timeout (spec
// §4.6, step 2). Manager itself does not create or hold Timers.
type Timer struct {
	t        *time.Timer
	duration time.Duration
}

// NewTimer starts a Timer that fires fn after d. d<=0 disables the timer
// (it never fires), matching "per-request timeout (default disabled)".
func NewTimer(d time.Duration, fn func()) *Timer {
	tm := &Timer{duration: d}
	if d <= 0 {
		return tm
	}
	tm.t = time.AfterFunc(d, fn)
	return tm
}

// Reset rearms the timer for its original duration, extending the
// deadline on fresh activity (used for idle timeouts).
func (t *Timer) Reset() {
	if t.t == nil || t.duration <= 0 {
		return
	}
	t.t.Reset(t.duration)
}

// Stop cancels the timer. Safe to call on a disabled Timer.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

// Replace stops this timer and returns a new one with duration d and
// callback fn, implementing the "replace with cycle-appropriate timer"
// transition.
func (t *Timer) Replace(d time.Duration, fn func()) *Timer {
	t.Stop()
	return NewTimer(d, fn)
}
