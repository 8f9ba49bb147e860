package localplay

import "time"

// Clock arms one-shot callbacks. The scheduler never sleeps; it only arms.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot callback. Stop reports whether it
// prevented the callback from running; stopping twice is harmless.
type Timer interface {
	Stop() bool
}

// RealClock arms callbacks on runtime timers.
type RealClock struct{}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
