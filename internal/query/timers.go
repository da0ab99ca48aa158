package query

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// Timers creates timers. Tests substitute a fake to observe scheduled delays.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
