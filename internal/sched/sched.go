// Package sched provides a cancellable delayed-task scheduler. The choice
// broker and cleanup janitor depend on it instead of on time.AfterFunc
// directly so tests can drive timeouts deterministically.
package sched

import "time"

// Timer is a pending delayed task. Stop reports whether the task was
// cancelled before it ran.
type Timer interface {
	Stop() bool
}

// Scheduler runs a function once after a delay.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
}

type timerScheduler struct{}

// New returns a Scheduler backed by the runtime timer heap.
func New() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
