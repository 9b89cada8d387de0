// Package cleanup removes delivered or abandoned artifacts from local
// storage. Deletions are delayed so the messaging API finishes reading the
// file before it disappears.
package cleanup

import (
	"os"
	"time"

	"tgrelay/internal/logger"
	"tgrelay/internal/sched"
)

// Janitor deletes artifact files, immediately or after a grace delay.
type Janitor struct {
	delay time.Duration
	sched sched.Scheduler
}

// New returns a Janitor using the given grace delay for Schedule.
func New(delay time.Duration, s sched.Scheduler) *Janitor {
	if s == nil {
		s = sched.New()
	}
	return &Janitor{delay: delay, sched: s}
}

// Schedule removes the file after the grace delay. The returned timer can
// cancel the deletion.
func (j *Janitor) Schedule(path string) sched.Timer {
	return j.sched.After(j.delay, func() {
		j.Now(path)
	})
}

// Now removes the file immediately. A missing file is not an error; any
// other failure is logged and swallowed, cleanup never fails a delivery.
func (j *Janitor) Now(path string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		logger.Debug("removed artifact", "path", path)
	case os.IsNotExist(err):
	default:
		logger.Warn("artifact cleanup failed", "path", path, "error", err)
	}
}
