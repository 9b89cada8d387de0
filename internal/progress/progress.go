// Package progress defines the sampling types and rate-bounding used to
// surface transfer progress without coupling the copy loops to rendering.
package progress

import "time"

// Sample is one throttled measurement of an in-flight transfer.
// Total is 0 when the remote side did not declare a size.
type Sample struct {
	Done    int64
	Total   int64
	Elapsed time.Duration
}

// Percent returns completion in 0..100, or -1 when the total is unknown.
func (s Sample) Percent() float64 {
	if s.Total <= 0 {
		return -1
	}
	p := float64(s.Done) / float64(s.Total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Sink receives progress samples. Implementations must tolerate being called
// from the transfer goroutine and must never fail the transfer; rendering
// problems are theirs to swallow.
type Sink interface {
	Publish(s Sample)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Sample)

func (f SinkFunc) Publish(s Sample) { f(s) }

// Throttle forwards samples to a sink at most once per interval. A nil sink
// is tolerated so callers can pass progress through unconditionally.
// Not safe for concurrent use; each transfer owns its throttle.
type Throttle struct {
	sink     Sink
	interval time.Duration
	start    time.Time
	last     time.Time
	now      func() time.Time
}

// NewThrottle returns a throttle emitting to sink at most once per interval.
func NewThrottle(sink Sink, interval time.Duration) *Throttle {
	t := &Throttle{
		sink:     sink,
		interval: interval,
		now:      time.Now,
	}
	t.start = t.now()
	return t
}

// Tick records the current transfer position and publishes a sample when the
// interval since the previous publish has elapsed.
func (t *Throttle) Tick(done, total int64) {
	if t.sink == nil {
		return
	}
	n := t.now()
	if !t.last.IsZero() && n.Sub(t.last) < t.interval {
		return
	}
	t.last = n
	t.sink.Publish(Sample{Done: done, Total: total, Elapsed: n.Sub(t.start)})
}
