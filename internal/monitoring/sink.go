package monitoring

import "time"

// Sink receives counters, timings and discrete events from the pipeline.
// Implementations must be safe for concurrent use.
type Sink interface {
	Count(name string, delta int64)
	Observe(name string, d time.Duration)
	Event(name string, fields map[string]any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Count(string, int64)           {}
func (Nop) Observe(string, time.Duration) {}
func (Nop) Event(string, map[string]any)  {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
