package framebuf

import (
	"time"

	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// DefaultStarvationThreshold is how long a caller may fail to acquire a
// buffer before the wait is reported.
const DefaultStarvationThreshold = 3 * time.Second

// Waiter wraps TryAcquire for a single polling caller and reports waits that
// exceed Threshold. It never blocks. A Waiter is not safe for concurrent use;
// each consumer owns its own.
type Waiter struct {
	Name      string
	Threshold time.Duration
	Clock     timeutil.Clock
	Sink      monitoring.Sink

	waitStart time.Time
	reported  bool
}

// NewWaiter creates a Waiter with the default threshold and real clock.
func NewWaiter(name string, clock timeutil.Clock, sink monitoring.Sink) *Waiter {
	return &Waiter{Name: name, Threshold: DefaultStarvationThreshold, Clock: clock, Sink: sink}
}

// Acquire tries to lease buf once. On failure the wait is tracked and, past
// the threshold, reported once per starvation episode.
func (w *Waiter) Acquire(buf *Buffer) (*Lease, bool) {
	clock := w.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sink := monitoring.OrNop(w.Sink)

	lease, ok := buf.TryAcquire(w.Name)
	now := clock.Now()
	if ok {
		if !w.waitStart.IsZero() {
			sink.Observe("buffer.wait", now.Sub(w.waitStart))
		}
		w.waitStart = time.Time{}
		w.reported = false
		return lease, true
	}

	if w.waitStart.IsZero() {
		w.waitStart = now
		return nil, false
	}
	threshold := w.Threshold
	if threshold <= 0 {
		threshold = DefaultStarvationThreshold
	}
	if waited := now.Sub(w.waitStart); waited > threshold && !w.reported {
		w.reported = true
		owner := buf.Owner()
		monitoring.Logf("%s: buffer held by %q for %v", w.Name, owner, waited.Round(time.Millisecond))
		sink.Count("buffer.starved", 1)
		sink.Event("buffer.starved", map[string]any{"waiter": w.Name, "owner": owner, "waited": waited.String()})
	}
	return nil, false
}

// Reset forgets any wait in progress, for callers that gave up on a buffer.
func (w *Waiter) Reset() {
	w.waitStart = time.Time{}
	w.reported = false
}
