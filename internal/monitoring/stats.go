package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	maxSamples = 512
	maxEvents  = 64
)

// EventRecord is a recorded Sink event.
type EventRecord struct {
	Time   time.Time      `json:"time"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Summary describes the recent samples of one observation, in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	StdMs  float64 `json:"std_ms"`
	P95Ms  float64 `json:"p95_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of a Stats sink.
type Snapshot struct {
	Taken        time.Time          `json:"taken"`
	Counters     map[string]int64   `json:"counters"`
	Observations map[string]Summary `json:"observations"`
	Events       []EventRecord      `json:"events,omitempty"`
}

// Stats is an in-memory Sink with thread-safe counters, bounded duration
// windows and a bounded event log.
type Stats struct {
	mu        sync.Mutex
	counters  map[string]int64
	samples   map[string][]float64
	events    []EventRecord
	lastReset time.Time
	now       func() time.Time
}

// NewStats creates an empty Stats sink.
func NewStats() *Stats {
	return &Stats{
		counters:  make(map[string]int64),
		samples:   make(map[string][]float64),
		lastReset: time.Now(),
		now:       time.Now,
	}
}

// Count adds delta to the named counter.
func (s *Stats) Count(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

// Observe records a duration sample, keeping the most recent maxSamples.
func (s *Stats) Observe(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := append(s.samples[name], float64(d)/float64(time.Millisecond))
	if len(v) > maxSamples {
		v = v[len(v)-maxSamples:]
	}
	s.samples[name] = v
}

// Event records a discrete event.
func (s *Stats) Event(name string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, EventRecord{Time: s.now(), Name: name, Fields: fields})
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

// Counter returns the current value of a counter.
func (s *Stats) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Events returns the recorded events, oldest first.
func (s *Stats) Events() []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// Snapshot copies the current state without resetting it.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetAndReset returns a snapshot and clears counters and samples. The
// duration covered by the snapshot is returned alongside it.
func (s *Stats) GetAndReset() (Snapshot, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	d := snap.Taken.Sub(s.lastReset)
	s.counters = make(map[string]int64)
	s.samples = make(map[string][]float64)
	s.events = nil
	s.lastReset = snap.Taken
	return snap, d
}

func (s *Stats) snapshotLocked() Snapshot {
	snap := Snapshot{
		Taken:        s.now(),
		Counters:     make(map[string]int64, len(s.counters)),
		Observations: make(map[string]Summary, len(s.samples)),
	}
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for k, v := range s.samples {
		snap.Observations[k] = summarize(v)
	}
	if len(s.events) > 0 {
		snap.Events = make([]EventRecord, len(s.events))
		copy(snap.Events, s.events)
	}
	return snap
}

func summarize(v []float64) Summary {
	if len(v) == 0 {
		return Summary{}
	}
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return Summary{
		Count:  len(sorted),
		MeanMs: mean,
		StdMs:  std,
		P95Ms:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
		MaxMs:  sorted[len(sorted)-1],
	}
}

// LogStats logs one summary line of per-second rates and resets the sink.
func (s *Stats) LogStats() Snapshot {
	snap, d := s.GetAndReset()
	if d <= 0 || len(snap.Counters) == 0 {
		return snap
	}
	secs := d.Seconds()

	msg := fmt.Sprintf("Pipeline stats (/sec): %.1f frames captured, %.2f MB captured, %.1f tcp frames, %.1f udp fragments",
		float64(snap.Counters["capture.frames"])/secs,
		float64(snap.Counters["capture.bytes"])/secs/(1024*1024),
		float64(snap.Counters["mjpeg.frames"])/secs,
		float64(snap.Counters["udp.fragments"])/secs)

	if c, ok := snap.Observations["capture.duration"]; ok && c.Count > 0 {
		msg += fmt.Sprintf(", capture %.1f±%.1fms", c.MeanMs, c.StdMs)
	}

	var problems []string
	for k, v := range snap.Counters {
		if v > 0 && (strings.Contains(k, "abandoned") || strings.Contains(k, "errors") || strings.Contains(k, "not_found")) {
			problems = append(problems, fmt.Sprintf("%s=%d", k, v))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		msg += ", " + strings.Join(problems, " ")
	}
	Logf("%s", msg)
	return snap
}
