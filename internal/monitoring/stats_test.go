package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_CountersAndObservations(t *testing.T) {
	s := NewStats()
	s.Count("capture.frames", 1)
	s.Count("capture.frames", 2)
	for _, ms := range []int{1, 2, 3, 4} {
		s.Observe("capture.duration", time.Duration(ms)*time.Millisecond)
	}

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.Counters["capture.frames"])

	obs := snap.Observations["capture.duration"]
	assert.Equal(t, 4, obs.Count)
	assert.InDelta(t, 2.5, obs.MeanMs, 1e-9)
	assert.InDelta(t, 4.0, obs.MaxMs, 1e-9)
	assert.Greater(t, obs.StdMs, 0.0)
}

func TestStats_ObservationWindowIsBounded(t *testing.T) {
	s := NewStats()
	for i := 0; i < maxSamples+100; i++ {
		s.Observe("x", time.Millisecond)
	}
	assert.Equal(t, maxSamples, s.Snapshot().Observations["x"].Count)
}

func TestStats_EventsAreBounded(t *testing.T) {
	s := NewStats()
	for i := 0; i < maxEvents+5; i++ {
		s.Event("buffer.starved", map[string]any{"i": i})
	}
	events := s.Events()
	require.Len(t, events, maxEvents)
	assert.Equal(t, 5, events[0].Fields["i"])
}

func TestStats_GetAndReset(t *testing.T) {
	s := NewStats()
	s.Count("udp.fragments", 25)

	snap, _ := s.GetAndReset()
	assert.Equal(t, int64(25), snap.Counters["udp.fragments"])
	assert.Equal(t, int64(0), s.Counter("udp.fragments"))
}

func TestStats_LogStats(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
		if len(v) == 1 {
			lines[len(lines)-1] = v[0].(string)
		}
	})

	s := NewStats()
	s.lastReset = time.Now().Add(-time.Second)
	s.Count("capture.frames", 10)
	s.Count("capture.abandoned.length", 2)
	s.LogStats()

	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "Pipeline stats"))
	assert.Contains(t, lines[0], "capture.abandoned.length=2")
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	s := NewStats()
	assert.Same(t, s, OrNop(s))
}
