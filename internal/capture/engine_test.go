package capture

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func testFrame(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = byte(i * 7)
	}
	return f
}

type harness struct {
	clock *timeutil.MockClock
	sim   *arducam.Sim
	ring  *framebuf.Ring
	stats *monitoring.Stats
	eng   *Engine
}

func newHarness(t *testing.T, cfg Config, frames ...[]byte) *harness {
	t.Helper()
	h := &harness{
		clock: timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		ring:  framebuf.NewRing(2, 50000),
		stats: monitoring.NewStats(),
	}
	h.sim = arducam.NewSim(h.clock, frames...)
	h.sim.Latency = 20 * time.Millisecond
	h.eng = New(cfg, h.sim, h.ring, WithClock(h.clock), WithSink(h.stats))
	return h
}

// runFrame drives the engine from Idle until a frame is published or the
// step limit is hit, advancing the clock by 1ms per idle result.
func (h *harness) runFrame(t *testing.T) {
	t.Helper()
	before := h.stats.Counter("capture.frames")
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if h.eng.Drive(ctx) == sched.Idle {
			h.clock.Advance(time.Millisecond)
		}
		if h.stats.Counter("capture.frames") > before {
			return
		}
	}
	t.Fatal("frame was never published")
}

func TestEngine_FullCycle(t *testing.T) {
	frame := testFrame(10000)
	h := newHarness(t, Config{}, frame)
	ctx := context.Background()

	assert.Equal(t, sched.Idle, h.eng.Drive(ctx))
	assert.Equal(t, Capturing, h.eng.State())
	start := h.clock.Now()

	assert.Equal(t, sched.Idle, h.eng.Drive(ctx), "capture not done yet")
	h.clock.Advance(20 * time.Millisecond)

	assert.Equal(t, sched.Busy, h.eng.Drive(ctx))
	assert.Equal(t, Copying, h.eng.State())
	assert.Equal(t, sched.Busy, h.eng.Drive(ctx))
	assert.Equal(t, sched.Idle, h.eng.Drive(ctx))
	assert.Equal(t, Idle, h.eng.State())

	assert.Equal(t, []int{4096, 4096, 1808}, h.sim.Chunks())

	cur := h.ring.Current()
	ts, n := cur.Metadata()
	assert.Equal(t, 10000, n)
	assert.Equal(t, framebuf.Timestamp(1), ts, "timestamp is the capture start")

	lease, ok := cur.TryAcquire("test")
	require.True(t, ok)
	defer lease.Release()
	assert.True(t, bytes.Equal(frame, lease.Content()))

	assert.Equal(t, int64(1), h.stats.Counter("capture.frames"))
	assert.Equal(t, int64(10000), h.stats.Counter("capture.bytes"))
	assert.Equal(t, h.clock.Since(start), h.eng.LastDuration())
}

func TestEngine_TimestampsIncreaseAndAlternateSlots(t *testing.T) {
	h := newHarness(t, Config{MaxStaleness: 50 * time.Millisecond}, testFrame(100), testFrame(200))

	var seen []framebuf.Timestamp
	var slots []*framebuf.Buffer
	for i := 0; i < 4; i++ {
		h.runFrame(t)
		seen = append(seen, h.ring.Newest())
		slots = append(slots, h.ring.Current())
	}
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
		assert.NotSame(t, slots[i], slots[i-1], "consecutive frames share a slot")
	}
}

func TestEngine_AbandonsInvalidLength(t *testing.T) {
	tests := []struct {
		name   string
		length int
		reason string
	}{
		{"zero", 0, "length"},
		{"oversize", arducam.MaxFIFOLength, "length"},
		{"beyond capacity", 60000, "capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, testFrame(100))
			token := semaphore.NewWeighted(1)
			h.eng = New(Config{}, h.sim, h.ring, WithClock(h.clock), WithSink(h.stats), WithToken(token))
			h.sim.ForceLength(tt.length)
			ctx := context.Background()

			h.eng.Drive(ctx)
			h.clock.Advance(20 * time.Millisecond)
			assert.Equal(t, sched.Idle, h.eng.Drive(ctx))

			assert.Equal(t, Idle, h.eng.State())
			assert.Equal(t, int64(1), h.stats.Counter("capture.abandoned."+tt.reason))
			assert.False(t, h.ring.Current().HasContent(), "no partial frame may be published")
			assert.True(t, token.TryAcquire(1), "token must be returned on abandon")
			for _, b := range h.ring.Slots() {
				assert.False(t, b.Held())
			}
		})
	}
}

func TestEngine_BusFaultReleasesLease(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(10000))
	ctx := context.Background()

	h.eng.Drive(ctx)
	h.clock.Advance(20 * time.Millisecond)
	h.sim.FailReadAt(2)

	assert.Equal(t, sched.Busy, h.eng.Drive(ctx))
	assert.True(t, h.ring.Back().Held())
	assert.Equal(t, sched.Idle, h.eng.Drive(ctx))

	assert.Equal(t, int64(1), h.stats.Counter("capture.abandoned.bus"))
	assert.Equal(t, 1, h.sim.Aborted())
	for _, b := range h.ring.Slots() {
		assert.False(t, b.Held(), "lease leaked after bus fault")
	}
}

func TestEngine_WaitsForHeldBuffer(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(100))
	ctx := context.Background()

	holder, ok := h.ring.Back().TryAcquire("reader")
	require.True(t, ok)

	h.eng.Drive(ctx)
	h.clock.Advance(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.Equal(t, sched.Idle, h.eng.Drive(ctx))
		assert.Equal(t, Copying, h.eng.State())
	}
	assert.Empty(t, h.sim.Chunks(), "no bytes may be read without the lease")

	holder.Release()
	h.eng.Drive(ctx)
	assert.Equal(t, Idle, h.eng.State())
	assert.Equal(t, framebuf.Timestamp(1), h.ring.Newest())
}

func TestEngine_Pacing(t *testing.T) {
	cfg := Config{MinInterval: 40 * time.Millisecond, MaxStaleness: 700 * time.Millisecond}
	h := newHarness(t, cfg, testFrame(100))
	h.sim.Latency = 0
	ctx := context.Background()

	h.runFrame(t)
	require.Equal(t, 1, h.sim.Captures())
	startOf := func() time.Time { return h.clock.Now() }
	first := startOf()

	// Without demand nothing starts until the staleness limit.
	h.eng.Drive(ctx)
	assert.Equal(t, 1, h.sim.Captures())

	// Demand before the minimum interval is held until the interval passes.
	h.ring.Want()
	h.clock.Advance(10 * time.Millisecond)
	h.eng.Drive(ctx)
	assert.Equal(t, 1, h.sim.Captures())

	h.clock.Set(first.Add(40 * time.Millisecond))
	h.eng.Drive(ctx)
	assert.Equal(t, 2, h.sim.Captures(), "demand after min interval starts a capture")
	h.runFrame(t)

	// No demand: the staleness limit forces a refresh.
	second := h.clock.Now()
	h.clock.Set(second.Add(699 * time.Millisecond))
	h.eng.Drive(ctx)
	assert.Equal(t, 2, h.sim.Captures())
	h.clock.Set(second.Add(800 * time.Millisecond))
	h.eng.Drive(ctx)
	assert.Equal(t, 3, h.sim.Captures())
}

func TestEngine_CopyStepRespectsBudget(t *testing.T) {
	cfg := Config{ChunkSize: 512, ChunksPerStep: 1000, CopyBudget: time.Millisecond}
	h := newHarness(t, cfg, testFrame(20000))
	h.sim.ByteTime = time.Microsecond
	ctx := context.Background()

	h.eng.Drive(ctx)
	h.clock.Advance(20 * time.Millisecond)

	chunkCost := 512 * time.Microsecond
	for h.eng.State() != Idle || !h.ring.Current().HasContent() {
		before := h.clock.Now()
		h.eng.Drive(ctx)
		took := h.clock.Since(before)
		assert.LessOrEqual(t, took, cfg.CopyBudget+chunkCost, "one drive exceeded its budget by more than a chunk")
	}
	assert.Equal(t, 20000, h.ring.Current().ContentLength())
}

func TestEngine_TokenUnavailableSkipsCycle(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(100))
	token := semaphore.NewWeighted(1)
	require.True(t, token.TryAcquire(1))
	h.eng = New(Config{TokenWait: 0}, h.sim, h.ring, WithClock(h.clock), WithSink(h.stats), WithToken(token))

	ok, err := h.eng.StartCapture(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, h.eng.State())
	assert.Equal(t, int64(1), h.stats.Counter("capture.token_skipped"))

	token.Release(1)
	h.runFrame(t)
	assert.True(t, token.TryAcquire(1), "token returned after a full cycle")
}

// The engine and other bus users take turns through one token.
func TestEngine_SharesTokenWithBusUsers(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(100))
	token := arducam.NewToken()
	h.eng = New(Config{TokenWait: 0}, h.sim, h.ring, WithClock(h.clock), WithSink(h.stats), WithToken(token))
	ctx := context.Background()

	err := arducam.Exclusive(ctx, token, 0, func() error {
		if _, err := h.sim.ReadRegisters(); err != nil {
			return err
		}
		h.eng.Drive(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.stats.Counter("capture.token_skipped"))
	assert.Equal(t, 0, h.sim.Captures(), "no capture while another user holds the bus")

	h.eng.Drive(ctx)
	require.Equal(t, Capturing, h.eng.State())
	called := false
	err = arducam.Exclusive(ctx, token, 0, func() error { called = true; return nil })
	assert.ErrorIs(t, err, arducam.ErrBusBusy)
	assert.False(t, called, "bus users wait out a capture cycle")
}

func TestEngine_StartCaptureGuarded(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(100))
	ok, err := h.eng.StartCapture(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.eng.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrNotIdle)
	assert.Equal(t, 1, h.sim.Captures())
}

func TestEngine_CaptureTimeout(t *testing.T) {
	h := newHarness(t, Config{CaptureTimeout: 100 * time.Millisecond}, testFrame(100))
	h.sim.Latency = time.Hour
	ctx := context.Background()

	h.eng.Drive(ctx)
	h.clock.Advance(101 * time.Millisecond)
	h.eng.Drive(ctx)
	assert.Equal(t, Idle, h.eng.State())
	assert.Equal(t, int64(1), h.stats.Counter("capture.abandoned.timeout"))
}

func TestEngine_Close(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(10000))
	ctx := context.Background()
	h.eng.Drive(ctx)
	h.clock.Advance(20 * time.Millisecond)
	h.eng.Drive(ctx)
	require.True(t, h.ring.Back().Held())

	h.eng.Close()
	assert.False(t, h.ring.Back().Held())
	assert.Equal(t, Idle, h.eng.State())
}

func TestEngine_StampWrapsPastZero(t *testing.T) {
	h := newHarness(t, Config{}, testFrame(10))
	now := h.clock.Now()
	h.eng.epoch = now.Add(-time.Duration(math.MaxUint32-1) * time.Millisecond)

	first := h.eng.stamp(now)
	assert.Equal(t, framebuf.Timestamp(math.MaxUint32), first)

	second := h.eng.stamp(now.Add(time.Millisecond))
	assert.Equal(t, framebuf.Timestamp(1), second, "zero is skipped")
	assert.True(t, second.After(first))

	third := h.eng.stamp(now.Add(2 * time.Millisecond))
	assert.Equal(t, framebuf.Timestamp(2), third)
	assert.True(t, third.After(second))
}
