// Package capture keeps the newest sensor frame in a framebuf.Ring.
//
// The Engine is a cooperative state machine: Idle, then Capturing while
// the sensor fills its FIFO, then Copying while the FIFO is drained into
// the ring in bounded chunks, then Idle again. Exactly one frame is in
// flight at a time because the sensor FIFO holds a single frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/rovercam/internal/arducam"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// State is the engine's position in the capture cycle.
type State int

const (
	Idle State = iota
	Capturing
	Copying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Copying:
		return "copying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotIdle is returned by StartCapture while a frame is in flight.
var ErrNotIdle = errors.New("capture: frame already in flight")

// Config controls pacing and slicing. Zero fields take DefaultConfig values.
type Config struct {
	ChunkSize      int
	CopyBudget     time.Duration
	ChunksPerStep  int
	MinInterval    time.Duration
	MaxStaleness   time.Duration
	MaxFrameSize   int
	CaptureTimeout time.Duration
	TokenWait      time.Duration
	// StarvationThreshold is how long the engine may fail to lease the
	// back buffer before it reports starvation.
	StarvationThreshold time.Duration
}

// DefaultConfig returns the settings used on the vehicle.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           4096,
		CopyBudget:          time.Millisecond,
		ChunksPerStep:       1,
		MinInterval:         40 * time.Millisecond,
		MaxStaleness:        700 * time.Millisecond,
		MaxFrameSize:        arducam.MaxFIFOLength,
		CaptureTimeout:      2 * time.Second,
		TokenWait:           5 * time.Millisecond,
		StarvationThreshold: framebuf.DefaultStarvationThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.CopyBudget <= 0 {
		c.CopyBudget = d.CopyBudget
	}
	if c.ChunksPerStep <= 0 {
		c.ChunksPerStep = d.ChunksPerStep
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = d.MaxStaleness
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = d.CaptureTimeout
	}
	if c.StarvationThreshold <= 0 {
		c.StarvationThreshold = d.StarvationThreshold
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock sets the clock used for pacing, budgets and timestamps.
func WithClock(c timeutil.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithSink sets the observability sink.
func WithSink(s monitoring.Sink) Option { return func(e *Engine) { e.sink = monitoring.OrNop(s) } }

// WithToken gates each capture on the shared bus admission token.
func WithToken(t *semaphore.Weighted) Option { return func(e *Engine) { e.token = t } }

// Engine drives the sensor and publishes frames into a ring.
type Engine struct {
	cfg    Config
	bus    arducam.Bus
	ring   *framebuf.Ring
	clock  timeutil.Clock
	sink   monitoring.Sink
	token  *semaphore.Weighted
	waiter *framebuf.Waiter

	state        State
	epoch        time.Time
	started      bool
	lastStart    time.Time
	startTS      framebuf.Timestamp
	lastTS       framebuf.Timestamp
	lastDuration time.Duration
	haveToken    bool
	startFails   int

	expected int
	copied   int
	lease    *framebuf.Lease
	bursting bool
}

// New creates an engine writing into ring.
func New(cfg Config, bus arducam.Bus, ring *framebuf.Ring, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		bus:   bus,
		ring:  ring,
		clock: timeutil.RealClock{},
		sink:  monitoring.Nop{},
	}
	for _, o := range opts {
		o(e)
	}
	e.epoch = e.clock.Now()
	e.waiter = &framebuf.Waiter{
		Name:      "capture",
		Threshold: e.cfg.StarvationThreshold,
		Clock:     e.clock,
		Sink:      e.sink,
	}
	return e
}

// State returns the current cycle state.
func (e *Engine) State() State { return e.state }

// LastDuration is the time from capture start to publish of the last frame.
func (e *Engine) LastDuration() time.Duration { return e.lastDuration }

// Drive advances the cycle by one bounded step.
func (e *Engine) Drive(ctx context.Context) sched.Status {
	switch e.state {
	case Idle:
		if !e.shouldStart(e.clock.Now()) {
			return sched.Idle
		}
		if _, err := e.StartCapture(ctx); err != nil {
			e.startFails++
			if e.startFails == 1 || e.startFails%100 == 0 {
				monitoring.Logf("capture: start failed (%d in a row): %v", e.startFails, err)
			}
		}
		return sched.Idle

	case Capturing:
		done, err := e.bus.CaptureDone()
		if err != nil {
			e.abandon("bus", err)
			return sched.Idle
		}
		if !done {
			if waited := e.clock.Since(e.lastStart); waited > e.cfg.CaptureTimeout {
				e.abandon("timeout", fmt.Errorf("capture not done after %v", waited))
			}
			return sched.Idle
		}
		e.state = Copying
		return e.CopyStep(ctx)

	default:
		return e.CopyStep(ctx)
	}
}

// shouldStart applies the pacing policy: always for the first frame, on
// consumer demand once MinInterval has passed, and unconditionally once the
// last frame is older than MaxStaleness.
func (e *Engine) shouldStart(now time.Time) bool {
	if !e.started {
		return true
	}
	since := now.Sub(e.lastStart)
	if since > e.cfg.MaxStaleness {
		return true
	}
	return since >= e.cfg.MinInterval && e.ring.TakeWant()
}

// StartCapture triggers a capture. It returns false without error when the
// bus token could not be obtained in time; the caller retries later.
func (e *Engine) StartCapture(ctx context.Context) (bool, error) {
	if e.state != Idle {
		return false, ErrNotIdle
	}
	if !e.acquireToken(ctx) {
		e.sink.Count("capture.token_skipped", 1)
		return false, nil
	}
	if err := e.bus.ClearFIFOFlag(); err != nil {
		e.releaseToken()
		return false, fmt.Errorf("clear fifo flag: %w", err)
	}
	if err := e.bus.StartCapture(); err != nil {
		e.releaseToken()
		return false, fmt.Errorf("start capture: %w", err)
	}
	now := e.clock.Now()
	e.started = true
	e.startFails = 0
	e.lastStart = now
	e.startTS = e.stamp(now)
	e.state = Capturing
	return true, nil
}

// stamp converts now into a timestamp after any issued before. The
// millisecond count wraps modulo 2^32 and skips zero.
func (e *Engine) stamp(now time.Time) framebuf.Timestamp {
	ts := framebuf.Timestamp(uint32(now.Sub(e.epoch)/time.Millisecond) + 1)
	if !ts.After(e.lastTS) {
		ts = e.lastTS + 1
	}
	if ts == 0 {
		ts = 1
	}
	e.lastTS = ts
	return ts
}

// CopyStep drains up to ChunksPerStep chunks from the FIFO into the back
// buffer, stopping early once CopyBudget is spent. The frame is published
// with the capture-start timestamp when the last byte arrives.
func (e *Engine) CopyStep(ctx context.Context) sched.Status {
	if e.state != Copying {
		return sched.Idle
	}
	budget := timeutil.NewBudget(e.clock, e.cfg.CopyBudget)
	defer func() { e.sink.Observe("capture.copy_step", budget.Elapsed()) }()

	if e.expected == 0 {
		n, err := e.bus.FIFOLength()
		if err != nil {
			e.abandon("bus", err)
			return sched.Idle
		}
		if n <= 0 || n >= e.cfg.MaxFrameSize {
			e.abandon("length", fmt.Errorf("frame length %d out of range", n))
			return sched.Idle
		}
		if n > e.ring.Capacity() {
			e.abandon("capacity", fmt.Errorf("frame length %d exceeds buffer capacity %d", n, e.ring.Capacity()))
			return sched.Idle
		}
		e.expected = n
		e.copied = 0
	}

	if e.lease == nil {
		lease, ok := e.waiter.Acquire(e.ring.Back())
		if !ok {
			return sched.Idle
		}
		e.lease = lease
	}

	if !e.bursting {
		if err := e.bus.BeginBurst(); err != nil {
			e.abandon("bus", err)
			return sched.Idle
		}
		e.bursting = true
	}

	dst := e.lease.Bytes()
	for chunks := 0; e.copied < e.expected; {
		n := min(e.cfg.ChunkSize, e.expected-e.copied)
		last := e.copied+n == e.expected
		if err := e.bus.ReadBurst(dst[e.copied:e.copied+n], last); err != nil {
			e.abandon("bus", err)
			return sched.Idle
		}
		e.copied += n
		chunks++
		if last {
			break
		}
		if chunks >= e.cfg.ChunksPerStep || budget.Exceeded() {
			return sched.Busy
		}
	}

	e.bursting = false
	return e.finish()
}

func (e *Engine) finish() sched.Status {
	n, ts := e.expected, e.startTS
	err := e.ring.Publish(e.lease, n, ts)
	e.lease = nil
	e.releaseToken()
	e.expected, e.copied = 0, 0
	e.state = Idle
	if err != nil {
		e.sink.Count("capture.abandoned.publish", 1)
		monitoring.Logf("capture: publish failed: %v", err)
		return sched.Idle
	}
	e.lastDuration = e.clock.Since(e.lastStart)
	e.sink.Count("capture.frames", 1)
	e.sink.Count("capture.bytes", int64(n))
	e.sink.Observe("capture.duration", e.lastDuration)
	return sched.Idle
}

// abandon drops the frame in flight and returns every held resource.
func (e *Engine) abandon(reason string, err error) {
	if e.bursting {
		if endErr := e.bus.EndBurst(); endErr != nil {
			monitoring.Logf("capture: end burst: %v", endErr)
		}
		e.bursting = false
	}
	if e.lease != nil {
		e.lease.Release()
		e.lease = nil
	}
	e.waiter.Reset()
	e.releaseToken()
	e.expected, e.copied = 0, 0
	e.state = Idle

	e.sink.Count("capture.abandoned."+reason, 1)
	e.sink.Event("capture.abandoned", map[string]any{"reason": reason, "error": err.Error()})
	monitoring.Logf("capture: abandoned frame (%s): %v", reason, err)
}

func (e *Engine) acquireToken(ctx context.Context) bool {
	if e.token == nil {
		return true
	}
	if e.token.TryAcquire(1) {
		e.haveToken = true
		return true
	}
	if e.cfg.TokenWait <= 0 {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, e.cfg.TokenWait)
	defer cancel()
	if err := e.token.Acquire(wctx, 1); err != nil {
		return false
	}
	e.haveToken = true
	return true
}

func (e *Engine) releaseToken() {
	if e.token != nil && e.haveToken {
		e.token.Release(1)
		e.haveToken = false
	}
}

// Close abandons any frame in flight.
func (e *Engine) Close() {
	if e.state != Idle {
		e.abandon("shutdown", errors.New("engine closed"))
	}
}
