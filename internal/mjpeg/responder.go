package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/rovercam/internal/command"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Boundary separates the parts of a multipart stream.
const Boundary = "frame"

var (
	// ErrComplete ends a session normally.
	ErrComplete = errors.New("mjpeg: response complete")
	ErrStalled  = errors.New("mjpeg: client stalled")
)

var crlf = []byte("\r\n")

// writeChunk writes at most chunk bytes of b with a short write deadline.
// A timeout is not an error; the caller retries with what remains.
func writeChunk(conn net.Conn, b []byte, chunk int, wait time.Duration) (int, error) {
	if len(b) > chunk {
		b = b[:chunk]
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}
	n, err := conn.Write(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

// FrameResponder streams each new frame of a ring as one multipart part.
// It holds a lease only while a part is being written.
type FrameResponder struct {
	ring   *framebuf.Ring
	cfg    Config
	clock  timeutil.Clock
	sink   monitoring.Sink
	waiter *framebuf.Waiter

	lastSent framebuf.Timestamp
	frames   int
	started  time.Time

	lease *framebuf.Lease
	ts    framebuf.Timestamp
	head  []byte
	body  []byte
	off   int

	lastProgress time.Time
	warned       bool
}

// NewFrameResponder creates a responder for ring. Nil clock and sink take
// the real clock and a no-op sink.
func NewFrameResponder(ring *framebuf.Ring, cfg Config, clock timeutil.Clock, sink monitoring.Sink) *FrameResponder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()
	sink = monitoring.OrNop(sink)
	w := framebuf.NewWaiter("stream", clock, sink)
	w.Threshold = cfg.StarvationThreshold
	return &FrameResponder{ring: ring, cfg: cfg, clock: clock, sink: sink, waiter: w}
}

func (r *FrameResponder) Header() string {
	return "Cache-Control: no-store\r\nConnection: close\r\n"
}

// Frames is the number of complete parts written.
func (r *FrameResponder) Frames() int { return r.frames }

// LastSent is the timestamp of the last complete part.
func (r *FrameResponder) LastSent() framebuf.Timestamp { return r.lastSent }

func (r *FrameResponder) Drive(ctx context.Context, conn net.Conn) (sched.Status, error) {
	now := r.clock.Now()
	if r.started.IsZero() {
		r.started = now
		r.lastProgress = now
	}

	if r.lease == nil {
		if r.cfg.MaxFrames > 0 && r.frames >= r.cfg.MaxFrames {
			return sched.Idle, ErrComplete
		}
		if r.cfg.MaxDuration > 0 && now.Sub(r.started) >= r.cfg.MaxDuration {
			return sched.Idle, ErrComplete
		}
		// Waiting for a new frame is not a stall.
		r.lastProgress = now
		if !r.begin() {
			return sched.Idle, nil
		}
	}

	budget := timeutil.NewBudget(r.clock, r.cfg.WriteBudget)
	total := len(r.head) + len(r.body) + len(crlf)
	for {
		n, err := writeChunk(conn, r.pending(), r.cfg.WriteChunk, r.cfg.WriteWait)
		r.off += n
		if n > 0 {
			r.lastProgress = r.clock.Now()
			r.warned = false
		}
		if err != nil {
			r.release()
			r.sink.Count("mjpeg.disconnects", 1)
			return sched.Idle, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if r.off == total {
			r.complete()
			return sched.Busy, nil
		}
		if n == 0 {
			break
		}
		if budget.Exceeded() {
			return sched.Busy, nil
		}
	}

	stalled := r.clock.Since(r.lastProgress)
	if stalled > r.cfg.StallLimit {
		r.release()
		r.sink.Count("mjpeg.stalls", 1)
		return sched.Idle, fmt.Errorf("%w: no progress for %v", ErrStalled, stalled)
	}
	if stalled > r.cfg.StallWarn && !r.warned {
		r.warned = true
		monitoring.Logf("stream: client has not accepted data for %v (frame %d, %d/%d bytes)",
			stalled.Round(time.Millisecond), r.ts, r.off, total)
	}
	return sched.Idle, nil
}

// begin leases the current slot if it holds a frame newer than lastSent.
func (r *FrameResponder) begin() bool {
	cur := r.ring.Current()
	ts, n := cur.Metadata()
	if n == 0 || !ts.After(r.lastSent) {
		r.ring.Want()
		return false
	}
	lease, ok := r.waiter.Acquire(cur)
	if !ok {
		return false
	}
	ts, n = cur.Metadata()
	if n == 0 || !ts.After(r.lastSent) {
		lease.Release()
		return false
	}
	r.lease, r.ts, r.off = lease, ts, 0
	r.body = lease.Content()
	r.head = fmt.Appendf(r.head[:0], "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, n)
	return true
}

func (r *FrameResponder) pending() []byte {
	switch off := r.off; {
	case off < len(r.head):
		return r.head[off:]
	case off < len(r.head)+len(r.body):
		return r.body[off-len(r.head):]
	default:
		return crlf[off-len(r.head)-len(r.body):]
	}
}

func (r *FrameResponder) complete() {
	n := len(r.body)
	r.release()
	r.lastSent = r.ts
	r.frames++
	r.sink.Count("mjpeg.frames", 1)
	r.sink.Count("mjpeg.bytes", int64(n))
}

func (r *FrameResponder) release() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
	r.body = nil
	r.off = 0
}

// Close releases the frame being written, if any.
func (r *FrameResponder) Close() {
	r.release()
	r.waiter.Reset()
}

// commandResponder starts one command on its first Drive and, once the
// handler returns, writes the body built from the reply. The handler runs
// on its own goroutine; until it finishes Drive reports Idle.
type commandResponder struct {
	commands command.Handler
	cmd      string
	body     func(reply string, err error) []byte
	cfg      Config

	done  chan commandResult
	ready bool
	out   []byte
}

type commandResult struct {
	reply string
	err   error
}

func (r *commandResponder) Header() string { return "Connection: close\r\n" }

func (r *commandResponder) start(ctx context.Context) {
	r.done = make(chan commandResult, 1)
	switch {
	case r.cmd == "":
		r.done <- commandResult{}
	case r.commands == nil:
		r.done <- commandResult{err: fmt.Errorf("%w: %q", command.ErrUnsupported, r.cmd)}
	default:
		go func() {
			reply, err := r.commands.Handle(ctx, r.cmd)
			r.done <- commandResult{reply: reply, err: err}
		}()
	}
}

func (r *commandResponder) Drive(ctx context.Context, conn net.Conn) (sched.Status, error) {
	if r.done == nil {
		r.start(ctx)
	}
	if !r.ready {
		select {
		case res := <-r.done:
			if res.err != nil {
				monitoring.Logf("control: %q: %v", r.cmd, res.err)
			}
			r.ready = true
			r.out = r.body(res.reply, res.err)
		default:
			return sched.Idle, nil
		}
	}
	n, err := writeChunk(conn, r.out, r.cfg.WriteChunk, r.cfg.WriteWait)
	r.out = r.out[n:]
	if err != nil {
		return sched.Idle, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if len(r.out) == 0 {
		return sched.Idle, ErrComplete
	}
	return sched.Busy, nil
}

func (r *commandResponder) Close() {}
