package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/banshee-data/rovercam/internal/command"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/sched"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// Config controls fragmenting, pacing and retry behaviour.
type Config struct {
	FragmentSize int
	SendRetries  int
	RetryDelay   time.Duration
	// SendBudget bounds the time spent broadcasting in one Drive.
	SendBudget time.Duration
	// ReadWait is how long one Drive waits for an inbound datagram.
	ReadWait time.Duration
}

// DefaultConfig returns the settings used on the vehicle.
func DefaultConfig() Config {
	return Config{
		FragmentSize: DefaultFragmentSize,
		SendRetries:  30,
		RetryDelay:   500 * time.Microsecond,
		SendBudget:   2 * time.Millisecond,
		ReadWait:     200 * time.Microsecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FragmentSize <= 0 {
		c.FragmentSize = d.FragmentSize
	}
	if c.SendRetries < 0 {
		c.SendRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SendBudget <= 0 {
		c.SendBudget = d.SendBudget
	}
	if c.ReadWait <= 0 {
		c.ReadWait = d.ReadWait
	}
	return c
}

// Option customises a Distributor.
type Option func(*Distributor)

// WithClock sets the clock used for budgets and retry sleeps.
func WithClock(c timeutil.Clock) Option { return func(d *Distributor) { d.clock = c } }

// WithSink sets the observability sink.
func WithSink(s monitoring.Sink) Option { return func(d *Distributor) { d.sink = monitoring.OrNop(s) } }

// Distributor broadcasts each new frame from a ring as fragments, answers
// repair requests for recent frames and relays control commands.
type Distributor struct {
	cfg      Config
	conn     PacketConn
	dest     net.Addr
	ring     *framebuf.Ring
	commands command.Handler
	clock    timeutil.Clock
	sink     monitoring.Sink
	waiter   *framebuf.Waiter

	rbuf []byte
	pkt  []byte

	// replies carries the result of the one command in flight. Handle may
	// wait on the motor link, so it never runs on the Drive goroutine.
	replies  chan controlReply
	inflight bool

	lastSent framebuf.Timestamp
	lease    *framebuf.Lease
	ts       framebuf.Timestamp
	next     int
	total    int
}

// NewDistributor creates a distributor sending to dest over conn. A nil
// commands handler rejects every control message.
func NewDistributor(cfg Config, conn PacketConn, dest net.Addr, ring *framebuf.Ring, commands command.Handler, opts ...Option) *Distributor {
	if commands == nil {
		commands = command.Disabled{}
	}
	d := &Distributor{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		dest:     dest,
		ring:     ring,
		commands: commands,
		clock:    timeutil.RealClock{},
		sink:     monitoring.Nop{},
		rbuf:     make([]byte, 1500),
		replies:  make(chan controlReply, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.pkt = make([]byte, 0, FragmentHeaderLen+d.cfg.FragmentSize)
	d.waiter = framebuf.NewWaiter("udp", d.clock, d.sink)
	return d
}

// LastSent is the timestamp of the last fully broadcast frame.
func (d *Distributor) LastSent() framebuf.Timestamp { return d.lastSent }

// Drive sends a finished control reply or handles at most one inbound
// datagram, then continues or starts a broadcast unless something was sent
// in reply this step.
func (d *Distributor) Drive(ctx context.Context) sched.Status {
	if d.deliver() || d.receive(ctx) {
		return sched.Busy
	}
	return d.broadcast()
}

// receive reads and dispatches one datagram. It reports whether anything
// was sent in reply.
func (d *Distributor) receive(ctx context.Context) bool {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.cfg.ReadWait)); err != nil {
		return false
	}
	n, from, err := d.conn.ReadFrom(d.rbuf)
	if err != nil {
		if !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
			monitoring.Logf("udp: read: %v", err)
			d.sink.Count("udp.read_errors", 1)
		}
		return false
	}
	if n < MinInbound || n > MaxInbound {
		monitoring.Logf("udp: dropped %d byte datagram from %v", n, from)
		d.sink.Count("udp.malformed", 1)
		return false
	}
	b := d.rbuf[:n]

	switch Classify(b) {
	case KindMissing:
		req, err := DecodeMissing(b)
		if err != nil {
			monitoring.Logf("udp: %v from %v", err, from)
			d.sink.Count("udp.malformed", 1)
			return false
		}
		return d.repair(req)
	case KindControl:
		text, _ := DecodeControl(b)
		return d.control(ctx, text)
	default:
		d.sink.Count("udp.malformed", 1)
		return false
	}
}

// repair re-sends the requested fragments of req.Timestamp if that frame is
// still held by the ring or is the one being broadcast.
func (d *Distributor) repair(req MissingRequest) bool {
	var content []byte
	if d.lease != nil && d.ts == req.Timestamp {
		content = d.lease.Content()
	} else {
		buf := d.ring.Find(req.Timestamp)
		if buf == nil {
			d.sink.Count("udp.repair.not_found", 1)
			return false
		}
		lease, ok := buf.TryAcquire("udp-repair")
		if !ok {
			d.sink.Count("udp.repair.busy", 1)
			return false
		}
		defer lease.Release()
		if buf.Timestamp() != req.Timestamp {
			d.sink.Count("udp.repair.not_found", 1)
			return false
		}
		content = lease.Content()
	}

	total := FragmentCount(len(content), d.cfg.FragmentSize)
	sent := 0
	for _, seq := range req.Seqs {
		if int(seq) >= total {
			monitoring.Logf("udp: illegal repair seq %d of %d for ts %d", seq, total, req.Timestamp)
			d.sink.Count("udp.repair.invalid", 1)
			continue
		}
		d.sendFragment(content, req.Timestamp, int(seq), total)
		sent++
	}
	if sent > 0 {
		d.sink.Count("udp.repairs", int64(sent))
	}
	return sent > 0
}

type controlReply struct {
	cmd   string
	reply string
	err   error
}

// control answers unsupported commands at once and starts a handler
// goroutine for the rest. Only one command runs at a time; others arriving
// meanwhile are dropped.
func (d *Distributor) control(ctx context.Context, text string) bool {
	if !d.commands.Supports(text) {
		monitoring.Logf("udp: unsupported control %q", text)
		d.sink.Count("udp.control.unsupported", 1)
		return d.sendControl(fmt.Errorf("%w: %q", command.ErrUnsupported, text).Error())
	}
	if d.inflight {
		monitoring.Logf("udp: dropped control %q, previous command still running", text)
		d.sink.Count("udp.control.busy", 1)
		return false
	}
	d.inflight = true
	go func() {
		reply, err := d.commands.Handle(ctx, text)
		d.replies <- controlReply{cmd: text, reply: reply, err: err}
	}()
	return false
}

// deliver broadcasts the reply of a finished command, if there is one.
func (d *Distributor) deliver() bool {
	var r controlReply
	select {
	case r = <-d.replies:
	default:
		return false
	}
	d.inflight = false
	text := r.reply
	if r.err != nil {
		monitoring.Logf("udp: control %q: %v", r.cmd, r.err)
		d.sink.Count("udp.control.errors", 1)
		if text == "" {
			text = r.err.Error()
		}
	}
	return d.sendControl(text)
}

func (d *Distributor) sendControl(text string) bool {
	if err := d.send(EncodeControl(text)); err != nil {
		return false
	}
	d.sink.Count("udp.control", 1)
	return true
}

// broadcast sends fragments of the current frame until the budget is spent.
func (d *Distributor) broadcast() sched.Status {
	if d.lease == nil {
		cur := d.ring.Current()
		ts, n := cur.Metadata()
		if n == 0 || !ts.After(d.lastSent) {
			d.ring.Want()
			return sched.Idle
		}
		lease, ok := d.waiter.Acquire(cur)
		if !ok {
			return sched.Idle
		}
		ts, n = cur.Metadata()
		if n == 0 || !ts.After(d.lastSent) {
			lease.Release()
			return sched.Idle
		}
		d.lease, d.ts, d.next = lease, ts, 0
		d.total = FragmentCount(n, d.cfg.FragmentSize)
	}

	budget := timeutil.NewBudget(d.clock, d.cfg.SendBudget)
	content := d.lease.Content()
	for d.next < d.total {
		d.sendFragment(content, d.ts, d.next, d.total)
		d.next++
		if d.next < d.total && budget.Exceeded() {
			return sched.Busy
		}
	}

	d.lastSent = d.ts
	d.lease.Release()
	d.lease = nil
	d.sink.Count("udp.frames", 1)
	return sched.Idle
}

func (d *Distributor) sendFragment(content []byte, ts framebuf.Timestamp, seq, total int) {
	start, end := FragmentBounds(seq, len(content), d.cfg.FragmentSize)
	d.pkt = AppendFragment(d.pkt[:0], Fragment{
		Timestamp: ts,
		Seq:       uint16(seq),
		Total:     uint16(total),
		Payload:   content[start:end],
	})
	if d.send(d.pkt) == nil {
		d.sink.Count("udp.fragments", 1)
	}
}

// send writes one datagram, retrying while the kernel is out of buffers.
func (d *Distributor) send(b []byte) error {
	for attempt := 0; ; attempt++ {
		_, err := d.conn.WriteTo(b, d.dest)
		if err == nil {
			return nil
		}
		if !isNoBuffer(err) || attempt >= d.cfg.SendRetries {
			d.sink.Count("udp.send_errors", 1)
			monitoring.Logf("udp: send failed after %d attempts: %v", attempt+1, err)
			return err
		}
		d.sink.Count("udp.send_retries", 1)
		d.clock.Sleep(d.cfg.RetryDelay)
	}
}

func isNoBuffer(err error) bool {
	return errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.ENOBUFS)
}

// Close releases any frame being broadcast.
func (d *Distributor) Close() {
	if d.lease != nil {
		d.lease.Release()
		d.lease = nil
	}
	d.waiter.Reset()
}
