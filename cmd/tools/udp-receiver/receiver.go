package main

import (
	"errors"
	"net"
	"slices"
	"time"

	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// counts summarises what the receiver has seen.
type counts struct {
	Fragments  int
	Frames     int
	Abandoned  int
	Repairs    int
	Replies    int
	Malformed  int
	SendErrors int
}

// receiver reassembles frames from the broadcast and asks the camera to
// resend fragments that have not arrived after repairDelay.
type receiver struct {
	conn        datagram.PacketConn
	camera      net.Addr
	clock       timeutil.Clock
	repairDelay time.Duration
	maxRepairs  int
	keep        int

	reasm     *datagram.Reassembler
	firstAt   map[framebuf.Timestamp]time.Time
	attempts  map[framebuf.Timestamp]int
	completed []framebuf.Timestamp
	buf       []byte

	onFrame func(ts framebuf.Timestamp, frame []byte)
	onReply func(text string)
	counts  counts
}

func newReceiver(conn datagram.PacketConn, camera net.Addr, clock timeutil.Clock) *receiver {
	return &receiver{
		conn:        conn,
		camera:      camera,
		clock:       clock,
		repairDelay: 20 * time.Millisecond,
		maxRepairs:  3,
		keep:        8,
		reasm:       datagram.NewReassembler(),
		firstAt:     map[framebuf.Timestamp]time.Time{},
		attempts:    map[framebuf.Timestamp]int{},
		buf:         make([]byte, 2048),
		onFrame:     func(framebuf.Timestamp, []byte) {},
		onReply:     func(string) {},
	}
}

// poll waits up to wait for one datagram and handles it. It reports
// whether a datagram arrived.
func (r *receiver) poll(wait time.Duration) (bool, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false, err
	}
	n, from, err := r.conn.ReadFrom(r.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	r.handle(r.buf[:n], from)
	return true, nil
}

func (r *receiver) handle(b []byte, from net.Addr) {
	switch datagram.Classify(b) {
	case datagram.KindFragment:
		f, err := datagram.DecodeFragment(b)
		if err != nil {
			r.counts.Malformed++
			return
		}
		if r.camera == nil {
			r.camera = from
		}
		if _, ok := r.firstAt[f.Timestamp]; !ok {
			if r.seenComplete(f.Timestamp) {
				return
			}
			r.firstAt[f.Timestamp] = r.clock.Now()
		}
		done, err := r.reasm.Add(f)
		if err != nil {
			r.counts.Malformed++
			return
		}
		r.counts.Fragments++
		if done {
			frame, _ := r.reasm.Frame(f.Timestamp)
			r.forget(f.Timestamp)
			r.markComplete(f.Timestamp)
			r.counts.Frames++
			r.onFrame(f.Timestamp, frame)
		}
		r.evict()
	case datagram.KindControl:
		text, err := datagram.DecodeControl(b)
		if err != nil {
			r.counts.Malformed++
			return
		}
		r.counts.Replies++
		r.onReply(text)
	case datagram.KindMissing:
		// Another receiver's repair request.
	default:
		r.counts.Malformed++
	}
}

// repair sends MN requests for every frame that has waited at least
// repairDelay since it was first seen or last repaired. Frames out of
// attempts are abandoned.
func (r *receiver) repair() {
	if r.camera == nil {
		return
	}
	now := r.clock.Now()
	for _, ts := range r.reasm.Timestamps() {
		first, ok := r.firstAt[ts]
		if !ok || now.Sub(first) < r.repairDelay*time.Duration(r.attempts[ts]+1) {
			continue
		}
		if r.attempts[ts] >= r.maxRepairs {
			r.forget(ts)
			r.counts.Abandoned++
			continue
		}
		r.attempts[ts]++
		for _, req := range r.reasm.MissingRequests(ts) {
			b, err := datagram.EncodeMissing(req)
			if err != nil {
				continue
			}
			if _, err := r.conn.WriteTo(b, r.camera); err != nil {
				r.counts.SendErrors++
				continue
			}
			r.counts.Repairs++
		}
	}
}

// command sends one CT request to the camera.
func (r *receiver) command(text string) error {
	if r.camera == nil {
		return errors.New("camera address unknown")
	}
	_, err := r.conn.WriteTo(datagram.EncodeControl(text), r.camera)
	return err
}

func (r *receiver) forget(ts framebuf.Timestamp) {
	r.reasm.Drop(ts)
	delete(r.firstAt, ts)
	delete(r.attempts, ts)
}

// evict bounds the number of partial frames kept.
func (r *receiver) evict() {
	r.reasm.Evict(r.keep)
	for ts := range r.firstAt {
		if _, total := r.reasm.Progress(ts); total == 0 {
			delete(r.firstAt, ts)
			delete(r.attempts, ts)
		}
	}
}

// completedMemory is how many finished frames are remembered so that late
// duplicates do not start a new partial frame.
const completedMemory = 16

func (r *receiver) seenComplete(ts framebuf.Timestamp) bool {
	return slices.Contains(r.completed, ts)
}

func (r *receiver) markComplete(ts framebuf.Timestamp) {
	r.completed = append(r.completed, ts)
	if len(r.completed) > completedMemory {
		r.completed = r.completed[len(r.completed)-completedMemory:]
	}
}
