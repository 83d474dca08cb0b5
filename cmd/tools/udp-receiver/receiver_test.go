package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rovercam/internal/datagram"
	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

var cameraAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 151, 10), Port: 6000}

func fragmentsOf(content []byte, ts framebuf.Timestamp) [][]byte {
	total := datagram.FragmentCount(len(content), 1200)
	var out [][]byte
	for seq := range total {
		start, end := datagram.FragmentBounds(seq, len(content), 1200)
		out = append(out, datagram.AppendFragment(nil, datagram.Fragment{
			Timestamp: ts, Seq: uint16(seq), Total: uint16(total), Payload: content[start:end],
		}))
	}
	return out
}

type fixture struct {
	conn   *datagram.MockConn
	clock  *timeutil.MockClock
	r      *receiver
	frames map[framebuf.Timestamp][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn:   datagram.NewMockConn(),
		clock:  timeutil.NewMockClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
		frames: map[framebuf.Timestamp][]byte{},
	}
	f.r = newReceiver(f.conn, nil, f.clock)
	f.r.onFrame = func(ts framebuf.Timestamp, frame []byte) { f.frames[ts] = frame }
	return f
}

func (f *fixture) deliver(t *testing.T, pkts ...[]byte) {
	t.Helper()
	for _, p := range pkts {
		f.conn.Inject(p, cameraAddr)
		ok, err := f.r.poll(time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestReceiver_CompleteFrame(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte{0x42}, 3000)

	f.deliver(t, fragmentsOf(content, 500)...)

	assert.Equal(t, content, f.frames[500])
	assert.Equal(t, 1, f.r.counts.Frames)
	assert.Equal(t, 3, f.r.counts.Fragments)
	assert.Equal(t, cameraAddr, f.r.camera)

	// A late duplicate must not reopen the frame.
	f.deliver(t, fragmentsOf(content, 500)[1])
	assert.Empty(t, f.r.reasm.Timestamps())

	ok, err := f.r.poll(time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "empty socket is a timeout, not an error")
}

func TestReceiver_RepairThenAbandon(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte{0x17}, 6000)
	frags := fragmentsOf(content, 900)
	require.Len(t, frags, 5)

	f.deliver(t, frags[0], frags[2])

	f.clock.Advance(10 * time.Millisecond)
	f.r.repair()
	assert.Empty(t, f.conn.TakeSent(), "repair before the delay")

	f.clock.Advance(10 * time.Millisecond)
	f.r.repair()
	sent := f.conn.TakeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, cameraAddr, sent[0].To)
	req, err := datagram.DecodeMissing(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, datagram.MissingRequest{Timestamp: 900, Seqs: []uint16{1, 3, 4}}, req)

	// Nothing more until the next back-off step.
	f.r.repair()
	assert.Empty(t, f.conn.TakeSent())

	f.deliver(t, frags[1])
	f.clock.Advance(20 * time.Millisecond)
	f.r.repair()
	sent = f.conn.TakeSent()
	require.Len(t, sent, 1)
	req, err = datagram.DecodeMissing(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 4}, req.Seqs)

	f.clock.Advance(20 * time.Millisecond)
	f.r.repair()
	require.Len(t, f.conn.TakeSent(), 1)

	f.clock.Advance(20 * time.Millisecond)
	f.r.repair()
	assert.Empty(t, f.conn.TakeSent())
	assert.Equal(t, 1, f.r.counts.Abandoned)
	assert.Equal(t, 3, f.r.counts.Repairs)
	assert.Empty(t, f.r.reasm.Timestamps())
}

func TestReceiver_RepairCompletes(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte{0x99}, 2500)
	frags := fragmentsOf(content, 77)

	f.deliver(t, frags[0], frags[2])
	f.clock.Advance(20 * time.Millisecond)
	f.r.repair()
	require.Len(t, f.conn.TakeSent(), 1)

	f.deliver(t, frags[1])
	assert.Equal(t, content, f.frames[77])
	assert.Equal(t, 0, f.r.counts.Abandoned)
}

func TestReceiver_EvictsOldPartials(t *testing.T) {
	f := newFixture(t)
	f.r.keep = 2
	content := bytes.Repeat([]byte{1}, 2500)
	for ts := framebuf.Timestamp(1); ts <= 4; ts++ {
		f.deliver(t, fragmentsOf(content, ts)[0])
	}
	assert.Equal(t, []framebuf.Timestamp{3, 4}, f.r.reasm.Timestamps())
	assert.Len(t, f.r.firstAt, 2)
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t)
	f.r.camera = cameraAddr
	f.conn.Inject(datagram.EncodeControl("VOLT 4.07 from 660"), cameraAddr)

	reply, err := runCommand(context.Background(), f.r, "status", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "VOLT 4.07 from 660", reply)

	sent := f.conn.TakeSent()
	require.Len(t, sent, 1)
	text, err := datagram.DecodeControl(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "status", text)

	_, err = runCommand(context.Background(), f.r, "status", 20*time.Millisecond)
	assert.Error(t, err)

	f.r.camera = nil
	assert.Error(t, f.r.command("status"))
}

func TestReceiver_Malformed(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, []byte("XXjunk"), []byte("RI\x00"))
	assert.Equal(t, 2, f.r.counts.Malformed)
	assert.Nil(t, f.r.camera)
}
