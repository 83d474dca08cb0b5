package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rovercam/internal/framebuf"
)

func fragmentsOf(content []byte, ts framebuf.Timestamp, size int) []Fragment {
	total := FragmentCount(len(content), size)
	out := make([]Fragment, total)
	for seq := range total {
		start, end := FragmentBounds(seq, len(content), size)
		out[seq] = Fragment{Timestamp: ts, Seq: uint16(seq), Total: uint16(total), Payload: content[start:end]}
	}
	return out
}

func TestReassembler_OutOfOrderWithRepair(t *testing.T) {
	content := frameOf(30000, 0x77)
	frags := fragmentsOf(content, 8, 1200)
	r := NewReassembler()

	// Deliver in reverse, dropping 3, 10, 11 and 20.
	lost := map[uint16]bool{3: true, 10: true, 11: true, 20: true}
	for i := len(frags) - 1; i >= 0; i-- {
		if lost[frags[i].Seq] {
			continue
		}
		done, err := r.Add(frags[i])
		require.NoError(t, err)
		assert.False(t, done)
	}

	assert.Equal(t, []uint16{3, 10, 11, 20}, r.Missing(8))
	have, total := r.Progress(8)
	assert.Equal(t, 21, have)
	assert.Equal(t, 25, total)
	reqs := r.MissingRequests(8)
	require.Len(t, reqs, 2)
	assert.Equal(t, []uint16{3, 10, 11}, reqs[0].Seqs)
	assert.Equal(t, []uint16{20}, reqs[1].Seqs)

	_, ok := r.Frame(8)
	assert.False(t, ok)

	for _, req := range reqs {
		for _, seq := range req.Seqs {
			_, err := r.Add(frags[seq])
			require.NoError(t, err)
		}
	}
	got, ok := r.Frame(8)
	require.True(t, ok)
	assert.Equal(t, content, got)
}

func TestReassembler_DuplicatesAndErrors(t *testing.T) {
	r := NewReassembler()
	f := Fragment{Timestamp: 1, Seq: 0, Total: 2, Payload: []byte("ab")}
	done, err := r.Add(f)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = r.Add(f)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = r.Add(Fragment{Timestamp: 1, Seq: 1, Total: 3})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = r.Add(Fragment{Timestamp: 2, Seq: 2, Total: 2})
	assert.ErrorIs(t, err, ErrMalformed)

	done, err = r.Add(Fragment{Timestamp: 1, Seq: 1, Total: 2, Payload: []byte("cd")})
	require.NoError(t, err)
	assert.True(t, done)
	got, _ := r.Frame(1)
	assert.Equal(t, []byte("abcd"), got)
}

func TestReassembler_Evict(t *testing.T) {
	r := NewReassembler()
	for _, ts := range []framebuf.Timestamp{5, 1, 9, 3} {
		_, err := r.Add(Fragment{Timestamp: ts, Seq: 0, Total: 2})
		require.NoError(t, err)
	}
	r.Evict(2)
	assert.Equal(t, []framebuf.Timestamp{5, 9}, r.Timestamps())
	r.Evict(0)
	assert.Empty(t, r.Timestamps())
}

func TestReassembler_EvictKeepsNewestAcrossWrap(t *testing.T) {
	r := NewReassembler()
	for _, ts := range []framebuf.Timestamp{2, 0xFFFFFFFE, 1, 0xFFFFFFFF} {
		_, err := r.Add(Fragment{Timestamp: ts, Seq: 0, Total: 2})
		require.NoError(t, err)
	}
	assert.Equal(t, []framebuf.Timestamp{0xFFFFFFFE, 0xFFFFFFFF, 1, 2}, r.Timestamps())
	r.Evict(2)
	assert.Equal(t, []framebuf.Timestamp{1, 2}, r.Timestamps())
}
