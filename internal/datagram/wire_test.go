package datagram

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentCountAndBounds(t *testing.T) {
	// 24 full fragments plus a 600-byte tail.
	require.Equal(t, 25, FragmentCount(29400, 1200))
	start, end := FragmentBounds(24, 29400, 1200)
	assert.Equal(t, 28800, start)
	assert.Equal(t, 29400, end)
	assert.Equal(t, 600, end-start)

	// An exact multiple has no short tail.
	require.Equal(t, 25, FragmentCount(30000, 1200))
	start, end = FragmentBounds(24, 30000, 1200)
	assert.Equal(t, 1200, end-start)

	start, end = FragmentBounds(10, 29400, 1200)
	assert.Equal(t, 12000, start)
	assert.Equal(t, 13200, end)

	assert.Equal(t, 1, FragmentCount(1, 1200))
	assert.Equal(t, 1, FragmentCount(1200, 1200))
	assert.Equal(t, 2, FragmentCount(1201, 1200))
	assert.Equal(t, 0, FragmentCount(0, 1200))
}

func TestFragmentWire(t *testing.T) {
	f := Fragment{Timestamp: 0x01020304, Seq: 3, Total: 7, Payload: []byte("jpeg")}
	b := AppendFragment(nil, f)

	want := []byte{'R', 'I', 1, 2, 3, 4, 0, 3, 0, 7, 'j', 'p', 'e', 'g'}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Fatalf("wire mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, KindFragment, Classify(b))

	got, err := DecodeFragment(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeFragment_Rejects(t *testing.T) {
	_, err := DecodeFragment([]byte("RI\x00\x00"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeFragment(AppendFragment(nil, Fragment{Timestamp: 1, Seq: 5, Total: 5}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeFragment([]byte("MN\x00\x00\x00\x01\x00\x02\x00\x03"))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestMissingRequestWire(t *testing.T) {
	for _, seqs := range [][]uint16{{10}, {1, 2}, {4, 5, 6}} {
		b, err := EncodeMissing(MissingRequest{Timestamp: 99, Seqs: seqs})
		require.NoError(t, err)
		assert.Len(t, b, 6+2*len(seqs))
		assert.Equal(t, KindMissing, Classify(b))

		got, err := DecodeMissing(b)
		require.NoError(t, err)
		assert.EqualValues(t, 99, got.Timestamp)
		assert.Equal(t, seqs, got.Seqs)
	}

	_, err := EncodeMissing(MissingRequest{Timestamp: 1})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = EncodeMissing(MissingRequest{Timestamp: 1, Seqs: []uint16{1, 2, 3, 4}})
	assert.ErrorIs(t, err, ErrMalformed)

	for _, n := range []int{6, 7, 9, 11, 14} {
		b := append([]byte("MN"), make([]byte, n-2)...)
		_, err := DecodeMissing(b)
		assert.True(t, errors.Is(err, ErrMalformed), "length %d", n)
	}
}

func TestControlWire(t *testing.T) {
	b := EncodeControl("status")
	assert.Equal(t, []byte("CTstatus"), b)
	assert.Equal(t, KindControl, Classify(b))

	text, err := DecodeControl([]byte("CTmove 500 500\x00junk"))
	require.NoError(t, err)
	assert.Equal(t, "move 500 500", text)

	assert.Equal(t, KindUnknown, Classify([]byte("X")))
	assert.Equal(t, KindUnknown, Classify([]byte("ZZtop")))
}
