// Package datagram broadcasts frames over UDP as numbered fragments and
// re-sends individual fragments on request.
//
// All integers are big-endian. Every datagram starts with a two-byte tag:
//
//	RI  ts:4 seq:2 total:2 payload      image fragment (server to clients)
//	MN  ts:4 seq:2 [seq:2 [seq:2]]      missing fragments (client to server)
//	CT  text                            control command or its reply
package datagram

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/rovercam/internal/framebuf"
)

var (
	ErrMalformed  = errors.New("datagram: malformed")
	ErrUnknownTag = errors.New("datagram: unknown tag")
)

// Tags.
var (
	TagFragment = [2]byte{'R', 'I'}
	TagMissing  = [2]byte{'M', 'N'}
	TagControl  = [2]byte{'C', 'T'}
)

const (
	// FragmentHeaderLen is the size of an RI header.
	FragmentHeaderLen = 10
	// DefaultFragmentSize is the payload carried by each fragment. Much
	// smaller sizes let per-datagram overhead dominate.
	DefaultFragmentSize = 1200
	// MaxMissingSeqs is how many fragments one MN request may name.
	MaxMissingSeqs = 3
	// MinInbound and MaxInbound bound accepted client datagram lengths.
	MinInbound = 3
	MaxInbound = 100
)

// Kind classifies a datagram by its tag.
type Kind int

const (
	KindUnknown Kind = iota
	KindFragment
	KindMissing
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindMissing:
		return "missing"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Classify returns the kind named by b's tag.
func Classify(b []byte) Kind {
	if len(b) < 2 {
		return KindUnknown
	}
	tag := [2]byte{b[0], b[1]}
	switch tag {
	case TagFragment:
		return KindFragment
	case TagMissing:
		return KindMissing
	case TagControl:
		return KindControl
	default:
		return KindUnknown
	}
}

// Fragment is one slice of a frame.
type Fragment struct {
	Timestamp framebuf.Timestamp
	Seq       uint16
	Total     uint16
	Payload   []byte
}

// AppendFragment appends the wire form of f to dst.
func AppendFragment(dst []byte, f Fragment) []byte {
	dst = append(dst, TagFragment[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.Timestamp))
	dst = binary.BigEndian.AppendUint16(dst, f.Seq)
	dst = binary.BigEndian.AppendUint16(dst, f.Total)
	return append(dst, f.Payload...)
}

// DecodeFragment parses an RI datagram. Payload aliases b.
func DecodeFragment(b []byte) (Fragment, error) {
	if Classify(b) != KindFragment {
		return Fragment{}, fmt.Errorf("%w: not a fragment", ErrUnknownTag)
	}
	if len(b) < FragmentHeaderLen {
		return Fragment{}, fmt.Errorf("%w: fragment of %d bytes", ErrMalformed, len(b))
	}
	f := Fragment{
		Timestamp: framebuf.Timestamp(binary.BigEndian.Uint32(b[2:6])),
		Seq:       binary.BigEndian.Uint16(b[6:8]),
		Total:     binary.BigEndian.Uint16(b[8:10]),
		Payload:   b[FragmentHeaderLen:],
	}
	if f.Total == 0 || f.Seq >= f.Total {
		return Fragment{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Seq, f.Total)
	}
	return f, nil
}

// MissingRequest names up to three fragments of one frame.
type MissingRequest struct {
	Timestamp framebuf.Timestamp
	Seqs      []uint16
}

// EncodeMissing returns the wire form of r.
func EncodeMissing(r MissingRequest) ([]byte, error) {
	if len(r.Seqs) == 0 || len(r.Seqs) > MaxMissingSeqs {
		return nil, fmt.Errorf("%w: %d sequence numbers", ErrMalformed, len(r.Seqs))
	}
	b := make([]byte, 0, 6+2*len(r.Seqs))
	b = append(b, TagMissing[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(r.Timestamp))
	for _, s := range r.Seqs {
		b = binary.BigEndian.AppendUint16(b, s)
	}
	return b, nil
}

// DecodeMissing parses an MN datagram. Its length must be 8, 10 or 12.
func DecodeMissing(b []byte) (MissingRequest, error) {
	if Classify(b) != KindMissing {
		return MissingRequest{}, fmt.Errorf("%w: not a missing request", ErrUnknownTag)
	}
	switch len(b) {
	case 8, 10, 12:
	default:
		return MissingRequest{}, fmt.Errorf("%w: missing request of %d bytes", ErrMalformed, len(b))
	}
	r := MissingRequest{Timestamp: framebuf.Timestamp(binary.BigEndian.Uint32(b[2:6]))}
	for i := 6; i < len(b); i += 2 {
		r.Seqs = append(r.Seqs, binary.BigEndian.Uint16(b[i:i+2]))
	}
	return r, nil
}

// EncodeControl returns a CT datagram carrying text.
func EncodeControl(text string) []byte {
	b := make([]byte, 0, 2+len(text))
	b = append(b, TagControl[:]...)
	return append(b, text...)
}

// DecodeControl returns the text of a CT datagram, cut at the first NUL.
func DecodeControl(b []byte) (string, error) {
	if Classify(b) != KindControl {
		return "", fmt.Errorf("%w: not a control message", ErrUnknownTag)
	}
	text := b[2:]
	for i, c := range text {
		if c == 0 {
			text = text[:i]
			break
		}
	}
	return string(text), nil
}

// FragmentCount is the number of fragments needed for length bytes.
func FragmentCount(length, size int) int {
	if length <= 0 || size <= 0 {
		return 0
	}
	return (length + size - 1) / size
}

// FragmentBounds returns the byte range of fragment seq. The last fragment
// carries only the remainder.
func FragmentBounds(seq, length, size int) (start, end int) {
	start = seq * size
	end = min(start+size, length)
	return start, end
}
