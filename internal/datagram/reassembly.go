package datagram

import (
	"fmt"
	"slices"

	"github.com/banshee-data/rovercam/internal/framebuf"
)

// Reassembler collects fragments into frames on the receiving side.
// It is not safe for concurrent use.
type Reassembler struct {
	frames map[framebuf.Timestamp]*partial
}

type partial struct {
	parts [][]byte
	have  int
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{frames: make(map[framebuf.Timestamp]*partial)}
}

// Add stores a copy of f's payload and reports whether its frame is now
// complete. Duplicates are ignored.
func (r *Reassembler) Add(f Fragment) (bool, error) {
	if f.Total == 0 || f.Seq >= f.Total {
		return false, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Seq, f.Total)
	}
	p, ok := r.frames[f.Timestamp]
	if !ok {
		p = &partial{parts: make([][]byte, f.Total)}
		r.frames[f.Timestamp] = p
	}
	if len(p.parts) != int(f.Total) {
		return false, fmt.Errorf("%w: frame %d total changed from %d to %d", ErrMalformed, f.Timestamp, len(p.parts), f.Total)
	}
	if p.parts[f.Seq] == nil {
		p.parts[f.Seq] = append([]byte{}, f.Payload...)
		p.have++
	}
	return p.have == len(p.parts), nil
}

// Complete reports whether every fragment of ts has arrived.
func (r *Reassembler) Complete(ts framebuf.Timestamp) bool {
	p, ok := r.frames[ts]
	return ok && p.have == len(p.parts)
}

// Progress reports how many fragments of ts have arrived out of how many
// were announced. Both are zero for an unknown frame.
func (r *Reassembler) Progress(ts framebuf.Timestamp) (have, total int) {
	p, ok := r.frames[ts]
	if !ok {
		return 0, 0
	}
	return p.have, len(p.parts)
}

// Missing lists the sequence numbers of ts not yet received.
func (r *Reassembler) Missing(ts framebuf.Timestamp) []uint16 {
	p, ok := r.frames[ts]
	if !ok {
		return nil
	}
	var out []uint16
	for i, part := range p.parts {
		if part == nil {
			out = append(out, uint16(i))
		}
	}
	return out
}

// MissingRequests groups the missing fragments of ts into MN requests.
func (r *Reassembler) MissingRequests(ts framebuf.Timestamp) []MissingRequest {
	var out []MissingRequest
	for chunk := range slices.Chunk(r.Missing(ts), MaxMissingSeqs) {
		out = append(out, MissingRequest{Timestamp: ts, Seqs: chunk})
	}
	return out
}

// Frame joins the fragments of a complete frame.
func (r *Reassembler) Frame(ts framebuf.Timestamp) ([]byte, bool) {
	if !r.Complete(ts) {
		return nil, false
	}
	return slices.Concat(r.frames[ts].parts...), true
}

// Timestamps returns the frames being tracked, oldest first.
func (r *Reassembler) Timestamps() []framebuf.Timestamp {
	out := make([]framebuf.Timestamp, 0, len(r.frames))
	for ts := range r.frames {
		out = append(out, ts)
	}
	slices.SortFunc(out, framebuf.Timestamp.Compare)
	return out
}

// Drop forgets ts.
func (r *Reassembler) Drop(ts framebuf.Timestamp) { delete(r.frames, ts) }

// Evict forgets all but the newest keep frames.
func (r *Reassembler) Evict(keep int) {
	all := r.Timestamps()
	if len(all) <= keep {
		return
	}
	for _, ts := range all[:len(all)-max(keep, 0)] {
		delete(r.frames, ts)
	}
}
