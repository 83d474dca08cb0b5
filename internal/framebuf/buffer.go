// Package framebuf holds completed frames for hand-off between the capture
// engine and its consumers.
//
// A Buffer has exactly one holder at a time. TryAcquire never blocks; it
// returns a Lease that must be released on every exit path, normally with
// defer. The published timestamp and length are packed into one atomic
// word so they can be read together without holding the lock.
package framebuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultCapacity is the backing size of a buffer, large enough for a
// high-quality 640x480 JPEG.
const DefaultCapacity = 50000

// ErrNotHeld is returned when a lease that has already been released is
// used again.
var ErrNotHeld = errors.New("framebuf: lease not held")

// Timestamp is a capture-start time in milliseconds since the pipeline
// epoch. Zero means no frame. The counter wraps after about 49.7 days, so
// timestamps are ordered with After rather than compared directly.
type Timestamp uint32

// After reports whether t is newer than u. Ordering is modular: t is
// newer when it leads u by less than half the counter range. Zero is never
// newer than anything, and every other value is newer than zero.
func (t Timestamp) After(u Timestamp) bool {
	if t == 0 {
		return false
	}
	if u == 0 {
		return true
	}
	return int32(uint32(t)-uint32(u)) > 0
}

// Compare orders timestamps the way After does, for use with slices.SortFunc.
func (t Timestamp) Compare(u Timestamp) int {
	switch {
	case t == u:
		return 0
	case t.After(u):
		return 1
	default:
		return -1
	}
}

// Buffer is a fixed-capacity frame store with a single-owner lock.
type Buffer struct {
	data  []byte
	held  atomic.Bool
	owner atomic.Pointer[string]
	meta  atomic.Uint64 // timestamp<<32 | length
	ring  *Ring
	slot  int
}

// NewBuffer allocates a buffer of the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Capacity returns the size of the backing storage.
func (b *Buffer) Capacity() int { return len(b.data) }

// TryAcquire attempts to become the sole holder. It returns false at once
// when the buffer is already held.
func (b *Buffer) TryAcquire(tag string) (*Lease, bool) {
	if !b.held.CompareAndSwap(false, true) {
		return nil, false
	}
	b.owner.Store(&tag)
	return &Lease{buf: b, tag: tag}, true
}

// Timestamp returns the last published timestamp.
func (b *Buffer) Timestamp() Timestamp {
	return Timestamp(b.meta.Load() >> 32)
}

// ContentLength returns the last published content length.
func (b *Buffer) ContentLength() int {
	return int(uint32(b.meta.Load()))
}

// Metadata returns the published timestamp and length as one consistent pair.
func (b *Buffer) Metadata() (Timestamp, int) {
	m := b.meta.Load()
	return Timestamp(m >> 32), int(uint32(m))
}

// HasContent reports whether a frame has ever been published.
func (b *Buffer) HasContent() bool {
	return b.ContentLength() > 0
}

// Held reports whether someone currently holds the buffer.
func (b *Buffer) Held() bool { return b.held.Load() }

// Owner returns the tag of the current holder, or "" when free.
func (b *Buffer) Owner() string {
	if !b.held.Load() {
		return ""
	}
	if p := b.owner.Load(); p != nil {
		return *p
	}
	return ""
}

func (b *Buffer) unlock() {
	b.owner.Store(nil)
	b.held.Store(false)
}

// Lease is proof of ownership of a Buffer. It is single use: after Release
// or Publish it no longer grants access.
type Lease struct {
	buf  *Buffer
	tag  string
	done bool
}

// Tag returns the owner tag given to TryAcquire.
func (l *Lease) Tag() string { return l.tag }

// Held reports whether the lease still owns its buffer.
func (l *Lease) Held() bool { return l != nil && !l.done }

// Buffer returns the leased buffer.
func (l *Lease) Buffer() *Buffer { return l.buf }

// Bytes returns the whole backing storage, for writers. It returns nil once
// the lease is spent.
func (l *Lease) Bytes() []byte {
	if !l.Held() {
		return nil
	}
	return l.buf.data
}

// Content returns the published frame bytes, for readers. It returns nil
// once the lease is spent.
func (l *Lease) Content() []byte {
	if !l.Held() {
		return nil
	}
	return l.buf.data[:l.buf.ContentLength()]
}

// Release gives up ownership without changing the published frame. Calling
// it on a spent lease is a no-op that reports ErrNotHeld.
func (l *Lease) Release() error {
	if !l.Held() {
		return ErrNotHeld
	}
	l.done = true
	l.buf.unlock()
	return nil
}

// Publish stores n bytes stamped ts as the buffer's content and releases
// the lease. A non-positive n is a plain Release. A length beyond capacity
// releases without publishing.
func (l *Lease) Publish(n int, ts Timestamp) error {
	if !l.Held() {
		return ErrNotHeld
	}
	if n <= 0 {
		return l.Release()
	}
	if n > len(l.buf.data) {
		_ = l.Release()
		return fmt.Errorf("framebuf: publish %d bytes exceeds capacity %d", n, len(l.buf.data))
	}
	l.buf.meta.Store(uint64(ts)<<32 | uint64(uint32(n)))
	if l.buf.ring != nil {
		l.buf.ring.current.Store(int32(l.buf.slot))
	}
	l.done = true
	l.buf.unlock()
	return nil
}
