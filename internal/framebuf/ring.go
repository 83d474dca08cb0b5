package framebuf

import "sync/atomic"

// Ring is a fixed set of buffers with an atomic index naming the most
// recently published one. With two slots the producer writes the back slot
// while consumers read the front. With one slot it degenerates to a single
// shared buffer.
type Ring struct {
	slots   []*Buffer
	current atomic.Int32
	want    atomic.Bool
}

// NewRing allocates n buffers of the given capacity. n is clamped to at
// least one.
func NewRing(n, capacity int) *Ring {
	if n < 1 {
		n = 1
	}
	r := &Ring{slots: make([]*Buffer, n)}
	for i := range r.slots {
		b := NewBuffer(capacity)
		b.ring = r
		b.slot = i
		r.slots[i] = b
	}
	return r
}

// Slots returns the ring's buffers in slot order.
func (r *Ring) Slots() []*Buffer { return r.slots }

// Capacity returns the capacity of each slot.
func (r *Ring) Capacity() int { return r.slots[0].Capacity() }

// Current returns the most recently published slot.
func (r *Ring) Current() *Buffer {
	return r.slots[int(r.current.Load())]
}

// Back returns the slot the producer should fill next.
func (r *Ring) Back() *Buffer {
	return r.slots[(int(r.current.Load())+1)%len(r.slots)]
}

// Newest returns the timestamp of the current slot.
func (r *Ring) Newest() Timestamp {
	return r.Current().Timestamp()
}

// Find returns the slot holding ts, or nil if no slot does.
func (r *Ring) Find(ts Timestamp) *Buffer {
	if ts == 0 {
		return nil
	}
	for _, b := range r.slots {
		if b.Timestamp() == ts && b.HasContent() {
			return b
		}
	}
	return nil
}

// Publish publishes n bytes stamped ts through lease. Because every ring
// buffer knows its slot, this also makes the slot current.
func (r *Ring) Publish(lease *Lease, n int, ts Timestamp) error {
	return lease.Publish(n, ts)
}

// Want records that a consumer is waiting for a fresher frame.
func (r *Ring) Want() { r.want.Store(true) }

// TakeWant reports and clears the waiting-consumer signal.
func (r *Ring) TakeWant() bool { return r.want.Swap(false) }
