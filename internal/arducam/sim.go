package arducam

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/rovercam/internal/timeutil"
)

// ErrSimFault is returned by Sim when a read fault has been injected.
var ErrSimFault = errors.New("arducam: simulated bus fault")

// ErrBurstActive is returned by Sim for a register access during a burst.
var ErrBurstActive = errors.New("arducam: register access during burst")

// Sim is an in-memory sensor module implementing Bus. It serves queued
// frames in a loop, simulates capture latency against a clock and can
// inject the faults seen on real hardware.
type Sim struct {
	mu sync.Mutex

	clock timeutil.Clock
	// Latency is how long a capture takes before CaptureDone reports true.
	Latency time.Duration
	// ByteTime advances a mock clock per byte read, to model bus speed.
	ByteTime time.Duration

	frames    [][]byte
	next      int
	fifo      []byte
	started   time.Time
	capturing bool
	done      bool

	overrideLen *int
	failReadAt  int
	reads       int
	inBurst     bool
	pos         int

	chunks   []int
	captures int
	aborted  int
	size     JPEGSize
}

// NewSim creates a simulated module over clock serving frames round-robin.
func NewSim(clock timeutil.Clock, frames ...[]byte) *Sim {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sim{clock: clock, frames: frames}
}

// AddFrame queues another frame.
func (s *Sim) AddFrame(f []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

// ForceLength makes the next FIFOLength calls report n regardless of the
// frame, as a corrupted register read would.
func (s *Sim) ForceLength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrideLen = &n
}

// ClearForcedLength undoes ForceLength.
func (s *Sim) ClearForcedLength() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrideLen = nil
}

// FailReadAt makes the nth ReadBurst call (1-based, counted from now) fail.
func (s *Sim) FailReadAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReadAt = n
	s.reads = 0
}

// Chunks returns the sizes of every ReadBurst so far.
func (s *Sim) Chunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Captures returns how many captures have been triggered.
func (s *Sim) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

// Aborted returns how many bursts were ended early.
func (s *Sim) Aborted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Probe always succeeds.
func (s *Sim) Probe() error { return nil }

// Configure records size; the frames served are not rescaled.
func (s *Sim) Configure(size JPEGSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	return nil
}

// Size returns the size passed to Configure.
func (s *Sim) Size() JPEGSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ReadRegisters fails during a burst, where a register access on the real
// module would corrupt the transfer.
func (s *Sim) ReadRegisters() (Registers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inBurst {
		return Registers{}, ErrBurstActive
	}
	r := Registers{Test: TestPattern, FIFOLength: len(s.fifo)}
	if s.done {
		r.Trigger = CaptureDoneBit
	}
	return r, nil
}

func (s *Sim) ClearFIFOFlag() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = false
	return nil
}

func (s *Sim) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing = true
	s.done = false
	s.started = s.clock.Now()
	s.captures++
	s.fifo = nil
	if len(s.frames) > 0 {
		s.fifo = s.frames[s.next%len(s.frames)]
		s.next++
	}
	return nil
}

func (s *Sim) CaptureDone() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing && s.clock.Since(s.started) >= s.Latency {
		s.capturing = false
		s.done = true
	}
	return s.done, nil
}

func (s *Sim) FIFOLength() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrideLen != nil {
		return *s.overrideLen, nil
	}
	return len(s.fifo), nil
}

func (s *Sim) BeginBurst() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inBurst = true
	s.pos = 0
	return nil
}

func (s *Sim) ReadBurst(p []byte, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inBurst {
		return errors.New("arducam: read outside burst")
	}
	s.reads++
	if s.failReadAt > 0 && s.reads == s.failReadAt {
		s.failReadAt = 0
		return ErrSimFault
	}
	s.chunks = append(s.chunks, len(p))
	for i := range p {
		if s.pos < len(s.fifo) {
			p[i] = s.fifo[s.pos]
		} else {
			p[i] = 0
		}
		s.pos++
	}
	if mc, ok := s.clock.(*timeutil.MockClock); ok && s.ByteTime > 0 {
		mc.Advance(time.Duration(len(p)) * s.ByteTime)
	}
	if last {
		s.inBurst = false
	}
	return nil
}

func (s *Sim) EndBurst() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inBurst {
		s.aborted++
	}
	s.inBurst = false
	return nil
}
