package datagram

import (
	"net"
	"sync"
	"time"
)

// MockConn is an in-memory PacketConn. Inbound datagrams are queued with
// Inject; reads with an empty queue time out at once. Writes are recorded.
type MockConn struct {
	mu      sync.Mutex
	inbound []mockPacket
	sent    []Sent
	// WriteErrors are returned by successive WriteTo calls, one each.
	WriteErrors []error
	closed      bool
	Deadline    time.Time
}

type mockPacket struct {
	data []byte
	from net.Addr
}

// Sent is a recorded outbound datagram.
type Sent struct {
	Data []byte
	To   net.Addr
}

// NewMockConn returns an empty MockConn.
func NewMockConn() *MockConn { return &MockConn{} }

// Inject queues a datagram for the next ReadFrom.
func (m *MockConn) Inject(data []byte, from net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, mockPacket{data: append([]byte(nil), data...), from: from})
}

func (m *MockConn) ReadFrom(b []byte) (int, net.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if len(m.inbound) == 0 {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	p := m.inbound[0]
	m.inbound = m.inbound[1:]
	return copy(b, p.data), p.from, nil
}

func (m *MockConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if len(m.WriteErrors) > 0 {
		err := m.WriteErrors[0]
		m.WriteErrors = m.WriteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	m.sent = append(m.sent, Sent{Data: append([]byte(nil), b...), To: addr})
	return len(b), nil
}

func (m *MockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deadline = t
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// TakeSent returns and clears the recorded outbound datagrams.
func (m *MockConn) TakeSent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
