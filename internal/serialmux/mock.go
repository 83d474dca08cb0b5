package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// MockSerialPort is an in-memory SerialPorter. Lines written to it are
// recorded and, when Respond is set, answered with the returned line.
type MockSerialPort struct {
	mu      sync.Mutex
	written bytes.Buffer
	lines   []string
	closed  bool

	// Respond maps a written command line to the reply the device sends.
	// An empty reply sends nothing.
	Respond func(command string) string
	// WriteError is returned by the next Write call if set.
	WriteError error

	r *io.PipeReader
	w *io.PipeWriter
}

// NewMockSerialPort creates a mock port with no responder.
func NewMockSerialPort() *MockSerialPort {
	r, w := io.Pipe()
	return &MockSerialPort{r: r, w: w}
}

// Read returns bytes previously fed by the responder or AddReadData.
func (m *MockSerialPort) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

// Write records p and feeds any responses back to readers.
func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		m.mu.Unlock()
		return 0, err
	}
	m.written.Write(p)
	var replies []string
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		m.lines = append(m.lines, line)
		if m.Respond != nil {
			if reply := m.Respond(line); reply != "" {
				replies = append(replies, reply)
			}
		}
	}
	m.mu.Unlock()

	if len(replies) > 0 {
		go m.AddReadData([]byte(strings.Join(replies, "\n") + "\n"))
	}
	return len(p), nil
}

// AddReadData makes data available to readers. It blocks until read.
func (m *MockSerialPort) AddReadData(data []byte) {
	m.w.Write(data)
}

// Close closes the port; pending and future reads return EOF.
func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.w.Close()
	return nil
}

// Lines returns every command line written so far.
func (m *MockSerialPort) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}

// Written returns the raw bytes written so far.
func (m *MockSerialPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.written.Bytes())
}
