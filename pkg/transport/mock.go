package transport

import (
	"io"
	"sync"
)

// Responder produces the bytes a simulated peer sends back after a write
// at the given baud rate. Returning nil means the peer stays silent.
type Responder func(baud int, written []byte) []byte

// MockLine is an in-memory Line for tests and simulation
type MockLine struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	writes  [][]byte
	bauds   []int
	baud    int
	closed  bool
	respond Responder
}

// NewMockLine returns a line that answers writes through respond (may be nil)
func NewMockLine(respond Responder) *MockLine {
	m := &MockLine{respond: respond}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetResponder swaps the simulated peer
func (m *MockLine) SetResponder(respond Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = respond
}

// Read blocks until bytes are pending or the line is closed
func (m *MockLine) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// Write records p and queues the responder's answer
func (m *MockLine) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	if m.respond != nil {
		if reply := m.respond(m.baud, p); len(reply) > 0 {
			m.pending = append(m.pending, reply...)
			m.cond.Broadcast()
		}
	}
	return len(p), nil
}

// Inject queues unsolicited bytes from the peer
func (m *MockLine) Inject(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p...)
	m.cond.Broadcast()
}

// Close wakes any blocked reader
func (m *MockLine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// SetSpeed records the baud rate; pending bytes sent at the old rate are lost
func (m *MockLine) SetSpeed(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baud = baud
	m.bauds = append(m.bauds, baud)
	m.pending = nil
	return nil
}

// Flush drops pending input
func (m *MockLine) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// Speed returns the current baud rate
func (m *MockLine) Speed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

// Speeds returns every baud rate set, in order
func (m *MockLine) Speeds() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.bauds...)
}

// Writes returns a copy of every write, in order
func (m *MockLine) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Written returns every write concatenated as text
func (m *MockLine) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, w := range m.writes {
		out = append(out, w...)
	}
	return string(out)
}

// Reset forgets recorded writes
func (m *MockLine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}
