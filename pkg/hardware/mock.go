package hardware

import (
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
)

// MockGPIO implements GPIOInterface for testing and for hosts without a
// GPIO chip. Unset pins read high, as if pulled up.
type MockGPIO struct {
	pins     map[int]bool
	outputs  map[int]bool
	watchers map[int]func(Edge)
	history  map[int][]bool
	mu       sync.RWMutex
}

// NewMockGPIO creates a new mock GPIO interface
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{
		pins:     make(map[int]bool),
		outputs:  make(map[int]bool),
		watchers: make(map[int]func(Edge)),
		history:  make(map[int][]bool),
	}
}

// Initialize initializes the mock GPIO
func (g *MockGPIO) Initialize() error {
	logging.Debug("gpio", "mock initialized")
	return nil
}

// Close closes the mock GPIO
func (g *MockGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watchers = make(map[int]func(Edge))
	logging.Debug("gpio", "mock closed")
	return nil
}

// SetPin sets a GPIO pin value. Driving a watched pin stops the watch.
func (g *MockGPIO) SetPin(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.watchers, pin)
	g.outputs[pin] = true
	g.pins[pin] = value
	g.history[pin] = append(g.history[pin], value)
	return nil
}

// GetPin gets a GPIO pin value
func (g *MockGPIO) GetPin(pin int) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	value, ok := g.pins[pin]
	if !ok {
		return true, nil
	}
	return value, nil
}

// Release lets the pin float high
func (g *MockGPIO) Release(pin int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.outputs, pin)
	g.pins[pin] = true
	return nil
}

// Watch registers fn for edges on pin. A pin we were driving floats back
// up to its pull-up.
func (g *MockGPIO) Watch(pin int, debounce time.Duration, fn func(Edge)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pins[pin]; !ok || g.outputs[pin] {
		g.pins[pin] = true
	}
	delete(g.outputs, pin)
	g.watchers[pin] = fn
	return nil
}

// Drive simulates an external level on pin, firing the watcher when the
// level changes
func (g *MockGPIO) Drive(pin int, value bool) {
	g.mu.Lock()
	old, ok := g.pins[pin]
	if !ok {
		old = true
	}
	g.pins[pin] = value
	fn := g.watchers[pin]
	g.mu.Unlock()

	if fn != nil && old != value {
		if value {
			fn(EdgeRising)
		} else {
			fn(EdgeFalling)
		}
	}
}

// Watched reports whether pin has an edge watcher
func (g *MockGPIO) Watched(pin int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.watchers[pin]
	return ok
}

// History returns every value driven onto pin by SetPin
func (g *MockGPIO) History(pin int) []bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]bool(nil), g.history[pin]...)
}

// MockUSBScanner returns a fixed device list
type MockUSBScanner struct {
	mu      sync.Mutex
	devices []USBDevice
	err     error
}

// NewMockUSBScanner creates a scanner reporting devices
func NewMockUSBScanner(devices ...USBDevice) *MockUSBScanner {
	return &MockUSBScanner{devices: devices}
}

// Scan returns the configured devices
func (s *MockUSBScanner) Scan() ([]USBDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]USBDevice(nil), s.devices...), nil
}

// SetDevices replaces the reported devices
func (s *MockUSBScanner) SetDevices(devices ...USBDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// SetError makes Scan fail with err until cleared with nil
func (s *MockUSBScanner) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
