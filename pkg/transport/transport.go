// Package transport gives every serial link (UART, USB CDC, USB host serial,
// Bluetooth SPP) the same buffered byte-stream API.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/verbose"
)

// DeviceType tags the kind of link behind a Device
type DeviceType int

const (
	HardwareSerial DeviceType = iota
	USBSerial1
	USBSerial2
	USBSerial3
	USBSerialHost
	Unknown
)

// String returns the device type name
func (t DeviceType) String() string {
	switch t {
	case HardwareSerial:
		return "HardwareSerial"
	case USBSerial1:
		return "USBSerial1"
	case USBSerial2:
		return "USBSerial2"
	case USBSerial3:
		return "USBSerial3"
	case USBSerialHost:
		return "USBSerialHost"
	default:
		return "Unknown"
	}
}

// ErrClosed is returned for writes on a closed device
var ErrClosed = errors.New("device closed")

// Line is the raw link under a Device. *term.Term satisfies it.
type Line interface {
	io.ReadWriteCloser
	SetSpeed(baud int) error
	Flush() error
}

const (
	defaultTimeout = time.Second
	pollInterval   = time.Millisecond
	readChunk      = 256
)

// Device buffers a Line. A reader goroutine moves received bytes into an
// internal buffer so Available and Peek never block.
//
// The embedded mutex serializes request/response exchanges: callers that
// must talk Lock, opportunistic pollers TryLock and skip.
type Device struct {
	sync.Mutex

	name string
	kind DeviceType
	line Line

	mu      sync.Mutex
	buf     []byte
	baud    int
	timeout time.Duration
	started bool
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

// NewDevice wraps line. The line is not read until Open.
func NewDevice(name string, kind DeviceType, line Line) *Device {
	return &Device{
		name:    name,
		kind:    kind,
		line:    line,
		timeout: defaultTimeout,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the device name used in logs
func (d *Device) Name() string {
	return d.name
}

// Type returns the device type tag
func (d *Device) Type() DeviceType {
	return d.kind
}

// Open sets the baud rate and starts reading the line
func (d *Device) Open(baud int) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	start := !d.started
	d.started = true
	d.mu.Unlock()

	if err := d.SetBaud(baud); err != nil {
		return err
	}
	if start {
		go d.pump()
	}
	return nil
}

// Close stops the reader and closes the line
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	return d.line.Close()
}

// IsOpen reports whether the device has been opened and not closed
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.closed
}

func (d *Device) pump() {
	chunk := make([]byte, readChunk)
	for {
		n, err := d.line.Read(chunk)
		if n > 0 {
			verbose.Frame("transport", d.name+" RX", chunk[:n])
			d.mu.Lock()
			d.buf = append(d.buf, chunk[:n]...)
			d.mu.Unlock()
			select {
			case d.signal <- struct{}{}:
			default:
			}
		}
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				time.Sleep(10 * pollInterval)
			}
		}
	}
}

// Available returns the number of buffered bytes
func (d *Device) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Read returns the next byte, or -1 if nothing is buffered
func (d *Device) Read() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return -1
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return int(b)
}

// Peek returns the next byte without consuming it, or -1
func (d *Device) Peek() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return -1
	}
	return int(d.buf[0])
}

// Write sends p on the line
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	verbose.Frame("transport", d.name+" TX", p)
	n, err := d.line.Write(p)
	if err != nil {
		return n, fmt.Errorf("%s: write: %w", d.name, err)
	}
	return n, nil
}

// WriteString sends s on the line
func (d *Device) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

// ReadUntil reads into buf until terminator, a full buffer or timeout. The
// terminator is kept in buf; framing code inspects the trailing byte.
func (d *Device) ReadUntil(terminator byte, buf []byte, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		c := d.Read()
		if c < 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			d.wait(min(remaining, pollInterval))
			continue
		}
		buf[n] = byte(c)
		n++
		if byte(c) == terminator {
			break
		}
	}
	return n
}

// ReadStringUntil is ReadUntil for text links, terminator included
func (d *Device) ReadStringUntil(terminator byte, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	var out []byte
	for {
		c := d.Read()
		if c < 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			d.wait(min(remaining, pollInterval))
			continue
		}
		out = append(out, byte(c))
		if byte(c) == terminator {
			break
		}
	}
	return string(out)
}

// WaitAvailable blocks until bytes are buffered or timeout passes
func (d *Device) WaitAvailable(timeout time.Duration) bool {
	if d.Available() > 0 {
		return true
	}
	d.wait(timeout)
	return d.Available() > 0
}

func (d *Device) wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.signal:
	case <-timer.C:
	case <-d.done:
	}
}

// SetBaud restarts the line at baud and drops anything buffered
func (d *Device) SetBaud(baud int) error {
	if err := d.line.SetSpeed(baud); err != nil {
		return fmt.Errorf("%s: set speed %d: %w", d.name, baud, err)
	}
	d.mu.Lock()
	d.baud = baud
	d.buf = nil
	d.mu.Unlock()
	return nil
}

// Baud returns the current baud rate
func (d *Device) Baud() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// Clear discards buffered and pending input
func (d *Device) Clear() {
	_ = d.line.Flush()
	d.mu.Lock()
	d.buf = nil
	d.mu.Unlock()
}

// SetTimeout sets the default timeout used by callers that don't pass one
func (d *Device) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// Timeout returns the default timeout
func (d *Device) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}
