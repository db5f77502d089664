package binding

import (
	"context"
	"time"
	"unicode"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/verbose"
)

// Framing selects how a Source splits its byte stream
type Framing int

const (
	// CIV reads FD-terminated frames and applies address routing
	CIV Framing = iota
	// Mixed carries CI-V frames and ';' terminated text on one stream
	Mixed
)

const (
	minCIVFrame = 6
	maxPacket   = 128
)

// Source reads packets from a device and dispatches them to a List. It
// only consumes bytes while it can take the device lock, so a request
// helper waiting on the same link always sees its own reply.
type Source struct {
	dev     *transport.Device
	list    *List
	framing Framing
	timeout time.Duration
	poll    time.Duration
}

// NewSource returns a pump over dev
func NewSource(dev *transport.Device, list *List, framing Framing, timeout time.Duration) *Source {
	return &Source{
		dev:     dev,
		list:    list,
		framing: framing,
		timeout: timeout,
		poll:    10 * time.Millisecond,
	}
}

// List returns the listeners fed by this source
func (s *Source) List() *List {
	return s.list
}

// Device returns the device being read
func (s *Source) Device() *transport.Device {
	return s.dev
}

// Run pumps until ctx is done
func (s *Source) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.Step() {
			continue
		}
		if s.dev.Available() == 0 {
			s.dev.WaitAvailable(s.poll)
			continue
		}
		// partial frame or link held by a request
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// Step reads and dispatches at most one packet. It returns false when
// nothing was dispatched.
func (s *Source) Step() bool {
	if s.dev.Available() == 0 {
		return false
	}
	if !s.dev.TryLock() {
		return false
	}

	var frame []byte
	var text string
	switch s.framing {
	case CIV:
		frame = s.readFrame()
	default:
		if s.dev.Peek() == int(civ.Preamble) {
			frame = s.readFrame()
		} else {
			text = s.readText()
		}
	}
	s.dev.Unlock()

	switch {
	case frame != nil && s.framing == CIV:
		verbose.Frame("binding", s.dev.Name()+" frame", frame)
		s.list.DispatchCIV(frame, s.dev)
	case frame != nil:
		s.list.DispatchFrame(frame, s.dev)
	case text != "":
		verbose.Text("binding", s.dev.Name()+" text", text)
		s.list.DispatchText(text, s.dev)
	default:
		return false
	}
	return true
}

func (s *Source) readFrame() []byte {
	if s.framing == CIV && s.dev.Available() < minCIVFrame {
		return nil
	}
	buf := make([]byte, maxPacket)
	n := s.dev.ReadUntil(civ.EOM, buf, s.timeout)
	if n == 0 {
		return nil
	}
	return buf[:n]
}

func (s *Source) readText() string {
	for c := s.dev.Peek(); c >= 0 && !isPacketChar(c); c = s.dev.Peek() {
		s.dev.Read()
	}
	if s.dev.Available() == 0 {
		return ""
	}
	return s.dev.ReadStringUntil(';', s.timeout)
}

func isPacketChar(c int) bool {
	r := rune(c)
	return c == ';' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}
