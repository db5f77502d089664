package hardrock

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/verbose"
)

const (
	// DefaultSpacing is the minimum gap between exchanges on one amplifier
	DefaultSpacing = 200 * time.Millisecond
	// DefaultReadTimeout bounds a single ';' terminated read
	DefaultReadTimeout = 250 * time.Millisecond
)

// Session is the line discipline for one amplifier port. Every write
// waits until Spacing has passed since the last read or write; the
// amplifier desyncs when commands arrive faster.
type Session struct {
	dev *transport.Device

	Spacing     time.Duration
	ReadTimeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewSession wraps dev with the default timing
func NewSession(dev *transport.Device) *Session {
	return &Session{
		dev:         dev,
		Spacing:     DefaultSpacing,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Device returns the amplifier link
func (s *Session) Device() *transport.Device {
	return s.dev
}

func (s *Session) touch() {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

func (s *Session) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return s.Spacing + time.Millisecond
	}
	return time.Since(s.last)
}

// write sends cmd after the spacing gap, dropping stale input first
func (s *Session) write(cmd string) int {
	for s.idle() <= s.Spacing {
		time.Sleep(time.Millisecond)
	}
	s.dev.Clear()

	verbose.Text("hardrock", s.dev.Name()+" TX", cmd)
	n, err := s.dev.WriteString(cmd)
	s.touch()
	if err != nil {
		return 0
	}
	return n
}

// readStringUntil reads up to terminator and drops line noise. Letters,
// digits and ';' survive, plus '.' and '-' which carry values.
func (s *Session) readStringUntil(terminator byte, timeout time.Duration) string {
	raw := s.dev.ReadStringUntil(terminator, timeout)
	s.touch()
	return strings.Map(func(r rune) rune {
		switch {
		case r == ';' || r == '.' || r == '-':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		}
		return -1
	}, raw)
}

// read returns one response trimmed to start at "HR", or "" when none
func (s *Session) read(timeout time.Duration) string {
	rsp := s.readStringUntil(';', timeout)
	i := strings.Index(rsp, "HR")
	if i < 0 {
		return ""
	}
	rsp = rsp[i:]
	if rsp != "" {
		verbose.Text("hardrock", s.dev.Name()+" RX", rsp)
	}
	return rsp
}

// readResponse reads until a valid reply to cmd arrives or the timeout
// passes
func (s *Session) readResponse(cmd string) string {
	deadline := time.Now().Add(s.ReadTimeout)
	rsp := s.read(s.ReadTimeout)
	for rsp != "" && !IsValidResponse(rsp, cmd) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ""
		}
		rsp = s.read(remaining)
	}
	s.touch()
	return rsp
}

// exchange writes cmd and returns the validated reply
func (s *Session) exchange(cmd string) string {
	s.write(cmd)
	return s.readResponse(cmd)
}

func (s *Session) attention() {
	s.write(";")
}

// Send writes cmd holding the link
func (s *Session) Send(cmd string) int {
	s.dev.Lock()
	defer s.dev.Unlock()
	return s.write(cmd)
}

// Exchange writes cmd holding the link and returns the validated reply
func (s *Session) Exchange(cmd string) string {
	s.dev.Lock()
	defer s.dev.Unlock()
	return s.exchange(cmd)
}

// Forward relays a packet from another controller and returns the
// amplifier's raw reply when one is expected
func (s *Session) Forward(packet string) string {
	s.dev.Lock()
	defer s.dev.Unlock()
	s.write(packet)
	if !IsResponseExpected(packet) {
		return ""
	}
	return s.readStringUntil(';', s.ReadTimeout)
}

// IsValidResponse reports whether rsp answers cmd: longer than the
// four command letters, same letters and ';' terminated
func IsValidResponse(rsp, cmd string) bool {
	const n = 4
	return len(rsp) > n && len(cmd) >= n &&
		rsp[:n] == cmd[:n] &&
		rsp[len(rsp)-1] == ';'
}

// IsHardrockPacket reports text the amplifier understands
func IsHardrockPacket(p string) bool {
	if len(p) < 2 {
		return false
	}
	prefix := strings.ToUpper(p[:2])
	return (prefix == "HR" || prefix == "FA" || prefix == "IF") && strings.Index(p, ";") > 0
}

// IsResponseExpected reports whether a forwarded packet is a query
func IsResponseExpected(p string) bool {
	if !IsHardrockPacket(p) || !strings.EqualFold(p[:2], "HR") {
		return false
	}
	return strings.Index(p, ";") == 4 || (len(p) >= 2 && p[len(p)-2] == '?')
}
