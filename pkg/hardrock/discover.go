package hardrock

import (
	"errors"
	"strings"

	"github.com/dougsko/hardplace/pkg/logging"
)

// maxAttempts bounds retries when the amplifier answers with noise
const maxAttempts = 3

// BaudRates is the order discovery walks after the current rate
var BaudRates = []int{19200, 115200, 38400, 57600, 9600, 4800}

// ErrNotFound is returned when no baud rate produced an answer
var ErrNotFound = errors.New("no Hardrock amplifier found")

// command sends cmd with an attention prefix and reports whether the
// answer mentions it. Noise is retried a bounded number of times.
func (s *Session) command(cmd string) bool {
	want := strings.TrimSuffix(cmd, ";")
	s.dev.Clear()
	for i := 0; i < maxAttempts; i++ {
		s.attention()
		s.write(cmd)
		rsp := s.readStringUntil(';', s.ReadTimeout)
		if rsp == "" {
			return false
		}
		if strings.Contains(rsp, want) {
			return true
		}
	}
	return false
}

// Discover finds the baud rate the amplifier on s is using and identifies
// its model. On failure the original baud rate is restored.
func Discover(s *Session) (Amplifier, error) {
	s.dev.Lock()
	model, err := s.discover()
	s.dev.Unlock()
	if err != nil {
		return nil, err
	}
	logging.Infof("hardrock", "%s: found %s at %d baud", s.dev.Name(), model, s.dev.Baud())
	return New(model, s)
}

func (s *Session) discover() (Model, error) {
	original := s.dev.Baud()
	found := s.command("HRBN;")
	for _, baud := range BaudRates {
		if found {
			break
		}
		if baud == original {
			continue
		}
		if err := s.dev.SetBaud(baud); err != nil {
			logging.Warnf("hardrock", "%s: %v", s.dev.Name(), err)
			continue
		}
		found = s.command("HRBN;")
	}
	if !found {
		if err := s.dev.SetBaud(original); err != nil {
			logging.Warnf("hardrock", "%s: %v", s.dev.Name(), err)
		}
		return ModelUnknown, ErrNotFound
	}

	// HR50 lacks HRAA; only the HR500 reports its antenna port
	if !s.command("HRAA;") {
		return ModelHR50, nil
	}
	if s.command("HRAN;") {
		return ModelHR500, nil
	}
	return ModelHR50Plus, nil
}
