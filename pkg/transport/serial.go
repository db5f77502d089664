package transport

import (
	"fmt"
	"time"

	"github.com/pkg/term"
)

// readTimeout bounds each blocking read so Close can stop the pump
const readTimeout = 100 * time.Millisecond

// OpenSerialLine opens a tty in raw mode at baud
func OpenSerialLine(path string, baud int) (*term.Term, error) {
	t, err := term.Open(path, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	if err := t.SetReadTimeout(readTimeout); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}
	return t, nil
}
