// Package verbose gates wire tracing of the serial links. Tracing is toggled
// at runtime from the console (HPDE0; / HPDE1;) and persisted with the board
// settings.
package verbose

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dougsko/hardplace/pkg/logging"
)

var enabled atomic.Bool

// SetEnabled sets the global trace flag
func SetEnabled(enable bool) {
	enabled.Store(enable)
}

// IsEnabled returns whether wire tracing is enabled
func IsEnabled() bool {
	return enabled.Load()
}

// Frame traces a binary frame as hex, e.g. "IC-705 RX FE FE E0 A4 03 FD".
func Frame(component, label string, p []byte) {
	if enabled.Load() {
		logging.Info(component, fmt.Sprintf("[TRACE] %s % X", label, p))
	}
}

// Text traces a textual packet with control characters made visible.
func Text(component, label, s string) {
	if enabled.Load() {
		r := strings.NewReplacer("\r", "<CR>", "\n", "<LF>")
		logging.Info(component, fmt.Sprintf("[TRACE] %s %s", label, r.Replace(s)))
	}
}
