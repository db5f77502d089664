package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
)

// DefaultScanInterval is how often the USB bus is enumerated
const DefaultScanInterval = 2 * time.Second

// Opener opens the serial line at a device node
type Opener func(node string, baud int) (transport.Line, error)

// SerialOpener opens real tty nodes
func SerialOpener(node string, baud int) (transport.Line, error) {
	t, err := transport.OpenSerialLine(node, baud)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Cable is a USB amplifier cable attached to a port
type Cable struct {
	hardware.USBDevice
	Binding storage.Binding `json:"binding"`
	Baud    int             `json:"baud"`

	dev *transport.Device
}

// USBWatcher hands Hardrock USB cables to the pairs that have no fixed
// serial port. Cables are matched against the persisted USB map first;
// new cables take the first free port and are remembered.
type USBWatcher struct {
	scanner hardware.USBEnumerator
	usbMap  *storage.USBMap
	open    Opener
	pairs   map[storage.Binding]*Pair

	Interval time.Duration

	mu       sync.Mutex
	attached map[string]*Cable
}

// NewUSBWatcher returns a watcher feeding pairs
func NewUSBWatcher(scanner hardware.USBEnumerator, usbMap *storage.USBMap, open Opener, pairs map[storage.Binding]*Pair) *USBWatcher {
	return &USBWatcher{
		scanner:  scanner,
		usbMap:   usbMap,
		open:     open,
		pairs:    pairs,
		Interval: DefaultScanInterval,
		attached: make(map[string]*Cable),
	}
}

// Run scans every Interval until ctx is done, then releases every cable
func (w *USBWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		if err := w.Scan(); err != nil {
			logging.Debugf("pair", "%v", err)
		}
		select {
		case <-ctx.Done():
			w.releaseAll()
			return
		case <-ticker.C:
		}
	}
}

// Scan attaches new cables and detaches removed ones
func (w *USBWatcher) Scan() error {
	found, err := w.scanner.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan USB: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool, len(found))
	for _, d := range found {
		seen[d.Node] = true
		if c, ok := w.attached[d.Node]; ok {
			w.syncBaud(c)
			continue
		}
		w.attach(d)
	}
	for node, c := range w.attached {
		if !seen[node] {
			w.release(node, c)
		}
	}
	return nil
}

func (w *USBWatcher) attach(d hardware.USBDevice) {
	binding := w.usbMap.Binding(d.Vendor, d.Product, d.Serial, d.Model)
	pair := w.pairs[binding]
	if pair == nil || pair.Device() != nil {
		binding = w.free()
		pair = w.pairs[binding]
	}
	if pair == nil {
		logging.Debugf("pair", "No free port for USB %s", d.Node)
		return
	}

	baud := w.usbMap.BaudRate(d.Vendor, d.Product, d.Serial)
	line, err := w.open(d.Node, baud)
	if err != nil {
		logging.Warnf("pair", "Failed to open %s: %v", d.Node, err)
		return
	}
	dev := transport.NewDevice(d.Node, transport.USBSerialHost, line)
	if err := pair.SetDevice(dev, baud); err != nil {
		logging.Warnf("pair", "%v", err)
		dev.Close()
		return
	}
	if err := w.usbMap.Bind(binding, d.Vendor, d.Product, d.Serial, d.Model); err != nil {
		logging.Warnf("pair", "Failed to remember %s: %v", d.Node, err)
	}

	w.attached[d.Node] = &Cable{USBDevice: d, Binding: binding, Baud: baud, dev: dev}
	logging.Infof("pair", "USB %s (%s %s) bound to %s", d.Node, d.Model, d.Serial, pair.Port())
}

// free returns the first port without a link
func (w *USBWatcher) free() storage.Binding {
	for _, b := range []storage.Binding{storage.BindingA, storage.BindingB} {
		if pair := w.pairs[b]; pair != nil && pair.Device() == nil {
			return b
		}
	}
	return storage.Unbound
}

// syncBaud remembers the rate discovery settled on
func (w *USBWatcher) syncBaud(c *Cable) {
	pair := w.pairs[c.Binding]
	if pair == nil || !pair.IsConnected() || pair.Baud() == c.Baud {
		return
	}
	c.Baud = pair.Baud()
	if err := w.usbMap.SetBaudRate(c.Vendor, c.Product, c.Serial, c.Baud); err != nil {
		logging.Warnf("pair", "Failed to remember %s baud rate: %v", c.Node, err)
	}
}

func (w *USBWatcher) release(node string, c *Cable) {
	if pair := w.pairs[c.Binding]; pair != nil && pair.Device() == c.dev {
		if err := pair.SetDevice(nil, 0); err != nil {
			logging.Debugf("pair", "%v", err)
		}
	}
	if err := c.dev.Close(); err != nil {
		logging.Debugf("pair", "Close %s: %v", node, err)
	}
	delete(w.attached, node)
	logging.Infof("pair", "USB %s removed", node)
}

func (w *USBWatcher) releaseAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for node, c := range w.attached {
		w.release(node, c)
	}
}

// Cables returns the attached cables
func (w *USBWatcher) Cables() []Cable {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Cable, 0, len(w.attached))
	for _, c := range w.attached {
		out = append(out, *c)
	}
	return out
}
