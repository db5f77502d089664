package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/dougsko/hardplace/pkg/logging"
)

// ChipGPIO implements GPIOInterface on a Linux GPIO character device
type ChipGPIO struct {
	chip  string
	lines map[int]*gpiocdev.Line
	modes map[int]pinMode
	mutex sync.Mutex
}

type pinMode int

const (
	modeOutput pinMode = iota
	modeInput
	modeWatch
)

// NewChipGPIO creates a GPIO interface on chip (e.g. "gpiochip0")
func NewChipGPIO(chip string) *ChipGPIO {
	return &ChipGPIO{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
		modes: make(map[int]pinMode),
	}
}

// Initialize checks that the chip can be opened
func (g *ChipGPIO) Initialize() error {
	c, err := gpiocdev.NewChip(g.chip)
	if err != nil {
		return fmt.Errorf("GPIO chip %s not available: %w", g.chip, err)
	}
	defer c.Close()

	logging.Infof("gpio", "initialized %s (%d lines)", g.chip, c.Lines())
	return nil
}

// Close releases every requested line
func (g *ChipGPIO) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	for pin, l := range g.lines {
		if err := l.Close(); err != nil {
			logging.Warnf("gpio", "failed to release line %d: %v", pin, err)
		}
	}
	g.lines = make(map[int]*gpiocdev.Line)
	g.modes = make(map[int]pinMode)
	logging.Info("gpio", "closed")
	return nil
}

// SetPin drives pin as an output
func (g *ChipGPIO) SetPin(pin int, value bool) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	v := 0
	if value {
		v = 1
	}

	l, ok := g.lines[pin]
	if ok && g.modes[pin] == modeWatch {
		// edge detection cannot be reconfigured away, drop the request
		l.Close()
		delete(g.lines, pin)
		ok = false
	}
	if !ok {
		var err error
		l, err = gpiocdev.RequestLine(g.chip, pin, gpiocdev.AsOutput(v), gpiocdev.WithConsumer("hardplace"))
		if err != nil {
			return fmt.Errorf("failed to request pin %d: %w", pin, err)
		}
		g.lines[pin] = l
		g.modes[pin] = modeOutput
		return nil
	}
	if g.modes[pin] != modeOutput {
		if err := l.Reconfigure(gpiocdev.AsOutput(v)); err != nil {
			return fmt.Errorf("failed to set pin %d direction: %w", pin, err)
		}
		g.modes[pin] = modeOutput
		return nil
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("failed to set pin %d value: %w", pin, err)
	}
	return nil
}

// GetPin reads pin, requesting it as a pulled-up input on first use
func (g *ChipGPIO) GetPin(pin int) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	l, ok := g.lines[pin]
	if !ok {
		var err error
		l, err = gpiocdev.RequestLine(g.chip, pin, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer("hardplace"))
		if err != nil {
			return false, fmt.Errorf("failed to request pin %d: %w", pin, err)
		}
		g.lines[pin] = l
		g.modes[pin] = modeInput
	}
	v, err := l.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read pin %d value: %w", pin, err)
	}
	return v != 0, nil
}

// Release turns pin into a pulled-up input so another driver can pull it
// low
func (g *ChipGPIO) Release(pin int) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	l, ok := g.lines[pin]
	if !ok {
		var err error
		l, err = gpiocdev.RequestLine(g.chip, pin, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer("hardplace"))
		if err != nil {
			return fmt.Errorf("failed to request pin %d: %w", pin, err)
		}
		g.lines[pin] = l
		g.modes[pin] = modeInput
		return nil
	}
	if g.modes[pin] == modeOutput {
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			return fmt.Errorf("failed to release pin %d: %w", pin, err)
		}
		g.modes[pin] = modeInput
	}
	return nil
}

// Watch requests pin as a debounced input and calls fn on every edge
func (g *ChipGPIO) Watch(pin int, debounce time.Duration, fn func(Edge)) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if old, ok := g.lines[pin]; ok {
		old.Close()
		delete(g.lines, pin)
	}

	handler := func(evt gpiocdev.LineEvent) {
		if evt.Type == gpiocdev.LineEventFallingEdge {
			fn(EdgeFalling)
		} else {
			fn(EdgeRising)
		}
	}
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(handler),
		gpiocdev.WithConsumer("hardplace"),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}
	l, err := gpiocdev.RequestLine(g.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("failed to watch pin %d: %w", pin, err)
	}
	g.lines[pin] = l
	g.modes[pin] = modeWatch
	return nil
}
