package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/logging"
)

// Edge is a debounced level change on an input line
type Edge int

const (
	EdgeFalling Edge = iota
	EdgeRising
)

func (e Edge) String() string {
	if e == EdgeFalling {
		return "falling"
	}
	return "rising"
}

// GPIOInterface defines GPIO operations
type GPIOInterface interface {
	Initialize() error
	Close() error
	SetPin(pin int, value bool) error
	GetPin(pin int) (bool, error)
	// Release stops driving pin and leaves it pulled up
	Release(pin int) error
	// Watch calls fn on every debounced edge of pin
	Watch(pin int, debounce time.Duration, fn func(Edge)) error
}

// Amplifier ports
const (
	AmpA = 0
	AmpB = 1
)

// BoardConfig maps pin roles to GPIO line offsets. Offset 0 means the
// role is not wired.
type BoardConfig struct {
	PresentPins    [2]int
	PTTEnablePins  [2]int
	BandSwitchPins [2][]int
	PTTPowerPin    int

	TunerStartPin int
	TunerKeyPin   int
	TunerDebounce time.Duration

	BTKeyPin   int
	BTPowerPin int
	BTStatePin int
}

// BoardConfigFrom extracts the pin map from the daemon configuration
func BoardConfigFrom(cfg *config.Config) BoardConfig {
	return BoardConfig{
		PresentPins:    [2]int{cfg.Amplifiers.A.PresentPin, cfg.Amplifiers.B.PresentPin},
		PTTEnablePins:  [2]int{cfg.Amplifiers.A.PTTEnablePin, cfg.Amplifiers.B.PTTEnablePin},
		BandSwitchPins: [2][]int{cfg.Amplifiers.A.BandSwitchPins, cfg.Amplifiers.B.BandSwitchPins},
		PTTPowerPin:    cfg.Radio.PTTPowerPin,
		TunerStartPin:  cfg.Tuner.StartPin,
		TunerKeyPin:    cfg.Tuner.KeyPin,
		TunerDebounce:  time.Duration(cfg.Tuner.Debounce) * time.Millisecond,
		BTKeyPin:       cfg.Bluetooth.KeyPin,
		BTPowerPin:     cfg.Bluetooth.PowerPin,
		BTStatePin:     cfg.Bluetooth.StatePin,
	}
}

// presenceDebounce matches the slow settle of the amplifier presence
// signal on cable insertion
const presenceDebounce = 500 * time.Millisecond

// Board drives the bridge's discrete signals: amplifier presence and PTT
// enables, band PTT switches, the radio tuner jack and the HC-05 control
// lines.
type Board struct {
	config BoardConfig
	gpio   GPIOInterface
	mutex  sync.RWMutex

	pttEnable    [2]bool
	pttPower     bool
	tunerEnabled bool
	tunerEdges   func(Edge)
	btPower      bool
	btATMode     bool

	initialized bool
}

// NewBoard creates a board over gpio
func NewBoard(config BoardConfig, gpio GPIOInterface) *Board {
	return &Board{
		config: config,
		gpio:   gpio,
	}
}

// Initialize opens the GPIO chip and drives every output to its idle
// level
func (b *Board) Initialize() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.initialized {
		return nil
	}

	if err := b.gpio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize GPIO: %w", err)
	}

	idle := []struct {
		pin   int
		value bool
	}{
		{b.config.TunerKeyPin, true},
		{b.config.TunerStartPin, false},
		{b.config.PTTPowerPin, false},
		{b.config.PTTEnablePins[AmpA], false},
		{b.config.PTTEnablePins[AmpB], false},
		{b.config.BTPowerPin, false},
		{b.config.BTKeyPin, false},
	}
	for _, p := range idle {
		if err := b.set(p.pin, p.value); err != nil {
			return err
		}
	}

	b.initialized = true
	logging.Info("hardware", "board initialized")
	return nil
}

// Close drops the PTT enables and releases the chip
func (b *Board) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.initialized {
		return nil
	}
	for amp := range b.pttEnable {
		if b.pttEnable[amp] {
			if err := b.set(b.config.PTTEnablePins[amp], false); err != nil {
				logging.Warnf("hardware", "failed to drop PTT enable %s: %v", ampName(amp), err)
			}
			b.pttEnable[amp] = false
		}
	}
	if err := b.gpio.Close(); err != nil {
		logging.Warnf("hardware", "error closing GPIO: %v", err)
	}
	b.initialized = false
	logging.Info("hardware", "board shut down")
	return nil
}

func (b *Board) set(pin int, value bool) error {
	if pin == 0 {
		return nil
	}
	return b.gpio.SetPin(pin, value)
}

func (b *Board) get(pin int, unset bool) bool {
	if pin == 0 {
		return unset
	}
	v, err := b.gpio.GetPin(pin)
	if err != nil {
		logging.Warnf("hardware", "failed to read pin %d: %v", pin, err)
		return unset
	}
	return v
}

// AmplifierPresent reports the presence signal of amp. Unwired presence
// reads as present.
func (b *Board) AmplifierPresent(amp int) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.get(b.config.PresentPins[amp], true)
}

// WatchPresence calls fn with the new presence state on every debounced
// change. It is a no-op for an unwired pin.
func (b *Board) WatchPresence(amp int, fn func(present bool)) error {
	pin := b.config.PresentPins[amp]
	if pin == 0 {
		return nil
	}
	return b.gpio.Watch(pin, presenceDebounce, func(e Edge) {
		fn(e == EdgeRising)
	})
}

// SetPTTEnable gates the radio's PTT through to amp
func (b *Board) SetPTTEnable(amp int, on bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.pttEnable[amp] == on {
		return nil
	}
	if err := b.set(b.config.PTTEnablePins[amp], on); err != nil {
		return fmt.Errorf("failed to set PTT enable %s: %w", ampName(amp), err)
	}
	b.pttEnable[amp] = on
	logging.Debugf("hardware", "PTT enable %s %s", ampName(amp), onOff(on))
	return nil
}

// PTTEnable returns the last PTT enable level driven for amp
func (b *Board) PTTEnable(amp int) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.pttEnable[amp]
}

// BandSwitchEnabled reads the PTT switch of amp for band index. Switches
// are active low; an unwired switch is enabled.
func (b *Board) BandSwitchEnabled(amp, index int) bool {
	if index < 0 {
		return false
	}
	pins := b.config.BandSwitchPins[amp]
	if index >= len(pins) {
		return true
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return !b.get(pins[index], false)
}

// SetPTTPower powers the radio PTT interface
func (b *Board) SetPTTPower(on bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.set(b.config.PTTPowerPin, on); err != nil {
		return fmt.Errorf("failed to set PTT power: %w", err)
	}
	b.pttPower = on
	return nil
}

// PTTPower returns the PTT power level
func (b *Board) PTTPower() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.pttPower
}

// SetTunerEdges installs the handler for tune requests from the radio.
// It takes effect on the next EnableTuner(true).
func (b *Board) SetTunerEdges(fn func(Edge)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.tunerEdges = fn
}

// EnableTuner advertises an external tuner to the radio by releasing the
// start line to its pull-up, and watches it for tune requests. Disabling
// holds the line low so the radio falls back to its internal tuner.
func (b *Board) EnableTuner(enable bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.tunerEnabled == enable {
		return nil
	}
	pin := b.config.TunerStartPin
	if pin != 0 {
		var err error
		if enable {
			fn := b.tunerEdges
			if fn == nil {
				fn = func(Edge) {}
			}
			err = b.gpio.Watch(pin, b.config.TunerDebounce, fn)
		} else {
			err = b.gpio.SetPin(pin, false)
		}
		if err != nil {
			return fmt.Errorf("failed to switch tuner start line: %w", err)
		}
	}
	b.tunerEnabled = enable
	logging.Infof("hardware", "external tuner %s", map[bool]string{true: "advertised", false: "withdrawn"}[enable])
	return nil
}

// TunerEnabled reports whether the external tuner is advertised
func (b *Board) TunerEnabled() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.tunerEnabled
}

// TunerKey pulls the radio's key line low while on
func (b *Board) TunerKey(on bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.set(b.config.TunerKeyPin, !on); err != nil {
		return fmt.Errorf("failed to set tuner key: %w", err)
	}
	return nil
}

// BluetoothPower switches the HC-05 supply
func (b *Board) BluetoothPower(on bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.set(b.config.BTPowerPin, on); err != nil {
		return fmt.Errorf("failed to set bluetooth power: %w", err)
	}
	b.btPower = on
	return nil
}

// IsBluetoothPowerOn reports the HC-05 supply state
func (b *Board) IsBluetoothPowerOn() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.btPower || b.config.BTPowerPin == 0
}

// BluetoothATMode raises the HC-05 key line so the module accepts AT
// commands, or drops it for data transfer
func (b *Board) BluetoothATMode(on bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.set(b.config.BTKeyPin, on); err != nil {
		return fmt.Errorf("failed to set bluetooth key: %w", err)
	}
	b.btATMode = on
	return nil
}

// IsBluetoothATMode reports the HC-05 key line level
func (b *Board) IsBluetoothATMode() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.btATMode
}

// BluetoothLinked reads the HC-05 state line. Without a state line the
// link is assumed up whenever the module is powered.
func (b *Board) BluetoothLinked() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	powered := b.btPower || b.config.BTPowerPin == 0
	return powered && b.get(b.config.BTStatePin, true)
}

// IsInitialized returns whether the board is initialized
func (b *Board) IsInitialized() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.initialized
}

// Config returns the pin map
func (b *Board) Config() BoardConfig {
	return b.config
}

func ampName(amp int) string {
	if amp == AmpA {
		return "A"
	}
	return "B"
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
