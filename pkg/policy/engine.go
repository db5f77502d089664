// Package policy enforces the per-band, per-antenna power limits and
// drives the amplifier PTT enables as the radio changes frequency.
package policy

import (
	"errors"
	"sync"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
)

// Rig is the part of the radio link the engine writes to
type Rig interface {
	ReadRFPower(wait bool) error
	WriteRFPower(level int, wait bool) error
}

// Board is the PTT hardware the engine drives
type Board interface {
	BandSwitchEnabled(amp, index int) bool
	SetPTTEnable(amp int, on bool) error
}

// Event reports a policy decision to observers
type Event struct {
	Kind        string `json:"kind"`
	FrequencyHz uint64 `json:"frequency_hz,omitempty"`
	Band        Band   `json:"band"`
	Power       int    `json:"power,omitempty"`
	Ceiling     int    `json:"ceiling,omitempty"`
}

// Event kinds
const (
	EventBand    = "band"
	EventPower   = "power"
	EventClamp   = "clamp"
	EventInitial = "initial"
)

// State is a snapshot of the engine
type State struct {
	FrequencyHz uint64  `json:"frequency_hz"`
	Band        Band    `json:"band"`
	Power       int     `json:"power"`
	Available   [2]bool `json:"available"`
	Keying      [2]bool `json:"keying"`
	Antenna     [2]int  `json:"antenna"`
	PTTEnabled  [2]bool `json:"ptt_enabled"`
	Active      string  `json:"active"`
	Ceiling     int     `json:"ceiling"`
	Initial     int     `json:"initial"`
}

// Engine listens to radio telemetry. A band change pushes the band's
// initial power; a reported power above the ceiling is written back
// down. The clamp is reactive: the radio can be turned up between
// telemetry ticks.
type Engine struct {
	mu     sync.Mutex
	tables Tables
	store  *storage.Store
	rig    Rig
	board  Board

	hz          uint64
	band        Band
	power       int
	bandChanged bool

	available [2]bool
	keying    [2]bool
	antenna   [2]int
	pttHeld   bool

	observer func(Event)
}

// NewEngine creates an engine over tables. store may be nil.
func NewEngine(tables Tables, store *storage.Store, rig Rig, board Board) *Engine {
	return &Engine{
		tables:  tables,
		store:   store,
		rig:     rig,
		board:   board,
		band:    Band{Index: BandUnknown},
		power:   -1,
		keying:  [2]bool{true, true},
		antenna: [2]int{1, 1},
	}
}

// SetObserver installs fn to receive policy events
func (e *Engine) SetObserver(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

func (e *Engine) notify(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// OnFrame handles CI-V telemetry from the radio
func (e *Engine) OnFrame(frame []byte, src *transport.Device) {
	r := civ.Parse(frame)
	switch {
	case r.IsFrequency():
		if hz := r.FrequencyHz(); hz != 0 {
			e.OnFrequency(hz)
		}
	case r.IsRFPower() && r.Len() > 7:
		e.OnRFPower(r.RFPower())
	}
}

// OnText ignores console traffic
func (e *Engine) OnText(string, *transport.Device) {}

// OnFrequency records a new operating frequency. Entering a new band
// updates the PTT enables and asks the radio for its power so the
// initial level can be applied when the reply arrives.
func (e *Engine) OnFrequency(hz uint64) {
	e.mu.Lock()
	prev := e.band
	e.hz = hz
	e.band = BandOf(hz)
	changed := e.band != prev
	if changed {
		e.bandChanged = true
		e.updatePTTLocked()
		e.notify(Event{Kind: EventBand, FrequencyHz: hz, Band: e.band})
	}
	band := e.band
	e.mu.Unlock()

	if changed && band.Known() {
		logging.Debugf("policy", "band %s (%d Hz)", band, hz)
		if err := e.rig.ReadRFPower(true); err != nil {
			logging.Warnf("policy", "failed to request RF power: %v", err)
		}
	}
}

// OnRFPower applies the initial level after a band change, or clamps a
// reported level above the ceiling
func (e *Engine) OnRFPower(level int) {
	e.mu.Lock()
	e.power = level
	amp := e.activeLocked()
	ceiling := int(e.ceilingLocked(amp))
	band := e.band
	newBand := e.bandChanged
	initial := int(e.tables.InitialPower(amp, band))
	e.notify(Event{Kind: EventPower, Band: band, Power: level, Ceiling: ceiling})
	e.mu.Unlock()

	switch {
	case newBand && band.Known():
		target := min(initial, ceiling)
		if err := e.rig.WriteRFPower(target, true); err != nil {
			return
		}
		logging.Infof("policy", "%s initial power %d%% (%s)", band, LevelToPercent(uint8(target)), amp)
		e.mu.Lock()
		e.bandChanged = false
		e.power = target
		e.notify(Event{Kind: EventInitial, Band: band, Power: target, Ceiling: ceiling})
		e.mu.Unlock()

	case newBand:
		e.mu.Lock()
		e.bandChanged = false
		e.mu.Unlock()

	case level > ceiling || initial > ceiling:
		if err := e.rig.WriteRFPower(ceiling, true); err != nil {
			return
		}
		logging.Infof("policy", "clamped %s power %d -> %d (%s)", band, level, ceiling, amp)
		e.mu.Lock()
		e.power = ceiling
		e.notify(Event{Kind: EventClamp, Band: band, Power: ceiling, Ceiling: ceiling})
		e.mu.Unlock()
	}
}

// sendEnabledLocked reports the band PTT switch state for amp
func (e *Engine) sendEnabledLocked(amp Amplifier) bool {
	if e.band.Index < 0 {
		return false
	}
	if amp == QRP {
		return true
	}
	return e.board.BandSwitchEnabled(int(amp), e.band.Index)
}

// pttEnabledLocked is true when the radio's PTT may key amp
func (e *Engine) pttEnabledLocked(amp Amplifier) bool {
	if e.band.Index < 0 {
		return false
	}
	if amp == QRP {
		return true
	}
	return e.keying[amp] && e.sendEnabledLocked(amp)
}

// activeLocked picks the table in force: A, then B, when present and
// keyed on this band, otherwise QRP
func (e *Engine) activeLocked() Amplifier {
	for _, amp := range []Amplifier{AmpA, AmpB} {
		if e.available[amp] && e.pttEnabledLocked(amp) {
			return amp
		}
	}
	return QRP
}

func (e *Engine) ceilingLocked(amp Amplifier) uint8 {
	if amp == QRP {
		return e.tables.MaxPower(QRP, 0, e.band.Index)
	}
	return e.tables.MaxPower(amp, e.antenna[amp], e.band.Index)
}

func (e *Engine) updatePTTLocked() {
	for _, amp := range []Amplifier{AmpA, AmpB} {
		on := !e.pttHeld && e.pttEnabledLocked(amp)
		if err := e.board.SetPTTEnable(int(amp), on); err != nil {
			logging.Warnf("policy", "%v", err)
		}
	}
}

// SetAvailable records whether amp is attached and identified
func (e *Engine) SetAvailable(amp Amplifier, available bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available[amp] = available
}

// SetKeyingMode records the amplifier's PTT keying mode and updates its
// PTT enable
func (e *Engine) SetKeyingMode(amp Amplifier, ptt bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keying[amp] == ptt {
		return
	}
	e.keying[amp] = ptt
	on := !e.pttHeld && e.pttEnabledLocked(amp)
	if err := e.board.SetPTTEnable(int(amp), on); err != nil {
		logging.Warnf("policy", "%v", err)
	}
}

// KeyingMode returns the last keying mode reported for amp
func (e *Engine) KeyingMode(amp Amplifier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keying[amp]
}

// SetAntenna records the active antenna (1 or 2) of amp
func (e *Engine) SetAntenna(amp Amplifier, antenna int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.antenna[amp] = antenna
}

// Antenna returns the active antenna of amp
func (e *Engine) Antenna(amp Amplifier) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.antenna[amp]
}

// HoldPTT forces both PTT enables low while held, so a radio tune carrier
// cannot key an amplifier
func (e *Engine) HoldPTT(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pttHeld = hold
	e.updatePTTLocked()
}

// SendEnabled reports whether amp's band PTT switch allows transmitting
// on the current band
func (e *Engine) SendEnabled(amp Amplifier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendEnabledLocked(amp)
}

// PTTEnabled reports whether the radio may key amp on the current band
func (e *Engine) PTTEnabled(amp Amplifier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pttEnabledLocked(amp)
}

// TunerEnabled reports whether tuning is allowed on amp's active antenna
func (e *Engine) TunerEnabled(amp Amplifier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables.TunerEnabled(amp, e.antenna[amp])
}

// Ceiling returns the power ceiling in force
func (e *Engine) Ceiling() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ceilingLocked(e.activeLocked())
}

// InitialPower returns the initial power for the current band
func (e *Engine) InitialPower() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables.InitialPower(e.activeLocked(), e.band)
}

// Band returns the current band
func (e *Engine) Band() Band {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.band
}

// FrequencyHz returns the last reported frequency
func (e *Engine) FrequencyHz() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hz
}

// ErrNoBand is returned when a per-band setting is changed off band
var ErrNoBand = errors.New("not on a known band")

// SetMaxPower stores level as the ceiling for the active amplifier and
// antenna on the current band
func (e *Engine) SetMaxPower(level uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.band.Index < 0 {
		return ErrNoBand
	}
	amp := e.activeLocked()
	antenna := 1
	if amp != QRP {
		antenna = e.antenna[amp]
	}
	e.tables.SetMaxPower(amp, antenna, e.band.Index, level)
	logging.Infof("policy", "%s %s max power %d%%", amp, e.band, LevelToPercent(level))
	return e.saveLocked()
}

// SetInitialPower stores level as the initial power for the active
// amplifier on the current band
func (e *Engine) SetInitialPower(level uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.band.Known() {
		return ErrNoBand
	}
	amp := e.activeLocked()
	e.tables.SetInitialPower(amp, e.band, level)
	logging.Infof("policy", "%s %s initial power %d%%", amp, e.band, LevelToPercent(level))
	return e.saveLocked()
}

// ResetRadioPower writes the current band's initial power, capped at the
// ceiling
func (e *Engine) ResetRadioPower() error {
	e.mu.Lock()
	amp := e.activeLocked()
	target := min(e.tables.InitialPower(amp, e.band), e.ceilingLocked(amp))
	known := e.band.Known()
	e.mu.Unlock()

	if !known {
		return ErrNoBand
	}
	return e.rig.WriteRFPower(int(target), true)
}

// Debug returns the persisted debug flag
func (e *Engine) Debug() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables.Debug
}

// SetDebug persists the debug flag
func (e *Engine) SetDebug(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables.Debug = on
	return e.saveLocked()
}

// SetTuningEnabled allows or forbids tuning on amp's antenna
func (e *Engine) SetTuningEnabled(amp Amplifier, antenna int, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if (amp != AmpA && amp != AmpB) || (antenna != 1 && antenna != 2) {
		return errors.New("invalid amplifier or antenna")
	}
	e.tables.TuningEnabled[amp][antenna-1] = on
	return e.saveLocked()
}

// Tables returns a copy of the policy tables
func (e *Engine) Tables() Tables {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables
}

// SetTables replaces and persists the policy tables
func (e *Engine) SetTables(t Tables) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = t
	return e.saveLocked()
}

// Reset restores the factory tables without persisting them
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = DefaultTables()
}

// OnConnect forgets the frequency when the radio links up
func (e *Engine) OnConnect() {
	e.forget()
}

// OnDisconnect forgets the frequency and drops the PTT enables
func (e *Engine) OnDisconnect() {
	e.forget()
}

func (e *Engine) forget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hz = 0
	e.band = Band{Index: BandUnknown}
	e.power = -1
	e.bandChanged = false
	e.updatePTTLocked()
}

// State returns a snapshot for status reports
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	amp := e.activeLocked()
	s := State{
		FrequencyHz: e.hz,
		Band:        e.band,
		Power:       e.power,
		Available:   e.available,
		Keying:      e.keying,
		Antenna:     e.antenna,
		Active:      amp.String(),
		Ceiling:     int(e.ceilingLocked(amp)),
		Initial:     int(e.tables.InitialPower(amp, e.band)),
	}
	for i := range s.PTTEnabled {
		s.PTTEnabled[i] = !e.pttHeld && e.pttEnabledLocked(Amplifier(i))
	}
	return s
}

func (e *Engine) saveLocked() error {
	if e.store == nil {
		return nil
	}
	return SaveTables(e.store, e.tables)
}
