// Package tuner proxies the IC-705 external tuner handshake to a Hardrock
// ATU.
//
// The radio pulls the start line low to ask for a tune. Unless the radio
// is set up for an AH-705, it then transmits a 10 W carrier for as long as
// the key line is held, which is too much for the ATU. So the tune is done
// in two phases: the falling edge is answered with a short key pulse while
// the amplifier PTT enables are held off, and on the rising edge the
// orchestrator drops the radio to a safe power and mode, puts the
// amplifier in tune mode and keys the radio itself.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/policy"
)

// Tuning power window, in CI-V levels
const (
	TunePower    = 255 * 25 / 100 // 2.5 W
	TunePowerMax = 255 * 45 / 100 // the ATU is not safe above 4.5 W
	TunePowerMin = 255 * 10 / 100 // and will not tune below 1 W
)

// Carrier used for tuning
const (
	ModeRTTY     = 4
	FilterNormal = 2
)

// Default timing
const (
	DefaultPulse           = 70 * time.Millisecond
	DefaultPoll            = 50 * time.Millisecond
	DefaultConfirmPolls    = 20  // 1 s for the amplifier to enter tune mode
	DefaultTunePolls       = 200 // 10 s for the tune itself
	DefaultRefreshInterval = time.Second
)

// ErrNoTuneMode is returned when the amplifier never confirmed tune mode
var ErrNoTuneMode = errors.New("amplifier did not enter tune mode")

// Amplifier is the part of a Hardrock the orchestrator drives
type Amplifier interface {
	Tune()
	IsTuning() bool
	Antenna1Enabled() bool
	Antenna2Enabled() bool
}

// Board is the tuner wiring to the radio
type Board interface {
	SetTunerEdges(fn func(hardware.Edge))
	EnableTuner(enable bool) error
	TunerKey(on bool) error
}

// Policy gates tuning and holds the amplifier PTT enables off
type Policy interface {
	SendEnabled(amp policy.Amplifier) bool
	TunerEnabled(amp policy.Amplifier) bool
	Antenna(amp policy.Amplifier) int
	HoldPTT(hold bool)
}

// Event reports tune progress to observers
type Event struct {
	Kind    string `json:"kind"`
	Port    string `json:"port"`
	Phase   string `json:"phase"`
	Outcome string `json:"outcome,omitempty"`
}

// Orchestrator runs the tune handshake for whichever attached amplifier
// is in use on the current band
type Orchestrator struct {
	rig    *civ.Rig
	board  Board
	policy Policy

	// AH705 enables the AH-705 path when the radio's tuner menu selects it
	AH705 bool

	Pulse           time.Duration
	Poll            time.Duration
	ConfirmPolls    int
	TunePolls       int
	RefreshInterval time.Duration

	mu       sync.Mutex
	amps     [2]Amplifier
	proxy    bool
	busy     bool
	observer func(Event)

	edges chan hardware.Edge
}

// New creates an orchestrator and installs its edge handler on board
func New(rig *civ.Rig, board Board, p Policy) *Orchestrator {
	o := &Orchestrator{
		rig:             rig,
		board:           board,
		policy:          p,
		Pulse:           DefaultPulse,
		Poll:            DefaultPoll,
		ConfirmPolls:    DefaultConfirmPolls,
		TunePolls:       DefaultTunePolls,
		RefreshInterval: DefaultRefreshInterval,
		edges:           make(chan hardware.Edge, 8),
	}
	board.SetTunerEdges(o.OnEdge)
	return o
}

// SetObserver installs fn to receive tune events
func (o *Orchestrator) SetObserver(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = fn
}

func (o *Orchestrator) notify(ev Event) {
	o.mu.Lock()
	fn := o.observer
	o.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Attach makes amp, which has an ATU, available for tuning on port
func (o *Orchestrator) Attach(port policy.Amplifier, amp Amplifier) {
	o.mu.Lock()
	o.amps[port] = amp
	o.mu.Unlock()
	logging.Infof("tuner", "%s ATU attached", port)
	o.Refresh()
}

// Detach forgets the amplifier on port
func (o *Orchestrator) Detach(port policy.Amplifier) {
	o.mu.Lock()
	had := o.amps[port] != nil
	o.amps[port] = nil
	o.mu.Unlock()
	if had {
		logging.Infof("tuner", "%s ATU detached", port)
		o.Refresh()
	}
}

// Tuning reports whether a tune is in progress. Pollers skip the
// amplifier while it is.
func (o *Orchestrator) Tuning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.proxy || o.busy
}

// OnEdge queues a start line edge. It never blocks the GPIO event loop.
func (o *Orchestrator) OnEdge(e hardware.Edge) {
	select {
	case o.edges <- e:
	default:
		logging.Warnf("tuner", "dropped %s edge", e)
	}
}

// Run handles edges and keeps the tuner advertised to the radio only while
// an attached amplifier can tune. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-o.edges:
			o.Handle(e)
		case <-ticker.C:
			o.Refresh()
		}
	}
}

// Handle runs the phase an edge starts
func (o *Orchestrator) Handle(e hardware.Edge) {
	switch e {
	case hardware.EdgeFalling:
		o.tuneRequested()
	case hardware.EdgeRising:
		o.tuneReleased()
	}
}

// target picks the attached amplifier in use on the current band, A first
func (o *Orchestrator) target() (policy.Amplifier, Amplifier) {
	o.mu.Lock()
	amps := o.amps
	o.mu.Unlock()
	for _, port := range []policy.Amplifier{policy.AmpA, policy.AmpB} {
		if amps[port] != nil && o.policy.SendEnabled(port) {
			return port, amps[port]
		}
	}
	return policy.QRP, nil
}

// enabled reports whether the active antenna of amp may be tuned
func (o *Orchestrator) enabled(port policy.Amplifier, amp Amplifier) bool {
	if !o.policy.TunerEnabled(port) {
		return false
	}
	switch o.policy.Antenna(port) {
	case 1:
		return amp.Antenna1Enabled()
	case 2:
		return amp.Antenna2Enabled()
	}
	return false
}

// Refresh advertises the tuner when a target can tune and withdraws it
// otherwise, so the radio shows the true capability. It leaves the line
// alone during a tune.
func (o *Orchestrator) Refresh() {
	if o.Tuning() {
		return
	}
	port, amp := o.target()
	can := amp != nil && o.enabled(port, amp)
	if err := o.board.EnableTuner(can); err != nil {
		logging.Warnf("tuner", "%v", err)
	}
}

func (o *Orchestrator) withdraw() {
	logging.Warn("tuner", "tune requested but the active antenna can not be tuned")
	if err := o.board.EnableTuner(false); err != nil {
		logging.Warnf("tuner", "%v", err)
	}
}

func (o *Orchestrator) setBusy(busy bool) {
	o.mu.Lock()
	o.busy = busy
	o.mu.Unlock()
}

// tuneRequested handles the radio pulling start low
func (o *Orchestrator) tuneRequested() {
	port, amp := o.target()
	if amp == nil || !o.enabled(port, amp) {
		o.withdraw()
		return
	}

	o.setBusy(true)
	defer o.setBusy(false)

	if o.AH705 && o.isAH705() {
		o.tuneDirect(port, amp)
		return
	}

	o.mu.Lock()
	if o.proxy {
		o.mu.Unlock()
		return
	}
	o.proxy = true
	o.mu.Unlock()

	logging.Infof("tuner", "%s tune via proxy, radio phase", port)
	o.notify(Event{Kind: "tune", Port: port.String(), Phase: "radio"})
	o.policy.HoldPTT(true)
	o.key(true)
	time.Sleep(o.Pulse)
	o.key(false)
	o.policy.HoldPTT(false)
}

// tuneReleased handles start returning high after a proxy pulse
func (o *Orchestrator) tuneReleased() {
	o.mu.Lock()
	if !o.proxy {
		o.mu.Unlock()
		return
	}
	o.busy = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.proxy = false
		o.busy = false
		o.mu.Unlock()
	}()

	port, amp := o.target()
	if amp == nil || !o.enabled(port, amp) {
		o.withdraw()
		return
	}

	logging.Infof("tuner", "%s tune via proxy, amplifier phase", port)
	outcome := "tuned"
	if err := o.TuneProxy(amp); err != nil {
		logging.Warnf("tuner", "%s tune: %v", port, err)
		outcome = err.Error()
	}
	o.notify(Event{Kind: "tune", Port: port.String(), Phase: "amplifier", Outcome: outcome})
}

func (o *Orchestrator) isAH705() bool {
	var ah705 bool
	err := o.rig.Do(true, func(c *civ.Client) error {
		var err error
		ah705, err = c.IsTunerSelectAH705()
		return err
	})
	if err != nil {
		logging.Debugf("tuner", "tuner select: %v", err)
		return false
	}
	return ah705
}

func (o *Orchestrator) key(on bool) {
	if err := o.board.TunerKey(on); err != nil {
		logging.Warnf("tuner", "%v", err)
	}
}

// await polls amp until its tune state equals want or polls run out
func (o *Orchestrator) await(amp Amplifier, want bool, polls int) bool {
	for i := 0; i < polls; i++ {
		if amp.IsTuning() == want {
			return true
		}
		time.Sleep(o.Poll)
	}
	return amp.IsTuning() == want
}

// tuneDirect lets the radio key its own tune carrier, which an AH-705
// configured radio keeps at a safe power
func (o *Orchestrator) tuneDirect(port policy.Amplifier, amp Amplifier) {
	logging.Infof("tuner", "%s tune, AH-705 mode", port)
	amp.Tune()
	o.await(amp, true, o.ConfirmPolls)

	o.key(true)
	o.await(amp, false, o.TunePolls)
	if amp.IsTuning() {
		amp.Tune()
	}
	o.key(false)
	o.notify(Event{Kind: "tune", Port: port.String(), Phase: "ah705", Outcome: "tuned"})
}

// TuneProxy runs the amplifier phase: save mode, filter and power, drop
// to a safe carrier, tune, and restore what was saved on every path
func (o *Orchestrator) TuneProxy(amp Amplifier) error {
	return o.rig.Do(true, func(c *civ.Client) error {
		mode, filter, err := c.ModeFilter()
		if err != nil {
			return fmt.Errorf("failed to read mode: %w", err)
		}
		power, err := c.RFPower()
		if err != nil {
			return fmt.Errorf("failed to read RF power: %w", err)
		}
		defer func() {
			if err := c.WriteModeFilter(mode, filter); err != nil {
				logging.Warnf("tuner", "failed to restore mode: %v", err)
			}
			if err := c.WriteRFPower(power); err != nil {
				logging.Warnf("tuner", "failed to restore RF power: %v", err)
			}
		}()

		if power > TunePowerMax || power < TunePowerMin {
			if err := c.WriteRFPower(TunePower); err != nil {
				return fmt.Errorf("failed to set tune power: %w", err)
			}
		}
		if err := c.WriteModeFilter(ModeRTTY, FilterNormal); err != nil {
			return fmt.Errorf("failed to set tune mode: %w", err)
		}

		amp.Tune()
		if !o.await(amp, true, o.ConfirmPolls) {
			return ErrNoTuneMode
		}

		defer func() {
			if err := c.SetTX(false); err != nil {
				logging.Warnf("tuner", "failed to unkey: %v", err)
			}
		}()
		if err := c.SetTX(true); err != nil {
			amp.Tune()
			return fmt.Errorf("failed to key: %w", err)
		}
		if !o.await(amp, false, o.TunePolls) {
			logging.Warn("tuner", "tune timed out, cancelling")
			amp.Tune()
		}
		return nil
	})
}
