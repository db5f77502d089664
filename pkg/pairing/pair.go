// Package pairing supervises the link between the radio and one Hardrock
// amplifier port: it waits for the amplifier to appear, discovers its baud
// rate and model, pushes the radio state to it and then keeps the policy
// engine informed of its keying mode and antenna.
package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/hardrock"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/tuner"
)

// CI-V controller addresses the pairs use when asking the radio
const (
	AddressA byte = 0xE1
	AddressB byte = 0xE2
)

const (
	recordVersion = 1

	DefaultStartupDelay = 7 * time.Second
	DefaultPollInterval = time.Second
	DefaultTaskInterval = 100 * time.Millisecond
	// atuSettle is the pause after an amplifier without ATU is set up
	atuSettle = 250 * time.Millisecond
)

// State is where a pair is in its life cycle
type State int

const (
	// Absent means no amplifier is attached
	Absent State = iota
	// Probing covers the startup delay and baud/model discovery
	Probing
	// Identified means the model is known and the initial state pushed
	Identified
	// Active amplifiers are polled for keying mode and antenna
	Active
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Probing:
		return "probing"
	case Identified:
		return "identified"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Policy is the part of the policy engine a pair feeds
type Policy interface {
	FrequencyHz() uint64
	SetAvailable(amp policy.Amplifier, available bool)
	SetKeyingMode(amp policy.Amplifier, ptt bool)
	SetAntenna(amp policy.Amplifier, antenna int)
}

// Tuner is the tuner orchestration a pair registers ATUs with
type Tuner interface {
	Attach(port policy.Amplifier, amp tuner.Amplifier)
	Detach(port policy.Amplifier)
	Tuning() bool
}

// Presence reports the amplifier presence signal
type Presence interface {
	AmplifierPresent(amp int) bool
}

// Event reports a state change
type Event struct {
	Port  policy.Amplifier `json:"-"`
	Name  string           `json:"port"`
	State string           `json:"state"`
	Model string           `json:"model,omitempty"`
	Baud  int              `json:"baud,omitempty"`
}

// Status is a snapshot for status reports
type Status struct {
	Port    string `json:"port"`
	State   string `json:"state"`
	Device  string `json:"device,omitempty"`
	Model   string `json:"model,omitempty"`
	Baud    int    `json:"baud"`
	Antenna int    `json:"antenna"`
	ATU     bool   `json:"atu"`
}

// Pair supervises one amplifier port
type Pair struct {
	port     policy.Amplifier
	rig      *civ.Rig
	policy   Policy
	tuner    Tuner
	presence Presence
	store    *storage.Store

	StartupDelay time.Duration
	PollInterval time.Duration
	TaskInterval time.Duration
	// Spacing and ReadTimeout set the amplifier line discipline
	Spacing     time.Duration
	ReadTimeout time.Duration

	mu       sync.Mutex
	dev      *transport.Device
	session  *hardrock.Session
	amp      hardrock.Amplifier
	state    State
	baud     int
	antenna  int
	atu      bool
	attached time.Time
	lastPoll time.Time
	observer func(Event)
	wake     chan struct{}
}

// New creates the pair for port. rig should already use the pair's own
// controller address so replies reach it. The remembered baud rate is
// loaded from store, falling back to defaultBaud.
func New(port policy.Amplifier, rig *civ.Rig, p Policy, t Tuner, presence Presence, store *storage.Store, defaultBaud int) (*Pair, error) {
	pair := &Pair{
		port:         port,
		rig:          rig,
		policy:       p,
		tuner:        t,
		presence:     presence,
		store:        store,
		StartupDelay: DefaultStartupDelay,
		PollInterval: DefaultPollInterval,
		TaskInterval: DefaultTaskInterval,
		Spacing:      hardrock.DefaultSpacing,
		ReadTimeout:  hardrock.DefaultReadTimeout,
		baud:         defaultBaud,
		antenna:      1,
		wake:         make(chan struct{}, 1),
	}
	baud, err := pair.loadBaud()
	if err != nil {
		return nil, err
	}
	if baud > 0 {
		pair.baud = baud
	}
	return pair, nil
}

// Port returns the amplifier port
func (p *Pair) Port() policy.Amplifier {
	return p.port
}

// SetObserver registers fn for state changes
func (p *Pair) SetObserver(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// SetDevice attaches the amplifier's serial link, or detaches it with
// nil. The link is opened at the remembered rate, or at baud when it is
// non-zero.
func (p *Pair) SetDevice(dev *transport.Device, baud int) error {
	p.mu.Lock()
	if baud > 0 {
		p.baud = baud
	}
	open := p.baud
	p.dev = dev
	p.mu.Unlock()

	if dev != nil {
		if err := dev.Open(open); err != nil {
			return fmt.Errorf("failed to open %s: %w", dev.Name(), err)
		}
	}
	p.Wake()
	return nil
}

// Device returns the attached link, nil when none
func (p *Pair) Device() *transport.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev
}

// Wake runs the next task without waiting for the tick
func (p *Pair) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// OnPresence is the presence watch callback
func (p *Pair) OnPresence(present bool) {
	logging.Debugf("pair", "%s presence %v", p.port, present)
	p.Wake()
}

// Run drives Task until ctx is done, then tears the pair down
func (p *Pair) Run(ctx context.Context) {
	ticker := time.NewTicker(p.TaskInterval)
	defer ticker.Stop()
	for {
		p.Task()
		select {
		case <-ctx.Done():
			p.teardown()
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Task advances the state machine one step
func (p *Pair) Task() {
	p.mu.Lock()
	present := p.dev != nil && p.presence.AmplifierPresent(int(p.port))
	state := p.state
	p.mu.Unlock()

	if !present {
		if state != Absent {
			p.teardown()
		}
		return
	}

	switch state {
	case Absent:
		p.mu.Lock()
		p.attached = time.Now()
		p.mu.Unlock()
		p.setState(Probing)
	case Probing:
		p.mu.Lock()
		waited := time.Since(p.attached)
		p.mu.Unlock()
		if waited >= p.StartupDelay {
			p.create()
		}
	case Identified:
		p.activate()
	case Active:
		p.mu.Lock()
		due := time.Since(p.lastPoll) >= p.PollInterval
		p.mu.Unlock()
		if due && !p.tuner.Tuning() {
			p.poll()
		}
	}
}

// create discovers the amplifier and pushes the radio state to it. A
// failed discovery waits out another startup delay before retrying.
func (p *Pair) create() {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()

	session := hardrock.NewSession(dev)
	session.Spacing = p.Spacing
	session.ReadTimeout = p.ReadTimeout
	amp, err := hardrock.Discover(session)
	if err != nil {
		logging.Warnf("pair", "%s: %v", p.port, err)
		p.mu.Lock()
		p.attached = time.Now()
		p.mu.Unlock()
		return
	}
	logging.Infof("pair", "%s: found new %s", p.port, amp.Model())

	amp.Setup()
	if hz := p.policy.FrequencyHz(); hz != 0 {
		amp.SetFrequency(hz)
	}
	p.policy.SetKeyingMode(p.port, true)

	atu := amp.IsATUPresent() || amp.IsATUPresent()
	if atu {
		logging.Infof("pair", "%s: %s has ATU installed", p.port, amp.Model())
	} else {
		time.Sleep(min(atuSettle, p.PollInterval))
	}

	p.mu.Lock()
	p.session = session
	p.amp = amp
	p.atu = atu
	p.baud = dev.Baud()
	p.mu.Unlock()

	if atu {
		p.tuner.Attach(p.port, amp)
	}
	p.policy.SetAvailable(p.port, true)
	p.setState(Identified)
}

// activate remembers the working baud rate and asks the radio for its
// frequency so the amplifier band is set
func (p *Pair) activate() {
	p.mu.Lock()
	baud := p.baud
	p.lastPoll = time.Now().Add(-p.PollInterval / 2)
	p.mu.Unlock()

	if err := p.saveBaud(baud); err != nil {
		logging.Warnf("pair", "%s: %v", p.port, err)
	}
	if err := p.rig.ReadOperatingFreq(true); err != nil {
		logging.Debugf("pair", "%s: frequency request: %v", p.port, err)
	}
	p.setState(Active)
}

// poll reads the keying mode, and the antenna on amplifiers that switch
// antennas, into the policy engine
func (p *Pair) poll() {
	p.mu.Lock()
	amp := p.amp
	p.lastPoll = time.Now()
	p.mu.Unlock()
	if amp == nil {
		return
	}

	keying := amp.KeyingMode()
	if keying < 0 {
		keying = amp.KeyingMode()
	}
	if keying >= 0 {
		p.policy.SetKeyingMode(p.port, keying == hardrock.KeyingPTT)
	}

	if amp.Model() != hardrock.ModelHR500 {
		return
	}
	antenna := amp.ActiveAntenna()
	p.mu.Lock()
	changed := antenna != 0 && antenna != p.antenna
	if changed {
		p.antenna = antenna
	}
	p.mu.Unlock()
	if changed {
		logging.Infof("pair", "%s: antenna %d", p.port, antenna)
		p.policy.SetAntenna(p.port, antenna)
	}
}

// teardown forgets the amplifier after it went away
func (p *Pair) teardown() {
	p.mu.Lock()
	if p.state == Absent {
		p.mu.Unlock()
		return
	}
	atu := p.atu
	p.amp = nil
	p.session = nil
	p.atu = false
	p.antenna = 1
	p.mu.Unlock()

	if atu {
		p.tuner.Detach(p.port)
	}
	p.policy.SetAvailable(p.port, false)
	p.policy.SetAntenna(p.port, 1)
	p.policy.SetKeyingMode(p.port, true)
	logging.Infof("pair", "%s: amplifier removed", p.port)
	p.setState(Absent)
}

func (p *Pair) setState(state State) {
	p.mu.Lock()
	p.state = state
	ev := Event{Port: p.port, Name: p.port.String(), State: state.String(), Baud: p.baud}
	if p.amp != nil {
		ev.Model = p.amp.Model().String()
	}
	fn := p.observer
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// State returns the current state
func (p *Pair) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Amplifier returns the identified amplifier, nil until then
func (p *Pair) Amplifier() hardrock.Amplifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amp
}

// IsConnected reports whether an identified amplifier is attached
func (p *Pair) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amp != nil && (p.state == Identified || p.state == Active)
}

// ModelName returns the amplifier model, empty when none
func (p *Pair) ModelName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.amp == nil {
		return ""
	}
	return p.amp.Model().String()
}

// Baud returns the remembered baud rate
func (p *Pair) Baud() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// ActiveAntenna returns the last antenna read from the amplifier
func (p *Pair) ActiveAntenna() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.antenna
}

// IsATUPresent reports whether the amplifier has a tuner
func (p *Pair) IsATUPresent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.atu
}

// Status returns a snapshot for status reports
func (p *Pair) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Port:    p.port.String(),
		State:   p.state.String(),
		Baud:    p.baud,
		Antenna: p.antenna,
		ATU:     p.atu,
	}
	if p.dev != nil {
		st.Device = p.dev.Name()
	}
	if p.amp != nil {
		st.Model = p.amp.Model().String()
	}
	return st
}

// OnFrame passes the radio's frequency on to the amplifier
func (p *Pair) OnFrame(frame []byte, src *transport.Device) {
	amp := p.Amplifier()
	if amp == nil {
		return
	}
	if rsp := civ.Parse(frame); rsp.IsFrequency() {
		amp.SetFrequency(rsp.FrequencyHz())
	}
}

// OnText relays Hardrock commands from a controller to the amplifier and
// sends any reply back to it
func (p *Pair) OnText(packet string, src *transport.Device) {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil || !hardrock.IsHardrockPacket(packet) {
		return
	}
	rsp := session.Forward(packet)
	if rsp == "" || src == nil {
		return
	}
	if _, err := src.WriteString(rsp); err != nil {
		logging.Debugf("pair", "%s: reply to %s: %v", p.port, src.Name(), err)
	}
}

func (p *Pair) recordType() storage.RecordType {
	if p.port == policy.AmpB {
		return storage.RecordHardrockB
	}
	return storage.RecordHardrockA
}

func (p *Pair) loadBaud() (int, error) {
	r, err := p.store.Open(p.recordType(), recordVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s record: %w", p.port, err)
	}
	if !r.HaveRecord() {
		return 0, nil
	}
	var baud uint32
	r.Get(&baud)
	if r.Err() != nil {
		return 0, nil
	}
	return int(baud), nil
}

func (p *Pair) saveBaud(baud int) error {
	r, err := p.store.Open(p.recordType(), recordVersion)
	if err != nil {
		return fmt.Errorf("failed to open %s record: %w", p.port, err)
	}
	r.Rewind()
	r.Put(uint32(baud))
	if err := r.Flush(); err != nil {
		return fmt.Errorf("failed to save %s baud rate: %w", p.port, err)
	}
	return nil
}
