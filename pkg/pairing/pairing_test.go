package pairing

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/hardrock"
	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/tuner"
)

// amp simulates a Hardrock answering only at baud
type amp struct {
	mu      sync.Mutex
	model   hardrock.Model
	baud    int
	atu     bool
	keying  byte
	antenna byte
	freqs   []string
}

func newAmp(model hardrock.Model, baud int, atu bool) *amp {
	return &amp{model: model, baud: baud, atu: atu, keying: '1', antenna: '1'}
}

func (a *amp) set(keying, antenna byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keying = keying
	a.antenna = antenna
}

func (a *amp) frequencies() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.freqs...)
}

func (a *amp) respond(b int, w []byte) []byte {
	if b != a.baud {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cmd := string(w)
	hr500 := a.model == hardrock.ModelHR500
	switch {
	case cmd == "HRBN;":
		return []byte("HRBN7;\r\n")
	case cmd == "HRAA;" && a.model != hardrock.ModelHR50:
		return []byte("HRAA;\r\n")
	case cmd == "HRAN;" && hr500:
		return []byte("HRAN" + string(a.antenna) + ";\r\n")
	case cmd == "HRAP;" && hr500:
		if a.atu {
			return []byte("HRAP1;\r\n")
		}
		return []byte("HRAP0;\r\n")
	case cmd == "HRTMV?;" && !hr500 && a.atu:
		return []byte("HRTMV12;\r\n")
	case cmd == "HRMD;":
		return []byte("HRMD" + string(a.keying) + ";\r\n")
	case strings.HasPrefix(cmd, "FA"):
		a.freqs = append(a.freqs, cmd)
	}
	return nil
}

type fakePolicy struct {
	mu        sync.Mutex
	hz        uint64
	available map[policy.Amplifier]bool
	ptt       map[policy.Amplifier][]bool
	antennas  map[policy.Amplifier][]int
}

func newFakePolicy(hz uint64) *fakePolicy {
	return &fakePolicy{
		hz:        hz,
		available: make(map[policy.Amplifier]bool),
		ptt:       make(map[policy.Amplifier][]bool),
		antennas:  make(map[policy.Amplifier][]int),
	}
}

func (f *fakePolicy) FrequencyHz() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hz
}

func (f *fakePolicy) SetAvailable(a policy.Amplifier, available bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[a] = available
}

func (f *fakePolicy) SetKeyingMode(a policy.Amplifier, ptt bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptt[a] = append(f.ptt[a], ptt)
}

func (f *fakePolicy) SetAntenna(a policy.Amplifier, antenna int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.antennas[a] = append(f.antennas[a], antenna)
}

func (f *fakePolicy) isAvailable(a policy.Amplifier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[a]
}

func (f *fakePolicy) keying(a policy.Amplifier) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.ptt[a]...)
}

func (f *fakePolicy) antenna(a policy.Amplifier) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.antennas[a]...)
}

type fakeTuner struct {
	mu       sync.Mutex
	attached map[policy.Amplifier]tuner.Amplifier
	tuning   bool
}

func newFakeTuner() *fakeTuner {
	return &fakeTuner{attached: make(map[policy.Amplifier]tuner.Amplifier)}
}

func (f *fakeTuner) Attach(port policy.Amplifier, a tuner.Amplifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[port] = a
}

func (f *fakeTuner) Detach(port policy.Amplifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, port)
}

func (f *fakeTuner) Tuning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tuning
}

func (f *fakeTuner) has(port policy.Amplifier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attached[port]
	return ok
}

type fakePresence struct {
	mu      sync.Mutex
	present [2]bool
}

func (f *fakePresence) AmplifierPresent(a int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[a]
}

func (f *fakePresence) set(a int, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[a] = present
}

type fixture struct {
	store    *storage.Store
	radio    *transport.MockLine
	rig      *civ.Rig
	policy   *fakePolicy
	tuner    *fakeTuner
	presence *fakePresence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	radio := transport.NewMockLine(nil)
	dev := transport.NewDevice("radio", transport.HardwareSerial, radio)
	require.NoError(t, dev.Open(115200))
	t.Cleanup(func() { dev.Close() })

	return &fixture{
		store:    store,
		radio:    radio,
		rig:      civ.NewRig(dev, 0xA4, 0xE0, 20*time.Millisecond),
		policy:   newFakePolicy(14074000),
		tuner:    newFakeTuner(),
		presence: &fakePresence{present: [2]bool{true, true}},
	}
}

func (f *fixture) pair(t *testing.T, port policy.Amplifier) *Pair {
	t.Helper()
	controller := AddressA
	if port == policy.AmpB {
		controller = AddressB
	}
	p, err := New(port, f.rig.As(controller), f.policy, f.tuner, f.presence, f.store, 19200)
	require.NoError(t, err)
	p.StartupDelay = 0
	p.PollInterval = 20 * time.Millisecond
	p.Spacing = time.Millisecond
	p.ReadTimeout = 30 * time.Millisecond
	return p
}

func attach(t *testing.T, p *Pair, respond transport.Responder) *transport.MockLine {
	t.Helper()
	line := transport.NewMockLine(respond)
	dev := transport.NewDevice("amp", transport.USBSerialHost, line)
	t.Cleanup(func() { dev.Close() })
	require.NoError(t, p.SetDevice(dev, 0))
	return line
}

func TestState(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "probing", Probing.String())
	assert.Equal(t, "identified", Identified.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestLifecycle(t *testing.T) {
	t.Run("HR500 With ATU", func(t *testing.T) {
		f := newFixture(t)
		p := f.pair(t, policy.AmpA)
		hr := newAmp(hardrock.ModelHR500, 19200, true)
		attach(t, p, hr.respond)

		var events []string
		p.SetObserver(func(ev Event) { events = append(events, ev.State) })

		p.Task()
		assert.Equal(t, Probing, p.State())
		assert.False(t, p.IsConnected())

		p.Task()
		require.Equal(t, Identified, p.State())
		assert.True(t, p.IsConnected())
		assert.Equal(t, "Hardrock-500", p.ModelName())
		assert.True(t, p.IsATUPresent())
		assert.True(t, f.policy.isAvailable(policy.AmpA))
		assert.Equal(t, []bool{true}, f.policy.keying(policy.AmpA))
		assert.True(t, f.tuner.has(policy.AmpA))
		assert.Equal(t, []string{"FA00014074000;"}, hr.frequencies())

		f.radio.Reset()
		p.Task()
		assert.Equal(t, Active, p.State())
		assert.Equal(t, string(civ.Frame(0xA4, AddressA, 0x03)), f.radio.Written())

		hr.set('0', '2')
		time.Sleep(p.PollInterval)
		p.Task()
		assert.Equal(t, []bool{true, false}, f.policy.keying(policy.AmpA))
		assert.Equal(t, []int{2}, f.policy.antenna(policy.AmpA))
		assert.Equal(t, 2, p.ActiveAntenna())

		f.presence.set(int(policy.AmpA), false)
		p.Task()
		assert.Equal(t, Absent, p.State())
		assert.Nil(t, p.Amplifier())
		assert.False(t, f.policy.isAvailable(policy.AmpA))
		assert.False(t, f.tuner.has(policy.AmpA))
		assert.Equal(t, []int{2, 1}, f.policy.antenna(policy.AmpA))
		assert.Equal(t, []bool{true, false, true}, f.policy.keying(policy.AmpA))
		assert.Equal(t, 1, p.ActiveAntenna())

		assert.Equal(t, []string{"probing", "identified", "active", "absent"}, events)
	})

	t.Run("HR50Plus Without ATU", func(t *testing.T) {
		f := newFixture(t)
		p := f.pair(t, policy.AmpB)
		attach(t, p, newAmp(hardrock.ModelHR50Plus, 19200, false).respond)

		p.Task()
		p.Task()
		require.Equal(t, Identified, p.State())
		assert.Equal(t, "Hardrock-50+", p.ModelName())
		assert.False(t, p.IsATUPresent())
		assert.False(t, f.tuner.has(policy.AmpB))
		assert.True(t, f.policy.isAvailable(policy.AmpB))

		p.Task()
		assert.Equal(t, string(civ.Frame(0xA4, AddressB, 0x03)), f.radio.Written())
	})

	t.Run("Silent Amplifier Keeps Probing", func(t *testing.T) {
		f := newFixture(t)
		p := f.pair(t, policy.AmpA)
		attach(t, p, nil)

		p.Task()
		p.Task()
		assert.Equal(t, Probing, p.State())
		assert.False(t, f.policy.isAvailable(policy.AmpA))
		assert.Empty(t, f.policy.keying(policy.AmpA))
	})

	t.Run("Presence Pin Low", func(t *testing.T) {
		f := newFixture(t)
		f.presence.set(int(policy.AmpA), false)
		p := f.pair(t, policy.AmpA)
		attach(t, p, newAmp(hardrock.ModelHR500, 19200, true).respond)

		p.Task()
		assert.Equal(t, Absent, p.State())
	})

	t.Run("Detached Device", func(t *testing.T) {
		f := newFixture(t)
		p := f.pair(t, policy.AmpA)
		attach(t, p, newAmp(hardrock.ModelHR500, 19200, true).respond)
		p.Task()
		p.Task()
		require.True(t, p.IsConnected())

		require.NoError(t, p.SetDevice(nil, 0))
		p.Task()
		assert.Equal(t, Absent, p.State())
		assert.Equal(t, Status{Port: "Hardrock A", State: "absent", Baud: 19200, Antenna: 1}, p.Status())
	})
}

func TestBaudRate(t *testing.T) {
	f := newFixture(t)
	p := f.pair(t, policy.AmpA)
	line := attach(t, p, newAmp(hardrock.ModelHR50, 57600, false).respond)

	p.Task()
	p.Task()
	require.Equal(t, Identified, p.State())
	assert.Equal(t, 57600, p.Baud())
	assert.Equal(t, 57600, line.Speed())
	p.Task()

	t.Run("Reloaded", func(t *testing.T) {
		again, err := New(policy.AmpA, f.rig, f.policy, f.tuner, f.presence, f.store, 19200)
		require.NoError(t, err)
		assert.Equal(t, 57600, again.Baud())
	})

	t.Run("Ports Are Separate", func(t *testing.T) {
		b, err := New(policy.AmpB, f.rig, f.policy, f.tuner, f.presence, f.store, 19200)
		require.NoError(t, err)
		assert.Equal(t, 19200, b.Baud())
	})

	t.Run("Next Attach Opens At Remembered Rate", func(t *testing.T) {
		again, err := New(policy.AmpA, f.rig, f.policy, f.tuner, f.presence, f.store, 19200)
		require.NoError(t, err)
		line := transport.NewMockLine(nil)
		dev := transport.NewDevice("amp", transport.USBSerialHost, line)
		t.Cleanup(func() { dev.Close() })
		require.NoError(t, again.SetDevice(dev, 0))
		assert.Equal(t, []int{57600}, line.Speeds())
	})
}

func TestPollSkippedWhileTuning(t *testing.T) {
	f := newFixture(t)
	p := f.pair(t, policy.AmpA)
	hr := newAmp(hardrock.ModelHR500, 19200, true)
	line := attach(t, p, hr.respond)
	p.Task()
	p.Task()
	p.Task()
	require.Equal(t, Active, p.State())

	f.tuner.mu.Lock()
	f.tuner.tuning = true
	f.tuner.mu.Unlock()
	line.Reset()
	time.Sleep(p.PollInterval)
	p.Task()
	assert.Empty(t, line.Written())

	f.tuner.mu.Lock()
	f.tuner.tuning = false
	f.tuner.mu.Unlock()
	p.Task()
	assert.Contains(t, line.Written(), "HRMD;")
}

func TestRelay(t *testing.T) {
	f := newFixture(t)
	p := f.pair(t, policy.AmpA)
	hr := newAmp(hardrock.ModelHR500, 19200, true)
	line := attach(t, p, hr.respond)

	t.Run("Before Identification", func(t *testing.T) {
		p.OnFrame(civ.Frame(0xE0, 0xA4, 0x00, civ.EncodeFrequency(7074000, 5)...), nil)
		assert.Empty(t, hr.frequencies())
	})

	p.Task()
	p.Task()
	require.True(t, p.IsConnected())

	t.Run("Frequency", func(t *testing.T) {
		p.OnFrame(civ.Frame(0xE0, 0xA4, 0x00, civ.EncodeFrequency(7074000, 5)...), nil)
		assert.Equal(t, []string{"FA00014074000;", "FA00007074000;"}, hr.frequencies())
	})

	t.Run("Other Frames Ignored", func(t *testing.T) {
		line.Reset()
		p.OnFrame(civ.Frame(0xE0, 0xA4, 0x14, 0x0A, 0x01, 0x00), nil)
		assert.Empty(t, line.Written())
	})

	t.Run("Query Reply Returned", func(t *testing.T) {
		ctrl := transport.NewMockLine(nil)
		src := transport.NewDevice("usb", transport.USBSerialHost, ctrl)
		require.NoError(t, src.Open(115200))
		t.Cleanup(func() { src.Close() })

		p.OnText("HRMD;", src)
		assert.Equal(t, "HRMD1;", ctrl.Written())

		ctrl.Reset()
		line.Reset()
		p.OnText("HRBN3;", src)
		assert.Equal(t, "HRBN3;", line.Written())
		assert.Empty(t, ctrl.Written())
	})

	t.Run("Not A Hardrock Packet", func(t *testing.T) {
		line.Reset()
		p.OnText("ZZ12;", nil)
		assert.Empty(t, line.Written())
	})
}

func ftdi(node, serial string) hardware.USBDevice {
	return hardware.USBDevice{
		Node:    node,
		Vendor:  hardware.HardrockVendor,
		Product: hardware.HardrockProduct,
		Serial:  serial,
		Model:   "FT231X",
	}
}

type opener struct {
	mu      sync.Mutex
	respond transport.Responder
	lines   map[string]*transport.MockLine
	fail    bool
}

func (o *opener) open(node string, baud int) (transport.Line, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return nil, errors.New("permission denied")
	}
	line := transport.NewMockLine(o.respond)
	o.lines[node] = line
	return line, nil
}

func (o *opener) line(node string) *transport.MockLine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lines[node]
}

func newWatcher(t *testing.T, f *fixture, scanner hardware.USBEnumerator, o *opener) (*USBWatcher, *Pair, *Pair, *storage.USBMap) {
	t.Helper()
	usbMap, err := f.store.LoadUSBMap()
	require.NoError(t, err)
	a := f.pair(t, policy.AmpA)
	b := f.pair(t, policy.AmpB)
	w := NewUSBWatcher(scanner, usbMap, o.open, map[storage.Binding]*Pair{
		storage.BindingA: a,
		storage.BindingB: b,
	})
	t.Cleanup(w.releaseAll)
	return w, a, b, usbMap
}

func TestUSBWatcher(t *testing.T) {
	first := ftdi("/dev/ttyUSB0", "DK0AB1")
	second := ftdi("/dev/ttyUSB1", "DK0AB2")

	t.Run("Attach And Remove", func(t *testing.T) {
		f := newFixture(t)
		scanner := hardware.NewMockUSBScanner(first)
		o := &opener{lines: make(map[string]*transport.MockLine)}
		w, a, b, usbMap := newWatcher(t, f, scanner, o)

		require.NoError(t, w.Scan())
		require.NotNil(t, a.Device())
		assert.Equal(t, "/dev/ttyUSB0", a.Device().Name())
		assert.Nil(t, b.Device())
		assert.Equal(t, storage.BindingA, usbMap.Binding(first.Vendor, first.Product, first.Serial, first.Model))
		assert.Equal(t, []int{19200}, o.line(first.Node).Speeds())

		scanner.SetDevices(first, second)
		require.NoError(t, w.Scan())
		require.NotNil(t, b.Device())
		assert.Equal(t, "/dev/ttyUSB1", b.Device().Name())
		assert.Equal(t, storage.BindingB, usbMap.Binding(second.Vendor, second.Product, second.Serial, second.Model))
		assert.Len(t, w.Cables(), 2)

		scanner.SetDevices(second)
		require.NoError(t, w.Scan())
		assert.Nil(t, a.Device())
		assert.NotNil(t, b.Device())
		require.Len(t, w.Cables(), 1)
		assert.Equal(t, storage.BindingB, w.Cables()[0].Binding)
	})

	t.Run("Remembered Binding", func(t *testing.T) {
		f := newFixture(t)
		usbMap, err := f.store.LoadUSBMap()
		require.NoError(t, err)
		require.NoError(t, usbMap.Bind(storage.BindingB, second.Vendor, second.Product, second.Serial, second.Model))

		o := &opener{lines: make(map[string]*transport.MockLine)}
		w, a, b, _ := newWatcher(t, f, hardware.NewMockUSBScanner(second), o)
		require.NoError(t, w.Scan())
		assert.Nil(t, a.Device())
		require.NotNil(t, b.Device())
		assert.Equal(t, "/dev/ttyUSB1", b.Device().Name())
	})

	t.Run("No Free Port", func(t *testing.T) {
		f := newFixture(t)
		third := ftdi("/dev/ttyUSB2", "DK0AB3")
		o := &opener{lines: make(map[string]*transport.MockLine)}
		w, _, _, _ := newWatcher(t, f, hardware.NewMockUSBScanner(first, second, third), o)
		require.NoError(t, w.Scan())
		assert.Len(t, w.Cables(), 2)
		assert.Nil(t, o.line(third.Node))
	})

	t.Run("Open Failure", func(t *testing.T) {
		f := newFixture(t)
		o := &opener{lines: make(map[string]*transport.MockLine), fail: true}
		w, a, _, _ := newWatcher(t, f, hardware.NewMockUSBScanner(first), o)
		require.NoError(t, w.Scan())
		assert.Nil(t, a.Device())
		assert.Empty(t, w.Cables())
	})

	t.Run("Scan Error", func(t *testing.T) {
		f := newFixture(t)
		scanner := hardware.NewMockUSBScanner()
		scanner.SetError(errors.New("udev unavailable"))
		w, _, _, _ := newWatcher(t, f, scanner, &opener{lines: make(map[string]*transport.MockLine)})
		assert.Error(t, w.Scan())
	})

	t.Run("Discovered Baud Remembered", func(t *testing.T) {
		f := newFixture(t)
		hr := newAmp(hardrock.ModelHR50Plus, 38400, false)
		o := &opener{respond: hr.respond, lines: make(map[string]*transport.MockLine)}
		w, a, _, usbMap := newWatcher(t, f, hardware.NewMockUSBScanner(first), o)

		require.NoError(t, w.Scan())
		a.Task()
		a.Task()
		require.True(t, a.IsConnected())
		assert.Equal(t, 19200, usbMap.BaudRate(first.Vendor, first.Product, first.Serial))

		require.NoError(t, w.Scan())
		assert.Equal(t, 38400, usbMap.BaudRate(first.Vendor, first.Product, first.Serial))
		assert.Equal(t, 38400, w.Cables()[0].Baud)
	})
}
