package tuner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/hardware"
	"github.com/dougsko/hardplace/pkg/policy"
	"github.com/dougsko/hardplace/pkg/transport"
)

// radio is a simulated IC-705 that remembers mode, power and TX state. A
// chatty radio puts a frequency broadcast in front of every reply.
type radio struct {
	mu      sync.Mutex
	mode    int
	filter  int
	power   int
	tx      bool
	ah705   bool
	chatty  bool
	powers  []int
	txLog   []bool
	modeLog [][2]int
}

func (r *radio) respond(baud int, w []byte) []byte {
	reply := r.reply(w)
	if r.chatty && reply != nil {
		hz := civ.EncodeFrequency(14074000, civ.FrequencyBytes)
		broadcast := civ.Frame(civ.Broadcast, civ.DefaultRadio, byte(civ.TypeSetFrequencyRig), hz...)
		return append(broadcast, reply...)
	}
	return reply
}

func (r *radio) reply(w []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := civ.Parse(w)
	ack := civ.Frame(w[3], w[2], civ.Ack)
	switch {
	case f.Type() == civ.TypeReadModeFilter:
		return civ.Frame(w[3], w[2], byte(civ.TypeReadModeFilter), byte(r.mode), byte(r.filter))
	case f.Type() == civ.TypeSetModeFilterRig && f.Len() == 8:
		r.mode, r.filter = int(w[5]), int(w[6])
		r.modeLog = append(r.modeLog, [2]int{r.mode, r.filter})
		return nil
	case f.Type() == civ.TypeLevel && f.Len() == 7:
		bcd := civ.EncodeLevel(r.power)
		return civ.Frame(w[3], w[2], byte(civ.TypeLevel), civ.SubRFPower, bcd[0], bcd[1])
	case f.Type() == civ.TypeLevel && f.Len() == 9:
		r.power = civ.DecodeLevel(w[6:8])
		r.powers = append(r.powers, r.power)
		return ack
	case f.Type() == civ.TypeTX && f.Len() == 8:
		r.tx = w[6] == 0x01
		r.txLog = append(r.txLog, r.tx)
		return ack
	case f.Type() == civ.TypeVarious:
		sel := byte(0x01)
		if r.ah705 {
			sel = 0x00
		}
		return civ.Frame(w[3], w[2], byte(civ.TypeVarious), 0x05, 0x03, 0x65, sel)
	}
	return nil
}

func (r *radio) snapshot() radio {
	r.mu.Lock()
	defer r.mu.Unlock()
	return radio{
		mode:    r.mode,
		filter:  r.filter,
		power:   r.power,
		tx:      r.tx,
		powers:  append([]int(nil), r.powers...),
		txLog:   append([]bool(nil), r.txLog...),
		modeLog: append([][2]int(nil), r.modeLog...),
	}
}

// amp enters tune mode on Tune and leaves it after finishAfter polls.
// A negative finishAfter never confirms tune mode; zero never finishes.
type amp struct {
	mu          sync.Mutex
	tuning      bool
	tunes       int
	polls       int
	finishAfter int
	ant2        bool
}

func (a *amp) Tune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tunes++
	if a.finishAfter < 0 {
		return
	}
	a.tuning = !a.tuning
	a.polls = 0
}

func (a *amp) IsTuning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tuning && a.finishAfter > 0 {
		a.polls++
		if a.polls > a.finishAfter {
			a.tuning = false
		}
	}
	return a.tuning
}

func (a *amp) Antenna1Enabled() bool { return true }
func (a *amp) Antenna2Enabled() bool { return a.ant2 }

func (a *amp) tuneCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunes
}

type board struct {
	mu      sync.Mutex
	edges   func(hardware.Edge)
	enabled bool
	keys    []bool
}

func (b *board) SetTunerEdges(fn func(hardware.Edge)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edges = fn
}

func (b *board) EnableTuner(enable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enable
	return nil
}

func (b *board) TunerKey(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, on)
	return nil
}

type gate struct {
	mu      sync.Mutex
	send    [2]bool
	tune    [2]bool
	antenna [2]int
	holds   []bool
}

func newGate() *gate {
	return &gate{send: [2]bool{true, true}, tune: [2]bool{true, true}, antenna: [2]int{1, 1}}
}

func (g *gate) SendEnabled(a policy.Amplifier) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return a != policy.QRP && g.send[a]
}

func (g *gate) TunerEnabled(a policy.Amplifier) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return a != policy.QRP && g.tune[a]
}

func (g *gate) Antenna(a policy.Amplifier) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.antenna[a]
}

func (g *gate) HoldPTT(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds = append(g.holds, hold)
}

func newTestOrchestrator(t *testing.T, r *radio) (*Orchestrator, *board, *gate) {
	t.Helper()
	line := transport.NewMockLine(r.respond)
	dev := transport.NewDevice("ic705", transport.HardwareSerial, line)
	require.NoError(t, dev.Open(115200))
	t.Cleanup(func() { dev.Close() })
	rig := civ.NewRig(dev, civ.DefaultRadio, civ.DefaultController, 30*time.Millisecond)

	b := &board{}
	g := newGate()
	o := New(rig, b, g)
	o.Pulse = time.Millisecond
	o.Poll = time.Millisecond
	o.RefreshInterval = 5 * time.Millisecond
	return o, b, g
}

func TestTuneProxy(t *testing.T) {
	t.Run("Tunes At Safe Power And Restores", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 200}
		o, _, _ := newTestOrchestrator(t, r)
		a := &amp{finishAfter: 3}

		require.NoError(t, o.TuneProxy(a))

		s := r.snapshot()
		assert.Equal(t, []int{TunePower, 200}, s.powers)
		assert.Equal(t, [][2]int{{ModeRTTY, FilterNormal}, {1, 1}}, s.modeLog)
		assert.Equal(t, []bool{true, false}, s.txLog)
		assert.False(t, s.tx)
		assert.Equal(t, 1, a.tuneCount())
	})

	t.Run("Broadcasts Do Not Corrupt Restore", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 200, chatty: true}
		o, _, _ := newTestOrchestrator(t, r)

		require.NoError(t, o.TuneProxy(&amp{finishAfter: 3}))

		s := r.snapshot()
		assert.Equal(t, []int{TunePower, 200}, s.powers)
		assert.Equal(t, [][2]int{{ModeRTTY, FilterNormal}, {1, 1}}, s.modeLog)
		assert.False(t, s.tx)
	})

	t.Run("Power Inside Window Is Kept", func(t *testing.T) {
		r := &radio{mode: 3, filter: 2, power: 80}
		o, _, _ := newTestOrchestrator(t, r)

		require.NoError(t, o.TuneProxy(&amp{finishAfter: 1}))
		assert.Equal(t, []int{80}, r.snapshot().powers, "only the restore writes power")
	})

	t.Run("No Tune Mode Confirmation", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 255}
		o, _, _ := newTestOrchestrator(t, r)
		o.ConfirmPolls = 5

		err := o.TuneProxy(&amp{finishAfter: -1})
		assert.ErrorIs(t, err, ErrNoTuneMode)

		s := r.snapshot()
		assert.Empty(t, s.txLog, "never keyed")
		assert.False(t, s.tx)
		assert.Equal(t, 255, s.power)
		assert.Equal(t, 1, s.mode)
		assert.Equal(t, 1, s.filter)
	})

	t.Run("Timeout Cancels Tune", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 50}
		o, _, _ := newTestOrchestrator(t, r)
		o.TunePolls = 5
		a := &amp{finishAfter: 0}

		require.NoError(t, o.TuneProxy(a))
		assert.Equal(t, 2, a.tuneCount(), "tune then cancel")
		assert.False(t, a.IsTuning())
		s := r.snapshot()
		assert.False(t, s.tx)
		assert.Equal(t, 50, s.power)
	})

	t.Run("Silent Radio", func(t *testing.T) {
		r := &radio{}
		o, _, _ := newTestOrchestrator(t, r)
		o.rig.Device().Close()
		a := &amp{finishAfter: 1}
		assert.Error(t, o.TuneProxy(a))
		assert.Equal(t, 0, a.tuneCount())
	})
}

func TestHandshake(t *testing.T) {
	t.Run("Proxy Phases", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 200}
		o, b, g := newTestOrchestrator(t, r)
		a := &amp{finishAfter: 2}
		o.Attach(policy.AmpA, a)
		assert.True(t, b.enabled)

		o.Handle(hardware.EdgeFalling)
		assert.Equal(t, []bool{true, false}, b.keys, "70 ms key pulse")
		assert.Equal(t, []bool{true, false}, g.holds, "PTT enables held during the pulse")
		assert.True(t, o.Tuning())
		assert.Empty(t, r.snapshot().txLog)

		o.Handle(hardware.EdgeFalling)
		assert.Len(t, b.keys, 2, "second request while waiting is ignored")

		o.Handle(hardware.EdgeRising)
		assert.False(t, o.Tuning())
		assert.Equal(t, []bool{true, false}, r.snapshot().txLog)
		assert.Equal(t, 200, r.snapshot().power)
	})

	t.Run("Rising Edge Without Request", func(t *testing.T) {
		r := &radio{power: 200}
		o, _, _ := newTestOrchestrator(t, r)
		a := &amp{finishAfter: 1}
		o.Attach(policy.AmpA, a)
		o.Handle(hardware.EdgeRising)
		assert.Equal(t, 0, a.tuneCount())
	})

	t.Run("Antenna Not Tunable", func(t *testing.T) {
		r := &radio{power: 200}
		o, b, g := newTestOrchestrator(t, r)
		g.antenna[policy.AmpA] = 2
		a := &amp{finishAfter: 1}
		o.Attach(policy.AmpA, a)
		assert.False(t, b.enabled)

		b.enabled = true
		o.Handle(hardware.EdgeFalling)
		assert.False(t, b.enabled, "radio told the tuner is unavailable")
		assert.Empty(t, b.keys)
		assert.False(t, o.Tuning())
	})

	t.Run("Tuning Disabled By Policy", func(t *testing.T) {
		r := &radio{power: 200}
		o, b, g := newTestOrchestrator(t, r)
		o.Attach(policy.AmpB, &amp{finishAfter: 1, ant2: true})
		assert.True(t, b.enabled)
		g.mu.Lock()
		g.tune[policy.AmpB] = false
		g.mu.Unlock()
		o.Refresh()
		assert.False(t, b.enabled)
	})

	t.Run("AH-705", func(t *testing.T) {
		r := &radio{mode: 1, filter: 1, power: 200, ah705: true}
		o, b, _ := newTestOrchestrator(t, r)
		o.AH705 = true
		a := &amp{finishAfter: 2}
		o.Attach(policy.AmpA, a)

		o.Handle(hardware.EdgeFalling)
		assert.Equal(t, []bool{true, false}, b.keys)
		assert.Equal(t, 1, a.tuneCount())
		assert.False(t, o.Tuning())
		assert.Empty(t, r.snapshot().powers, "power untouched in AH-705 mode")
	})

	t.Run("Detach", func(t *testing.T) {
		r := &radio{}
		o, b, _ := newTestOrchestrator(t, r)
		o.Attach(policy.AmpA, &amp{})
		o.Detach(policy.AmpA)
		assert.False(t, b.enabled)
	})
}

func TestRunWithBoard(t *testing.T) {
	r := &radio{mode: 1, filter: 1, power: 200}
	line := transport.NewMockLine(r.respond)
	dev := transport.NewDevice("ic705", transport.HardwareSerial, line)
	require.NoError(t, dev.Open(115200))
	t.Cleanup(func() { dev.Close() })
	rig := civ.NewRig(dev, civ.DefaultRadio, civ.DefaultController, 30*time.Millisecond)

	gpio := hardware.NewMockGPIO()
	hw := hardware.NewBoard(hardware.BoardConfig{TunerStartPin: 5, TunerKeyPin: 4}, gpio)
	require.NoError(t, hw.Initialize())

	o := New(rig, hw, newGate())
	o.Pulse = time.Millisecond
	o.Poll = time.Millisecond
	o.RefreshInterval = 5 * time.Millisecond
	o.Attach(policy.AmpA, &amp{finishAfter: 2})
	require.True(t, gpio.Watched(5), "start line released and watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	gpio.Drive(5, false)
	assert.Eventually(t, o.Tuning, time.Second, time.Millisecond)
	gpio.Drive(5, true)
	assert.Eventually(t, func() bool {
		s := r.snapshot()
		return !o.Tuning() && len(s.txLog) == 2
	}, 2*time.Second, 5*time.Millisecond)

	key, _ := gpio.GetPin(4)
	assert.True(t, key, "key line idles high")
	assert.False(t, r.snapshot().tx)
}
