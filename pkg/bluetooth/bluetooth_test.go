package bluetooth

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/hardplace/pkg/storage"
	"github.com/dougsko/hardplace/pkg/transport"
)

// module is a simulated HC-05 answering at one baud rate
type module struct {
	mu        sync.Mutex
	baud      int
	silent    bool
	bound     string
	linkReply string
	discReply string
	inquiry   string
	peers     map[string]string
	spp       bool
	cmds      []string
}

func newModule() *module {
	return &module{baud: 38400, peers: map[string]string{}}
}

func (m *module) respond(baud int, w []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.silent || baud != m.baud {
		return nil
	}
	cmd := strings.TrimSuffix(string(w), CRLF)
	m.cmds = append(m.cmds, cmd)

	switch {
	case cmd == CmdVersion:
		return []byte("+VERSION:2.0-20100601\r\n" + OK)
	case cmd == CmdInit:
		if m.spp {
			return []byte(ErrorCode17 + CRLF)
		}
		m.spp = true
		return []byte(OK)
	case cmd == CmdBind+"?":
		return []byte("+BIND:" + strings.ReplaceAll(m.bound, ",", ":") + CRLF + OK)
	case strings.HasPrefix(cmd, CmdBind+"="):
		m.bound = strings.TrimPrefix(cmd, CmdBind+"=")
		return []byte(OK)
	case strings.HasPrefix(cmd, CmdLink+"="):
		if m.linkReply != "" {
			return []byte(m.linkReply)
		}
		return []byte(OK)
	case cmd == CmdDisc:
		if m.discReply != "" {
			return []byte(m.discReply)
		}
		return []byte("+DISC:SUCCESS\r\n" + OK)
	case cmd == CmdState:
		return []byte("+STATE:CONNECTED\r\n" + OK)
	case cmd == CmdCMode+"?":
		return []byte("+CMOD:0\r\n" + OK)
	case cmd == CmdInquire:
		return []byte(m.inquiry + OK)
	case strings.HasPrefix(cmd, CmdRName):
		name, ok := m.peers[strings.TrimPrefix(cmd, CmdRName)]
		if !ok {
			return []byte(FAIL)
		}
		return []byte("+RNAME:" + name + CRLF + OK)
	}
	return []byte(OK)
}

func (m *module) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cmds...)
}

func (m *module) set(fn func(m *module)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// pins stands in for the board's supply, key and state lines
type pins struct {
	mu     sync.Mutex
	power  bool
	at     bool
	linked bool
	atLog  []bool
}

func (p *pins) BluetoothPower(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.power = on
	return nil
}

func (p *pins) IsBluetoothPowerOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}

func (p *pins) BluetoothATMode(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.at = on
	p.atLog = append(p.atLog, on)
	return nil
}

func (p *pins) IsBluetoothATMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.at
}

func (p *pins) BluetoothLinked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power && p.linked
}

func (p *pins) setLinked(linked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linked = linked
}

func newTestHC05(t *testing.T, m *module) (*HC05, *pins, *transport.MockLine) {
	t.Helper()
	line := transport.NewMockLine(m.respond)
	dev := transport.NewDevice("bluetooth", transport.HardwareSerial, line)
	require.NoError(t, dev.Open(38400))
	t.Cleanup(func() { dev.Close() })

	p := &pins{}
	hc := NewHC05(dev, p, 38400)
	hc.Timeout = 20 * time.Millisecond
	hc.LinkTimeout = 20 * time.Millisecond
	hc.ModeDelay = 0
	hc.ResetDelay = 0
	return hc, p, line
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		Baud:           38400,
		Name:           "Hardplace 705+",
		RemoteName:     "ICOM BT(IC-705)",
		PIN:            "0000",
		Class:          "220400",
		InquirySeconds: 1,
		TaskInterval:   time.Millisecond,
		PowerCycle:     time.Hour,
		ResetSettle:    time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want ResponseType
	}{
		{"", TypeEmpty},
		{"+STATE:CONNECTED\r\n", TypeData},
		{"OK\r\n", TypeFinal},
		{"FAIL\r\n", TypeFinal},
		{"ERROR:(16)\r\n", TypeFinal},
		{"OK\r", TypePartial},
		{"garbage\r\n", TypeOther},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			if got := Classify(tt.line); got != tt.want {
				t.Fatalf("Expected %d for %q, got %d", tt.want, tt.line, got)
			}
		})
	}
}

func TestParseInquiry(t *testing.T) {
	rsp := "+INQ:2:72:D2224,3E0104,FFBC\r\n" +
		"+INQ:1234:56:0,1F1F,FFC1\r\n" +
		"+INQ:2:72:D2224,3E0104,FFAD\r\n" +
		"OK\r\n"

	assert.Equal(t, []string{"2,72,D2224", "1234,56,0"}, ParseInquiry(rsp))
	assert.Empty(t, ParseInquiry("OK\r\n"))
}

func TestInquiryUnits(t *testing.T) {
	assert.Equal(t, 1, InquiryUnits(1))
	assert.Equal(t, 23, InquiryUnits(30))
	assert.Equal(t, 47, InquiryUnits(61))
}

func TestSend(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		hc, p, _ := newTestHC05(t, newModule())

		rsp, err := hc.Send(CmdState)
		require.NoError(t, err)
		assert.Equal(t, "+STATE:CONNECTED\r\nOK\r\n", rsp)
		assert.Equal(t, []bool{true, false}, p.atLog, "key line raised for the exchange only")
	})

	t.Run("key line left alone in AT mode", func(t *testing.T) {
		hc, p, _ := newTestHC05(t, newModule())
		hc.ATMode(true)

		_, err := hc.Send(CmdTest)
		require.NoError(t, err)
		assert.True(t, p.IsBluetoothATMode())
		assert.Equal(t, []bool{true}, p.atLog)
	})

	t.Run("fail", func(t *testing.T) {
		m := newModule()
		hc, _, _ := newTestHC05(t, m)

		rsp, err := hc.Send(CmdRName + "1,2,3")
		require.ErrorIs(t, err, ErrFailed)
		assert.Equal(t, FAIL, rsp)
	})

	t.Run("silent", func(t *testing.T) {
		m := newModule()
		m.silent = true
		hc, _, _ := newTestHC05(t, m)

		_, err := hc.Send(CmdTest)
		require.ErrorIs(t, err, ErrNoResponse)
		assert.False(t, hc.Ping(true))
	})

	t.Run("recent exchange counts as ping", func(t *testing.T) {
		m := newModule()
		hc, _, _ := newTestHC05(t, m)
		require.True(t, hc.Ping(true))

		m.set(func(m *module) { m.silent = true })
		assert.True(t, hc.Ping(false))
		assert.False(t, hc.Ping(true))
	})
}

func TestDiscoverBaud(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		m := newModule()
		m.baud = 9600
		hc, p, line := newTestHC05(t, m)

		require.True(t, hc.DiscoverBaud())
		assert.Equal(t, 9600, hc.Device().Baud())
		assert.Equal(t, []int{38400, 38400, 115200, 9600}, line.Speeds())
		assert.False(t, p.IsBluetoothATMode())
	})

	t.Run("not found keeps rate", func(t *testing.T) {
		m := newModule()
		m.silent = true
		hc, _, line := newTestHC05(t, m)
		require.NoError(t, hc.Device().SetBaud(57600))

		require.False(t, hc.DiscoverBaud())
		assert.Equal(t, 57600, hc.Device().Baud())
		speeds := line.Speeds()
		assert.Len(t, speeds, 2+len(BaudRates)+1)
		assert.Equal(t, 57600, speeds[len(speeds)-1])
	})
}

func TestCommands(t *testing.T) {
	t.Run("bind address", func(t *testing.T) {
		m := newModule()
		hc, _, _ := newTestHC05(t, m)

		require.NoError(t, hc.Bind("2,72,D2224"))
		addr, err := hc.BindAddress()
		require.NoError(t, err)
		assert.Equal(t, "2,72,D2224", addr)
	})

	t.Run("init already done", func(t *testing.T) {
		hc, _, _ := newTestHC05(t, newModule())
		require.NoError(t, hc.InitSPP())
		require.NoError(t, hc.InitSPP())
	})

	t.Run("manual connection mode", func(t *testing.T) {
		hc, _, _ := newTestHC05(t, newModule())
		manual, err := hc.ManualConnectionMode()
		require.NoError(t, err)
		assert.True(t, manual)
	})

	t.Run("version", func(t *testing.T) {
		hc, _, _ := newTestHC05(t, newModule())
		v, err := hc.Version()
		require.NoError(t, err)
		assert.Equal(t, "2.0-20100601", v)
	})

	t.Run("link fail disconnects", func(t *testing.T) {
		m := newModule()
		m.linkReply = FAIL
		hc, _, _ := newTestHC05(t, m)

		_, err := hc.Link("2,72,D2224")
		require.Error(t, err)
		assert.Equal(t, []string{CmdLink + "=2,72,D2224", CmdDisc}, m.commands())
	})

	t.Run("link without spp initializes", func(t *testing.T) {
		m := newModule()
		m.linkReply = ErrorCode16 + CRLF
		hc, _, _ := newTestHC05(t, m)

		_, err := hc.Link("2,72,D2224")
		require.Error(t, err)
		assert.Equal(t, []string{CmdLink + "=2,72,D2224", CmdInit}, m.commands())
	})

	t.Run("disconnect without spp initializes", func(t *testing.T) {
		m := newModule()
		m.discReply = ErrorCode16 + CRLF
		hc, _, _ := newTestHC05(t, m)

		require.Error(t, hc.Disconnect())
		assert.Equal(t, []string{CmdDisc, CmdInit}, m.commands())
	})
}

func TestSupervisor(t *testing.T) {
	t.Run("setup binds stored address and links", func(t *testing.T) {
		m := newModule()
		hc, p, _ := newTestHC05(t, m)
		store := testStore(t)

		first, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		require.NoError(t, first.saveBound("2,72,D2224"))

		s, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		assert.True(t, s.Paired())

		var events []bool
		s.SetOnLink(func(linked bool) { events = append(events, linked) })

		s.Task()
		assert.True(t, p.IsBluetoothPowerOn())
		assert.True(t, p.IsBluetoothATMode(), "powered up in full AT mode at 38400")
		assert.True(t, s.Status().Setup)
		assert.Equal(t, "2,72,D2224", m.bound)

		s.Task()
		assert.Contains(t, m.commands(), CmdLink+"=2,72,D2224")

		p.setLinked(true)
		s.Task()
		p.setLinked(false)
		s.Task()
		assert.Equal(t, []bool{true, false}, events)
		assert.Equal(t, CmdDisc, m.commands()[len(m.commands())-1])
	})

	t.Run("connect links stored address at once", func(t *testing.T) {
		m := newModule()
		hc, _, _ := newTestHC05(t, m)
		store := testStore(t)

		first, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		require.NoError(t, first.saveBound("2,72,D2224"))

		s, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		assert.True(t, s.Connect())
		assert.Equal(t, "2,72,D2224", m.bound)
		assert.Contains(t, m.commands(), CmdLink+"=2,72,D2224")
	})

	t.Run("connect without stored address only sets up", func(t *testing.T) {
		m := newModule()
		hc, _, _ := newTestHC05(t, m)
		s, err := NewSupervisor(hc, testStore(t), testConfig())
		require.NoError(t, err)
		assert.False(t, s.Connect())
		assert.True(t, s.Status().Setup)
		for _, cmd := range m.commands() {
			assert.NotContains(t, cmd, CmdLink)
		}
	})

	t.Run("link lost too long power cycles", func(t *testing.T) {
		m := newModule()
		m.bound = "2,72,D2224"
		hc, p, _ := newTestHC05(t, m)
		cfg := testConfig()
		cfg.PowerCycle = time.Millisecond

		s, err := NewSupervisor(hc, testStore(t), cfg)
		require.NoError(t, err)

		s.Task() // setup
		s.Task() // link using the module's own binding
		assert.Equal(t, "2,72,D2224", s.BoundAddress())

		time.Sleep(5 * time.Millisecond)
		s.Task()
		assert.False(t, p.IsBluetoothPowerOn())
		assert.False(t, s.Status().Setup)
		assert.Equal(t, 38400, hc.Device().Baud())

		s.Task()
		assert.True(t, p.IsBluetoothPowerOn())
	})

	t.Run("wedged module is switched off", func(t *testing.T) {
		m := newModule()
		m.bound = "2,72,D2224"
		m.linkReply = "+LINK:" + ErrorCode0 + CRLF + OK
		hc, p, _ := newTestHC05(t, m)

		s, err := NewSupervisor(hc, testStore(t), testConfig())
		require.NoError(t, err)
		s.Task()
		s.Task()
		assert.False(t, p.IsBluetoothPowerOn())
	})

	t.Run("clear pairing persists", func(t *testing.T) {
		hc, _, _ := newTestHC05(t, newModule())
		store := testStore(t)

		s, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		require.NoError(t, s.saveBound("2,72,D2224"))
		require.NoError(t, s.ClearPairing())
		assert.False(t, s.Paired())

		again, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		assert.Equal(t, "", again.BoundAddress())
	})

	t.Run("address too long", func(t *testing.T) {
		hc, _, _ := newTestHC05(t, newModule())
		s, err := NewSupervisor(hc, testStore(t), testConfig())
		require.NoError(t, err)
		require.Error(t, s.saveBound("1234,56,789ABCDEF"))
	})
}

func TestPair(t *testing.T) {
	inquiry := "+INQ:11:22:333,1F1F,7FFF\r\n" +
		"+INQ:2:72:D2224,3E0104,FFBC\r\n" +
		"+INQ:2:72:D2224,3E0104,FFBC\r\n"

	t.Run("script", func(t *testing.T) {
		m := newModule()
		m.inquiry = inquiry
		m.peers["11,22,333"] = "Phone"
		m.peers["2,72,D2224"] = "ICOM BT(IC-705)"
		hc, p, _ := newTestHC05(t, m)
		store := testStore(t)

		s, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		require.NoError(t, s.Pair())

		assert.Equal(t, []string{
			CmdVersion,
			`AT+NAME="Hardplace 705+"`,
			`AT+PSWD="0000"`,
			"AT+UART=38400,0,0",
			"AT+RMAAD",
			"AT+ROLE=1",
			"AT+RESET",
			"AT+INIT",
			"AT+CMODE=0",
			"AT+IAC=9e8b33",
			"AT+CLASS=220400",
			"AT+INQM=0,1,1",
			"AT+INQ",
			"AT+RNAME?11,22,333",
			"AT+RNAME?2,72,D2224",
			"AT+PAIR=2,72,D2224,120",
			"AT+BIND=2,72,D2224",
			"AT+LINK=2,72,D2224",
		}, m.commands())
		assert.False(t, p.IsBluetoothATMode())

		again, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		assert.Equal(t, "2,72,D2224", again.BoundAddress())
	})

	t.Run("no match stores nothing", func(t *testing.T) {
		m := newModule()
		m.inquiry = inquiry
		m.peers["11,22,333"] = "Phone"
		hc, _, _ := newTestHC05(t, m)
		store := testStore(t)

		s, err := NewSupervisor(hc, store, testConfig())
		require.NoError(t, err)
		require.Error(t, s.Pair())
		assert.False(t, s.Paired())
		assert.NotContains(t, m.commands(), "AT+PAIR=2,72,D2224,120")
	})

	t.Run("step failure aborts", func(t *testing.T) {
		m := newModule()
		hc, _, line := newTestHC05(t, m)
		s, err := NewSupervisor(hc, testStore(t), testConfig())
		require.NoError(t, err)

		line.SetResponder(func(baud int, w []byte) []byte {
			if strings.HasPrefix(string(w), CmdRole) {
				return []byte(ERROR + ":(1D)\r\n")
			}
			return m.respond(baud, w)
		})
		require.Error(t, s.Pair())
		assert.NotContains(t, m.commands(), CmdReset)
	})
}
