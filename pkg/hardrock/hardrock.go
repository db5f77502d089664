// Package hardrock drives the Hardrock family of HF amplifiers over their
// ';' terminated text protocol.
package hardrock

import (
	"fmt"
	"strconv"
	"strings"
)

// Model identifies the command dialect an amplifier speaks
type Model int

const (
	ModelUnknown Model = iota
	ModelHR50
	ModelHR50Plus
	ModelHR500
)

// String returns the product name
func (m Model) String() string {
	switch m {
	case ModelHR50:
		return "Hardrock-50"
	case ModelHR50Plus:
		return "Hardrock-50+"
	case ModelHR500:
		return "Hardrock-500"
	default:
		return "Unknown"
	}
}

// Keying modes reported by HRMD
const (
	KeyingUnknown = -1
	KeyingOff     = 0
	KeyingPTT     = 1
	KeyingCOR     = 2
	KeyingQRP     = 3
)

// BandUnknown is returned when the amplifier band can't be read
const BandUnknown = 99

// Status is the HRST telemetry block
type Status struct {
	Forward     int
	Reflected   int
	Drive       int
	SWR         int
	Voltage     int
	Current     int
	Temperature int
}

// Amplifier is the operation set shared by every model
type Amplifier interface {
	Model() Model
	Session() *Session

	// Setup wakes the command interpreter
	Setup()
	IsConnected() bool

	SetFrequency(hz uint64)
	FrequencyBand() int
	SetFrequencyBand(band int)
	SetFrequencyBandHz(hz uint64)

	KeyingMode() int
	SetKeyingMode(ptt bool)

	// PowerOrSWR reads HRPW with F (forward), R (reflected), D (drive) or V (SWR)
	PowerOrSWR(which byte) float64
	Status() (Status, bool)
	Temperature() string
	IsTemperatureCelsius() bool
	SetTemperatureCelsius(celsius bool)
	Voltage() float64

	IsATUPresent() bool
	Tune()
	IsTuning() bool
	SaveATUSettings() bool
	IsTunerBypassed() bool
	SetTunerBypass(bypass bool)

	ActiveAntenna() int
	Antenna1Enabled() bool
	Antenna2Enabled() bool
}

// New returns the implementation for model
func New(model Model, s *Session) (Amplifier, error) {
	switch model {
	case ModelHR50:
		return &HR50{base{s: s}}, nil
	case ModelHR50Plus:
		return &HR50Plus{base{s: s}}, nil
	case ModelHR500:
		return &HR500{base{s: s}}, nil
	}
	return nil, fmt.Errorf("unsupported amplifier model %d", model)
}

// base holds the commands every dialect shares
type base struct {
	s *Session
}

func (b *base) Session() *Session {
	return b.s
}

func (b *base) Setup() {
	b.s.dev.Lock()
	defer b.s.dev.Unlock()
	b.s.attention()
}

func (b *base) SetFrequency(hz uint64) {
	b.s.Send(fmt.Sprintf("FA%011d;", hz))
}

func (b *base) FrequencyBand() int {
	rsp := b.s.Exchange("HRBN;")
	if rsp == "" {
		return BandUnknown
	}
	band, err := strconv.Atoi(payload(rsp, 4))
	if err != nil {
		return BandUnknown
	}
	return band
}

func (b *base) SetFrequencyBand(band int) {
	b.s.Send(fmt.Sprintf("HRBN%d;", band))
}

func (b *base) SetFrequencyBandHz(hz uint64) {
	b.SetFrequencyBand(BandForFrequency(hz))
}

func (b *base) SetKeyingMode(ptt bool) {
	if ptt {
		b.s.Send("HRMD1;")
	} else {
		b.s.Send("HRMD0;")
	}
}

func (b *base) PowerOrSWR(which byte) float64 {
	cmd := "HRPW" + string(which) + ";"
	rsp := b.s.Exchange(cmd)
	if rsp == "" {
		return 0
	}
	return atof(payload(rsp, 5))
}

func (b *base) Status() (Status, bool) {
	return ParseStatus(b.s.Exchange("HRST;"))
}

func (b *base) Temperature() string {
	rsp := b.s.Exchange("HRTP;")
	v := payload(rsp, 4)
	if v == "" || v[0] < '0' || v[0] > '9' {
		return ""
	}
	return v
}

func (b *base) IsTemperatureCelsius() bool {
	return strings.HasSuffix(payload(b.s.Exchange("HRTS;"), 4), "C")
}

func (b *base) SetTemperatureCelsius(celsius bool) {
	if celsius {
		b.s.Send("HRTSC;")
	} else {
		b.s.Send("HRTSF;")
	}
}

func (b *base) Voltage() float64 {
	return atof(payload(b.s.Exchange("HRVT;"), 4))
}

// HRTM is the pass-through to the ATU-50 tuner board
func (b *base) IsATUPresent() bool {
	return len(b.s.Exchange("HRTMV?;")) > 5
}

func (b *base) IsTuning() bool {
	rsp := b.s.Exchange("HRTMS?;")
	return len(rsp) > 5 && rsp[5] != ';'
}

func (b *base) SaveATUSettings() bool {
	const cmd = "HRTMQ;"
	return b.s.Send(cmd) == len(cmd)
}

func (b *base) IsTunerBypassed() bool {
	return flag(b.s.Exchange("HRTB;")) == '0'
}

func (b *base) SetTunerBypass(bypass bool) {
	if bypass {
		b.s.Send("HRTB0;")
	} else {
		b.s.Send("HRTB1;")
	}
}

func (b *base) ActiveAntenna() int {
	return 1
}

func (b *base) Antenna1Enabled() bool {
	return true
}

func (b *base) Antenna2Enabled() bool {
	return false
}

// isConnected sends HRAA until the amplifier echoes it back or goes quiet
func (b *base) isConnected() bool {
	const cmd = "HRAA;"
	b.s.dev.Lock()
	defer b.s.dev.Unlock()
	for i := 0; i < maxAttempts; i++ {
		b.s.write(cmd)
		rsp := b.s.read(b.s.ReadTimeout)
		if rsp == cmd {
			return true
		}
		if rsp == "" {
			return false
		}
	}
	return false
}

// HR50Plus is the Hardrock-50+ with the optional ATU-50
type HR50Plus struct {
	base
}

func (a *HR50Plus) Model() Model {
	return ModelHR50Plus
}

func (a *HR50Plus) IsConnected() bool {
	return a.isConnected()
}

// KeyingMode reads HRMD. Some firmware answers with a longer packet
// while keying is disabled; forcing PTT keying and asking again recovers.
func (a *HR50Plus) KeyingMode() int {
	const cmd = "HRMD;"
	a.s.dev.Lock()
	defer a.s.dev.Unlock()
	rsp := a.s.exchange(cmd)
	if len(rsp) > 6 {
		a.s.write("HRMD1;")
		rsp = a.s.exchange(cmd)
	}
	if len(rsp) != 6 {
		return KeyingUnknown
	}
	if m := int(rsp[4] - '0'); m >= KeyingOff && m <= KeyingQRP {
		return m
	}
	return KeyingUnknown
}

func (a *HR50Plus) Tune() {
	a.s.Send("HRTMA;")
}

// HR500 is the Hardrock-500 with its internal tuner and two antenna ports
type HR500 struct {
	base
}

func (a *HR500) Model() Model {
	return ModelHR500
}

func (a *HR500) IsConnected() bool {
	return a.isConnected()
}

func (a *HR500) KeyingMode() int {
	switch flag(a.s.Exchange("HRMD;")) {
	case '0':
		return KeyingOff
	case '1':
		return KeyingPTT
	}
	return KeyingUnknown
}

func (a *HR500) IsATUPresent() bool {
	return flag(a.s.Exchange("HRAP;")) == '1'
}

func (a *HR500) Tune() {
	a.s.Send("HRTU;")
}

func (a *HR500) IsTuning() bool {
	return flag(a.s.Exchange("HRTT;")) == '1'
}

func (a *HR500) ActiveAntenna() int {
	switch flag(a.s.Exchange("HRAN;")) {
	case '1':
		return 1
	case '2':
		return 2
	}
	return 0
}

func (a *HR500) Antenna2Enabled() bool {
	return true
}

// HR50 is the original Hardrock-50. It has no HRAA, so a band query
// stands in for the connection check, and the ATU bypass is HRAT.
type HR50 struct {
	base
}

func (a *HR50) Model() Model {
	return ModelHR50
}

func (a *HR50) IsConnected() bool {
	return a.s.Exchange("HRBN;") != ""
}

func (a *HR50) KeyingMode() int {
	rsp := a.s.Exchange("HRMD;")
	if len(rsp) != 6 {
		return KeyingUnknown
	}
	if m := int(rsp[4] - '0'); m >= KeyingOff && m <= KeyingQRP {
		return m
	}
	return KeyingUnknown
}

func (a *HR50) Tune() {
	a.s.Send("HRTU;")
}

func (a *HR50) Status() (Status, bool) {
	return Status{}, false
}

func (a *HR50) IsTemperatureCelsius() bool {
	return strings.HasSuffix(payload(a.s.Exchange("HRTP;"), 4), "C")
}

func (a *HR50) SetTemperatureCelsius(celsius bool) {
	if celsius {
		a.s.Send("HRTPC;")
	} else {
		a.s.Send("HRTPF;")
	}
}

func (a *HR50) IsTunerBypassed() bool {
	return flag(a.s.Exchange("HRAT;")) == '0'
}

func (a *HR50) SetTunerBypass(bypass bool) {
	if bypass {
		a.s.Send("HRAT0;")
	} else {
		a.s.Send("HRAT1;")
	}
}

// payload returns the characters between offset and the trailing ';'
func payload(rsp string, offset int) string {
	if len(rsp) <= offset || rsp[len(rsp)-1] != ';' {
		return ""
	}
	return rsp[offset : len(rsp)-1]
}

// flag returns the single character after the command letters
func flag(rsp string) byte {
	if len(rsp) < 6 {
		return 0
	}
	return rsp[4]
}

func atof(s string) float64 {
	s = strings.TrimRightFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseStatus decodes "HRST-fff-rrr-ddd-sss-vvv-iii-ttt-;". Replies
// that lost their separators are split into three digit fields.
func ParseStatus(rsp string) (Status, bool) {
	if !strings.HasPrefix(rsp, "HRST") {
		return Status{}, false
	}
	body := strings.TrimSuffix(rsp[4:], ";")
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return r == '-' || r == ' '
	})
	if len(fields) == 1 && len(body) >= 21 {
		fields = nil
		for i := 0; i+3 <= len(body); i += 3 {
			fields = append(fields, body[i:i+3])
		}
	}
	if len(fields) < 7 {
		return Status{}, false
	}
	var v [7]int
	for i := range v {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return Status{}, false
		}
		v[i] = n
	}
	return Status{
		Forward:     v[0],
		Reflected:   v[1],
		Drive:       v[2],
		SWR:         v[3],
		Voltage:     v[4],
		Current:     v[5],
		Temperature: v[6],
	}, true
}
