package bluetooth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/transport"
	"github.com/dougsko/hardplace/pkg/verbose"
)

var (
	// ErrNoResponse is returned when the module stays silent
	ErrNoResponse = errors.New("no response from module")
	// ErrFailed is returned when the module answers without OK
	ErrFailed = errors.New("command failed")
)

// BaudRates are tried in order when the module's rate is unknown
var BaudRates = []int{38400, 115200, 9600, 57600, 19200, 4800, 230400, 921600, 1382400}

// maxReplyLines bounds one reply; an inquiry lists at most a few peers
const maxReplyLines = 64

// Pins controls the module's supply and key lines. *hardware.Board
// satisfies it.
type Pins interface {
	BluetoothPower(on bool) error
	IsBluetoothPowerOn() bool
	BluetoothATMode(on bool) error
	IsBluetoothATMode() bool
	BluetoothLinked() bool
}

// HC05 is an AT command client for the module on dev
type HC05 struct {
	dev  *transport.Device
	pins Pins

	DefaultBaud int
	// Timeout bounds each reply line
	Timeout time.Duration
	// LinkTimeout bounds AT+LINK, which waits for the radio
	LinkTimeout time.Duration
	// ModeDelay lets the module settle after the key line moves
	ModeDelay time.Duration
	// ResetDelay is how long the supply stays off in a power cycle
	ResetDelay time.Duration
	// PingInterval is how long a successful exchange counts as proof of life
	PingInterval time.Duration

	mu       sync.Mutex
	lastComm time.Time
}

// NewHC05 returns a client for the module on dev
func NewHC05(dev *transport.Device, pins Pins, defaultBaud int) *HC05 {
	return &HC05{
		dev:          dev,
		pins:         pins,
		DefaultBaud:  defaultBaud,
		Timeout:      time.Second,
		LinkTimeout:  10 * time.Second,
		ModeDelay:    100 * time.Millisecond,
		ResetDelay:   250 * time.Millisecond,
		PingInterval: 10 * time.Second,
	}
}

// Device returns the module's serial link
func (h *HC05) Device() *transport.Device {
	return h.dev
}

// Send issues cmd and returns the full reply
func (h *HC05) Send(cmd string) (string, error) {
	return h.SendTimeout(cmd, h.Timeout)
}

// SendTimeout issues cmd, waiting up to timeout for each reply line. The
// key line is raised for the exchange and restored afterwards. Data lines
// are collected until a final result, a silent read or a cut-off line.
func (h *HC05) SendTimeout(cmd string, timeout time.Duration) (string, error) {
	defer h.enterAT()()

	h.dev.Lock()
	defer h.dev.Unlock()

	h.dev.Clear()
	if _, err := h.dev.WriteString(cmd + CRLF); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	var rsp strings.Builder
	for n := 0; n < maxReplyLines; n++ {
		line := h.dev.ReadStringUntil('\n', timeout)
		rsp.WriteString(line)
		kind := Classify(line)
		if kind == TypeData {
			continue
		}
		if kind != TypeOther || complete(rsp.String()) {
			break
		}
	}

	reply := rsp.String()
	verbose.Text("bluetooth", cmd, reply)
	if reply == "" {
		return "", fmt.Errorf("%s: %w", cmd, ErrNoResponse)
	}
	h.mu.Lock()
	h.lastComm = time.Now()
	h.mu.Unlock()
	if !Succeeded(reply) {
		return reply, fmt.Errorf("%s: %w", cmd, ErrFailed)
	}
	return reply, nil
}

// enterAT raises the key line if the module is in data mode and returns
// the function that puts it back
func (h *HC05) enterAT() func() {
	if h.pins.IsBluetoothATMode() {
		return func() {}
	}
	h.setATMode(true)
	return func() { h.setATMode(false) }
}

func (h *HC05) setATMode(on bool) {
	if h.pins.IsBluetoothATMode() == on {
		return
	}
	if err := h.pins.BluetoothATMode(on); err != nil {
		logging.Warnf("bluetooth", "Key line: %v", err)
		return
	}
	time.Sleep(h.ModeDelay)
}

// ATMode raises or drops the key line
func (h *HC05) ATMode(on bool) {
	h.setATMode(on)
}

// IsATMode reports whether the key line is raised
func (h *HC05) IsATMode() bool {
	return h.pins.IsBluetoothATMode()
}

// Ping checks the module answers. Unless now is set, a recent exchange
// counts as an answer. "AT" is tried twice.
func (h *HC05) Ping(now bool) bool {
	if !now {
		h.mu.Lock()
		recent := time.Since(h.lastComm) <= h.PingInterval
		h.mu.Unlock()
		if recent {
			return true
		}
	}
	if _, err := h.Send(CmdTest); err == nil {
		return true
	}
	_, err := h.Send(CmdTest)
	return err == nil
}

// DiscoverBaud finds the rate the module is talking at by pinging at the
// current rate and then at each of BaudRates. The original rate is kept
// when nothing answers.
func (h *HC05) DiscoverBaud() bool {
	defer h.enterAT()()

	found := h.Ping(true)
	original := h.dev.Baud()
	for _, baud := range BaudRates {
		if found {
			break
		}
		if err := h.dev.SetBaud(baud); err != nil {
			logging.Warnf("bluetooth", "Failed to set %d baud: %v", baud, err)
			continue
		}
		time.Sleep(h.ModeDelay)
		h.dev.Clear()
		found = h.Ping(true)
	}
	if !found {
		if err := h.dev.SetBaud(original); err != nil {
			logging.Warnf("bluetooth", "Failed to restore %d baud: %v", original, err)
		}
		time.Sleep(h.ModeDelay)
		h.dev.Clear()
		logging.Warn("bluetooth", "Baud rate discovery failed")
		return false
	}
	logging.Infof("bluetooth", "Baud rate discovered at %d", h.dev.Baud())
	return true
}

// PowerOn switches the module on
func (h *HC05) PowerOn() error {
	return h.pins.BluetoothPower(true)
}

// PowerOff switches the module off and returns the link to the default rate
func (h *HC05) PowerOff() error {
	if err := h.pins.BluetoothPower(false); err != nil {
		return err
	}
	if err := h.dev.SetBaud(h.DefaultBaud); err != nil {
		return fmt.Errorf("failed to restore default baud: %w", err)
	}
	return nil
}

// IsPoweredOn reports the supply state
func (h *HC05) IsPoweredOn() bool {
	return h.pins.IsBluetoothPowerOn()
}

// Linked reports the module's state line
func (h *HC05) Linked() bool {
	return h.pins.BluetoothLinked()
}

// Version returns the firmware version string
func (h *HC05) Version() (string, error) {
	rsp, err := h.Send(CmdVersion)
	if err != nil {
		return "", err
	}
	if v, ok := valueOf(rsp, "+VERSION:"); ok {
		return v, nil
	}
	if v, ok := valueOf(rsp, "VERSION:"); ok {
		return v, nil
	}
	return strings.TrimSpace(strings.TrimSuffix(rsp, OK)), nil
}

// InitSPP initializes the serial port profile. A module that is already
// initialized counts as success.
func (h *HC05) InitSPP() error {
	rsp, err := h.Send(CmdInit)
	if err != nil && strings.Contains(rsp, ErrorCode17) {
		return nil
	}
	return err
}

// Bind sets the address the module links to
func (h *HC05) Bind(addr string) error {
	_, err := h.Send(CmdBind + "=" + addr)
	return err
}

// BindAddress reads the bound address in "nap,uap,lap" form
func (h *HC05) BindAddress() (string, error) {
	rsp, err := h.Send(CmdBind + "?")
	if err != nil {
		return "", err
	}
	v, ok := valueOf(rsp, "+BIND:")
	if !ok || !strings.HasPrefix(rsp, "+BIND:") {
		return "", fmt.Errorf("unexpected bind reply %q", rsp)
	}
	return strings.ReplaceAll(v, ":", ","), nil
}

// Link connects to addr. A FAIL disconnects and an uninitialized profile
// is initialized so the next attempt can succeed. The reply is returned
// so callers can spot a wedged module.
func (h *HC05) Link(addr string) (string, error) {
	timeout := max(h.Timeout, h.LinkTimeout)
	rsp, err := h.SendTimeout(CmdLink+"="+addr, timeout)
	if err == nil {
		return rsp, nil
	}
	switch {
	case strings.Contains(rsp, "FAIL"):
		if derr := h.Disconnect(); derr != nil {
			logging.Debugf("bluetooth", "Disconnect after failed link: %v", derr)
		}
	case strings.Contains(rsp, ErrorCode16):
		if ierr := h.InitSPP(); ierr != nil {
			logging.Debugf("bluetooth", "Init after failed link: %v", ierr)
		}
	}
	return rsp, err
}

// Disconnect drops the current link
func (h *HC05) Disconnect() error {
	rsp, err := h.Send(CmdDisc)
	if err != nil && strings.Contains(rsp, ErrorCode16) {
		if ierr := h.InitSPP(); ierr != nil {
			return ierr
		}
	}
	return err
}

// ManualConnectionMode reports whether the module only links to its bound
// address. Older firmware answers "+CMOD:".
func (h *HC05) ManualConnectionMode() (bool, error) {
	rsp, err := h.Send(CmdCMode + "?")
	if err != nil {
		return false, err
	}
	for _, prefix := range []string{"+CMODE:", "+CMOD:"} {
		if v, ok := valueOf(rsp, prefix); ok {
			return strings.HasPrefix(v, "0"), nil
		}
	}
	return false, fmt.Errorf("unexpected cmode reply %q", rsp)
}

// PairDevice pairs with addr, allowing the peer secs to answer
func (h *HC05) PairDevice(addr string, secs int) error {
	timeout := time.Duration(secs)*time.Second + time.Second
	_, err := h.SendTimeout(CmdPair+"="+addr+","+strconv.Itoa(secs), max(h.Timeout, timeout))
	return err
}

// RemoteName asks for the name of the peer at addr
func (h *HC05) RemoteName(addr string, timeout time.Duration) (string, error) {
	rsp, err := h.SendTimeout(CmdRName+addr, max(h.Timeout, timeout))
	if err != nil {
		return "", err
	}
	v, ok := valueOf(rsp, "+RNAME:")
	if !ok {
		return "", fmt.Errorf("unexpected rname reply %q", rsp)
	}
	return v, nil
}
