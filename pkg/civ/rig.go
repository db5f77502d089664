package civ

import (
	"errors"
	"fmt"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/transport"
)

var (
	// ErrBusy is returned by opportunistic calls when the link is in use
	ErrBusy = errors.New("civ link busy")
	// ErrNoResponse is returned when the radio never answered
	ErrNoResponse = errors.New("no response from radio")
	// ErrRejected is returned when the radio answered FA or a non-FB frame
	ErrRejected = errors.New("radio rejected command")
)

const maxFrame = 128

// Client issues CI-V requests on a device. Callers must hold the device
// lock; Rig does that for them.
type Client struct {
	dev        *transport.Device
	radio      byte
	controller byte
	timeout    time.Duration
}

// Radio returns the transceiver address
func (c *Client) Radio() byte {
	return c.radio
}

// Controller returns our address on the bus
func (c *Client) Controller() byte {
	return c.controller
}

func (c *Client) send(cmd byte, data ...byte) error {
	if _, err := c.dev.Write(Frame(c.radio, c.controller, cmd, data...)); err != nil {
		return fmt.Errorf("failed to send CI-V command %02X: %w", cmd, err)
	}
	return nil
}

// Response reads one FD-terminated frame, nil when the stream is exhausted
func (c *Client) Response() []byte {
	buf := make([]byte, maxFrame)
	n := c.dev.ReadUntil(EOM, buf, c.timeout)
	if n == 0 {
		return nil
	}
	return buf[:n]
}

// awaitAck waits for the FB/FA reply addressed to us
func (c *Client) awaitAck() error {
	for p := c.Response(); p != nil; p = c.Response() {
		r := Parse(p)
		if r.Len() != 6 || r.To() != c.controller {
			continue
		}
		if r.Type() == TypeAck {
			return nil
		}
		return ErrRejected
	}
	return ErrNoResponse
}

// awaitReply waits for a frame from the radio whose bytes after the
// addresses start with prefix and that has at least minLen bytes
func (c *Client) awaitReply(minLen int, prefix ...byte) (Response, error) {
	for p := c.Response(); p != nil; p = c.Response() {
		r := Parse(p)
		if r.Len() < minLen || !r.IsFrom(c.radio) {
			continue
		}
		if matchPrefix(r.Bytes()[4:], prefix) {
			return r, nil
		}
	}
	return Response{}, ErrNoResponse
}

func matchPrefix(p, prefix []byte) bool {
	if len(p) < len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ReadOperatingFreq asks for the frequency; the reply arrives as telemetry
func (c *Client) ReadOperatingFreq() error {
	return c.send(byte(TypeReadOperatingFreq))
}

// ReadModeFilter asks for mode and filter
func (c *Client) ReadModeFilter() error {
	return c.send(byte(TypeReadModeFilter))
}

// ReadRFPower asks for the RF power level
func (c *Client) ReadRFPower() error {
	return c.send(byte(TypeLevel), SubRFPower)
}

// RFPower requests and returns the RF power level
func (c *Client) RFPower() (int, error) {
	if err := c.ReadRFPower(); err != nil {
		return 0, err
	}
	r, err := c.awaitReply(9, byte(TypeLevel), SubRFPower)
	if err != nil {
		return 0, err
	}
	return r.RFPower(), nil
}

// ModeFilter requests and returns mode and filter
func (c *Client) ModeFilter() (mode, filter int, err error) {
	if err := c.ReadModeFilter(); err != nil {
		return -1, -1, err
	}
	r, err := c.awaitReply(8, byte(TypeReadModeFilter))
	if err != nil {
		return -1, -1, err
	}
	return r.Mode(), r.Filter(), nil
}

// WriteModeFilter sets mode and filter without waiting for an ack
func (c *Client) WriteModeFilter(mode, filter int) error {
	return c.send(byte(TypeSetModeFilterRig), byte(mode), byte(filter))
}

// WriteRFPower sets the RF power level (0-255) and waits for FB
func (c *Client) WriteRFPower(level int) error {
	bcd := EncodeLevel(level)
	if err := c.send(byte(TypeLevel), SubRFPower, bcd[0], bcd[1]); err != nil {
		return err
	}
	return c.awaitAck()
}

// SetTX keys or unkeys the transmitter
func (c *Client) SetTX(on bool) error {
	if err := c.send(byte(TypeTX), SubTXState, boolByte(on)); err != nil {
		return err
	}
	return c.awaitAck()
}

// IsTransmitting reads the TX state
func (c *Client) IsTransmitting() (bool, error) {
	if err := c.send(byte(TypeTX), SubTXState); err != nil {
		return false, err
	}
	r, err := c.awaitReply(8, byte(TypeTX), SubTXState)
	if err != nil {
		return false, err
	}
	return r.Bytes()[6] == 0x01, nil
}

// SetTuner switches the internal tuner
func (c *Client) SetTuner(on bool) error {
	if err := c.send(byte(TypeTX), SubTunerATU, boolByte(on)); err != nil {
		return err
	}
	return c.awaitAck()
}

var (
	tunerTypeItem  = []byte{0x05, 0x03, 0x65}
	transceiveItem = []byte{0x05, 0x01, 0x31}
)

// IsTunerSelectAH705 reports whether the radio's external tuner menu is set
// to AH-705
func (c *Client) IsTunerSelectAH705() (bool, error) {
	if err := c.send(byte(TypeVarious), tunerTypeItem...); err != nil {
		return false, err
	}
	r, err := c.awaitReply(10, append([]byte{byte(TypeVarious)}, tunerTypeItem...)...)
	if err != nil {
		return false, err
	}
	return r.Bytes()[8] == 0x00, nil
}

// Transceive reads the CI-V transceive setting. Only the IC-705 menu item
// is known, so other radios report false.
func (c *Client) Transceive() (bool, error) {
	if c.radio != DefaultRadio {
		return false, nil
	}
	if err := c.send(byte(TypeVarious), transceiveItem...); err != nil {
		return false, err
	}
	r, err := c.awaitReply(10, append([]byte{byte(TypeVarious)}, transceiveItem...)...)
	if err != nil {
		return false, err
	}
	return r.Bytes()[8] == 0x01, nil
}

// SetTransceive turns CI-V transceive on or off (IC-705 only)
func (c *Client) SetTransceive(on bool) error {
	if c.radio != DefaultRadio {
		return nil
	}
	data := append(append([]byte(nil), transceiveItem...), boolByte(on))
	if err := c.send(byte(TypeVarious), data...); err != nil {
		return err
	}
	return c.awaitAck()
}

func boolByte(on bool) byte {
	if on {
		return 0x01
	}
	return 0x00
}

// Rig is the shared CI-V link to the transceiver. Mandatory callers wait
// for the link, pollers pass wait=false and get ErrBusy instead.
type Rig struct {
	client *Client
}

// NewRig binds a rig proxy to dev
func NewRig(dev *transport.Device, radio, controller byte, timeout time.Duration) *Rig {
	return &Rig{client: &Client{dev: dev, radio: radio, controller: controller, timeout: timeout}}
}

// Device returns the underlying link
func (r *Rig) Device() *transport.Device {
	return r.client.dev
}

// Radio returns the transceiver address
func (r *Rig) Radio() byte {
	return r.client.radio
}

// Controller returns our CI-V address
func (r *Rig) Controller() byte {
	return r.client.controller
}

// Do runs fn holding the link
func (r *Rig) Do(wait bool, fn func(c *Client) error) error {
	dev := r.client.dev
	if wait {
		dev.Lock()
	} else if !dev.TryLock() {
		return ErrBusy
	}
	defer dev.Unlock()
	return fn(r.client)
}

// As returns a proxy on the same link that sends from another controller
// address, so replies are routed to a different listener.
func (r *Rig) As(controller byte) *Rig {
	c := *r.client
	c.controller = controller
	return &Rig{client: &c}
}

// ReadOperatingFreq requests the frequency
func (r *Rig) ReadOperatingFreq(wait bool) error {
	return r.Do(wait, (*Client).ReadOperatingFreq)
}

// ReadRFPower requests the RF power; the reply arrives through dispatch
func (r *Rig) ReadRFPower(wait bool) error {
	return r.Do(wait, (*Client).ReadRFPower)
}

// RFPower reads the power level synchronously
func (r *Rig) RFPower() (int, error) {
	var level int
	err := r.Do(true, func(c *Client) error {
		var err error
		level, err = c.RFPower()
		return err
	})
	return level, err
}

// WriteRFPower sets the RF power level
func (r *Rig) WriteRFPower(level int, wait bool) error {
	err := r.Do(wait, func(c *Client) error {
		return c.WriteRFPower(level)
	})
	if err != nil && !errors.Is(err, ErrBusy) {
		logging.Warnf("civ", "write RF power %d failed: %v", level, err)
	}
	return err
}

// SetTransceive toggles CI-V transceive
func (r *Rig) SetTransceive(on bool) error {
	return r.Do(true, func(c *Client) error {
		return c.SetTransceive(on)
	})
}

// OnFrame forwards a frame from another controller to the radio and sends
// the reply back to src. Clone transfers are relayed byte for byte.
func (r *Rig) OnFrame(frame []byte, src *transport.Device) {
	if IsClonePacket(frame) && (frame[4] == CloneRead || frame[4] == CloneWrite) {
		r.clone(frame, src)
		return
	}
	_ = r.Do(true, func(c *Client) error {
		if _, err := c.dev.Write(frame); err != nil {
			return err
		}
		if reply := c.Response(); reply != nil {
			_, err := src.Write(reply)
			return err
		}
		return nil
	})
}

func (r *Rig) clone(frame []byte, src *transport.Device) {
	logging.Infof("civ", "clone %s from %s", cloneName(frame[4]), src.Name())
	_ = r.Do(true, func(c *Client) error {
		if _, err := c.dev.Write(frame); err != nil {
			return err
		}
		if frame[4] == CloneRead {
			for p := c.Response(); p != nil || c.dev.Available() > 0; p = c.Response() {
				if p != nil {
					if _, err := src.Write(p); err != nil {
						return err
					}
				}
			}
			return nil
		}
		buf := make([]byte, maxFrame)
		for {
			n := src.ReadUntil(EOM, buf, c.timeout)
			if n == 0 && src.Available() == 0 {
				return nil
			}
			if n > 0 {
				if _, err := c.dev.Write(buf[:n]); err != nil {
					return err
				}
			}
		}
	})
}

func cloneName(cmd byte) string {
	if cmd == CloneRead {
		return "read"
	}
	return "write"
}
