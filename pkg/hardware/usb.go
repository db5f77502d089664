package hardware

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/jochenvg/go-udev"
)

// FTDI FT231X, the USB serial bridge inside Hardrock amplifiers
const (
	HardrockVendor  uint16 = 0x0403
	HardrockProduct uint16 = 0x6015
)

// USBDevice is a USB serial adapter found on the host
type USBDevice struct {
	Node    string `json:"node"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Serial  string `json:"serial"`
	Model   string `json:"model"`
}

// USBEnumerator lists attached USB serial adapters
type USBEnumerator interface {
	Scan() ([]USBDevice, error)
}

// USBScanner enumerates tty devices through udev and keeps the ones whose
// USB parent matches the vendor and product ids
type USBScanner struct {
	Vendor  uint16
	Product uint16
}

// NewUSBScanner creates a scanner for Hardrock USB cables
func NewUSBScanner() *USBScanner {
	return &USBScanner{Vendor: HardrockVendor, Product: HardrockProduct}
}

// Scan returns the matching devices sorted by device node
func (s *USBScanner) Scan() ([]USBDevice, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("tty"); err != nil {
		return nil, fmt.Errorf("failed to match tty subsystem: %w", err)
	}
	if err := e.AddMatchIsInitialized(); err != nil {
		return nil, fmt.Errorf("failed to match initialized devices: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tty devices: %w", err)
	}

	var found []USBDevice
	for _, d := range devices {
		node := d.Devnode()
		if node == "" {
			continue
		}
		parent := d.ParentWithSubsystemDevtype("usb", "usb_device")
		if parent == nil {
			continue
		}
		vendor := parseID(parent.SysattrValue("idVendor"))
		product := parseID(parent.SysattrValue("idProduct"))
		if vendor != s.Vendor || product != s.Product {
			continue
		}
		found = append(found, USBDevice{
			Node:    node,
			Vendor:  vendor,
			Product: product,
			Serial:  parent.SysattrValue("serial"),
			Model:   parent.SysattrValue("product"),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Node < found[j].Node })
	return found, nil
}

func parseID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
