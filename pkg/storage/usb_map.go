package storage

import (
	"fmt"
	"sync"
)

// Binding names the amplifier port a USB cable is mapped to
type Binding string

const (
	Unbound  Binding = ""
	BindingA Binding = "A"
	BindingB Binding = "B"
)

const (
	// USBMapSize is the number of remembered USB amplifier cables
	USBMapSize = 4
	// DefaultUSBBaudRate is used until discovery records a rate
	DefaultUSBBaudRate = 19200

	maxSerialNumber = 8
	maxModelName    = 14
)

// USBEntry remembers one USB amplifier cable
type USBEntry struct {
	Binding  Binding `json:"binding"`
	Vendor   uint16  `json:"vendor"`
	Product  uint16  `json:"product"`
	Serial   string  `json:"serial"`
	Model    string  `json:"model"`
	BaudRate int     `json:"baud_rate"`
}

func (e USBEntry) matches(vendor, product uint16, serial string) bool {
	return e.Vendor == vendor && e.Product == product && e.Serial == truncate(serial, maxSerialNumber)
}

// USBMap maps USB amplifier cables to amplifier ports A and B
type USBMap struct {
	store   *Store
	mu      sync.Mutex
	entries [USBMapSize]USBEntry
}

// LoadUSBMap reads the map from the store
func (s *Store) LoadUSBMap() (*USBMap, error) {
	m := &USBMap{store: s}

	rows, err := s.db.Query(`
		SELECT slot, binding, vendor, product, serial, model, baud_rate
		FROM usb_bindings ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("failed to query USB bindings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot int
		var e USBEntry
		var binding string
		if err := rows.Scan(&slot, &binding, &e.Vendor, &e.Product, &e.Serial, &e.Model, &e.BaudRate); err != nil {
			return nil, fmt.Errorf("failed to scan USB binding: %w", err)
		}
		if slot < 0 || slot >= USBMapSize {
			continue
		}
		e.Binding = Binding(binding)
		m.entries[slot] = e
	}
	return m, rows.Err()
}

func (m *USBMap) saveSlot(slot int) error {
	e := m.entries[slot]
	query := `
		INSERT INTO usb_bindings (slot, binding, vendor, product, serial, model, baud_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			binding = excluded.binding,
			vendor = excluded.vendor,
			product = excluded.product,
			serial = excluded.serial,
			model = excluded.model,
			baud_rate = excluded.baud_rate,
			updated_at = CURRENT_TIMESTAMP
	`
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, err := m.store.db.Exec(query, slot, string(e.Binding), e.Vendor, e.Product, e.Serial, e.Model, e.BaudRate); err != nil {
		return fmt.Errorf("failed to save USB binding %d: %w", slot, err)
	}
	return nil
}

// Bind maps a cable to binding. A known cable is rebound in place,
// otherwise the first unbound slot is used. Full maps are left alone.
func (m *USBMap) Bind(binding Binding, vendor, product uint16, serial, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model = truncate(model, maxModelName)
	for i, e := range m.entries {
		if e.matches(vendor, product, serial) && e.Model == model {
			if e.Binding == binding {
				return nil
			}
			m.entries[i].Binding = binding
			return m.saveSlot(i)
		}
	}
	for i, e := range m.entries {
		if e.Binding == Unbound {
			m.entries[i] = USBEntry{
				Binding: binding,
				Vendor:  vendor,
				Product: product,
				Serial:  truncate(serial, maxSerialNumber),
				Model:   model,
			}
			return m.saveSlot(i)
		}
	}
	return nil
}

// Binding returns where a cable is mapped, Unbound if unknown
func (m *USBMap) Binding(vendor, product uint16, serial, model string) Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	model = truncate(model, maxModelName)
	for _, e := range m.entries {
		if e.matches(vendor, product, serial) && e.Model == model {
			return e.Binding
		}
	}
	return Unbound
}

// SetBaudRate remembers the rate discovery found for a cable
func (m *USBMap) SetBaudRate(vendor, product uint16, serial string, baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.matches(vendor, product, serial) {
			m.entries[i].BaudRate = baud
			return m.saveSlot(i)
		}
	}
	return nil
}

// BaudRate returns the remembered rate or DefaultUSBBaudRate
func (m *USBMap) BaudRate(vendor, product uint16, serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.matches(vendor, product, serial) && e.BaudRate != 0 {
			return e.BaudRate
		}
	}
	return DefaultUSBBaudRate
}

// Entries returns a copy of the bound slots in slot order
func (m *USBMap) Entries() []USBEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []USBEntry{}
	for _, e := range m.entries {
		if e.Binding != Unbound {
			entries = append(entries, e)
		}
	}
	return entries
}

// Erase forgets every cable
func (m *USBMap) Erase() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = [USBMapSize]USBEntry{}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if _, err := m.store.db.Exec("DELETE FROM usb_bindings"); err != nil {
		return fmt.Errorf("failed to erase USB bindings: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
