// Package binding fans packets read from one serial source out to the
// components bound to it.
package binding

import (
	"sync"

	"github.com/dougsko/hardplace/pkg/civ"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/transport"
)

// Listener receives packets from a source. Implementations must be
// comparable (pointer receivers) because membership is by identity.
type Listener interface {
	OnFrame(frame []byte, src *transport.Device)
	OnText(packet string, src *transport.Device)
}

// Nop can be embedded by listeners that only care about one framing
type Nop struct{}

func (Nop) OnFrame([]byte, *transport.Device) {}
func (Nop) OnText(string, *transport.Device)  {}

type entry struct {
	listener Listener
	address  byte
}

// List holds listeners in registration order. It does not own them.
type List struct {
	name    string
	mu      sync.RWMutex
	entries []entry
}

// NewList returns an empty list; name is used in diagnostics
func NewList(name string) *List {
	return &List{name: name}
}

// Bind adds l with the default controller address. Binding twice is a no-op.
func (b *List) Bind(l Listener) bool {
	return b.BindAddress(l, civ.DefaultController)
}

// BindAddress adds l to receive CI-V frames addressed to address
func (b *List) BindAddress(l Listener, address byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.listener == l {
			logging.Warnf("binding", "%s: listener already bound", b.name)
			return false
		}
	}
	b.entries = append(b.entries, entry{listener: l, address: address})
	return true
}

// Unbind removes l
func (b *List) Unbind(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.listener == l {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// IsBound reports whether l is bound
func (b *List) IsBound(l Listener) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.listener == l {
			return true
		}
	}
	return false
}

// Len returns the number of bound listeners
func (b *List) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear unbinds everything
func (b *List) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

func (b *List) snapshot() []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]entry(nil), b.entries...)
}

// DispatchText delivers a text packet to every listener in order
func (b *List) DispatchText(packet string, src *transport.Device) {
	for _, e := range b.snapshot() {
		e.listener.OnText(packet, src)
	}
}

// DispatchFrame delivers a binary frame to every listener in order
func (b *List) DispatchFrame(frame []byte, src *transport.Device) {
	for _, e := range b.snapshot() {
		e.listener.OnFrame(frame, src)
	}
}

// DispatchCIV delivers broadcast and telemetry frames to everyone. Other
// frames go only to the first listener bound at the destination address.
func (b *List) DispatchCIV(frame []byte, src *transport.Device) {
	r := civ.Parse(frame)
	if r.IsBroadcast() || r.IsTelemetry() {
		b.DispatchFrame(frame, src)
		return
	}
	for _, e := range b.snapshot() {
		if e.address == r.To() {
			e.listener.OnFrame(frame, src)
			return
		}
	}
}
