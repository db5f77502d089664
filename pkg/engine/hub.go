package engine

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/protocol"
)

const (
	subscriberBuffer = 32
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Hub fans bridge events out to telemetry subscribers. A slow subscriber
// loses events rather than stalling the bridge.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan protocol.Event]struct{}
	closed bool
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[chan protocol.Event]struct{})}
}

// Subscribe returns a channel of events and the function that ends the
// subscription. The channel is closed when either is called or the hub
// closes.
func (h *Hub) Subscribe() (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Publish delivers ev to every subscriber with room for it
func (h *Hub) Publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Serve streams events to conn as JSON until the client goes away or the
// hub closes. It closes conn.
func (h *Hub) Serve(conn *websocket.Conn) {
	events, cancel := h.Subscribe()
	defer cancel()
	defer conn.Close()

	// the reader only notices the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logging.Debugf("web", "telemetry write: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
