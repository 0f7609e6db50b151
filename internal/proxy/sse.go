package proxy

import "sync"

// sseHub fans out heartbeat/event payloads to subscribed SSE clients. The
// register/unregister/skip-on-lag shape is the one
// arkeep/server/internal/websocket/hub.go uses for its WebSocket clients,
// adapted here to plain byte payloads (already-encoded SSE frames) instead
// of a typed Message, since every subscriber on a given stream receives
// the identical bytes.
type sseHub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[chan []byte]struct{})}
}

// subscribe registers a new client channel and returns it.
func (h *sseHub) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// unsubscribe removes and closes a client channel.
func (h *sseHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// broadcast sends payload to every subscriber; a subscriber whose buffer is
// full is dropped from the registry so a slow client can never stall the
// rest (same trade-off as Hub.Publish's skip-on-lag disconnect).
func (h *sseHub) broadcast(payload []byte) {
	h.mu.RLock()
	targets := make([]chan []byte, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c <- payload:
		default:
			h.unsubscribe(c)
		}
	}
}

// count returns the number of currently subscribed clients.
func (h *sseHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
