package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	streamBufferSize   = 32
	streamWriteTimeout = 10 * time.Second
)

// Hub fans accepted event envelopes out to websocket subscribers. A
// subscriber that cannot keep up loses events rather than backpressuring
// ingestion; the stream is a monitoring surface, not a delivery channel.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan []byte]struct{}{}}
}

func (h *Hub) Publish(event []byte) {
	if h == nil || len(event) == 0 {
		return
	}
	payload := append([]byte(nil), event...)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

func (h *Hub) subscribe() chan []byte {
	sub := make(chan []byte, streamBufferSize)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub chan []byte) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeStream upgrades the request and relays published events until the
// client goes away.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event := <-sub:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
