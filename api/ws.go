package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/qflashio/engine/events"
)

// wsHub broadcasts every events.Event to connected websocket clients. It
// is best-effort plumbing for the (out-of-scope) UI, not core logic: a
// slow or disconnected client is dropped, never allowed to block event
// delivery to everyone else, mirroring events.Emitter's own "a misbehaving
// subscriber cannot crash the caller" guarantee one layer up.
type wsHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan events.Event
}

func newWSHub(emitter *events.Emitter) *wsHub {
	h := &wsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan events.Event),
	}
	if emitter != nil {
		for _, typ := range []events.EventType{
			events.EventRoundOpened,
			events.EventRoundLocked,
			events.EventRoundResolved,
			events.EventRoundCancelled,
			events.EventWagerPlaced,
			events.EventHouseMatched,
			events.EventPayoutCredited,
			events.EventDepositCredited,
			events.EventWithdrawalRequested,
		} {
			emitter.Subscribe(typ, h.broadcast)
		}
	}
	return h
}

func (h *wsHub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			log.Printf("[api] ws client %s too slow, dropping", conn.RemoteAddr())
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *wsHub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] ws upgrade: %v", err)
		return
	}

	ch := make(chan events.Event, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	// Drain and discard anything the client sends; this channel only
	// pushes, it never receives commands. Reading is what surfaces a
	// client-initiated close or network error.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.removeClient(conn, ch)
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			h.removeClient(conn, ch)
			return
		}
	}
}

func (h *wsHub) removeClient(conn *websocket.Conn, ch chan events.Event) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		conn.Close()
	}
}
